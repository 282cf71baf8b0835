package service

import (
	"errors"
	"fmt"
)

var (
	ErrNoImages     = errors.New("no images to analyze")
	ErrNoTotals     = errors.New("no detected categories to recommend on")
	ErrBatchBusy    = errors.New("a batch run is already in progress")
	ErrQueueTimeout = errors.New("analysis queue is full, try again later")
)

// DetectionRequestError 单张图片检测失败，会中止整个批次
type DetectionRequestError struct {
	Image string
	Err   error
}

func (e *DetectionRequestError) Error() string {
	return fmt.Sprintf("detection failed for %q: %v", e.Image, e.Err)
}

func (e *DetectionRequestError) Unwrap() error { return e.Err }

// RecommendationError 推荐请求失败，转换为警告
type RecommendationError struct {
	Err error
}

func (e *RecommendationError) Error() string {
	return fmt.Sprintf("could not generate recommendation: %v", e.Err)
}

func (e *RecommendationError) Unwrap() error { return e.Err }

// HealthCheckError 健康检查失败，只影响状态指示
type HealthCheckError struct {
	Err error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check failed: %v", e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// StatusError 后端返回了非 2xx 状态码
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
