package model

import (
	"fmt"
	"sort"
	"strings"
)

// DetectionParameters 单次批处理的检测阈值
type DetectionParameters struct {
	Confidence float64 `json:"conf"`
	IoU        float64 `json:"iou"`
}

// ImageInput 用户上传或拍摄的一张图片
type ImageInput struct {
	Name        string
	Data        []byte
	ContentType string
}

// ImageResult 单张图片的检测结果，创建后不再修改
type ImageResult struct {
	Name         string         `json:"name"`
	Digest       string         `json:"digest"`
	ContentType  string         `json:"content_type"`
	Original     []byte         `json:"original"`
	AnnotatedB64 string         `json:"annotated_image_b64"`
	Counts       map[string]int `json:"counts"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	LowDetail    bool           `json:"low_detail,omitempty"`
}

// BatchState 一个会话当前批次的全部状态
type BatchState struct {
	SessionID      string         `json:"session_id"`
	Results        []ImageResult  `json:"results"`
	Totals         map[string]int `json:"totals"`
	Recommendation string         `json:"recommendation"`
	Completed      bool           `json:"completed"`
	Busy           bool           `json:"busy"`
	Health         *HealthReport  `json:"health,omitempty"`
	UpdatedAt      int64          `json:"updated_at"`
}

// NewBatchState 创建会话开始时的空状态
func NewBatchState(sessionID string) *BatchState {
	return &BatchState{
		SessionID: sessionID,
		Results:   []ImageResult{},
		Totals:    map[string]int{},
	}
}

// Reset 清空批次，健康检查结果保留
func (s *BatchState) Reset() {
	s.Results = []ImageResult{}
	s.Totals = map[string]int{}
	s.Recommendation = ""
	s.Completed = false
	s.Busy = false
}

// AddResult 追加一张图片的结果并重新汇总
func (s *BatchState) AddResult(r ImageResult) {
	s.Results = append(s.Results, r)
	s.RecomputeTotals()
}

// RecomputeTotals 根据所有图片结果重新计算总数
func (s *BatchState) RecomputeTotals() {
	totals := make(map[string]int)
	for _, r := range s.Results {
		for label, n := range r.Counts {
			totals[CanonicalLabel(label)] += n
		}
	}
	s.Totals = totals
}

// Summary 按数量降序生成 "3 PAPER, 1 GLASS" 形式的摘要
func (s *BatchState) Summary() string {
	return SummarizeCounts(s.Totals)
}

// CanonicalLabel 类别名统一为大写
func CanonicalLabel(label string) string {
	return strings.ToUpper(strings.TrimSpace(label))
}

// NormalizeCounts 合并大小写不同的类别，负数按 0 处理
func NormalizeCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for label, n := range counts {
		if n < 0 {
			n = 0
		}
		out[CanonicalLabel(label)] += n
	}
	return out
}

func SummarizeCounts(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%d %s", counts[label], label))
	}
	return strings.Join(parts, ", ")
}

// ImageInfo 上传前对图片的检查结果
type ImageInfo struct {
	Width     int
	Height    int
	LowDetail bool
}
