package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"go.uber.org/zap"
)

// Backend 外部检测/推荐服务
type Backend interface {
	Predict(ctx context.Context, baseURL string, img model.ImageInput, params model.DetectionParameters) (*PredictResult, error)
	Recommend(ctx context.Context, baseURL string, totals map[string]int) (string, error)
	Healthz(ctx context.Context, baseURL string) (map[string]any, error)
}

// ImagePreparer 在发送前解码图片、计算提示信息并按需缩小
type ImagePreparer interface {
	Prepare(img model.ImageInput) (model.ImageInput, model.ImageInfo, error)
}

// PublishFunc 每次状态变化后调用，用于渐进展示
type PublishFunc func(state *model.BatchState)

// Orchestrator 驱动一次批处理：逐张检测、汇总、推荐
type Orchestrator struct {
	backend      Backend
	preparer     ImagePreparer
	semaphore    chan struct{}
	queueTimeout time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

func NewOrchestrator(backend Backend, preparer ImagePreparer, cfg *config.BatchConfig) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		backend:      backend,
		preparer:     preparer,
		semaphore:    make(chan struct{}, maxConcurrent),
		queueTimeout: cfg.QueueTimeout,
		running:      make(map[string]struct{}),
	}
}

type preparedImage struct {
	original model.ImageInput
	upload   model.ImageInput
	info     model.ImageInfo
}

// RunBatch 按输入顺序逐张调用 /predict。
//
// 某张图片失败时返回 *DetectionRequestError，已完成的结果保留在 state 中，
// Completed 保持 false。
func (o *Orchestrator) RunBatch(ctx context.Context, state *model.BatchState, images []model.ImageInput,
	params model.DetectionParameters, backendURL string, publish PublishFunc) error {
	if len(images) == 0 {
		return ErrNoImages
	}
	if publish == nil {
		publish = func(*model.BatchState) {}
	}

	if !o.begin(state.SessionID) {
		return ErrBatchBusy
	}
	defer o.end(state.SessionID)

	prepared := o.prepare(state.SessionID, images)

	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	startTime := time.Now()
	backendURL = NormalizeBaseURL(backendURL)

	// 每次运行都从空结果开始
	state.Reset()
	state.Busy = true
	publish(state)

	utils.Logger.Info("batch started",
		zap.String("session", state.SessionID),
		zap.Int("images", len(images)),
		zap.Float64("conf", params.Confidence),
		zap.Float64("iou", params.IoU),
		zap.String("backend", backendURL))

	for i, p := range prepared {
		out, err := o.backend.Predict(ctx, backendURL, p.upload, params)
		if err != nil {
			state.Busy = false
			publish(state)

			utils.Logger.Error("detection failed, batch aborted",
				zap.String("session", state.SessionID),
				zap.String("image", p.original.Name),
				zap.Int("index", i),
				zap.Int("completed", len(state.Results)),
				zap.Error(err))
			return &DetectionRequestError{Image: p.original.Name, Err: err}
		}

		state.AddResult(model.ImageResult{
			Name:         p.original.Name,
			Digest:       utils.BytesMD5(p.original.Data),
			ContentType:  p.original.ContentType,
			Original:     p.original.Data,
			AnnotatedB64: out.AnnotatedB64,
			Counts:       out.Counts,
			Width:        p.info.Width,
			Height:       p.info.Height,
			LowDetail:    p.info.LowDetail,
		})
		publish(state)

		utils.Logger.Debug("image analyzed",
			zap.String("session", state.SessionID),
			zap.String("image", p.original.Name),
			zap.Any("counts", out.Counts))
	}

	state.Completed = true
	state.Busy = false
	publish(state)

	utils.Logger.Info("batch completed",
		zap.String("session", state.SessionID),
		zap.Int("images", len(state.Results)),
		zap.String("summary", state.Summary()),
		zap.Duration("duration", time.Since(startTime)))

	return nil
}

// RequestRecommendation 对整批汇总调用一次 /recommend。
//
// 已有推荐时不再请求。返回空字符串表示后端没有内容，state 保持不变以便重试。
func (o *Orchestrator) RequestRecommendation(ctx context.Context, state *model.BatchState, backendURL string) (string, error) {
	if len(state.Totals) == 0 {
		return "", ErrNoTotals
	}
	if o.isRunning(state.SessionID) {
		return "", ErrBatchBusy
	}
	if state.Recommendation != "" {
		return state.Recommendation, nil
	}

	text, err := o.backend.Recommend(ctx, NormalizeBaseURL(backendURL), state.Totals)
	if err != nil {
		utils.Logger.Warn("recommendation failed",
			zap.String("session", state.SessionID),
			zap.Error(err))
		return "", &RecommendationError{Err: err}
	}

	if strings.TrimSpace(text) == "" {
		utils.Logger.Info("backend returned empty recommendation",
			zap.String("session", state.SessionID))
		return "", nil
	}

	state.Recommendation = text
	return text, nil
}

// CheckHealth 探测 /healthz。失败时仍返回报告（unhealthy），同时返回 *HealthCheckError。
func (o *Orchestrator) CheckHealth(ctx context.Context, backendURL string) (*model.HealthReport, error) {
	body, err := o.backend.Healthz(ctx, NormalizeBaseURL(backendURL))
	var checkErr error
	if err != nil {
		body = map[string]any{"error": err.Error()}
		checkErr = &HealthCheckError{Err: err}
	}

	return &model.HealthReport{
		Status:    ClassifyHealth(body),
		Body:      body,
		CheckedAt: time.Now().Unix(),
	}, checkErr
}

// ResetBatch 开始新的分析
func (o *Orchestrator) ResetBatch(state *model.BatchState) {
	state.Reset()
}

// IsRunning 会话是否有正在进行的批处理
func (o *Orchestrator) IsRunning(sessionID string) bool {
	return o.isRunning(sessionID)
}

// prepare 无法解码的图片原样发送，由后端判定失败
func (o *Orchestrator) prepare(sessionID string, images []model.ImageInput) []preparedImage {
	prepared := make([]preparedImage, 0, len(images))
	for _, img := range images {
		p := preparedImage{original: img, upload: img}
		if o.preparer != nil {
			upload, info, err := o.preparer.Prepare(img)
			if err != nil {
				utils.Logger.Warn("image could not be decoded locally, sending as uploaded",
					zap.String("session", sessionID),
					zap.String("image", img.Name),
					zap.Error(err))
			} else {
				p.upload = upload
				p.info = info
			}
		}
		prepared = append(prepared, p)
	}
	return prepared
}

// acquire 限制跨会话同时运行的批次数
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, o.queueTimeout)
	defer cancel()

	select {
	case o.semaphore <- struct{}{}:
		return func() { <-o.semaphore }, nil
	case <-ctx.Done():
		return nil, ErrQueueTimeout
	}
}

func (o *Orchestrator) begin(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[sessionID]; ok {
		return false
	}
	o.running[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) end(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, sessionID)
}

func (o *Orchestrator) isRunning(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[sessionID]
	return ok
}
