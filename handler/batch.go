package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/middleware"
	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/service"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BatchHandler struct {
	cfg          *config.Config
	store        service.SessionStore
	orchestrator *service.Orchestrator
}

func NewBatchHandler(cfg *config.Config, store service.SessionStore, orchestrator *service.Orchestrator) *BatchHandler {
	return &BatchHandler{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
	}
}

// Settings 返回后端地址和阈值范围
func (h *BatchHandler) Settings(c *gin.Context) {
	d := h.cfg.Detection
	c.JSON(http.StatusOK, model.SettingsResponse{
		BackendURL:    service.NormalizeBaseURL(h.cfg.Backend.URL),
		AllowOverride: h.cfg.Backend.AllowOverride,
		Confidence:    d.Confidence,
		IoU:           d.IoU,
		MinConfidence: d.MinConfidence,
		MaxConfidence: d.MaxConfidence,
		MinIoU:        d.MinIoU,
		MaxIoU:        d.MaxIoU,
		MaxFiles:      h.cfg.Upload.MaxFiles,
	})
}

// Get 返回当前会话的批次状态，分析进行中可轮询
func (h *BatchHandler) Get(c *gin.Context) {
	state, err := h.store.Load(c.Request.Context(), sessionFrom(c))
	if err != nil {
		h.storeFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, h.batchResponse(state, "ok"))
}

// Recommend 对整批结果请求一次推荐
func (h *BatchHandler) Recommend(c *gin.Context) {
	backendURL, err := h.backendURL(c)
	if err != nil {
		h.badRequest(c, err.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	sessionID := sessionFrom(c)

	state, err := h.store.Load(ctx, sessionID)
	if err != nil {
		h.storeFailure(c, err)
		return
	}

	text, err := h.orchestrator.RequestRecommendation(ctx, state, backendURL)
	var recErr *service.RecommendationError
	switch {
	case errors.Is(err, service.ErrNoTotals):
		h.badRequest(c, "Run Analyze first to enable recommendations.", state)
		return
	case errors.Is(err, service.ErrBatchBusy):
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Success: false,
			Message: "An analysis is still running",
			Data:    state,
		})
		return
	case errors.As(err, &recErr):
		c.JSON(http.StatusOK, model.BatchResponse{
			Success: false,
			Message: "Recommendation unavailable",
			Warning: recErr.Error(),
			Summary: state.Summary(),
			Data:    state,
		})
		return
	case err != nil:
		utils.Logger.Error("recommendation failed", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "Recommendation failed",
			Error:   err.Error(),
		})
		return
	}

	if text == "" {
		c.JSON(http.StatusOK, h.batchResponse(state, "No recommendation returned"))
		return
	}

	if err := h.store.Save(ctx, state); err != nil {
		h.storeFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, h.batchResponse(state, "Recommendation ready"))
}

// Reset 开始新的分析
func (h *BatchHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := sessionFrom(c)

	state, err := h.store.Load(ctx, sessionID)
	if err != nil {
		h.storeFailure(c, err)
		return
	}

	h.orchestrator.ResetBatch(state)

	if err := h.store.Save(ctx, state); err != nil {
		h.storeFailure(c, err)
		return
	}

	utils.Logger.Info("batch reset", zap.String("session", sessionID))
	c.JSON(http.StatusOK, h.batchResponse(state, "Ready for a new analysis"))
}

// BackendHealth 探测外部服务的 /healthz
func (h *BatchHandler) BackendHealth(c *gin.Context) {
	backendURL, err := h.backendURL(c)
	if err != nil {
		h.badRequest(c, err.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	sessionID := sessionFrom(c)

	report, err := h.orchestrator.CheckHealth(ctx, backendURL)
	if err != nil {
		utils.Logger.Warn("backend health check failed",
			zap.String("backend", backendURL), zap.Error(err))
	}

	// 单独写入，批处理中的状态保存不会覆盖它
	if err := h.store.SaveHealth(ctx, sessionID, report); err != nil {
		utils.Logger.Warn("failed to persist health report",
			zap.String("session", sessionID), zap.Error(err))
	}

	c.JSON(http.StatusOK, model.HealthResponse{
		Success: report.Status == model.HealthHealthy,
		Backend: service.NormalizeBaseURL(backendURL),
		Data:    report,
	})
}

// backendURL 取请求中的 backend_url（允许覆盖时），否则使用配置
func (h *BatchHandler) backendURL(c *gin.Context) (string, error) {
	raw := c.PostForm("backend_url")
	if raw == "" {
		raw = c.Query("backend_url")
	}
	if raw == "" || !h.cfg.Backend.AllowOverride {
		return service.NormalizeBaseURL(h.cfg.Backend.URL), nil
	}

	normalized := service.NormalizeBaseURL(raw)
	u, err := url.Parse(normalized)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid backend URL %q", strings.TrimSpace(raw))
	}
	return normalized, nil
}

func (h *BatchHandler) batchResponse(state *model.BatchState, message string) model.BatchResponse {
	return model.BatchResponse{
		Success: true,
		Message: message,
		Summary: state.Summary(),
		Data:    state,
	}
}

func (h *BatchHandler) badRequest(c *gin.Context, message string, state *model.BatchState) {
	c.JSON(http.StatusBadRequest, model.ErrorResponse{
		Success: false,
		Message: message,
		Data:    state,
	})
}

func (h *BatchHandler) storeFailure(c *gin.Context, err error) {
	utils.Logger.Error("session store unavailable", zap.Error(err))
	c.JSON(http.StatusInternalServerError, model.ErrorResponse{
		Success: false,
		Message: "Session storage unavailable",
		Error:   err.Error(),
	})
}

func sessionFrom(c *gin.Context) string {
	return c.GetString(middleware.SessionKey)
}
