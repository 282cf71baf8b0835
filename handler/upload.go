package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/service"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errNoUpload = errors.New("no images uploaded")

const noUploadMessage = "Upload one or more images to begin."

// progressEvent SSE 中每张图片完成后的事件
type progressEvent struct {
	Index  int               `json:"index"`
	Total  int               `json:"total"`
	Result model.ImageResult `json:"result"`
	Totals map[string]int    `json:"totals"`
}

// Analyze 处理批量上传并逐张检测
func (h *BatchHandler) Analyze(c *gin.Context) {
	images, err := h.readImages(c)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("Upload too large: a batch may carry at most %d MB", tooLarge.Limit/(1024*1024)),
		})
		return
	case errors.Is(err, errNoUpload):
		h.badRequest(c, noUploadMessage, nil)
		return
	case err != nil:
		h.badRequest(c, err.Error(), nil)
		return
	}

	params, err := h.readParameters(c)
	if err != nil {
		h.badRequest(c, err.Error(), nil)
		return
	}

	backendURL, err := h.backendURL(c)
	if err != nil {
		h.badRequest(c, err.Error(), nil)
		return
	}

	sessionID := sessionFrom(c)
	ctx := c.Request.Context()
	// 客户端断开后仍要保存已完成的部分结果
	saveCtx := context.WithoutCancel(ctx)

	state, err := h.store.Load(ctx, sessionID)
	if err != nil {
		h.storeFailure(c, err)
		return
	}

	utils.Logger.Info("batch uploaded",
		zap.String("session", sessionID),
		zap.Int("images", len(images)),
		zap.Float64("conf", params.Confidence),
		zap.Float64("iou", params.IoU))

	streaming := wantsEventStream(c)
	published := false
	sent := 0

	publish := func(s *model.BatchState) {
		published = true
		if err := h.store.Save(saveCtx, s); err != nil {
			utils.Logger.Warn("failed to save session state",
				zap.String("session", sessionID), zap.Error(err))
		}
		if !streaming {
			return
		}
		if sent == 0 && len(s.Results) == 0 && s.Busy {
			c.SSEvent("started", gin.H{"total": len(images)})
		}
		for sent < len(s.Results) {
			c.SSEvent("result", progressEvent{
				Index:  sent,
				Total:  len(images),
				Result: s.Results[sent],
				Totals: s.Totals,
			})
			sent++
		}
		c.Writer.Flush()
	}

	runErr := h.orchestrator.RunBatch(ctx, state, images, params, backendURL, publish)

	// 运行期间可能有新的健康检查
	if latest, err := h.store.Load(saveCtx, sessionID); err == nil {
		state.Health = latest.Health
	}

	if streaming && published {
		if runErr != nil {
			c.SSEvent("error", model.ErrorResponse{
				Success: false,
				Message: runErrorMessage(runErr),
				Error:   runErr.Error(),
			})
		} else {
			c.SSEvent("done", h.batchResponse(state, "Analysis complete"))
		}
		c.Writer.Flush()
		return
	}

	if runErr != nil {
		status := runErrorStatus(runErr)
		var data *model.BatchState
		if published {
			data = state
		}
		c.JSON(status, model.ErrorResponse{
			Success: false,
			Message: runErrorMessage(runErr),
			Error:   runErr.Error(),
			Data:    data,
		})
		return
	}

	c.JSON(http.StatusOK, h.batchResponse(state, "Analysis complete"))
}

func (h *BatchHandler) readImages(c *gin.Context) ([]model.ImageInput, error) {
	// 整批限制在内存中解析，上传的图片不落盘
	limit := h.cfg.Upload.MaxRequestSize()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	if err := c.Request.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, errNoUpload
	}
	form := c.Request.MultipartForm

	files := append([]*multipart.FileHeader{}, form.File["images"]...)
	files = append(files, form.File["image"]...)
	if len(files) == 0 {
		return nil, errNoUpload
	}
	if maxFiles := h.cfg.Upload.MaxFiles; maxFiles > 0 && len(files) > maxFiles {
		return nil, fmt.Errorf("too many images: at most %d per batch", maxFiles)
	}

	images := make([]model.ImageInput, 0, len(files))
	for _, file := range files {
		if file.Size > h.cfg.Upload.MaxSize {
			return nil, fmt.Errorf("%s exceeds the size limit (%d MB)", file.Filename, h.cfg.Upload.MaxSize/(1024*1024))
		}

		contentType := file.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = "image/jpeg"
		}
		if !h.isAllowedType(contentType) {
			return nil, fmt.Errorf("%s: unsupported file type, only JPEG/PNG are accepted", file.Filename)
		}

		data, err := readFile(file)
		if err != nil {
			utils.Logger.Error("failed to read uploaded file",
				zap.String("file", file.Filename), zap.Error(err))
			return nil, fmt.Errorf("failed to read %s", file.Filename)
		}

		images = append(images, model.ImageInput{
			Name:        file.Filename,
			Data:        data,
			ContentType: contentType,
		})
	}

	return images, nil
}

func (h *BatchHandler) readParameters(c *gin.Context) (model.DetectionParameters, error) {
	d := h.cfg.Detection

	conf, err := parseThreshold(c.PostForm("conf"), d.Confidence, d.MinConfidence, d.MaxConfidence, "conf")
	if err != nil {
		return model.DetectionParameters{}, err
	}
	iou, err := parseThreshold(c.PostForm("iou"), d.IoU, d.MinIoU, d.MaxIoU, "iou")
	if err != nil {
		return model.DetectionParameters{}, err
	}

	return model.DetectionParameters{Confidence: conf, IoU: iou}, nil
}

func parseThreshold(raw string, def, lo, hi float64, name string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %.2f and %.2f", name, lo, hi)
	}
	return v, nil
}

func (h *BatchHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func runErrorStatus(err error) int {
	var detErr *service.DetectionRequestError
	switch {
	case errors.Is(err, service.ErrNoImages):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBatchBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrQueueTimeout):
		return http.StatusServiceUnavailable
	case errors.As(err, &detErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func runErrorMessage(err error) string {
	var detErr *service.DetectionRequestError
	switch {
	case errors.Is(err, service.ErrNoImages):
		return noUploadMessage
	case errors.Is(err, service.ErrBatchBusy):
		return "An analysis is already running"
	case errors.Is(err, service.ErrQueueTimeout):
		return "Analysis queue is full, try again later"
	case errors.As(err, &detErr):
		return fmt.Sprintf("Detection failed for %s", detErr.Image)
	default:
		return "Analysis failed"
	}
}
