package handler

import "github.com/gin-gonic/gin"

// Register 注册批次相关的 API 路由
func (h *BatchHandler) Register(api *gin.RouterGroup) {
	api.GET("/settings", h.Settings)

	batch := api.Group("/batch")
	{
		batch.GET("", h.Get)
		batch.POST("/analyze", h.Analyze)
		batch.POST("/recommend", h.Recommend)
		batch.POST("/reset", h.Reset)
	}

	api.POST("/backend/health", h.BackendHealth)
}
