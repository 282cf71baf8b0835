package model

// HealthStatus 后端健康状态等级
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport 最近一次 /healthz 的结果
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Body      map[string]any `json:"body"`
	CheckedAt int64          `json:"checked_at"`
}

// BatchResponse 批次接口的统一响应
type BatchResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Warning string      `json:"warning,omitempty"`
	Summary string      `json:"summary,omitempty"`
	Data    *BatchState `json:"data,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Success bool          `json:"success"`
	Backend string        `json:"backend"`
	Data    *HealthReport `json:"data"`
}

// SettingsResponse 前端所需的默认设置
type SettingsResponse struct {
	BackendURL    string  `json:"backend_url"`
	AllowOverride bool    `json:"allow_override"`
	Confidence    float64 `json:"conf"`
	IoU           float64 `json:"iou"`
	MinConfidence float64 `json:"min_conf"`
	MaxConfidence float64 `json:"max_conf"`
	MinIoU        float64 `json:"min_iou"`
	MaxIoU        float64 `json:"max_iou"`
	MaxFiles      int     `json:"max_files"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   string      `json:"error,omitempty"`
	Data    *BatchState `json:"data,omitempty"`
}
