package service

import (
	"github.com/FadwaTY/WasteWiseUI/model"
)

// ClassifyHealth 将 /healthz 的响应映射为状态等级
//
//	error 非空           -> unhealthy
//	status 为 "ok"/true 或 ok 为 true -> healthy
//	status 为 partial/degraded/warn   -> degraded
//	其他                 -> unhealthy
//
// 从未检查过 (nil) 为 unknown。
func ClassifyHealth(body map[string]any) model.HealthStatus {
	if body == nil {
		return model.HealthUnknown
	}

	if truthy(body["error"]) {
		return model.HealthUnhealthy
	}

	switch status := body["status"].(type) {
	case string:
		switch status {
		case "ok":
			return model.HealthHealthy
		case "partial", "degraded", "warn":
			return model.HealthDegraded
		}
	case bool:
		if status {
			return model.HealthHealthy
		}
	}

	if ok, isBool := body["ok"].(bool); isBool && ok {
		return model.HealthHealthy
	}

	return model.HealthUnhealthy
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
