package middleware

import (
	"net/http"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"github.com/gin-gonic/gin"
)

// SessionKey gin.Context 中保存会话ID的键
const SessionKey = "session_id"

// Session 读取或签发会话 cookie
func Session(cfg *config.SessionConfig, maxAge int) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cfg.CookieName)
		if err != nil || !utils.ValidSessionID(id) {
			id = utils.NewSessionID()
		}

		// 每次请求都刷新有效期
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cfg.CookieName, id, maxAge, "/", "", cfg.Secure, true)
		c.Set(SessionKey, id)

		c.Next()
	}
}
