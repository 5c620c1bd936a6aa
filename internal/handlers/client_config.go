package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/medcall/internal/presence"
)

type clientConfigResponse struct {
	Debug            bool   `json:"debug"`
	AppID            string `json:"appId,omitempty"`
	RequireAuth      bool   `json:"requireAuth"`
	PresenceInterval int64  `json:"presenceIntervalMs"`
	PushEnabled      bool   `json:"pushEnabled"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	resp := clientConfigResponse{
		Debug:            h.config.LogLevel == "debug",
		RequireAuth:      h.config.RequireAuth,
		PresenceInterval: presence.DefaultInterval.Milliseconds(),
		PushEnabled:      h.push != nil && h.config.VAPIDKeys != nil,
	}
	if h.issuer != nil {
		resp.AppID = h.issuer.AppID()
	}
	c.JSON(http.StatusOK, resp)
}
