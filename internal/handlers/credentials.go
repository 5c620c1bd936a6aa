package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/medcall/internal/models"
)

type credentialsRequest struct {
	Channel string `json:"channel" binding:"required"`
	Role    string `json:"role" binding:"required"`
	UID     uint32 `json:"uid"`
}

func (h *Handlers) IssueCredentials(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("credentials are not configured", nil))
		return
	}

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", err))
		return
	}

	creds, err := h.issuer.Issue(req.Channel, role, req.UID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", err))
		return
	}
	h.logger.Info("credentials issued", "channel", req.Channel, "role", role, "uid", creds.UID, "user_id", currentUserID(c))
	c.JSON(http.StatusOK, creds)
}
