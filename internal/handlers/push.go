package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/push"
)

type PushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type PushSubscribeRequest struct {
	// UserID is only read when the request carries no bearer token.
	UserID   string            `json:"userId"`
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     PushSubscribeKeys `json:"keys" binding:"required"`
}

type pushUnsubscribeRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	if h.config.VAPIDKeys == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("push is not configured", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.config.VAPIDKeys.PublicKey})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("push is not configured", nil))
		return
	}

	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
		return
	}
	userID := resolveUserID(c, req.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", errMissingUserID))
		return
	}

	sub, err := h.push.Subscribe(c.Request.Context(), models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		h.logger.Error("push subscribe failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to save subscription", err))
		return
	}
	h.logger.Info("push subscription saved", "user_id", userID, "subscription_id", sub.ID)
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("push is not configured", nil))
		return
	}

	var req pushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
		return
	}
	userID := resolveUserID(c, req.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", errMissingUserID))
		return
	}

	switch err := h.push.Unsubscribe(c.Request.Context(), userID, req.Endpoint); {
	case errors.Is(err, push.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, errorBody("subscription not found", nil))
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorBody("failed to delete subscription", err))
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// resolveUserID prefers the authenticated user over a client supplied id.
func resolveUserID(c *gin.Context, fallback string) string {
	if id := currentUserID(c); id != "" {
		return id
	}
	return fallback
}
