package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/signaling"
)

type createCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
}

type listCallsResponse struct {
	Success bool                  `json:"success"`
	Calls   []models.IncomingCall `json:"calls"`
	Count   int                   `json:"count"`
}

type removeCallResponse struct {
	Success        bool `json:"success"`
	RemainingCalls int  `json:"remainingCalls"`
}

type presenceResponse struct {
	Success      bool                        `json:"success"`
	Channel      string                      `json:"channel"`
	Participants []models.ChannelParticipant `json:"participants"`
}

func (h *Handlers) RecordIncomingCall(c *gin.Context) {
	var call models.IncomingCall
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
		return
	}
	call.CallID = strings.TrimSpace(call.CallID)
	if call.CallerID == "" {
		call.CallerID = currentUserID(c)
	}

	if _, err := h.service.RecordIncomingCall(c.Request.Context(), call); err != nil {
		h.writeSignalingError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createCallResponse{Success: true, CallID: call.CallID})
}

func (h *Handlers) ListIncomingCalls(c *gin.Context) {
	calls, err := h.service.ListIncomingCalls(c.Request.Context(), c.Query("doctorId"))
	if err != nil {
		h.writeSignalingError(c, err)
		return
	}
	if calls == nil {
		calls = []models.IncomingCall{}
	}
	c.JSON(http.StatusOK, listCallsResponse{Success: true, Calls: calls, Count: len(calls)})
}

func (h *Handlers) RemoveIncomingCall(c *gin.Context) {
	remaining, err := h.service.RemoveIncomingCall(c.Request.Context(), c.Query("doctorId"), c.Query("callId"))
	if err != nil {
		h.writeSignalingError(c, err)
		return
	}
	c.JSON(http.StatusOK, removeCallResponse{Success: true, RemainingCalls: remaining})
}

func (h *Handlers) RecordPresence(c *gin.Context) {
	var update models.PresenceUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
		return
	}
	if err := h.service.RecordChannelPresence(c.Request.Context(), update); err != nil {
		h.writeSignalingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) GetPresence(c *gin.Context) {
	channel := c.Query("channel")
	roster, err := h.service.GetChannelPresence(c.Request.Context(), channel)
	if err != nil {
		h.writeSignalingError(c, err)
		return
	}
	if roster == nil {
		roster = []models.ChannelParticipant{}
	}
	c.JSON(http.StatusOK, presenceResponse{Success: true, Channel: channel, Participants: roster})
}

func (h *Handlers) writeSignalingError(c *gin.Context, err error) {
	if errors.Is(err, signaling.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", err))
		return
	}
	h.logger.Error("signaling store failure", "path", c.FullPath(), "method", c.Request.Method, "error", err)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, errorBody("internal error", err))
}
