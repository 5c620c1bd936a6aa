package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/medcall/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

const (
	wsTypeIncomingCall = "incoming-call"
	wsTypeCallRemoved  = "call-removed"
	wsTypePing         = "ping"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsCallRemovedData struct {
	CallID string `json:"callId"`
}

func incomingCallMessage(call models.IncomingCall) []byte {
	msg, _ := json.Marshal(wsEnvelope{Type: wsTypeIncomingCall, Data: mustMarshal(call)})
	return msg
}

func callRemovedMessage(callID string) []byte {
	msg, _ := json.Marshal(wsEnvelope{Type: wsTypeCallRemoved, Data: mustMarshal(wsCallRemovedData{CallID: callID})})
	return msg
}

// HandleWebSocket streams incoming-call and call-removed events to the
// user. The client joins the hub before pending invitations are listed, so a
// call recorded in between arrives by fan-out if not by replay; clients
// dedup by callId.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := resolveUserID(c, c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid request", errMissingUserID))
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		userID:   userID,
		clientID: uuid.NewString(),
	}
	h.wsHub.Add(client)
	h.metrics.WSConnected()

	pending, err := h.service.ListIncomingCalls(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("ws replay failed", "user_id", userID, "client_id", client.clientID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
			time.Now().Add(wsWriteWait))
		h.wsHub.Remove(userID, client.clientID)
		h.metrics.WSDisconnected()
		client.closeConn()
		return
	}
	h.logger.Debug("ws connected", "user_id", userID, "client_id", client.clientID, "pending", len(pending))

	for _, call := range pending {
		if !client.trySend(incomingCallMessage(call)) {
			break
		}
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		h.logger.Debug("ws disconnect", "user_id", client.userID, "client_id", client.clientID)
		client.closeConn()
		h.wsHub.Remove(client.userID, client.clientID)
		h.metrics.WSDisconnected()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read error", "user_id", client.userID, "error", err)
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug("ws bad json", "user_id", client.userID, "error", err)
			continue
		}
		// The stream is server to client only; anything but a keepalive is ignored.
		if msg.Type != wsTypePing {
			h.logger.Debug("ws ignored message", "user_id", client.userID, "type", msg.Type)
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer client.closeConn()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
