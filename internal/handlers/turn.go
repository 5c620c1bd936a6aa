package handlers

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

type iceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// GetTURNConfig returns the relay's STUN and TURN urls for the host the
// client reached us on. The relay is UDP only, so no turns: url.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	if h.turn == nil {
		c.JSON(http.StatusOK, gin.H{"iceServers": []iceServer{}})
		return
	}

	host := c.Request.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}

	creds, err := h.turn.NewCredentials()
	if err != nil {
		h.logger.Error("failed to generate TURN credentials", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to generate TURN credentials", err))
		return
	}

	servers := []iceServer{
		{URLs: fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)},
		{
			URLs:       fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort),
			Username:   creds.Username,
			Credential: creds.Password,
		},
	}
	h.logger.Debug("TURN config requested", "host", host, "ice_servers", len(servers))

	c.JSON(http.StatusOK, gin.H{
		"iceServers": servers,
		"ttl":        int(creds.TTL.Seconds()),
	})
}
