package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/medcall/internal/config"
	"github.com/tariel-x/medcall/internal/credentials"
	"github.com/tariel-x/medcall/internal/observability/metrics"
	"github.com/tariel-x/medcall/internal/push"
	"github.com/tariel-x/medcall/internal/signaling"
	"github.com/tariel-x/medcall/internal/turn"
)

// TURNCredentials hands out relay credentials. *turn.TURNServer implements it.
type TURNCredentials interface {
	NewCredentials() (turn.Credentials, error)
}

type Options struct {
	Config     *config.Config
	Service    *signaling.Service
	Issuer     *credentials.Issuer
	TURN       TURNCredentials
	Push       *push.Store
	Hub        *WSHub
	Metrics    *metrics.SignalingMetrics
	WSUpgrader websocket.Upgrader
	Logger     *slog.Logger
}

type Handlers struct {
	config     *config.Config
	service    *signaling.Service
	issuer     *credentials.Issuer
	turn       TURNCredentials
	push       *push.Store
	wsHub      *WSHub
	metrics    *metrics.SignalingMetrics
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
	nowFn      func() time.Time
}

func New(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewWSHub()
	}
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	return &Handlers{
		config:     opts.Config,
		service:    opts.Service,
		issuer:     opts.Issuer,
		turn:       opts.TURN,
		push:       opts.Push,
		wsHub:      opts.Hub,
		metrics:    opts.Metrics,
		wsUpgrader: opts.WSUpgrader,
		logger:     opts.Logger,
		nowFn:      time.Now,
	}
}

// Routes registers every endpoint on r.
func (h *Handlers) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	public := r.Group("/api")
	{
		public.GET("/turn-config", h.GetTURNConfig)
		public.GET("/vapid-public-key", h.GetVAPIDPublicKey)
		public.GET("/client-config", h.GetClientConfig)
	}

	authed := r.Group("", h.AuthMiddleware(h.config.RequireAuth))

	calls := authed.Group("/calls")
	{
		calls.POST("/incoming", h.RecordIncomingCall)
		calls.GET("/incoming", h.ListIncomingCalls)
		calls.DELETE("/incoming", h.RemoveIncomingCall)
		calls.POST("/presence", h.RecordPresence)
		calls.GET("/presence", h.GetPresence)
	}

	api := authed.Group("/api")
	{
		api.POST("/credentials", h.IssueCredentials)
		api.POST("/push/subscribe", h.SubscribePush)
		api.DELETE("/push/subscribe", h.UnsubscribePush)
		api.GET("/ws", h.HandleWebSocket)
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorBody(msg string, err error) gin.H {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	return body
}
