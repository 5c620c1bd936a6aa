package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/observability/metrics"
)

const sendTimeout = 10 * time.Second

type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Sender delivers incoming-call notifications to every subscription of the
// callee and prunes subscriptions the push service rejects.
type Sender struct {
	store      *Store
	vapid      VAPID
	httpClient *http.Client
	metrics    *metrics.SignalingMetrics
	logger     *slog.Logger
}

func NewSender(store *Store, vapid VAPID, m *metrics.SignalingMetrics, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store:      store,
		vapid:      vapid,
		httpClient: &http.Client{Timeout: sendTimeout},
		metrics:    m,
		logger:     logger,
	}
}

type notification struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data"`
	Priority string         `json:"priority"`
	Urgency  string         `json:"urgency"`
}

// NotifyIncomingCall returns the number of subscriptions that accepted the
// notification.
func (s *Sender) NotifyIncomingCall(ctx context.Context, call models.IncomingCall) (int, error) {
	payload, err := json.Marshal(notification{
		Title: "Incoming call",
		Body:  call.CallerName + " is calling",
		Data: map[string]any{
			"type":          "incoming-call",
			"callId":        call.CallID,
			"callerId":      call.CallerID,
			"callerName":    call.CallerName,
			"channelName":   call.ChannelID,
			"appointmentId": call.AppointmentID,
		},
		Priority: "high",
		Urgency:  "high",
	})
	if err != nil {
		return 0, fmt.Errorf("marshal push payload: %w", err)
	}
	return s.send(ctx, call.CalleeID, payload)
}

func (s *Sender) send(ctx context.Context, userID string, payload []byte) (int, error) {
	subs, err := s.store.ForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		s.logger.Debug("no push subscriptions", "user_id", userID)
		return 0, nil
	}

	delivered := 0
	for _, sub := range subs {
		if err := validKeys(sub); err != nil {
			s.logger.Warn("dropping push subscription with invalid keys", "user_id", userID, "subscription_id", sub.ID, "error", err)
			s.prune(ctx, sub)
			s.metrics.ObservePush("invalid")
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
		}, &webpush.Options{
			HTTPClient:      s.httpClient,
			Subscriber:      s.vapid.Subject,
			VAPIDPublicKey:  s.vapid.PublicKey,
			VAPIDPrivateKey: s.vapid.PrivateKey,
			TTL:             30,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			s.logger.Warn("push send failed", "user_id", userID, "subscription_id", sub.ID, "error", err)
			s.metrics.ObservePush("error")
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			s.logger.Info("push subscription expired", "user_id", userID, "subscription_id", sub.ID, "status", resp.StatusCode)
			s.prune(ctx, sub)
			s.metrics.ObservePush("expired")
		case resp.StatusCode >= 300:
			s.logger.Warn("push service rejected notification", "user_id", userID, "subscription_id", sub.ID, "status", resp.StatusCode)
			s.metrics.ObservePush("rejected")
		default:
			delivered++
			s.metrics.ObservePush("sent")
		}
	}

	s.logger.Info("push notification sent", "user_id", userID, "delivered", delivered, "subscriptions", len(subs))
	return delivered, nil
}

func (s *Sender) prune(ctx context.Context, sub models.PushSubscription) {
	if err := s.store.Delete(ctx, sub.ID); err != nil {
		s.logger.Warn("failed to delete push subscription", "subscription_id", sub.ID, "error", err)
	}
}

// validKeys checks the browser keys: an uncompressed P-256 point and a 16
// byte auth secret.
func validKeys(sub models.PushSubscription) error {
	p256dh, err := decodeKey(sub.P256DH)
	if err != nil {
		return fmt.Errorf("p256dh: %w", err)
	}
	if len(p256dh) != 65 || p256dh[0] != 0x04 {
		return fmt.Errorf("p256dh: want 65 byte uncompressed point, got %d bytes", len(p256dh))
	}
	auth, err := decodeKey(sub.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if len(auth) != 16 {
		return fmt.Errorf("auth: want 16 bytes, got %d", len(auth))
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
