package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/observability/metrics"
)

// Notifier is told about invitation changes after they are stored, so the
// callee can be rung without waiting for its next poll.
type Notifier interface {
	IncomingCallAdded(call models.IncomingCall)
	IncomingCallRemoved(calleeID, callID string)
}

// Service validates signaling requests and applies them to a Store.
type Service struct {
	store    Store
	notifier Notifier
	metrics  *metrics.SignalingMetrics
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewService(store Store, notifier Notifier, m *metrics.SignalingMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// RecordIncomingCall stores an invitation. Re-posting the same call id is a
// no-op reported with created=false.
func (s *Service) RecordIncomingCall(ctx context.Context, call models.IncomingCall) (created bool, err error) {
	defer func() { s.observe("record_incoming_call", err) }()

	call.CallID = strings.TrimSpace(call.CallID)
	call.CalleeID = strings.TrimSpace(call.CalleeID)
	if missing := missingFields(map[string]string{
		"callId":     call.CallID,
		"calleeId":   call.CalleeID,
		"callerName": call.CallerName,
	}); missing != "" {
		return false, fmt.Errorf("%w: missing %s", ErrInvalidRequest, missing)
	}
	// The server clock owns expiry; a client supplied timestamp is ignored.
	call.CreatedAt = s.nowFn().UTC()

	created, err = s.store.AddIncomingCall(ctx, call)
	if err != nil {
		return false, err
	}
	s.metrics.ObserveIncomingCall(!created)
	s.logger.Debug("incoming call recorded", "call_id", call.CallID, "callee_id", call.CalleeID, "channel", call.ChannelID, "created", created)

	if created && s.notifier != nil {
		s.notifier.IncomingCallAdded(call)
	}
	return created, nil
}

func (s *Service) ListIncomingCalls(ctx context.Context, calleeID string) (calls []models.IncomingCall, err error) {
	defer func() { s.observe("list_incoming_calls", err) }()

	calleeID = strings.TrimSpace(calleeID)
	if calleeID == "" {
		return nil, fmt.Errorf("%w: missing doctorId", ErrInvalidRequest)
	}
	return s.store.IncomingCalls(ctx, calleeID)
}

// RemoveIncomingCall succeeds whether or not the call was pending.
func (s *Service) RemoveIncomingCall(ctx context.Context, calleeID, callID string) (remaining int, err error) {
	defer func() { s.observe("remove_incoming_call", err) }()

	calleeID = strings.TrimSpace(calleeID)
	callID = strings.TrimSpace(callID)
	if missing := missingFields(map[string]string{
		"doctorId": calleeID,
		"callId":   callID,
	}); missing != "" {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidRequest, missing)
	}

	remaining, err = s.store.RemoveIncomingCall(ctx, calleeID, callID)
	if err != nil {
		return 0, err
	}
	if s.notifier != nil {
		s.notifier.IncomingCallRemoved(calleeID, callID)
	}
	return remaining, nil
}

// RecordChannelPresence upserts or removes a roster entry. A leave needs no
// role; a join does.
func (s *Service) RecordChannelPresence(ctx context.Context, update models.PresenceUpdate) (err error) {
	defer func() { s.observe("record_presence", err) }()

	update.ChannelID = strings.TrimSpace(update.ChannelID)
	if update.ChannelID == "" {
		return fmt.Errorf("%w: missing channel", ErrInvalidRequest)
	}

	switch update.Action {
	case models.PresenceJoin:
		role, err := models.ParseRole(string(update.Role))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		err = s.store.UpsertParticipant(ctx, models.ChannelParticipant{
			ChannelID: update.ChannelID,
			UID:       update.UID,
			Role:      role,
			JoinedAt:  s.nowFn().UTC(),
		})
		if err != nil {
			return err
		}
		s.metrics.ObservePresence(string(role), string(update.Action))
	case models.PresenceLeave:
		if err := s.store.RemoveParticipant(ctx, update.ChannelID, update.UID); err != nil {
			return err
		}
		role := "unknown"
		if parsed, err := models.ParseRole(string(update.Role)); err == nil {
			role = string(parsed)
		}
		s.metrics.ObservePresence(role, string(update.Action))
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, update.Action)
	}

	s.logger.Debug("presence recorded", "channel", update.ChannelID, "uid", update.UID, "role", update.Role, "action", update.Action)
	return nil
}

func (s *Service) GetChannelPresence(ctx context.Context, channelID string) (roster []models.ChannelParticipant, err error) {
	defer func() { s.observe("get_presence", err) }()

	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: missing channel", ErrInvalidRequest)
	}
	return s.store.Roster(ctx, channelID)
}

func (s *Service) observe(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveOperation(operation, status)
}

// missingFields lists empty values in a stable order.
func missingFields(fields map[string]string) string {
	var missing []string
	for _, name := range []string{"callId", "calleeId", "callerName", "doctorId"} {
		if value, ok := fields[name]; ok && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	return strings.Join(missing, ", ")
}
