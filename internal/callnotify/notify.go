// Package callnotify carries the one-shot "incoming call" invitation from a
// caller to a callee: the caller rings, the callee's inbox polls and
// dismisses.
package callnotify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/medcall/internal/models"
)

const DefaultInboxInterval = 2 * time.Second

type Poster interface {
	RecordIncomingCall(ctx context.Context, call models.IncomingCall) (string, error)
}

type InboxSource interface {
	ListIncomingCalls(ctx context.Context, calleeID string) ([]models.IncomingCall, error)
	RemoveIncomingCall(ctx context.Context, calleeID, callID string) (int, error)
}

// Ring posts an invitation for call.CalleeID. A missing call id is
// generated. Re-ringing with the same id is harmless.
func Ring(ctx context.Context, p Poster, call models.IncomingCall) (models.IncomingCall, error) {
	if strings.TrimSpace(call.CallID) == "" {
		id, err := gonanoid.New()
		if err != nil {
			return call, fmt.Errorf("generate call id: %w", err)
		}
		call.CallID = id
	}
	if _, err := p.RecordIncomingCall(ctx, call); err != nil {
		return call, err
	}
	return call, nil
}

// Inbox polls a callee's pending invitations and hands each call id to
// onCall once.
type Inbox struct {
	source   InboxSource
	calleeID string
	interval time.Duration
	onCall   func(models.IncomingCall)
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewInbox(source InboxSource, calleeID string, interval time.Duration, onCall func(models.IncomingCall), logger *slog.Logger) *Inbox {
	if interval <= 0 {
		interval = DefaultInboxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		source:   source,
		calleeID: calleeID,
		interval: interval,
		onCall:   onCall,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (in *Inbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		if _, err := in.Poll(ctx); err != nil && ctx.Err() == nil {
			in.logger.Warn("incoming call poll failed", "callee_id", in.calleeID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches once and returns the calls not delivered before.
func (in *Inbox) Poll(ctx context.Context) ([]models.IncomingCall, error) {
	calls, err := in.source.ListIncomingCalls(ctx, in.calleeID)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	in.mu.Lock()
	current := make(map[string]struct{}, len(calls))
	var fresh []models.IncomingCall
	for _, call := range calls {
		current[call.CallID] = struct{}{}
		if _, ok := in.seen[call.CallID]; ok {
			continue
		}
		in.seen[call.CallID] = struct{}{}
		fresh = append(fresh, call)
	}
	// Forget ids the server no longer lists so the set stays bounded.
	for id := range in.seen {
		if _, ok := current[id]; !ok {
			delete(in.seen, id)
		}
	}
	in.mu.Unlock()

	for _, call := range fresh {
		in.logger.Info("incoming call", "call_id", call.CallID, "caller_id", call.CallerID, "channel", call.ChannelID)
		if in.onCall != nil {
			in.onCall(call)
		}
	}
	return fresh, nil
}

// Accept dismisses the invitation because the callee is joining.
func (in *Inbox) Accept(ctx context.Context, call models.IncomingCall) error {
	return in.dismiss(ctx, call.CallID, "accepted")
}

// Decline dismisses the invitation without joining.
func (in *Inbox) Decline(ctx context.Context, callID string) error {
	return in.dismiss(ctx, callID, "declined")
}

func (in *Inbox) dismiss(ctx context.Context, callID, outcome string) error {
	remaining, err := in.source.RemoveIncomingCall(ctx, in.calleeID, callID)
	if err != nil {
		return fmt.Errorf("dismiss call %s: %w", callID, err)
	}
	in.logger.Info("incoming call "+outcome, "call_id", callID, "callee_id", in.calleeID, "remaining", remaining)
	return nil
}
