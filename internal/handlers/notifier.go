package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/push"
)

const pushTimeout = 15 * time.Second

var errMissingUserID = errors.New("missing userId")

// CallNotifier rings a callee over their open websockets and, in the
// background, their web-push subscriptions.
type CallNotifier struct {
	hub    *WSHub
	sender *push.Sender
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewCallNotifier builds a notifier. sender may be nil to disable push.
func NewCallNotifier(hub *WSHub, sender *push.Sender, logger *slog.Logger) *CallNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallNotifier{hub: hub, sender: sender, logger: logger}
}

func (n *CallNotifier) IncomingCallAdded(call models.IncomingCall) {
	delivered := n.hub.SendToUser(call.CalleeID, incomingCallMessage(call))
	n.logger.Debug("incoming call fanned out", "call_id", call.CallID, "callee_id", call.CalleeID, "ws_delivered", delivered)

	if n.sender == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if _, err := n.sender.NotifyIncomingCall(ctx, call); err != nil {
			n.logger.Warn("incoming call push failed", "call_id", call.CallID, "callee_id", call.CalleeID, "error", err)
		}
	}()
}

func (n *CallNotifier) IncomingCallRemoved(calleeID, callID string) {
	n.hub.SendToUser(calleeID, callRemovedMessage(callID))
}

// Wait blocks until in-flight push deliveries finish.
func (n *CallNotifier) Wait() {
	n.wg.Wait()
}
