// Package signaling keeps the call invitations and channel rosters that the two
// sides of a consultation use to find each other.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tariel-x/medcall/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Store persists invitations and rosters. Implementations must treat inserts
// and removals as idempotent: repeating an operation never yields a conflict.
type Store interface {
	// AddIncomingCall inserts call under its callee. added is false when a
	// record with the same call id was already pending.
	AddIncomingCall(ctx context.Context, call models.IncomingCall) (added bool, err error)
	// IncomingCalls returns pending calls in posting order, possibly empty.
	IncomingCalls(ctx context.Context, calleeID string) ([]models.IncomingCall, error)
	// RemoveIncomingCall deletes a call if present and reports how many remain.
	RemoveIncomingCall(ctx context.Context, calleeID, callID string) (remaining int, err error)

	// UpsertParticipant records a join. A repeated join keeps the original
	// joinedAt and takes the latest role.
	UpsertParticipant(ctx context.Context, p models.ChannelParticipant) error
	RemoveParticipant(ctx context.Context, channelID string, uid uint32) error
	// Roster returns the channel's participants ordered by join time.
	Roster(ctx context.Context, channelID string) ([]models.ChannelParticipant, error)

	Close() error
}

// Open builds the Store named by backend: "memory" (default) or "redis".
func Open(backend, redisURL string, ttl time.Duration) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(ttl), nil
	case "redis":
		store, err := NewRedisStoreFromURL(redisURL, ttl)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
