package session

import (
	"context"
	"errors"

	"github.com/tariel-x/medcall/internal/presence"
)

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrTransport         = errors.New("transport error")
	// ErrOperationAborted marks transport calls interrupted by teardown.
	// Transports return it (or wrap it) and the session never surfaces it.
	ErrOperationAborted = errors.New("operation aborted")
	// ErrTrackUnavailable is wrapped by transports when a subscribe targets a
	// remote track that is no longer published.
	ErrTrackUnavailable     = errors.New("remote track unavailable")
	ErrSignalingUnavailable = presence.ErrSignalingUnavailable
)

func isAbort(err error) bool {
	return errors.Is(err, ErrOperationAborted) || errors.Is(err, context.Canceled)
}
