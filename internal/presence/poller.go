// Package presence polls a channel roster and reports whether the remote
// party of a consultation has joined it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tariel-x/medcall/internal/models"
)

const DefaultInterval = 2 * time.Second

// ErrSignalingUnavailable wraps roster fetch failures. The poller keeps
// running after one.
var ErrSignalingUnavailable = errors.New("signaling unavailable")

// RosterSource returns the participants recorded for a channel.
type RosterSource interface {
	ChannelPresence(ctx context.Context, channelID string) ([]models.ChannelParticipant, error)
}

// Result is the outcome of one tick.
type Result struct {
	PeerPresent bool
	// Peer is the first roster entry carrying the opposite role, if any.
	Peer   models.ChannelParticipant
	Roster []models.ChannelParticipant
	Err    error
}

type Poller struct {
	source   RosterSource
	channel  string
	self     models.Role
	interval time.Duration
	onResult func(Result)
	logger   *slog.Logger

	alive     atomic.Bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a poller for channel on behalf of a participant with role self.
// onResult is called from the polling goroutine, never after Stop returns.
func New(source RosterSource, channel string, self models.Role, interval time.Duration, onResult func(Result), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		channel:  channel,
		self:     self,
		interval: interval,
		onResult: onResult,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine. The first tick fires immediately.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cancel != nil {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.alive.Store(true)
		go p.loop(ctx)
	})
}

// Stop halts polling and waits for an in-flight tick to finish. A tick whose
// fetch completes after Stop began is discarded.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.alive.Store(false)
		p.mu.Lock()
		cancel := p.cancel
		p.cancel = func() {}
		p.mu.Unlock()
		if cancel == nil {
			close(p.done)
			return
		}
		cancel()
		<-p.done
	})
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.alive.Load() {
		return
	}
	roster, err := p.source.ChannelPresence(ctx, p.channel)
	if !p.alive.Load() || ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Debug("presence poll failed", "channel", p.channel, "error", err)
		p.onResult(Result{Err: fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)})
		return
	}

	res := Result{Roster: roster}
	peerRole := p.self.Opposite()
	for _, entry := range roster {
		if entry.Role == peerRole {
			res.PeerPresent = true
			res.Peer = entry
			break
		}
	}
	p.onResult(res)
}
