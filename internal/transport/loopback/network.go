// Package loopback is an in-process implementation of the real-time
// transport: endpoints that join the same channel on one Network see each
// other's publishes as events. It backs the simulator and end-to-end tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/medcall/internal/session"
)

var (
	ErrNotJoined     = errors.New("not joined")
	ErrAlreadyJoined = errors.New("already joined")
	ErrUIDInUse      = errors.New("uid already in channel")
	ErrNotPublished  = fmt.Errorf("remote track not published: %w", session.ErrTrackUnavailable)
)

// TokenVerifier checks a join token for channel and uid. An empty token is
// an anonymous join and is passed through as well.
type TokenVerifier func(token, channel string, uid uint32) error

// Network is a set of channels shared by its endpoints.
type Network struct {
	mu       sync.Mutex
	channels map[string]map[uint32]*Endpoint
	verify   TokenVerifier
	logger   *slog.Logger
}

type Option func(*Network)

func WithTokenVerifier(v TokenVerifier) Option {
	return func(n *Network) { n.verify = v }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) { n.logger = logger }
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		channels: make(map[string]map[uint32]*Endpoint),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Members returns the uids currently joined to channel.
func (n *Network) Members(channel string) []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uint32, 0, len(n.channels[channel]))
	for uid := range n.channels[channel] {
		out = append(out, uid)
	}
	return out
}

// Endpoint is one participant's connection. It implements session.Transport.
type Endpoint struct {
	net *Network

	// JoinDelay and PublishDelay simulate network latency. Both honor ctx.
	JoinDelay    time.Duration
	PublishDelay time.Duration

	mu        sync.Mutex
	handlers  []func(session.Event)
	channel   string
	uid       uint32
	joined    bool
	published map[session.MediaKind]bool
}

func (n *Network) Endpoint() *Endpoint {
	return &Endpoint{net: n, published: make(map[session.MediaKind]bool)}
}

func (e *Endpoint) On(handler func(session.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *Endpoint) Join(ctx context.Context, appID, channel, token string, uid uint32) error {
	if appID == "" || channel == "" {
		return fmt.Errorf("join: app id and channel are required")
	}
	if err := wait(ctx, e.JoinDelay); err != nil {
		return err
	}
	if e.net.verify != nil {
		if err := e.net.verify(token, channel, uid); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}

	e.mu.Lock()
	if e.joined {
		e.mu.Unlock()
		return ErrAlreadyJoined
	}
	e.mu.Unlock()

	n := e.net
	n.mu.Lock()
	members, ok := n.channels[channel]
	if !ok {
		members = make(map[uint32]*Endpoint)
		n.channels[channel] = members
	}
	if _, taken := members[uid]; taken {
		n.mu.Unlock()
		return fmt.Errorf("join %s: %w", channel, ErrUIDInUse)
	}
	members[uid] = e
	var existing []session.Event
	for otherUID, other := range members {
		if otherUID == uid {
			continue
		}
		for _, kind := range other.publishedKinds() {
			existing = append(existing, session.Published{UID: otherUID, Kind: kind})
		}
	}
	n.mu.Unlock()

	e.mu.Lock()
	e.joined = true
	e.channel = channel
	e.uid = uid
	e.mu.Unlock()

	n.logger.Debug("loopback join", "channel", channel, "uid", uid)

	// Tracks published before we joined are announced as they would be by
	// a real transport.
	for _, ev := range existing {
		e.deliver(ev)
	}
	return nil
}

func (e *Endpoint) Publish(ctx context.Context, tracks ...session.LocalTrack) error {
	if err := wait(ctx, e.PublishDelay); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return fmt.Errorf("publish: %w", ErrNotJoined)
	}
	channel, uid := e.channel, e.uid
	var kinds []session.MediaKind
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if !e.published[t.Kind()] {
			e.published[t.Kind()] = true
			kinds = append(kinds, t.Kind())
		}
	}
	e.mu.Unlock()

	for _, other := range e.net.peers(channel, uid) {
		for _, kind := range kinds {
			other.deliver(session.Published{UID: uid, Kind: kind})
		}
	}
	return nil
}

// Unpublish withdraws a previously published kind.
func (e *Endpoint) Unpublish(ctx context.Context, kind session.MediaKind) error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return fmt.Errorf("unpublish: %w", ErrNotJoined)
	}
	was := e.published[kind]
	delete(e.published, kind)
	channel, uid := e.channel, e.uid
	e.mu.Unlock()

	if !was {
		return nil
	}
	for _, other := range e.net.peers(channel, uid) {
		other.deliver(session.Unpublished{UID: uid, Kind: kind})
	}
	return nil
}

func (e *Endpoint) Subscribe(ctx context.Context, uid uint32, kind session.MediaKind) (session.RemoteTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe: %w: %v", session.ErrOperationAborted, err)
	}

	e.mu.Lock()
	joined, channel := e.joined, e.channel
	e.mu.Unlock()
	if !joined {
		return nil, fmt.Errorf("subscribe: %w", ErrNotJoined)
	}

	e.net.mu.Lock()
	remote := e.net.channels[channel][uid]
	e.net.mu.Unlock()
	if remote == nil || !remote.isPublished(kind) {
		return nil, fmt.Errorf("subscribe %d/%s: %w", uid, kind, ErrNotPublished)
	}
	return remoteTrack{uid: uid, kind: kind}, nil
}

func (e *Endpoint) Leave(ctx context.Context) error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return nil
	}
	channel, uid := e.channel, e.uid
	e.joined = false
	e.published = make(map[session.MediaKind]bool)
	e.mu.Unlock()

	n := e.net
	n.mu.Lock()
	members := n.channels[channel]
	delete(members, uid)
	if len(members) == 0 {
		delete(n.channels, channel)
	}
	n.mu.Unlock()

	n.logger.Debug("loopback leave", "channel", channel, "uid", uid)
	for _, other := range n.peers(channel, uid) {
		other.deliver(session.Left{UID: uid})
	}
	return nil
}

func (n *Network) peers(channel string, self uint32) []*Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Endpoint
	for uid, ep := range n.channels[channel] {
		if uid != self {
			out = append(out, ep)
		}
	}
	return out
}

func (e *Endpoint) deliver(ev session.Event) {
	e.mu.Lock()
	handlers := append([]func(session.Event){}, e.handlers...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (e *Endpoint) publishedKinds() []session.MediaKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kinds []session.MediaKind
	for _, kind := range []session.MediaKind{session.KindAudio, session.KindVideo} {
		if e.published[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (e *Endpoint) isPublished(kind session.MediaKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published[kind]
}

type remoteTrack struct {
	uid  uint32
	kind session.MediaKind
}

func (t remoteTrack) Kind() session.MediaKind { return t.kind }
func (t remoteTrack) UID() uint32             { return t.uid }

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", session.ErrOperationAborted, err)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", session.ErrOperationAborted, ctx.Err())
	case <-t.C:
		return nil
	}
}
