package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tariel-x/medcall/internal/session"
)

var ErrDeviceDenied = errors.New("device access denied")

// Devices hands out synthetic capture tracks and counts acquisitions and
// releases so leaks are observable.
type Devices struct {
	// Delay is applied to every track creation and honors ctx.
	Delay      time.Duration
	DenyMic    bool
	DenyCamera bool

	acquired atomic.Int64
	released atomic.Int64
}

func (d *Devices) CreateMicrophoneTrack(ctx context.Context) (session.LocalTrack, error) {
	return d.create(ctx, session.KindAudio, d.DenyMic)
}

func (d *Devices) CreateCameraTrack(ctx context.Context) (session.LocalTrack, error) {
	return d.create(ctx, session.KindVideo, d.DenyCamera)
}

func (d *Devices) create(ctx context.Context, kind session.MediaKind, deny bool) (session.LocalTrack, error) {
	if err := wait(ctx, d.Delay); err != nil {
		return nil, err
	}
	if deny {
		return nil, fmt.Errorf("%s: %w", kind, ErrDeviceDenied)
	}
	d.acquired.Add(1)
	return &Track{kind: kind, devices: d}, nil
}

func (d *Devices) Acquired() int64 { return d.acquired.Load() }
func (d *Devices) Released() int64 { return d.released.Load() }

// Open is the number of tracks handed out and not yet closed.
func (d *Devices) Open() int64 { return d.acquired.Load() - d.released.Load() }

type Track struct {
	kind    session.MediaKind
	devices *Devices

	mu     sync.Mutex
	muted  bool
	closed bool
}

func (t *Track) Kind() session.MediaKind { return t.kind }

func (t *Track) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("track closed")
	}
	t.muted = muted
	return nil
}

func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Close releases the device. Closing twice is counted once.
func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.devices.released.Add(1)
	return nil
}
