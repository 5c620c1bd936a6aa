package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tariel-x/medcall/internal/models"
)

const validAppID = "0123456789abcdef0123456789ABCDEF"

// callLog records calls across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeTrack struct {
	kind MediaKind
	dev  *fakeDevices

	mu     sync.Mutex
	muted  bool
	closed int
}

func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
	return nil
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed++
	first := t.closed == 1
	t.mu.Unlock()
	if first {
		t.dev.mu.Lock()
		t.dev.released++
		t.dev.mu.Unlock()
		t.dev.log.add("close:%s", t.kind)
	}
	return errors.New("device busy") // release errors must be swallowed
}

type fakeDevices struct {
	log *callLog

	// gate, when set, blocks track creation until closed. The fake then
	// returns a track even if ctx was cancelled.
	gate       chan struct{}
	denyMic    bool
	denyCamera bool

	mu       sync.Mutex
	acquired int
	released int
	tracks   []*fakeTrack
}

func (d *fakeDevices) CreateMicrophoneTrack(ctx context.Context) (LocalTrack, error) {
	return d.create(KindAudio, d.denyMic)
}

func (d *fakeDevices) CreateCameraTrack(ctx context.Context) (LocalTrack, error) {
	return d.create(KindVideo, d.denyCamera)
}

func (d *fakeDevices) create(kind MediaKind, deny bool) (LocalTrack, error) {
	if d.gate != nil {
		<-d.gate
	}
	if deny {
		return nil, errors.New("permission denied")
	}
	t := &fakeTrack{kind: kind, dev: d}
	d.mu.Lock()
	d.acquired++
	d.tracks = append(d.tracks, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDevices) counts() (acquired, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired, d.released
}

type fakeRemote struct {
	uid  uint32
	kind MediaKind
}

func (r fakeRemote) Kind() MediaKind { return r.kind }
func (r fakeRemote) UID() uint32     { return r.uid }

type fakeTransport struct {
	log *callLog

	// duringJoin events are delivered from inside Join, before it returns.
	duringJoin []Event
	joinGate   chan struct{}
	joinErr    error
	publishErr error
	leaveErr   error
	// subscribeErr, when set, decides the outcome of each subscribe.
	subscribeErr func(uid uint32, kind MediaKind) error

	mu        sync.Mutex
	handler   func(Event)
	joins     int
	published []MediaKind
	subs      []string
	leaves    int
}

func (f *fakeTransport) On(handler func(Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	f.log.add("on")
}

func (f *fakeTransport) Join(ctx context.Context, appID, channel, token string, uid uint32) error {
	f.mu.Lock()
	f.joins++
	handler := f.handler
	f.mu.Unlock()
	f.log.add("join:%s:%d", channel, uid)

	for _, ev := range f.duringJoin {
		if handler != nil {
			handler(ev)
		}
	}
	if f.joinGate != nil {
		select {
		case <-f.joinGate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrOperationAborted, ctx.Err())
		}
	}
	return f.joinErr
}

func (f *fakeTransport) Publish(ctx context.Context, tracks ...LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tracks {
		f.published = append(f.published, t.Kind())
	}
	return f.publishErr
}

func (f *fakeTransport) Subscribe(ctx context.Context, uid uint32, kind MediaKind) (RemoteTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fmt.Sprintf("%d/%s", uid, kind))
	if f.subscribeErr != nil {
		if err := f.subscribeErr(uid, kind); err != nil {
			return nil, err
		}
	}
	return fakeRemote{uid: uid, kind: kind}, nil
}

func (f *fakeTransport) Leave(ctx context.Context) error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	f.log.add("leave")
	return f.leaveErr
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(ev)
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

type fakeSignaling struct {
	log *callLog

	mu      sync.Mutex
	roster  []models.ChannelParticipant
	updates []models.PresenceUpdate
	err     error
}

func (f *fakeSignaling) ChannelPresence(ctx context.Context, channelID string) ([]models.ChannelParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChannelParticipant(nil), f.roster...), nil
}

func (f *fakeSignaling) RecordPresence(ctx context.Context, update models.PresenceUpdate) error {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	err := f.err
	f.mu.Unlock()
	f.log.add("presence:%s", update.Action)
	return err
}

func (f *fakeSignaling) setRoster(roster ...models.ChannelParticipant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = roster
}

type recordingSink struct {
	mu    sync.Mutex
	video []uint32
	audio []uint32
}

func (s *recordingSink) AttachVideo(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, t.UID())
}

func (s *recordingSink) PlayAudio(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, t.UID())
}

func token(s string) *string { return &s }

func doctorParams() EntryParams {
	return EntryParams{Channel: "ch1", Token: token(""), UID: "11", AppID: validAppID, Role: models.RoleDoctor}
}

func waitFor(t *testing.T, s *Session, what string, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := s.State()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last state %+v", what, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func phaseIs(p Phase) func(State) bool {
	return func(st State) bool { return st.Phase == p }
}
