// Package session runs one participant's side of a two-party consultation:
// it acquires local capture, joins the transport channel, publishes,
// subscribes to the remote party and cross-checks the signaling roster.
// Doctor and patient sides run the same machine; the role is data.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/presence"
)

const (
	DefaultForceConnectAfter = 3 * time.Second
	DefaultSetupTimeout      = 8 * time.Second
	// RedirectDelay is how long the shell shows a construction failure
	// before sending the user back to a safe screen.
	RedirectDelay = 3 * time.Second

	signalingTimeout = 5 * time.Second
	leaveTimeout     = 5 * time.Second
)

// Signaling is the subset of the signaling API a session talks to.
type Signaling interface {
	presence.RosterSource
	RecordPresence(ctx context.Context, update models.PresenceUpdate) error
}

type Config struct {
	Transport Transport
	Devices   Devices
	// Signaling is optional. Without it the session relies on transport
	// events alone.
	Signaling Signaling
	Sink      Sink
	Logger    *slog.Logger

	PollInterval      time.Duration
	ForceConnectAfter time.Duration
	SetupTimeout      time.Duration
}

type Session struct {
	params Params
	cfg    Config
	logger *slog.Logger

	// ctx is the cancellation token. It is cancelled with mu held, so a
	// check of ctx.Err() under mu is stable until mu is released.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	phase         Phase
	reason        string
	failure       error
	audio         LocalTrack
	video         LocalTrack
	audioMuted    bool
	videoMuted    bool
	remote        map[uint32]*RemoteParticipant
	peerSeen      bool
	peerUID       uint32
	forceTimer    *time.Timer
	forceGen      uint64
	started       bool
	ready         bool
	joinAttempted bool
	pending       []Event
	updatesClosed bool
	stopWatch     func() bool
	poller        *presence.Poller

	wake      chan struct{}
	updates   chan State
	setupDone chan struct{}
	done      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New validates raw and builds a session in Uninitialized. When raw is
// invalid the returned session is already Failed and the error wraps
// ErrInvalidParameters; no device or transport call is ever made for it.
func New(raw EntryParams, cfg Config) (*Session, error) {
	if cfg.Transport == nil || cfg.Devices == nil {
		return nil, errors.New("session: transport and devices are required")
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ForceConnectAfter <= 0 {
		cfg.ForceConnectAfter = DefaultForceConnectAfter
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = presence.DefaultInterval
	}

	s := &Session{
		cfg:       cfg,
		phase:     PhaseUninitialized,
		remote:    make(map[uint32]*RemoteParticipant),
		wake:      make(chan struct{}, 1),
		updates:   make(chan State, 16),
		setupDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	params, err := ParseParams(raw)
	if err != nil {
		s.params = Params{Channel: raw.Channel, Role: raw.Role}
		s.logger = cfg.Logger.With("channel", raw.Channel, "role", raw.Role)
		s.logger.Warn("invalid session parameters", "error", err)

		s.closeOnce.Do(func() {})
		s.mu.Lock()
		s.cancel()
		s.phase = PhaseFailed
		s.reason = err.Error()
		s.failure = err
		s.emitLocked()
		s.closeUpdatesLocked()
		s.mu.Unlock()
		close(s.setupDone)
		close(s.done)
		return s, err
	}

	s.params = params
	s.logger = cfg.Logger.With("channel", params.Channel, "uid", params.UID, "role", params.Role)
	return s, nil
}

func (s *Session) Params() Params { return s.params }

// Start begins setup in the background. Cancelling ctx tears the session
// down as Close does. Start is a no-op on a Failed or already started
// session.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.ctx.Err() != nil {
		return
	}
	s.started = true
	s.stopWatch = context.AfterFunc(ctx, s.Close)
	s.setPhaseLocked(PhaseAcquiringMedia)
	go s.setup()
}

// Leave tears the session down: it records the departure in the signaling
// store, releases both local tracks and leaves the transport, then reports
// Terminated. Failures in any step are logged and do not stop the next.
// Leave must not be called from a Sink callback.
func (s *Session) Leave(ctx context.Context) error {
	s.closeOnce.Do(func() { s.shutdown(ctx, PhaseTerminated, nil) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Leave for implicit teardown. It is idempotent and safe to call
// while setup is still in flight.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		s.shutdown(ctx, PhaseTerminated, nil)
	})
	<-s.done
}

// Done is closed once the session reached Terminated or Failed and every
// resource it owned was released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates delivers state snapshots. When the reader falls behind, older
// snapshots are dropped in favor of newer ones. The channel is closed after
// the final snapshot.
func (s *Session) Updates() <-chan State { return s.updates }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetMuted mutes or unmutes the local track of kind. It only touches the
// local track and is a no-op when that track was never acquired.
func (s *Session) SetMuted(kind MediaKind, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMutedLocked(kind, muted)
}

// Toggle flips the muted flag of kind and returns the new value.
func (s *Session) Toggle(kind MediaKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	muted := s.audioMuted
	if kind == KindVideo {
		muted = s.videoMuted
	}
	if err := s.setMutedLocked(kind, !muted); err != nil {
		return muted, err
	}
	return !muted, nil
}

func (s *Session) setMutedLocked(kind MediaKind, muted bool) error {
	track := s.trackLocked(kind)
	if track == nil || s.phase.Terminal() {
		return nil
	}
	if err := track.SetMuted(muted); err != nil {
		return fmt.Errorf("set %s muted: %w", kind, err)
	}
	if kind == KindAudio {
		s.audioMuted = muted
	} else {
		s.videoMuted = muted
	}
	s.emitLocked()
	return nil
}

func (s *Session) setup() {
	defer close(s.setupDone)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SetupTimeout)
	defer cancel()

	s.acquire(ctx, KindAudio, s.cfg.Devices.CreateMicrophoneTrack)
	s.acquire(ctx, KindVideo, s.cfg.Devices.CreateCameraTrack)

	if !s.advance(PhaseJoining) {
		return
	}
	// Handlers go in before Join so a publish racing the join is queued,
	// not lost.
	s.cfg.Transport.On(s.enqueue)

	s.mu.Lock()
	s.joinAttempted = true
	s.mu.Unlock()

	if err := s.cfg.Transport.Join(ctx, s.params.AppID, s.params.Channel, s.params.Token, s.params.UID); err != nil {
		s.setupFailed(ctx, "join", err)
		return
	}
	if !s.advance(PhaseJoined) {
		return
	}

	if tracks := s.localTracks(); len(tracks) > 0 {
		if err := s.cfg.Transport.Publish(ctx, tracks...); err != nil {
			s.setupFailed(ctx, "publish", err)
			return
		}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.derivePhaseLocked()
	s.workers.Add(1)
	s.mu.Unlock()
	go s.dispatch()

	if s.cfg.Signaling == nil {
		return
	}
	s.recordPresence(s.ctx, models.PresenceJoin)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.poller = presence.New(s.cfg.Signaling, s.params.Channel, s.params.Role, s.cfg.PollInterval, s.onPresence, s.logger)
	s.poller.Start(s.ctx)
}

// acquire stores a freshly created track, or releases it when the session
// was cancelled while the device call was in flight.
func (s *Session) acquire(ctx context.Context, kind MediaKind, create func(context.Context) (LocalTrack, error)) {
	track, err := create(ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("local track unavailable, continuing without it", "kind", kind, "error", fmt.Errorf("%w: %v", ErrMediaAcquisition, err))
		}
		return
	}
	if track == nil {
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.releaseTrack(track)
		return
	}
	if kind == KindAudio {
		s.audio = track
	} else {
		s.video = track
	}
	s.emitLocked()
	s.mu.Unlock()
}

func (s *Session) advance(phase Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.setPhaseLocked(phase)
	return true
}

func (s *Session) setupFailed(ctx context.Context, op string, err error) {
	if s.ctx.Err() != nil {
		s.logger.Debug("setup interrupted by teardown", "op", op, "error", err)
		return
	}
	var cause error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %s timed out", ErrTransport, op)
	} else {
		cause = fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	}
	s.logger.Error("session setup failed", "op", op, "error", err)
	go s.fail(cause)
}

func (s *Session) fail(cause error) {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		s.shutdown(ctx, PhaseFailed, cause)
	})
}

func (s *Session) localTracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tracks []LocalTrack
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *Session) enqueue(ev Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	ready := s.ready
	s.mu.Unlock()

	if ready {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Session) dispatch() {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for i, ev := range batch {
			if s.ctx.Err() != nil {
				return
			}
			switch e := ev.(type) {
			case Published:
				if superseded(e, batch[i+1:]) {
					s.logger.Debug("publish superseded before subscribe", "remote_uid", e.UID, "kind", e.Kind)
					continue
				}
				s.onPublished(e)
			case Unpublished:
				s.onUnpublished(e)
			case Left:
				s.onLeft(e)
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Session) onPublished(e Published) {
	s.mu.Lock()
	if p, ok := s.remote[e.UID]; ok && !p.Synthetic && p.has(e.Kind) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	track, err := s.cfg.Transport.Subscribe(s.ctx, e.UID, e.Kind)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		if isAbort(err) {
			s.logger.Debug("subscribe aborted", "remote_uid", e.UID, "kind", e.Kind)
			return
		}
		if s.withdrawn(e, err) {
			s.logger.Info("remote track withdrawn before subscribe", "remote_uid", e.UID, "kind", e.Kind, "error", err)
			return
		}
		s.logger.Error("subscribe failed", "remote_uid", e.UID, "kind", e.Kind, "error", err)
		go s.fail(fmt.Errorf("%w: subscribe %s: %v", ErrTransport, e.Kind, err))
		return
	}

	if e.Kind == KindVideo {
		s.cfg.Sink.AttachVideo(track)
	} else {
		s.cfg.Sink.PlayAudio(track)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	for uid, p := range s.remote {
		if p.Synthetic {
			delete(s.remote, uid)
		}
	}
	p, ok := s.remote[e.UID]
	if !ok {
		p = &RemoteParticipant{UID: e.UID}
		s.remote[e.UID] = p
	}
	p.set(e.Kind, true)
	s.stopForceTimerLocked()
	s.logger.Debug("remote track subscribed", "remote_uid", e.UID, "kind", e.Kind)
	s.derivePhaseLocked()
	s.emitLocked()
}

// superseded reports whether a later event withdraws the track e announced.
func superseded(e Published, later []Event) bool {
	for _, ev := range later {
		switch l := ev.(type) {
		case Unpublished:
			if l.UID == e.UID && l.Kind == e.Kind {
				return true
			}
		case Left:
			if l.UID == e.UID {
				return true
			}
		}
	}
	return false
}

// withdrawn reports whether a failed subscribe for e only raced the remote
// side taking the track down.
func (s *Session) withdrawn(e Published, err error) bool {
	if errors.Is(err, ErrTrackUnavailable) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return superseded(e, s.pending)
}

func (s *Session) onUnpublished(e Unpublished) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.remote[e.UID]
	if !ok || p.Synthetic {
		return
	}
	p.set(e.Kind, false)
	if !p.HasAudio && !p.HasVideo {
		delete(s.remote, e.UID)
	}
	s.derivePhaseLocked()
	s.emitLocked()
}

func (s *Session) onLeft(e Left) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remote[e.UID]; !ok {
		return
	}
	delete(s.remote, e.UID)
	s.logger.Debug("remote participant left", "remote_uid", e.UID)
	s.derivePhaseLocked()
	s.emitLocked()
}

// onPresence is the compensating control: a roster that shows the peer
// while no publish arrived arms a one-shot timer that inserts a synthetic
// participant.
func (s *Session) onPresence(res presence.Result) {
	if res.Err != nil {
		s.logger.Debug("roster unavailable", "error", res.Err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || !s.ready {
		return
	}

	s.peerSeen = res.PeerPresent
	if res.PeerPresent {
		s.peerUID = res.Peer.UID
		if len(s.remote) == 0 && s.forceTimer == nil {
			s.forceGen++
			gen := s.forceGen
			s.forceTimer = time.AfterFunc(s.cfg.ForceConnectAfter, func() { s.forceConnect(gen) })
		}
	} else {
		s.stopForceTimerLocked()
		for uid, p := range s.remote {
			if p.Synthetic {
				delete(s.remote, uid)
			}
		}
	}

	before := s.phase
	s.derivePhaseLocked()
	if s.phase != before {
		s.emitLocked()
	}
}

func (s *Session) forceConnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.forceGen {
		return
	}
	s.forceTimer = nil
	if s.ctx.Err() != nil || !s.peerSeen || len(s.remote) > 0 {
		return
	}
	s.remote[s.peerUID] = &RemoteParticipant{UID: s.peerUID, Synthetic: true}
	s.logger.Warn("roster shows peer but no media arrived, marking connected", "remote_uid", s.peerUID, "after", s.cfg.ForceConnectAfter)
	s.derivePhaseLocked()
	s.emitLocked()
}

func (s *Session) stopForceTimerLocked() {
	if s.forceTimer == nil {
		return
	}
	s.forceTimer.Stop()
	s.forceTimer = nil
	s.forceGen++
}

func (s *Session) shutdown(ctx context.Context, final Phase, cause error) {
	s.mu.Lock()
	s.cancel()
	s.stopForceTimerLocked()
	if final == PhaseTerminated {
		s.setPhaseLocked(PhaseLeaving)
	}
	started := s.started
	stopWatch := s.stopWatch
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if started {
		<-s.setupDone
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	s.workers.Wait()

	s.mu.Lock()
	audio, video := s.audio, s.video
	s.audio, s.video = nil, nil
	joinAttempted := s.joinAttempted
	s.mu.Unlock()

	if joinAttempted && s.cfg.Signaling != nil {
		s.recordPresence(ctx, models.PresenceLeave)
	}
	s.releaseTrack(audio)
	s.releaseTrack(video)
	if joinAttempted {
		if err := s.cfg.Transport.Leave(ctx); err != nil && !isAbort(err) {
			s.logger.Warn("transport leave failed", "error", err)
		}
	}

	s.mu.Lock()
	s.ready = false
	s.peerSeen = false
	s.pending = nil
	s.remote = make(map[uint32]*RemoteParticipant)
	if final == PhaseFailed {
		s.reason = cause.Error()
		s.failure = cause
	}
	s.setPhaseLocked(final)
	s.emitLocked()
	s.closeUpdatesLocked()
	s.mu.Unlock()

	close(s.done)
}

func (s *Session) recordPresence(ctx context.Context, action models.PresenceAction) {
	ctx, cancel := context.WithTimeout(ctx, signalingTimeout)
	defer cancel()

	err := s.cfg.Signaling.RecordPresence(ctx, models.PresenceUpdate{
		ChannelID: s.params.Channel,
		UID:       s.params.UID,
		Role:      s.params.Role,
		Action:    action,
	})
	if err != nil {
		s.logger.Warn("presence update failed", "action", action, "error", fmt.Errorf("%w: %v", ErrSignalingUnavailable, err))
	}
}

func (s *Session) releaseTrack(track LocalTrack) {
	if track == nil {
		return
	}
	if err := track.Close(); err != nil {
		s.logger.Debug("release local track", "kind", track.Kind(), "error", err)
	}
}

func (s *Session) trackLocked(kind MediaKind) LocalTrack {
	if kind == KindAudio {
		return s.audio
	}
	if kind == KindVideo {
		return s.video
	}
	return nil
}

func (s *Session) derivePhaseLocked() {
	if !s.ready || s.phase.Terminal() || s.phase == PhaseLeaving {
		return
	}
	switch {
	case len(s.remote) > 0:
		s.setPhaseLocked(PhaseConnected)
	case s.peerSeen:
		s.setPhaseLocked(PhasePeerPresent)
	default:
		s.setPhaseLocked(PhaseAwaitingPeer)
	}
}

func (s *Session) setPhaseLocked(phase Phase) {
	if s.phase == phase {
		return
	}
	s.logger.Debug("session phase", "from", s.phase, "to", phase)
	s.phase = phase
	s.emitLocked()
}

func (s *Session) snapshotLocked() State {
	return State{
		Phase:       s.phase,
		Reason:      s.reason,
		Err:         s.failure,
		Channel:     s.params.Channel,
		UID:         s.params.UID,
		Role:        s.params.Role,
		HasAudio:    s.audio != nil,
		HasVideo:    s.video != nil,
		AudioMuted:  s.audioMuted,
		VideoMuted:  s.videoMuted,
		PeerPresent: s.peerSeen,
		Remote:      sortedRemote(s.remote),
	}
}

func (s *Session) emitLocked() {
	if s.updatesClosed {
		return
	}
	st := s.snapshotLocked()
	for {
		select {
		case s.updates <- st:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) closeUpdatesLocked() {
	if s.updatesClosed {
		return
	}
	s.updatesClosed = true
	close(s.updates)
}

func (p *RemoteParticipant) has(kind MediaKind) bool {
	if kind == KindAudio {
		return p.HasAudio
	}
	return p.HasVideo
}

func (p *RemoteParticipant) set(kind MediaKind, on bool) {
	if kind == KindAudio {
		p.HasAudio = on
	} else {
		p.HasVideo = on
	}
}
