package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tariel-x/medcall/internal/models"
)

type fakeSource struct {
	mu     sync.Mutex
	roster []models.ChannelParticipant
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (f *fakeSource) ChannelPresence(ctx context.Context, channelID string) ([]models.ChannelParticipant, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChannelParticipant(nil), f.roster...), f.err
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for poll result")
		return Result{}
	}
}

func TestPollerReportsOppositeRole(t *testing.T) {
	source := &fakeSource{roster: []models.ChannelParticipant{
		{UID: 1, Role: models.RoleDoctor},
		{UID: 2, Role: models.RolePatient},
	}}
	results := make(chan Result, 8)
	p := New(source, "ch1", models.RoleDoctor, 10*time.Millisecond, func(r Result) { results <- r }, nil)
	p.Start(context.Background())
	defer p.Stop()

	r := waitResult(t, results)
	if !r.PeerPresent || r.Peer.UID != 2 {
		t.Fatalf("expected patient 2 to be reported, got %+v", r)
	}
	if len(r.Roster) != 2 {
		t.Fatalf("expected full roster, got %+v", r.Roster)
	}
}

func TestPollerOwnRoleIsNotPeer(t *testing.T) {
	source := &fakeSource{roster: []models.ChannelParticipant{{UID: 1, Role: models.RolePatient}}}
	results := make(chan Result, 8)
	p := New(source, "ch1", models.RolePatient, time.Hour, func(r Result) { results <- r }, nil)
	p.Start(context.Background())
	defer p.Stop()

	if r := waitResult(t, results); r.PeerPresent {
		t.Fatalf("own role must not count as peer: %+v", r)
	}
}

func TestPollerWrapsFetchErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	results := make(chan Result, 8)
	p := New(source, "ch1", models.RoleDoctor, 10*time.Millisecond, func(r Result) { results <- r }, nil)
	p.Start(context.Background())
	defer p.Stop()

	first := waitResult(t, results)
	if !errors.Is(first.Err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", first.Err)
	}
	// Errors do not stop the poller.
	second := waitResult(t, results)
	if second.Err == nil {
		t.Fatalf("expected a second failing tick")
	}
}

func TestPollerDiscardsTickInFlightAtStop(t *testing.T) {
	source := &fakeSource{
		roster: []models.ChannelParticipant{{UID: 2, Role: models.RolePatient}},
		block:  make(chan struct{}),
	}
	var delivered atomic.Int32
	p := New(source, "ch1", models.RoleDoctor, time.Hour, func(Result) { delivered.Add(1) }, nil)
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poller never fetched")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	// Let Stop flip the liveness flag before the fetch returns.
	time.Sleep(20 * time.Millisecond)
	close(source.block)
	<-stopped

	if n := delivered.Load(); n != 0 {
		t.Fatalf("expected the in-flight tick to be discarded, got %d deliveries", n)
	}
}

func TestPollerStopWithoutStart(t *testing.T) {
	p := New(&fakeSource{}, "ch1", models.RoleDoctor, time.Second, func(Result) {}, nil)
	p.Stop()
	p.Start(context.Background())
	p.Stop()
}
