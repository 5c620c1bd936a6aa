package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tariel-x/medcall/internal/models"
)

// MemoryStore is a process-local Store. State is lost on restart and is not
// shared between server instances.
type MemoryStore struct {
	mu       sync.Mutex
	incoming map[string][]models.IncomingCall   // calleeID -> calls in posting order
	rosters  map[string]map[uint32]*rosterEntry // channelID -> uid -> entry

	recordTTL       time.Duration
	cleanupInterval time.Duration
	nowFn           func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type rosterEntry struct {
	participant models.ChannelParticipant
	seenAt      time.Time
}

// NewMemoryStore returns an empty store. A positive ttl expires invitations
// and roster entries that have not been refreshed for that long; zero keeps
// them until explicitly removed.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		incoming:        make(map[string][]models.IncomingCall),
		rosters:         make(map[string]map[uint32]*rosterEntry),
		recordTTL:       ttl,
		cleanupInterval: ttl,
		nowFn:           time.Now,
		stop:            make(chan struct{}),
	}
	if ttl > 0 {
		go s.cleanupLoop()
	}
	return s
}

func (s *MemoryStore) AddIncomingCall(_ context.Context, call models.IncomingCall) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIncomingLocked(call.CalleeID, s.nowFn())

	for _, existing := range s.incoming[call.CalleeID] {
		if existing.CallID == call.CallID {
			return false, nil
		}
	}
	s.incoming[call.CalleeID] = append(s.incoming[call.CalleeID], call)
	return true, nil
}

func (s *MemoryStore) IncomingCalls(_ context.Context, calleeID string) ([]models.IncomingCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIncomingLocked(calleeID, s.nowFn())

	calls := s.incoming[calleeID]
	out := make([]models.IncomingCall, len(calls))
	copy(out, calls)
	return out, nil
}

func (s *MemoryStore) RemoveIncomingCall(_ context.Context, calleeID, callID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := s.incoming[calleeID]
	kept := calls[:0]
	for _, call := range calls {
		if call.CallID != callID {
			kept = append(kept, call)
		}
	}
	if len(kept) == 0 {
		delete(s.incoming, calleeID)
		return 0, nil
	}
	s.incoming[calleeID] = kept
	return len(kept), nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p models.ChannelParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	roster, ok := s.rosters[p.ChannelID]
	if !ok {
		roster = make(map[uint32]*rosterEntry)
		s.rosters[p.ChannelID] = roster
	}

	if entry, exists := roster[p.UID]; exists {
		entry.participant.Role = p.Role
		entry.seenAt = now
		return nil
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	roster[p.UID] = &rosterEntry{participant: p, seenAt: now}
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, channelID string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster, ok := s.rosters[channelID]
	if !ok {
		return nil
	}
	delete(roster, uid)
	if len(roster) == 0 {
		delete(s.rosters, channelID)
	}
	return nil
}

func (s *MemoryStore) Roster(_ context.Context, channelID string) ([]models.ChannelParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireRosterLocked(channelID, s.nowFn())

	roster := s.rosters[channelID]
	out := make([]models.ChannelParticipant, 0, len(roster))
	for _, entry := range roster {
		out = append(out, entry.participant)
	}
	sortRoster(out)
	return out, nil
}

// Close stops the expiry loop. The store stays usable afterwards.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.cleanupExpiredLocked(s.nowFn())
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpiredLocked(now time.Time) {
	for calleeID := range s.incoming {
		s.expireIncomingLocked(calleeID, now)
	}
	for channelID := range s.rosters {
		s.expireRosterLocked(channelID, now)
	}
}

func (s *MemoryStore) expireIncomingLocked(calleeID string, now time.Time) {
	if s.recordTTL <= 0 {
		return
	}
	calls := s.incoming[calleeID]
	kept := calls[:0]
	for _, call := range calls {
		if now.Sub(call.CreatedAt) <= s.recordTTL {
			kept = append(kept, call)
		}
	}
	if len(kept) == 0 {
		delete(s.incoming, calleeID)
		return
	}
	s.incoming[calleeID] = kept
}

func (s *MemoryStore) expireRosterLocked(channelID string, now time.Time) {
	if s.recordTTL <= 0 {
		return
	}
	roster := s.rosters[channelID]
	for uid, entry := range roster {
		if now.Sub(entry.seenAt) > s.recordTTL {
			delete(roster, uid)
		}
	}
	if len(roster) == 0 {
		delete(s.rosters, channelID)
	}
}

func sortRoster(roster []models.ChannelParticipant) {
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UID < roster[j].UID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
}
