package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/observability/metrics"
)

type recordingNotifier struct {
	added   []models.IncomingCall
	removed []string
}

func (n *recordingNotifier) IncomingCallAdded(call models.IncomingCall) {
	n.added = append(n.added, call)
}

func (n *recordingNotifier) IncomingCallRemoved(calleeID, callID string) {
	n.removed = append(n.removed, calleeID+"/"+callID)
}

func newTestService() (*Service, *recordingNotifier) {
	notifier := &recordingNotifier{}
	svc := NewService(NewMemoryStore(0), notifier, nil, nil)
	base := time.Unix(1_700_000_000, 0)
	svc.nowFn = func() time.Time { return base }
	return svc, notifier
}

func TestRecordIncomingCallValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		call models.IncomingCall
	}{
		{"missing call id", models.IncomingCall{CalleeID: "d1", CallerName: "Jane"}},
		{"missing callee", models.IncomingCall{CallID: "c1", CallerName: "Jane"}},
		{"missing caller name", models.IncomingCall{CallID: "c1", CalleeID: "d1"}},
		{"blank call id", models.IncomingCall{CallID: "  ", CalleeID: "d1", CallerName: "Jane"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RecordIncomingCall(ctx, tt.call); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestRecordIncomingCallNotifiesOnce(t *testing.T) {
	svc, notifier := newTestService()
	ctx := context.Background()
	call := models.IncomingCall{CallID: "c1", CallerID: "p1", CallerName: "Jane", CalleeID: "d1", ChannelID: "ch1"}

	created, err := svc.RecordIncomingCall(ctx, call)
	if err != nil || !created {
		t.Fatalf("first record: created=%v err=%v", created, err)
	}
	created, err = svc.RecordIncomingCall(ctx, call)
	if err != nil || created {
		t.Fatalf("duplicate record: created=%v err=%v", created, err)
	}

	if len(notifier.added) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.added))
	}
	if notifier.added[0].CreatedAt.IsZero() {
		t.Fatalf("expected createdAt to be stamped")
	}

	calls, err := svc.ListIncomingCalls(ctx, "d1")
	if err != nil || len(calls) != 1 {
		t.Fatalf("list: calls=%d err=%v", len(calls), err)
	}
}

func TestListAndRemoveValidation(t *testing.T) {
	svc, notifier := newTestService()
	ctx := context.Background()

	if _, err := svc.ListIncomingCalls(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty callee, got %v", err)
	}
	if _, err := svc.RemoveIncomingCall(ctx, "d1", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty call id, got %v", err)
	}
	if _, err := svc.RemoveIncomingCall(ctx, "", "c1"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty callee, got %v", err)
	}

	remaining, err := svc.RemoveIncomingCall(ctx, "d1", "absent")
	if err != nil || remaining != 0 {
		t.Fatalf("removing an absent call must succeed: remaining=%d err=%v", remaining, err)
	}
	if len(notifier.removed) != 1 || notifier.removed[0] != "d1/absent" {
		t.Fatalf("unexpected removal notifications: %v", notifier.removed)
	}
}

func TestRecordChannelPresence(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	join := models.PresenceUpdate{ChannelID: "ch1", UID: 11, Role: "doctor", Action: models.PresenceJoin}
	for i := 0; i < 2; i++ {
		if err := svc.RecordChannelPresence(ctx, join); err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
	}
	if err := svc.RecordChannelPresence(ctx, models.PresenceUpdate{ChannelID: "ch1", UID: 12, Role: models.RolePatient, Action: models.PresenceJoin}); err != nil {
		t.Fatalf("patient join failed: %v", err)
	}

	roster, err := svc.GetChannelPresence(ctx, "ch1")
	if err != nil {
		t.Fatalf("get presence failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected two participants, got %+v", roster)
	}
	if !models.HasRole(roster, models.RoleDoctor) || !models.HasRole(roster, models.RolePatient) {
		t.Fatalf("expected both roles, got %+v", roster)
	}

	if err := svc.RecordChannelPresence(ctx, models.PresenceUpdate{ChannelID: "ch1", UID: 11, Action: models.PresenceLeave}); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	roster, _ = svc.GetChannelPresence(ctx, "ch1")
	if models.HasRole(roster, models.RoleDoctor) {
		t.Fatalf("doctor should have left, got %+v", roster)
	}
}

func TestRecordChannelPresenceValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		update models.PresenceUpdate
	}{
		{"missing channel", models.PresenceUpdate{UID: 1, Role: models.RoleDoctor, Action: models.PresenceJoin}},
		{"bad role", models.PresenceUpdate{ChannelID: "ch1", UID: 1, Role: "NURSE", Action: models.PresenceJoin}},
		{"join without role", models.PresenceUpdate{ChannelID: "ch1", UID: 1, Action: models.PresenceJoin}},
		{"bad action", models.PresenceUpdate{ChannelID: "ch1", UID: 1, Role: models.RoleDoctor, Action: "wave"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RecordChannelPresence(ctx, tt.update); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if _, err := svc.GetChannelPresence(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for blank channel, got %v", err)
	}
}

func TestOpenBackends(t *testing.T) {
	store, err := Open("memory", "", 0)
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	_ = store.Close()

	if _, err := Open("etcd", "", 0); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := Open("redis", "not a url", 0); err == nil {
		t.Fatalf("expected error for malformed redis url")
	}
}

func TestRecordIncomingCallIgnoresClientTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(time.Minute)
	store.nowFn = func() time.Time { return now }
	defer store.Close()

	svc := NewService(store, nil, nil, nil)
	svc.nowFn = func() time.Time { return now }
	ctx := context.Background()

	stale := models.IncomingCall{CallID: "c1", CallerName: "Jane", CalleeID: "d1", CreatedAt: now.Add(-time.Hour)}
	if created, err := svc.RecordIncomingCall(ctx, stale); err != nil || !created {
		t.Fatalf("record: created=%v err=%v", created, err)
	}
	future := models.IncomingCall{CallID: "c2", CallerName: "Jane", CalleeID: "d1", CreatedAt: now.Add(24 * time.Hour)}
	if _, err := svc.RecordIncomingCall(ctx, future); err != nil {
		t.Fatalf("record future: %v", err)
	}

	calls, err := svc.ListIncomingCalls(ctx, "d1")
	if err != nil || len(calls) != 2 {
		t.Fatalf("expected both calls listed, got %d (err %v)", len(calls), err)
	}
	for _, c := range calls {
		if !c.CreatedAt.Equal(now) {
			t.Fatalf("call %s: createdAt %v, want server time %v", c.CallID, c.CreatedAt, now)
		}
	}
	if created, _ := svc.RecordIncomingCall(ctx, stale); created {
		t.Fatalf("re-posting a backdated call must still dedup")
	}

	now = now.Add(2 * time.Minute)
	if calls, _ := svc.ListIncomingCalls(ctx, "d1"); len(calls) != 0 {
		t.Fatalf("expected both calls to expire by server time, got %+v", calls)
	}
}

func TestLeaveWithoutRoleCountsAsUnknown(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := NewService(NewMemoryStore(0), nil, metrics.NewSignalingMetrics(reg), nil)
	ctx := context.Background()

	if err := svc.RecordChannelPresence(ctx, models.PresenceUpdate{ChannelID: "ch1", UID: 5, Action: models.PresenceLeave}); err != nil {
		t.Fatalf("leave: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	roles := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "medcall_signaling_presence_changes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "role" {
					roles[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	if roles["unknown"] != 1 || roles[""] != 0 {
		t.Fatalf("expected one leave labelled unknown, got %v", roles)
	}
}
