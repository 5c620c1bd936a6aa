package session_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/medcall/internal/config"
	"github.com/tariel-x/medcall/internal/credentials"
	"github.com/tariel-x/medcall/internal/handlers"
	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/session"
	"github.com/tariel-x/medcall/internal/signalclient"
	"github.com/tariel-x/medcall/internal/signaling"
	"github.com/tariel-x/medcall/internal/transport/loopback"
)

type harness struct {
	client  *signalclient.Client
	network *loopback.Network
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := credentials.NewIssuer("0123456789abcdef0123456789abcdef", "app-certificate", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	service := signaling.NewService(signaling.NewMemoryStore(0), nil, nil, nil)
	router := gin.New()
	handlers.New(handlers.Options{
		Config:  &config.Config{JWTSecret: "jwt"},
		Service: service,
		Issuer:  issuer,
	}).Routes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &harness{
		client:  signalclient.New(srv.URL),
		network: loopback.NewNetwork(loopback.WithTokenVerifier(issuer.Verify)),
	}
}

func (h *harness) join(t *testing.T, ctx context.Context, channel string, role models.Role, devices *loopback.Devices) *session.Session {
	t.Helper()
	creds, err := h.client.IssueCredentials(ctx, channel, role, 0)
	if err != nil {
		t.Fatalf("issue %s credentials: %v", role, err)
	}
	s, err := session.New(session.EntryParams{
		Channel: channel,
		Token:   &creds.Token,
		UID:     strconv.FormatUint(uint64(creds.UID), 10),
		AppID:   creds.AppID,
		Role:    role,
	}, session.Config{
		Transport:         h.network.Endpoint(),
		Devices:           devices,
		Signaling:         h.client,
		PollInterval:      20 * time.Millisecond,
		ForceConnectAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("new %s session: %v", role, err)
	}
	s.Start(ctx)
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDoctorAndPatientConnectOverLoopback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doctorDevices := &loopback.Devices{}
	doctor := h.join(t, ctx, "appt-1", models.RoleDoctor, doctorDevices)
	eventually(t, "doctor awaiting peer", func() bool { return doctor.State().Phase == session.PhaseAwaitingPeer })

	patient := h.join(t, ctx, "appt-1", models.RolePatient, &loopback.Devices{})
	patientUID := patient.Params().UID
	doctorUID := doctor.Params().UID

	eventually(t, "doctor to see the patient", func() bool {
		st := doctor.State()
		return st.Phase == session.PhaseConnected && st.HasRemote(patientUID)
	})
	for _, p := range doctor.State().Remote {
		if p.Synthetic || !p.HasAudio || !p.HasVideo {
			t.Fatalf("expected a genuine remote with audio and video, got %+v", p)
		}
	}
	eventually(t, "patient to see the doctor", func() bool { return patient.State().HasRemote(doctorUID) })

	roster, err := h.client.ChannelPresence(ctx, "appt-1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !models.HasRole(roster, models.RoleDoctor) || !models.HasRole(roster, models.RolePatient) {
		t.Fatalf("expected both roles in the roster, got %+v", roster)
	}

	if err := doctor.Leave(ctx); err != nil {
		t.Fatalf("doctor leave: %v", err)
	}
	if doctor.State().Phase != session.PhaseTerminated {
		t.Fatalf("doctor should be terminated, got %s", doctor.State().Phase)
	}
	if doctorDevices.Open() != 0 {
		t.Fatalf("doctor still holds %d tracks", doctorDevices.Open())
	}

	roster, err = h.client.ChannelPresence(ctx, "appt-1")
	if err != nil {
		t.Fatalf("presence after leave: %v", err)
	}
	if models.HasRole(roster, models.RoleDoctor) {
		t.Fatalf("doctor must leave the roster, got %+v", roster)
	}

	eventually(t, "patient to lose the doctor", func() bool {
		st := patient.State()
		return !st.HasRemote(doctorUID) && !st.PeerPresent && st.Phase == session.PhaseAwaitingPeer
	})

	if err := patient.Leave(ctx); err != nil {
		t.Fatalf("patient leave: %v", err)
	}
	if roster, _ := h.client.ChannelPresence(ctx, "appt-1"); len(roster) != 0 {
		t.Fatalf("expected an empty roster, got %+v", roster)
	}
}

func TestJoinRejectedForForeignChannelToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	creds, err := h.client.IssueCredentials(ctx, "appt-1", models.RolePatient, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s, err := session.New(session.EntryParams{
		Channel: "appt-2",
		Token:   &creds.Token,
		UID:     strconv.FormatUint(uint64(creds.UID), 10),
		AppID:   creds.AppID,
		Role:    models.RolePatient,
	}, session.Config{Transport: h.network.Endpoint(), Devices: &loopback.Devices{}, Signaling: h.client})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start(ctx)
	<-s.Done()
	if st := s.State(); st.Phase != session.PhaseFailed {
		t.Fatalf("expected Failed, got %s (%s)", st.Phase, st.Reason)
	}
}

func TestPeerLeavingDuringPublishKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const channel = "appt-9"

	doctorCreds, err := h.client.IssueCredentials(ctx, channel, models.RoleDoctor, 0)
	if err != nil {
		t.Fatalf("doctor credentials: %v", err)
	}
	doctorEndpoint := h.network.Endpoint()
	doctorEndpoint.PublishDelay = 200 * time.Millisecond
	doctor, err := session.New(session.EntryParams{
		Channel: channel,
		Token:   &doctorCreds.Token,
		UID:     strconv.FormatUint(uint64(doctorCreds.UID), 10),
		AppID:   doctorCreds.AppID,
		Role:    models.RoleDoctor,
	}, session.Config{Transport: doctorEndpoint, Devices: &loopback.Devices{}, ForceConnectAfter: time.Hour})
	if err != nil {
		t.Fatalf("new doctor: %v", err)
	}
	doctor.Start(ctx)
	t.Cleanup(doctor.Close)
	eventually(t, "doctor joined the channel", func() bool {
		return slices.Contains(h.network.Members(channel), doctorCreds.UID)
	})

	// The patient comes and goes while the doctor's publish is in flight.
	patientCreds, err := h.client.IssueCredentials(ctx, channel, models.RolePatient, 0)
	if err != nil {
		t.Fatalf("patient credentials: %v", err)
	}
	patientDevices := &loopback.Devices{}
	patient := h.network.Endpoint()
	if err := patient.Join(ctx, patientCreds.AppID, channel, patientCreds.Token, patientCreds.UID); err != nil {
		t.Fatalf("patient join: %v", err)
	}
	mic, _ := patientDevices.CreateMicrophoneTrack(ctx)
	cam, _ := patientDevices.CreateCameraTrack(ctx)
	if err := patient.Publish(ctx, mic); err != nil {
		t.Fatalf("patient publish: %v", err)
	}
	if err := patient.Leave(ctx); err != nil {
		t.Fatalf("patient leave: %v", err)
	}

	eventually(t, "doctor awaiting peer", func() bool { return doctor.State().Phase == session.PhaseAwaitingPeer })
	time.Sleep(50 * time.Millisecond)
	if st := doctor.State(); st.Phase != session.PhaseAwaitingPeer || st.HasRemote(patientCreds.UID) {
		t.Fatalf("doctor should still await the patient, got %s (%s) remote=%+v", st.Phase, st.Reason, st.Remote)
	}

	// The patient returns; withdrawing the camera leaves the doctor connected
	// on audio alone.
	if err := patient.Join(ctx, patientCreds.AppID, channel, patientCreds.Token, patientCreds.UID); err != nil {
		t.Fatalf("patient rejoin: %v", err)
	}
	if err := patient.Publish(ctx, mic, cam); err != nil {
		t.Fatalf("patient republish: %v", err)
	}
	eventually(t, "doctor to see patient video", func() bool {
		st := doctor.State()
		return st.Phase == session.PhaseConnected && len(st.Remote) == 1 && st.Remote[0].HasVideo
	})
	if err := patient.Unpublish(ctx, session.KindVideo); err != nil {
		t.Fatalf("patient unpublish: %v", err)
	}
	eventually(t, "doctor to drop patient video", func() bool {
		st := doctor.State()
		return st.Phase == session.PhaseConnected && len(st.Remote) == 1 && st.Remote[0].HasAudio && !st.Remote[0].HasVideo
	})
	_ = patient.Leave(ctx)
}
