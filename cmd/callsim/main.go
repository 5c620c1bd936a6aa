// Command callsim plays a whole consultation against a running server: the
// patient rings the doctor, the doctor accepts from the inbox, and both join
// the channel over an in-process loopback transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/medcall/internal/callnotify"
	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/session"
	"github.com/tariel-x/medcall/internal/signalclient"
	"github.com/tariel-x/medcall/internal/transport/loopback"
)

type options struct {
	server     string
	bearer     string
	doctorID   string
	channel    string
	hold       time.Duration
	timeout    time.Duration
	denyCamera bool
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "Signaling server base URL")
	flag.StringVar(&opts.bearer, "token", "", "Bearer token, when the server requires auth")
	flag.StringVar(&opts.doctorID, "doctor-id", "doctor-1", "Callee id the patient rings")
	flag.StringVar(&opts.channel, "channel", "", "Channel name (random when empty)")
	flag.DurationVar(&opts.hold, "hold", 2*time.Second, "How long to stay connected before hanging up")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall deadline")
	flag.BoolVar(&opts.denyCamera, "deny-camera", false, "Simulate a patient without a camera")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("simulation finished")
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var clientOpts []signalclient.Option
	if opts.bearer != "" {
		clientOpts = append(clientOpts, signalclient.WithBearer(opts.bearer))
	}
	client := signalclient.New(opts.server, clientOpts...)

	if opts.channel == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		opts.channel = "appt-" + id
	}

	call, err := callnotify.Ring(ctx, client, models.IncomingCall{
		CallerID:   "patient-sim",
		CallerName: "Simulated Patient",
		CalleeID:   opts.doctorID,
		CalleeName: "Simulated Doctor",
		ChannelID:  opts.channel,
	})
	if err != nil {
		return fmt.Errorf("ring: %w", err)
	}
	logger.Info("patient rang", "call_id", call.CallID, "channel", call.ChannelID)

	accepted, err := awaitInvitation(ctx, client, opts.doctorID, call.CallID, logger)
	if err != nil {
		return err
	}

	network := loopback.NewNetwork(loopback.WithLogger(logger))

	doctor, err := startSession(ctx, client, network, accepted.ChannelID, models.RoleDoctor, &loopback.Devices{}, logger)
	if err != nil {
		return err
	}
	defer doctor.Close()
	patient, err := startSession(ctx, client, network, call.ChannelID, models.RolePatient, &loopback.Devices{DenyCamera: opts.denyCamera}, logger)
	if err != nil {
		return err
	}
	defer patient.Close()

	if err := awaitConnected(ctx, doctor, patient.Params().UID); err != nil {
		return fmt.Errorf("doctor: %w", err)
	}
	if err := awaitConnected(ctx, patient, doctor.Params().UID); err != nil {
		return fmt.Errorf("patient: %w", err)
	}
	logger.Info("consultation connected", "channel", opts.channel, "doctor_uid", doctor.Params().UID, "patient_uid", patient.Params().UID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opts.hold):
	}

	if _, err := patient.Toggle(session.KindAudio); err != nil {
		logger.Warn("patient mute failed", "error", err)
	}
	if err := doctor.Leave(ctx); err != nil {
		return fmt.Errorf("doctor leave: %w", err)
	}
	if err := patient.Leave(ctx); err != nil {
		return fmt.Errorf("patient leave: %w", err)
	}

	if members := network.Members(opts.channel); len(members) != 0 {
		return fmt.Errorf("transport channel not empty after hangup: %v", members)
	}
	roster, err := client.ChannelPresence(ctx, opts.channel)
	if err != nil {
		return err
	}
	if len(roster) != 0 {
		return fmt.Errorf("roster not empty after hangup: %+v", roster)
	}
	return nil
}

// awaitInvitation runs the doctor's inbox until callID shows up, then
// accepts it.
func awaitInvitation(ctx context.Context, client *signalclient.Client, doctorID, callID string, logger *slog.Logger) (models.IncomingCall, error) {
	found := make(chan models.IncomingCall, 1)
	inbox := callnotify.NewInbox(client, doctorID, 250*time.Millisecond, func(c models.IncomingCall) {
		if c.CallID == callID {
			select {
			case found <- c:
			default:
			}
		}
	}, logger)

	inboxCtx, stopInbox := context.WithCancel(ctx)
	defer stopInbox()
	go func() { _ = inbox.Run(inboxCtx) }()

	select {
	case <-ctx.Done():
		return models.IncomingCall{}, fmt.Errorf("waiting for invitation: %w", ctx.Err())
	case c := <-found:
		stopInbox()
		if err := inbox.Accept(ctx, c); err != nil {
			return c, err
		}
		return c, nil
	}
}

func startSession(ctx context.Context, client *signalclient.Client, network *loopback.Network, channel string, role models.Role, devices *loopback.Devices, logger *slog.Logger) (*session.Session, error) {
	creds, err := client.IssueCredentials(ctx, channel, role, 0)
	if err != nil {
		return nil, fmt.Errorf("%s credentials: %w", role, err)
	}

	roleLogger := logger.With("role", role, "uid", creds.UID)
	s, err := session.New(session.EntryParams{
		Channel: channel,
		Token:   &creds.Token,
		UID:     strconv.FormatUint(uint64(creds.UID), 10),
		AppID:   creds.AppID,
		Role:    role,
	}, session.Config{
		Transport: network.Endpoint(),
		Devices:   devices,
		Signaling: client,
		Logger:    roleLogger,
	})
	if err != nil {
		return nil, err
	}

	go func() {
		for st := range s.Updates() {
			roleLogger.Info("session state", "phase", st.Phase, "peer_present", st.PeerPresent, "remote", len(st.Remote), "reason", st.Reason)
		}
	}()
	s.Start(ctx)
	return s, nil
}

var errSessionEnded = errors.New("session ended before connecting")

func awaitConnected(ctx context.Context, s *session.Session, peerUID uint32) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := s.State()
		if st.Phase == session.PhaseConnected && st.HasRemote(peerUID) {
			return nil
		}
		if st.Phase.Terminal() {
			return fmt.Errorf("%w: %s %s", errSessionEnded, st.Phase, st.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.Done():
		}
	}
}
