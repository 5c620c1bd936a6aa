package turn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v3"
)

const DefaultCredentialTTL = 12 * time.Hour

type Options struct {
	Port  int
	Realm string
	// Secret signs the time-limited usernames handed to clients.
	Secret string
	// RelayIP is the address advertised for relayed candidates. When empty
	// the public address is detected.
	RelayIP       string
	CredentialTTL time.Duration
}

type TURNServer struct {
	server *turn.Server
	secret string
	ttl    time.Duration

	logger *slog.Logger
}

// Credentials are valid until the expiry encoded in Username.
type Credentials struct {
	Username string
	Password string
	TTL      time.Duration
}

func Initialize(opts Options, logger *slog.Logger) (*TURNServer, error) {
	if opts.Secret == "" {
		return nil, errors.New("turn: shared secret is required")
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = DefaultCredentialTTL
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	relayIP := net.ParseIP(opts.RelayIP)
	if relayIP == nil {
		relayIP = getPublicIP(logger)
	}
	if relayIP == nil {
		logger.Warn("could not determine public IP, using local IP detection")
		relayIP = getLocalIP(logger)
	}
	logger.Info("TURN relay address", "ip", relayIP.String())

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:         opts.Realm,
		AuthHandler:   turn.NewLongTermAuthHandler(opts.Secret, loggerFactory.NewLogger("turn-auth")),
		LoggerFactory: loggerFactory,
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("TURN server initialized", "port", opts.Port, "realm", opts.Realm, "credential_ttl", opts.CredentialTTL.String())

	return &TURNServer{
		server: s,
		secret: opts.Secret,
		ttl:    opts.CredentialTTL,
		logger: logger,
	}, nil
}

// NewCredentials returns a username/password pair that the relay accepts
// until the configured TTL elapses.
func (ts *TURNServer) NewCredentials() (Credentials, error) {
	return GenerateCredentials(ts.secret, ts.ttl)
}

func GenerateCredentials(secret string, ttl time.Duration) (Credentials, error) {
	username, password, err := turn.GenerateLongTermCredentials(secret, ttl)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate TURN credentials: %w", err)
	}
	return Credentials{Username: username, Password: password, TTL: ttl}, nil
}

func (ts *TURNServer) Close() error {
	if ts.server != nil {
		return ts.server.Close()
	}
	return nil
}

// getPublicIP asks ipify.org for the public address.
func getPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("Failed to get public IP from ipify.org", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("ipify.org returned unexpected status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read response from ipify.org", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Info("Invalid IP address from ipify.org", "body", string(body))
		return nil
	}
	logger.Info("Detected public IP", "ip", ip.String())
	return ip
}

func getLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("Failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	logger.Info("Detected local IP", "ip", localAddr.IP.String())
	return localAddr.IP
}
