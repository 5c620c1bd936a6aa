package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tariel-x/medcall/internal/credentials"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	HTTPOnly  bool   `json:"http_only"`
	// FrontendURI is the allowed CORS origin in http-only mode.
	FrontendURI string `json:"frontend_uri"`
	LogLevel    string `json:"log_level"`

	TURNPort    int    `json:"turn_port"`
	TURNRealm   string `json:"turn_realm"`
	TURNRelayIP string `json:"turn_relay_ip"`
	DisableTURN bool   `json:"disable_turn"`

	// StoreBackend is "memory" or "redis".
	StoreBackend string        `json:"store_backend"`
	RedisURL     string        `json:"redis_url"`
	RecordTTL    time.Duration `json:"-"`

	AppID         string        `json:"app_id"`
	CredentialTTL time.Duration `json:"-"`
	RequireAuth   bool          `json:"require_auth"`
	DatabasePath  string        `json:"database_path"`

	JWTSecret      string     `json:"-"`
	AppCertificate string     `json:"-"`
	TURNSecret     string     `json:"-"`
	VAPIDKeys      *VAPIDKeys `json:"-"`

	// KeysDir holds generated secrets. Defaults to keys/ next to the executable.
	KeysDir string `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Overrides are command-line values. Nil or empty fields leave the loaded
// value in place.
type Overrides struct {
	HTTPOnly     *bool
	FrontendURI  *string
	StoreBackend *string
	RedisURL     *string
	LogLevel     *string
	RequireAuth  *bool
}

func defaults() *Config {
	return &Config{
		HTTPPort:      "8080",
		HTTPSPort:     "8443",
		Domain:        "localhost",
		LogLevel:      "info",
		TURNPort:      3478,
		TURNRealm:     "medcall",
		StoreBackend:  "memory",
		CredentialTTL: time.Hour,
		DatabasePath:  "medcall.db",
	}
}

// LoadConfigFromJSON reads config.json from path.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return cfg, nil
}

// Load layers defaults, config.json, .env, the environment and flags, then
// loads or generates the secrets.
func Load(ov Overrides, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := LoadConfigFromJSON(getConfigFilePath())
	switch {
	case err == nil:
		logger.Info("custom configuration loaded from config.json")
	case errors.Is(err, os.ErrNotExist):
		cfg = defaults()
	default:
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env", "error", err)
	}

	applyEnv(cfg)
	applyOverrides(cfg, ov)

	if cfg.KeysDir == "" {
		cfg.KeysDir = getKeysDirectory()
	}
	if err := loadSecrets(cfg, logger); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.HTTPSPort = getEnv("HTTPS_PORT", cfg.HTTPSPort)
	cfg.Domain = getEnv("DOMAIN", cfg.Domain)
	cfg.HTTPOnly = getEnvBool("HTTP_ONLY", cfg.HTTPOnly)
	cfg.FrontendURI = getEnv("FRONTEND_URI", cfg.FrontendURI)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TURNPort = getEnvInt("TURN_PORT", cfg.TURNPort)
	cfg.TURNRealm = getEnv("TURN_REALM", cfg.TURNRealm)
	cfg.TURNRelayIP = getEnv("TURN_RELAY_IP", cfg.TURNRelayIP)
	cfg.DisableTURN = getEnvBool("DISABLE_TURN", cfg.DisableTURN)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RecordTTL = getEnvDuration("RECORD_TTL", cfg.RecordTTL)
	cfg.AppID = getEnv("APP_ID", cfg.AppID)
	cfg.CredentialTTL = getEnvDuration("CREDENTIAL_TTL", cfg.CredentialTTL)
	cfg.RequireAuth = getEnvBool("REQUIRE_AUTH", cfg.RequireAuth)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.KeysDir = getEnv("KEYS_DIR", cfg.KeysDir)
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.HTTPOnly != nil && *ov.HTTPOnly {
		cfg.HTTPOnly = true
	}
	if ov.FrontendURI != nil && *ov.FrontendURI != "" {
		cfg.FrontendURI = *ov.FrontendURI
	}
	if ov.StoreBackend != nil && *ov.StoreBackend != "" {
		cfg.StoreBackend = *ov.StoreBackend
	}
	if ov.RedisURL != nil && *ov.RedisURL != "" {
		cfg.RedisURL = *ov.RedisURL
	}
	if ov.LogLevel != nil && *ov.LogLevel != "" {
		cfg.LogLevel = *ov.LogLevel
	}
	if ov.RequireAuth != nil && *ov.RequireAuth {
		cfg.RequireAuth = true
	}
}

func (c *Config) Validate() error {
	if c.HTTPOnly && c.FrontendURI == "" {
		return errors.New("config: FRONTEND_URI is required in http-only mode")
	}
	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.RecordTTL < 0 {
		return errors.New("config: RECORD_TTL must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadSecrets(cfg *Config, logger *slog.Logger) error {
	var err error
	if cfg.JWTSecret, err = loadOrGenerateSecret(cfg.KeysDir, "JWT_SECRET", "jwt-secret.key", randomSecret, logger); err != nil {
		return err
	}
	if cfg.AppCertificate, err = loadOrGenerateSecret(cfg.KeysDir, "APP_CERTIFICATE", "app-certificate.key", randomSecret, logger); err != nil {
		return err
	}
	if cfg.TURNSecret, err = loadOrGenerateSecret(cfg.KeysDir, "TURN_SECRET", "turn-secret.key", randomSecret, logger); err != nil {
		return err
	}
	if cfg.AppID == "" {
		if cfg.AppID, err = loadOrGenerateSecret(cfg.KeysDir, "APP_ID", "app-id.key", credentials.GenerateAppID, logger); err != nil {
			return err
		}
	}
	if cfg.VAPIDKeys, err = loadVAPIDKeys(cfg.KeysDir, logger); err != nil {
		return err
	}
	return nil
}

// loadOrGenerateSecret prefers the environment, then keysDir/file, and
// otherwise generates and saves a new value.
func loadOrGenerateSecret(keysDir, envKey, file string, generate func() (string, error), logger *slog.Logger) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	path := filepath.Join(keysDir, file)
	if data, err := os.ReadFile(path); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			logger.Debug("secret loaded", "file", path)
			return v, nil
		}
	}

	v, err := generate()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", envKey, err)
	}
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		logger.Warn("failed to create keys directory, secret will not survive a restart", "key", envKey, "error", err)
		return v, nil
	}
	if err := os.WriteFile(path, []byte(v), 0600); err != nil {
		logger.Warn("failed to save secret, it will be regenerated on restart", "key", envKey, "error", err)
		return v, nil
	}
	logger.Info("secret generated", "file", path)
	return v, nil
}

func loadVAPIDKeys(keysDir string, logger *slog.Logger) (*VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@medcall.app")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
	}

	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	pub, errPub := os.ReadFile(publicKeyFile)
	priv, errPriv := os.ReadFile(privateKeyFile)
	if errPub == nil && errPriv == nil {
		// The webpush library wants the raw 32 byte private key.
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(priv)))
		if err == nil && len(decoded) == 32 {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pub)),
				PrivateKey: strings.TrimSpace(string(priv)),
				Subject:    subject,
			}, nil
		}
		logger.Warn("stored VAPID private key is not a raw P-256 key, regenerating", "file", privateKeyFile)
	}

	keys, err := GenerateVAPIDKeys(subject)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		errPub = os.WriteFile(publicKeyFile, []byte(keys.PublicKey), 0600)
		errPriv = os.WriteFile(privateKeyFile, []byte(keys.PrivateKey), 0600)
		if errPub != nil || errPriv != nil {
			logger.Warn("failed to save VAPID keys, they will be regenerated on restart", "error", errors.Join(errPub, errPriv))
		} else {
			logger.Info("VAPID keys saved", "dir", keysDir)
		}
	}
	return keys, nil
}

// GenerateVAPIDKeys returns an uncompressed 65 byte public key and a raw
// 32 byte private key, both base64url without padding.
func GenerateVAPIDKeys(subject string) (*VAPIDKeys, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate VAPID keys: %w", err)
	}

	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	key.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	key.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	privateKeyBytes := make([]byte, 32)
	key.D.FillBytes(privateKeyBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
		Subject:    subject,
	}, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func getConfigFilePath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func getKeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

// CertsDirectory is where autocert caches certificates.
func CertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
