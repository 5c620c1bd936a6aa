// Package credentials issues the transport credentials a participant joins
// a channel with: the application id, a signed join token and a numeric uid.
package credentials

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tariel-x/medcall/internal/models"
)

const DefaultTTL = time.Hour

var (
	ErrInvalidAppID = errors.New("app id must be 32 hex characters")
	ErrInvalidToken = errors.New("invalid join token")
)

var appIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// Credentials are valid for one channel and uid until ExpiresAt.
type Credentials struct {
	AppID     string    `json:"appId"`
	Token     string    `json:"token"`
	UID       uint32    `json:"uid"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type joinClaims struct {
	Channel string      `json:"channel"`
	UID     uint32      `json:"uid"`
	Role    models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Issuer struct {
	appID  string
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewIssuer(appID, secret string, ttl time.Duration) (*Issuer, error) {
	if !appIDPattern.MatchString(appID) {
		return nil, ErrInvalidAppID
	}
	if secret == "" {
		return nil, errors.New("credentials: signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{appID: appID, secret: []byte(secret), ttl: ttl, nowFn: time.Now}, nil
}

func (i *Issuer) AppID() string { return i.appID }

// Issue signs a join token for channel. A zero uid is replaced with a random
// non-zero one.
func (i *Issuer) Issue(channel string, role models.Role, uid uint32) (Credentials, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return Credentials{}, errors.New("credentials: channel is required")
	}
	if !role.Valid() {
		return Credentials{}, fmt.Errorf("credentials: unknown role %q", role)
	}
	if uid == 0 {
		var err error
		if uid, err = randomUID(); err != nil {
			return Credentials{}, err
		}
	}

	now := i.nowFn()
	expiresAt := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, joinClaims{
		Channel: channel,
		UID:     uid,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.appID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign join token: %w", err)
	}

	return Credentials{
		AppID:     i.appID,
		Token:     signed,
		UID:       uid,
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// Verify checks that token was issued by i for channel and uid and has not
// expired.
func (i *Issuer) Verify(token, channel string, uid uint32) error {
	var claims joinClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.appID),
		jwt.WithTimeFunc(i.nowFn),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Channel != channel || claims.UID != uid {
		return fmt.Errorf("%w: issued for %s/%d", ErrInvalidToken, claims.Channel, claims.UID)
	}
	return nil
}

func randomUID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate uid: %w", err)
		}
		if uid := binary.BigEndian.Uint32(b[:]); uid != 0 {
			return uid, nil
		}
	}
}

// GenerateAppID returns a random 32 hex character application id.
func GenerateAppID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate app id: %w", err)
	}
	return fmt.Sprintf("%x", b[:]), nil
}
