package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

type userClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// NewUserToken signs a bearer token for userID. A zero ttl never expires.
func NewUserToken(secret, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := userClaims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (h *Handlers) parseUserToken(raw string) (string, error) {
	var claims userClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(h.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.UserID == "" {
		return "", errors.New("token has no user id")
	}
	return claims.UserID, nil
}

// AuthMiddleware resolves the bearer token into the "user_id" context key.
// When required is false requests without a token pass through, but a
// token that is present must still be valid.
func (h *Handlers) AuthMiddleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("authorization required", nil))
				return
			}
			c.Next()
			return
		}

		userID, err := h.parseUserToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid token", err))
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket upgrades.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("access_token")
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
