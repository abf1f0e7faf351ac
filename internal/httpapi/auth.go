package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/marq-ai/marq/internal/config"
)

// Middleware authenticates requests with either a bearer JWT or an API key.
// Disabled auth passes everything through.
type Middleware struct {
	cfg    config.AuthConfig
	logger *zap.Logger
}

func NewMiddleware(cfg config.AuthConfig, logger *zap.Logger) *Middleware {
	return &Middleware{cfg: cfg, logger: logger}
}

// Claims are the token claims the API cares about.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Wrap enforces authentication on a handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if m.checkAPIKey(key) {
				next.ServeHTTP(w, r)
				return
			}
			m.logger.Warn("Invalid API key", zap.String("remote", r.RemoteAddr))
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		header := r.Header.Get("Authorization")
		token := ""
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			// Query-param token for EventSource/websocket clients that
			// cannot set headers.
			token = q
		}
		if token == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}
		if _, err := m.verifyToken(token); err != nil {
			m.logger.Warn("Token rejected", zap.Error(err))
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) checkAPIKey(key string) bool {
	if m.cfg.APIKeyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.APIKeyHash), []byte(key)) == nil
}

func (m *Middleware) verifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
