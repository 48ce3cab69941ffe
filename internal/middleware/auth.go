// Package middleware provides HTTP middleware for the custodian services.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

type contextKey string

const (
	userIDKey     contextKey = "user_id"
	externalIDKey contextKey = "external_id"
)

// SessionAuth validates the Bearer session token and stores the caller's
// user id on the request context.
type SessionAuth struct {
	signer *token.SessionSigner
	log    *logger.Logger
}

func NewSessionAuth(signer *token.SessionSigner, log *logger.Logger) *SessionAuth {
	if log == nil {
		log = logger.NewDefault("middleware")
	}
	return &SessionAuth{signer: signer, log: log}
}

// Handler returns the middleware handler function.
func (m *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.RespondError(w, m.log, errors.Unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.RespondError(w, m.log, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := m.signer.Verify(parts[1])
		if err != nil {
			m.log.WithContext(r.Context()).WithError(err).Debug("session token rejected")
			httputil.RespondError(w, m.log, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
		ctx = context.WithValue(ctx, externalIDKey, claims.ExternalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated user id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// GetExternalID extracts the authenticated external id from context.
func GetExternalID(ctx context.Context) string {
	if v, ok := ctx.Value(externalIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying the user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// InternalKeyAuth guards service-to-service routes with a shared key in the
// x-internal-api-key header.
type InternalKeyAuth struct {
	key []byte
	log *logger.Logger
}

func NewInternalKeyAuth(key string, log *logger.Logger) *InternalKeyAuth {
	if log == nil {
		log = logger.NewDefault("middleware")
	}
	return &InternalKeyAuth{key: []byte(key), log: log}
}

func (m *InternalKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(httputil.InternalAPIKeyHeader))
		if len(presented) == 0 || subtle.ConstantTimeCompare(presented, m.key) != 1 {
			m.log.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("internal api key rejected")
			httputil.RespondError(w, m.log, errors.Unauthorized("invalid internal api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BotAPIKeyHeader carries the confirmation bot's credential on resolve calls.
const BotAPIKeyHeader = "x-bot-api-key"

// BotKeyAuth guards the bot resolve route. An empty configured key means no
// bot is deployed, which turns the route off rather than open.
type BotKeyAuth struct {
	key []byte
	log *logger.Logger
}

func NewBotKeyAuth(key string, log *logger.Logger) *BotKeyAuth {
	if log == nil {
		log = logger.NewDefault("middleware")
	}
	return &BotKeyAuth{key: []byte(key), log: log}
}

func (m *BotKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.key) == 0 {
			httputil.RespondError(w, m.log, errors.NotImplemented("no confirmation bot is configured"))
			return
		}
		presented := []byte(r.Header.Get(BotAPIKeyHeader))
		if len(presented) == 0 || subtle.ConstantTimeCompare(presented, m.key) != 1 {
			m.log.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("bot api key rejected")
			httputil.RespondError(w, m.log, errors.Unauthorized("invalid bot api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
