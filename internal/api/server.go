// Package api is the public HTTP surface of the custodian gateway. Handlers
// stay thin: they parse and bound the request, delegate to the auth and
// identity services, and map service errors through the shared taxonomy.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/key_custodian/internal/auth"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/identity"
	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/internal/middleware"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// ServerConfig wires the gateway HTTP server.
type ServerConfig struct {
	Addr           string
	Auth           *auth.Service
	Identities     *identity.Service
	Audit          storage.AuditStore
	Sessions       *token.SessionSigner
	BotAPIKey      string
	AllowedOrigins []string
	Log            *logger.Logger
}

// Server routes the public API. Auth endpoints are open, the bot resolve
// route is keyed, everything else requires a session.
type Server struct {
	auth       *auth.Service
	identities *identity.Service
	audit      storage.AuditStore
	log        *logger.Logger
	router     *mux.Router
	http       *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("gateway")
	}
	s := &Server{
		auth:       cfg.Auth,
		identities: cfg.Identities,
		audit:      cfg.Audit,
		log:        cfg.Log,
	}

	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(cfg.Log).Handler)
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.NewCORSMiddleware(cfg.AllowedOrigins).Handler)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/challenge", s.handleCreateChallenge).Methods(http.MethodPost)
	v1.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodPost)

	bot := v1.PathPrefix("/bot").Subrouter()
	bot.Use(middleware.NewBotKeyAuth(cfg.BotAPIKey, cfg.Log).Handler)
	bot.HandleFunc("/resolve", s.handleBotResolve).Methods(http.MethodPost)

	sessionAuth := middleware.NewSessionAuth(cfg.Sessions, cfg.Log).Handler

	identities := v1.PathPrefix("/identities").Subrouter()
	identities.Use(sessionAuth)
	identities.HandleFunc("", s.handleCreateIdentity).Methods(http.MethodPost)
	identities.HandleFunc("", s.handleListIdentities).Methods(http.MethodGet)
	identities.HandleFunc("/{id}", s.handleGetIdentity).Methods(http.MethodGet)
	identities.HandleFunc("/{id}", s.handleDestroyIdentity).Methods(http.MethodDelete)
	identities.HandleFunc("/{id}/sign-intent", s.handleSignIntent).Methods(http.MethodPost)
	identities.HandleFunc("/{id}/sign", s.handleSign).Methods(http.MethodPost)
	identities.HandleFunc("/{id}/sign-batch", s.handleSignBatch).Methods(http.MethodPost)

	auditRoutes := v1.PathPrefix("/audit").Subrouter()
	auditRoutes.Use(sessionAuth)
	auditRoutes.HandleFunc("", s.handleListAudit).Methods(http.MethodGet)

	s.router = r
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.log.WithField("addr", s.http.Addr).Info("gateway listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": "gateway",
	})
}

// pathIdentityID extracts and validates the {id} path segment. Identity ids
// are server-minted UUIDs, so anything else is a schema failure rather than
// a lookup miss.
func pathIdentityID(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.InvalidFormat("identity_id", "must be a UUID")
	}
	return id, nil
}

func requireUUID(field, value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return errors.InvalidFormat(field, "must be a UUID")
	}
	return nil
}

// queryInt parses an optional bounded integer query parameter.
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.InvalidFormat(name, "must be an integer")
	}
	if v < min || v > max {
		return 0, errors.InvalidFormat(name, "out of range").
			WithDetails("min", min).WithDetails("max", max)
	}
	return v, nil
}
