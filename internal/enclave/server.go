package enclave

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/internal/middleware"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// ServerConfig wires the HTTP front of the enclave service.
type ServerConfig struct {
	Addr           string
	Service        *Service
	InternalAPIKey string
	RateLimitRPS   float64
	Log            *logger.Logger
}

// Server exposes the enclave operations under /internal, guarded by the
// shared internal api key. Only /health and /metrics are open.
type Server struct {
	svc    *Service
	log    *logger.Logger
	router *mux.Router
	http   *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("enclave")
	}
	s := &Server{svc: cfg.Service, log: cfg.Log}

	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(cfg.Log).Handler)
	r.Use(middleware.MetricsMiddleware())
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(middleware.NewInternalKeyAuth(cfg.InternalAPIKey, cfg.Log).Handler)
	internal.Use(middleware.NewThrottle(cfg.RateLimitRPS, cfg.Log).Handler)
	internal.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	internal.HandleFunc("/sign", s.handleSign).Methods(http.MethodPost)
	internal.HandleFunc("/destroy", s.handleDestroy).Methods(http.MethodPost)
	internal.HandleFunc("/backup/export", s.handleExport).Methods(http.MethodPost)
	internal.HandleFunc("/backup/import", s.handleImport).Methods(http.MethodPost)

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
	s.log.WithField("addr", s.http.Addr).Info("enclave listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type generateRequest struct {
	IdentityID string `json:"identity_id"`
	Alg        string `json:"alg"`
}

type signRequest struct {
	IdentityID string `json:"identity_id"`
	Digest     string `json:"digest"`
	Ticket     string `json:"ticket"`
}

type importRequest struct {
	IdentityID string `json:"identity_id"`
	Alg        string `json:"alg"`
	SealedKey  string `json:"sealed_key"`
}

type identityRequest struct {
	IdentityID string `json:"identity_id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if req.Alg != "" && req.Alg != domain.AlgSecp256k1 {
		httputil.RespondError(w, s.log, errors.InvalidFormat("alg", "only secp256k1 is supported"))
		return
	}

	publicKey, err := s.svc.Generate(r.Context(), req.IdentityID)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"public_key": publicKey})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if req.IdentityID == "" {
		httputil.RespondError(w, s.log, errors.Validation("identity_id is required"))
		return
	}

	result, err := s.svc.Sign(r.Context(), req.IdentityID, req.Digest, req.Ticket)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, domain.SignatureResponse{
		Signature: result.Signature,
		R:         result.R,
		S:         result.S,
		V:         result.V,
	})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if err := s.svc.Destroy(r.Context(), req.IdentityID); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	alg, sealedKey, err := s.svc.Export(r.Context(), req.IdentityID)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"alg": alg, "sealed_key": sealedKey})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if err := s.svc.Import(r.Context(), req.IdentityID, req.Alg, req.SealedKey); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": "enclave",
		"keys":    s.svc.KeyCount(),
	})
}
