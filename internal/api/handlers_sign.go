package api

import (
	"net/http"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/identity"
	"github.com/R3E-Network/key_custodian/internal/middleware"
)

// maxTicketLen bounds the ticket token field; a legitimate HS256 ticket is a
// few hundred bytes.
const maxTicketLen = 4096

type signIntentRequest struct {
	Digest  string `json:"digest"`
	Scope   string `json:"scope"`
	SigType string `json:"sig_type"`
}

type signRequest struct {
	Digest string `json:"digest"`
	Ticket string `json:"ticket"`
}

type batchDigest struct {
	Digest string `json:"digest"`
}

type signBatchRequest struct {
	Digests []batchDigest `json:"digests"`
	SigType string        `json:"sig_type"`
}

func (s *Server) handleSignIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentityID(r)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	var req signIntentRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	intent, err := s.identities.SignIntent(r.Context(), middleware.GetUserID(r.Context()), id,
		req.Digest, req.Scope, domain.SigType(req.SigType))
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentityID(r)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	var req signRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if req.Ticket == "" {
		httputil.RespondError(w, s.log, errors.Validation("ticket is required"))
		return
	}
	if len(req.Ticket) > maxTicketLen {
		httputil.RespondError(w, s.log, errors.InvalidFormat("ticket", "too long"))
		return
	}

	sig, err := s.identities.Sign(r.Context(), middleware.GetUserID(r.Context()), id, req.Digest, req.Ticket)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

func (s *Server) handleSignBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentityID(r)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	var req signBatchRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if len(req.Digests) > identity.MaxBatchDigests {
		httputil.RespondError(w, s.log, errors.Validation("digests must not exceed 64 items"))
		return
	}

	digests := make([]string, 0, len(req.Digests))
	for _, item := range req.Digests {
		digests = append(digests, item.Digest)
	}

	sigs, err := s.identities.SignBatch(r.Context(), middleware.GetUserID(r.Context()), id,
		digests, domain.SigType(req.SigType))
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"signatures": sigs})
}
