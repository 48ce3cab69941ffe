package api

import (
	"net/http"

	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
)

// maxExternalIDLen mirrors the auth service bound so oversized ids fail at
// the schema stage.
const maxExternalIDLen = 128

type challengeRequest struct {
	ExternalID string `json:"external_id"`
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
}

type botResolveRequest struct {
	ChallengeID string `json:"challenge_id"`
	ExternalID  string `json:"external_id"`
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.RespondError(w, s.log, err)
			return
		}
	}
	if len(req.ExternalID) > maxExternalIDLen {
		httputil.RespondError(w, s.log, errors.InvalidFormat("external_id", "too long"))
		return
	}

	result, err := s.auth.CreateChallenge(r.Context(), req.ExternalID)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if err := requireUUID("challenge_id", req.ChallengeID); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	session, err := s.auth.Verify(r.Context(), req.ChallengeID)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (s *Server) handleBotResolve(w http.ResponseWriter, r *http.Request) {
	var req botResolveRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if err := requireUUID("challenge_id", req.ChallengeID); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if req.ExternalID == "" {
		httputil.RespondError(w, s.log, errors.Validation("external_id is required"))
		return
	}
	if len(req.ExternalID) > maxExternalIDLen {
		httputil.RespondError(w, s.log, errors.InvalidFormat("external_id", "too long"))
		return
	}

	if err := s.auth.Resolve(r.Context(), req.ChallengeID, req.ExternalID); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
