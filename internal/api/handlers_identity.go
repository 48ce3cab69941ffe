package api

import (
	"net/http"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/middleware"
)

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	// The create request carries no fields today; a body, if present, must
	// still be an empty JSON object.
	if r.ContentLength != 0 {
		var req struct{}
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.RespondError(w, s.log, err)
			return
		}
	}

	ident, err := s.identities.Create(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, ident)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	idents, err := s.identities.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	if idents == nil {
		idents = []domain.Identity{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"identities": idents})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentityID(r)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	ident, err := s.identities.Get(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ident)
}

func (s *Server) handleDestroyIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentityID(r)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	if err := s.identities.Destroy(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
