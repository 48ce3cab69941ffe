package api

import (
	"math"
	"net/http"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/middleware"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// auditPage is the audit listing response. Count is the number of items in
// this page, not the total.
type auditPage struct {
	Items  []domain.AuditEvent `json:"items"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
	Count  int                 `json:"count"`
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAuditLimit, 1, maxAuditLimit)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		httputil.RespondError(w, s.log, err)
		return
	}

	items, err := s.audit.ListAuditByUser(r.Context(), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		httputil.RespondError(w, s.log, errors.Internal("list audit events", err))
		return
	}
	if items == nil {
		items = []domain.AuditEvent{}
	}

	httputil.WriteJSON(w, http.StatusOK, auditPage{
		Items:  items,
		Limit:  limit,
		Offset: offset,
		Count:  len(items),
	})
}
