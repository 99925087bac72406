package handler

import (
	"log/slog"
	"net/http"

	"github.com/otclabs/premarket/internal/domain"
)

// AuditHandler serves the audit log read endpoint.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler backed by the given store.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logHandler(logger, "audit"),
	}
}

// listAuditResponse wraps the audit list response.
type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit log", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, listAuditResponse{
		Entries: entries,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}
