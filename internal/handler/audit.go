package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/storefront/gatehouse/internal/model"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditQuerier reads the audit ledger.
type AuditQuerier interface {
	Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// AuditHandler serves privileged audit queries.
type AuditHandler struct {
	ledger AuditQuerier
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(ledger AuditQuerier) *AuditHandler {
	return &AuditHandler{ledger: ledger}
}

var knownActions = map[model.AuditAction]bool{
	model.ActionLoginSuccess: true,
	model.ActionLoginFailed:  true,
	model.ActionLoginBlocked: true,
	model.ActionLogout:       true,
}

// ListEntries returns audit entries newest first.
// GET /api/v1/system/audit?identity=&action=&since=&until=&limit=
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter := model.AuditFilter{
		IdentityKey: queryString(r, "identity"),
		Action:      model.AuditAction(queryString(r, "action")),
		Limit:       clampInt(queryInt(r, "limit", defaultAuditLimit), 1, maxAuditLimit),
	}
	if filter.Action != "" && !knownActions[filter.Action] {
		writeError(w, http.StatusBadRequest, "Unknown action "+string(filter.Action))
		return
	}

	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC 3339: "+err.Error())
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, "until must be RFC 3339: "+err.Error())
		return
	}

	entries, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log: "+err.Error())
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: entries,
		Meta:     &model.ResponseMeta{Count: len(entries), Limit: filter.Limit},
	})
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	val := queryString(r, key)
	if val == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, val)
}
