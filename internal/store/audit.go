package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storefront/gatehouse/internal/model"
)

const defaultAuditLimit = 100

// auditRow maps 1:1 to the audit_entries table. Metadata is kept as a JSON
// object in a text column.
type auditRow struct {
	ID           string    `db:"id"`
	Action       string    `db:"action"`
	IdentityKey  string    `db:"identity_key"`
	Status       string    `db:"status"`
	Reason       string    `db:"reason"`
	MetadataJSON string    `db:"metadata_json"`
	CreatedAt    time.Time `db:"created_at"`
}

// InsertAuditEntry appends one entry to the ledger table. Entries are never
// updated or deleted.
func (s *Store) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	meta := "{}"
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = string(b)
	}

	row := auditRow{
		ID:           entry.ID,
		Action:       string(entry.Action),
		IdentityKey:  entry.IdentityKey,
		Status:       entry.Status,
		Reason:       entry.Reason,
		MetadataJSON: meta,
		CreatedAt:    entry.Timestamp.UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO audit_entries
		(id, action, identity_key, status, reason, metadata_json, created_at)
		VALUES (:id, :action, :identity_key, :status, :reason, :metadata_json, :created_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("audit entry %s: %w", entry.ID, ErrConflict)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns audit entries matching the filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.IdentityKey != "" {
		where = append(where, "identity_key = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(f.IdentityKey)))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	q := `SELECT id, action, identity_key, status, reason, metadata_json, created_at FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}

	entries := make([]model.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := model.AuditEntry{
			ID:          r.ID,
			Action:      model.AuditAction(r.Action),
			IdentityKey: r.IdentityKey,
			Status:      r.Status,
			Reason:      r.Reason,
			Timestamp:   r.CreatedAt,
		}
		if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
			if err := json.Unmarshal([]byte(r.MetadataJSON), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata for %s: %w", r.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountAudit returns the number of entries matching identityKey and action.
// Empty arguments match everything.
func (s *Store) CountAudit(ctx context.Context, identityKey string, action model.AuditAction) (int, error) {
	q := `SELECT COUNT(*) FROM audit_entries WHERE 1=1`
	var args []any
	if identityKey != "" {
		q += " AND identity_key = ?"
		args = append(args, identityKey)
	}
	if action != "" {
		q += " AND action = ?"
		args = append(args, string(action))
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), args...); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
