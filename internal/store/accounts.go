package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/storefront/gatehouse/internal/model"
)

// maxUpdateAttempts bounds the optimistic retry loop in UpdateAccount.
const maxUpdateAttempts = 16

const accountColumns = `identity_id, email, display_name, role, is_active, failed_attempts,
	is_locked, locked_until, last_failed_at, last_login_at, version, created_at, updated_at`

// ---------------------------------------------------------------------------
// Account CRUD
// ---------------------------------------------------------------------------

// CreateAccount inserts a new admin account. The email is stored lowercased
// and must be unique.
func (s *Store) CreateAccount(ctx context.Context, acct *model.AdminAccount) error {
	now := s.now()
	acct.Email = strings.ToLower(strings.TrimSpace(acct.Email))
	acct.Version = 1
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO admin_accounts (`+accountColumns+`)
		VALUES (:identity_id, :email, :display_name, :role, :is_active, :failed_attempts,
			:is_locked, :locked_until, :last_failed_at, :last_login_at, :version, :created_at, :updated_at)`, acct)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", acct.Email, ErrConflict)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by identity ID.
func (s *Store) GetAccount(ctx context.Context, identityID string) (*model.AdminAccount, error) {
	var acct model.AdminAccount
	err := s.db.GetContext(ctx, &acct,
		s.db.Rebind(`SELECT `+accountColumns+` FROM admin_accounts WHERE identity_id = ?`), identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acct, nil
}

// GetAccountByEmail fetches an account by its normalized email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*model.AdminAccount, error) {
	var acct model.AdminAccount
	err := s.db.GetContext(ctx, &acct,
		s.db.Rebind(`SELECT `+accountColumns+` FROM admin_accounts WHERE email = ?`),
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return &acct, nil
}

// ListAccounts returns all admin accounts ordered by email.
func (s *Store) ListAccounts(ctx context.Context) ([]model.AdminAccount, error) {
	var accts []model.AdminAccount
	err := s.db.SelectContext(ctx, &accts, `SELECT `+accountColumns+` FROM admin_accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accts, nil
}

// accountUpdate carries the version the caller read so the UPDATE only lands
// if nobody else wrote in between.
type accountUpdate struct {
	model.AdminAccount
	ReadVersion int64 `db:"read_version"`
}

// UpdateAccount atomically applies mutate to the stored account. The mutation
// runs against a fresh read; the write is conditional on the version read, and
// the whole read-mutate-write cycle is retried when another writer got there
// first. mutate reports whether it changed anything; when it returns false the
// current record is returned without writing. mutate may run more than once
// and must not have side effects outside the account it is handed.
func (s *Store) UpdateAccount(ctx context.Context, identityID string, mutate func(*model.AdminAccount) (bool, error)) (*model.AdminAccount, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		acct, err := s.GetAccount(ctx, identityID)
		if err != nil {
			return nil, err
		}

		read := acct.Version
		changed, err := mutate(acct)
		if err != nil {
			return nil, err
		}
		if !changed {
			return acct, nil
		}

		acct.IdentityID = identityID
		acct.Version = read + 1
		acct.UpdatedAt = s.now()

		res, err := s.db.NamedExecContext(ctx, `UPDATE admin_accounts SET
			email = :email, display_name = :display_name, role = :role, is_active = :is_active,
			failed_attempts = :failed_attempts, is_locked = :is_locked, locked_until = :locked_until,
			last_failed_at = :last_failed_at, last_login_at = :last_login_at,
			version = :version, updated_at = :updated_at
			WHERE identity_id = :identity_id AND version = :read_version`,
			accountUpdate{AdminAccount: *acct, ReadVersion: read})
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("account %s: %w", acct.Email, ErrConflict)
			}
			return nil, fmt.Errorf("update account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update account: %w", err)
		}
		if n == 1 {
			return acct, nil
		}
		// Lost the race; back off briefly, then re-read and reapply.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.IntN(attempt+1)+1) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("update account %s after %d attempts: %w", identityID, maxUpdateAttempts, ErrConflict)
}

// DeleteAccount removes an account and its local credentials.
func (s *Store) DeleteAccount(ctx context.Context, identityID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete account: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM admin_accounts WHERE identity_id = ?`), identityID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM credentials WHERE identity_id = ?`), identityID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return tx.Commit()
}

// UpsertAccount creates the account if its identity is unknown, otherwise it
// updates the profile fields (email, display name, role, active flag) and
// leaves lockout state untouched.
func (s *Store) UpsertAccount(ctx context.Context, acct *model.AdminAccount) (*model.AdminAccount, error) {
	if _, err := s.GetAccount(ctx, acct.IdentityID); errors.Is(err, ErrNotFound) {
		if err := s.CreateAccount(ctx, acct); err != nil {
			return nil, err
		}
		return acct, nil
	} else if err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(acct.Email))
	return s.UpdateAccount(ctx, acct.IdentityID, func(a *model.AdminAccount) (bool, error) {
		if a.Email == email && a.DisplayName == acct.DisplayName && a.Role == acct.Role && a.IsActive == acct.IsActive {
			return false, nil
		}
		a.Email = email
		a.DisplayName = acct.DisplayName
		a.Role = acct.Role
		a.IsActive = acct.IsActive
		return true, nil
	})
}
