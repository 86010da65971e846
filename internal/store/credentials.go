package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credential is the local identity provider's record for one identity. Only
// the bcrypt hash of the password is stored.
type Credential struct {
	IdentityID   string    `db:"identity_id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// PutCredential inserts or replaces the credential for an identity.
func (s *Store) PutCredential(ctx context.Context, cred *Credential) error {
	now := s.now()
	cred.Email = strings.ToLower(strings.TrimSpace(cred.Email))
	cred.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put credential: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE credentials SET email = ?, password_hash = ?, updated_at = ?
		WHERE identity_id = ?`), cred.Email, cred.PasswordHash, cred.UpdatedAt, cred.IdentityID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", cred.Email, ErrConflict)
		}
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cred.CreatedAt = now
		_, err = tx.NamedExecContext(ctx, `INSERT INTO credentials (identity_id, email, password_hash, created_at, updated_at)
			VALUES (:identity_id, :email, :password_hash, :created_at, :updated_at)`, cred)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("credential %s: %w", cred.Email, ErrConflict)
			}
			return fmt.Errorf("insert credential: %w", err)
		}
	}
	return tx.Commit()
}

// GetCredentialByEmail fetches the local credential for an email.
func (s *Store) GetCredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	var cred Credential
	err := s.db.GetContext(ctx, &cred, s.db.Rebind(`SELECT identity_id, email, password_hash, created_at, updated_at
		FROM credentials WHERE email = ?`), strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}
