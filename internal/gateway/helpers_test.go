package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/storefront/gatehouse/internal/audit"
	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	goodPassword = "correct horse battery"
	badPassword  = "wrong password"
)

type fixture struct {
	store    *store.Store
	idp      *identity.Provider
	ledger   *audit.Ledger
	reporter *audit.Reporter
	auth     *Authenticator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture wires an authenticator over an in-memory directory, the
// built-in identity provider and a store-backed ledger, all on clock.
func newFixture(t *testing.T, clock clockwork.Clock, idpOpts []identity.Option, opts ...AuthOption) *fixture {
	t.Helper()
	s, err := store.Open(store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	idp, err := identity.NewProvider(s, "test-secret",
		append([]identity.Option{identity.WithClock(clock), identity.WithPasswordCost(bcrypt.MinCost)}, idpOpts...)...)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	reporter := audit.NewReporter(quietLogger(), 10, 16)
	ledger := audit.NewLedger(audit.NewStoreSink(s),
		audit.WithClock(clock), audit.WithReporter(reporter), audit.WithLogger(quietLogger()))

	auth := NewAuthenticator(s, idp, ledger,
		append([]AuthOption{WithClock(clock), WithLogger(quietLogger())}, opts...)...)

	return &fixture{store: s, idp: idp, ledger: ledger, reporter: reporter, auth: auth}
}

// addAdmin creates a directory account with a local password.
func (f *fixture) addAdmin(t *testing.T, email string, role model.Role, active bool) *model.AdminAccount {
	t.Helper()
	ctx := context.Background()
	acct := &model.AdminAccount{
		IdentityID:  identity.NewIdentityID(),
		Email:       email,
		DisplayName: email,
		Role:        role,
		IsActive:    active,
	}
	if err := f.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := f.idp.SetPassword(ctx, acct.IdentityID, email, goodPassword); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	return acct
}

func (f *fixture) account(t *testing.T, id string) *model.AdminAccount {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acct
}

func (f *fixture) auditCount(t *testing.T, key string, action model.AuditAction) int {
	t.Helper()
	n, err := f.store.CountAudit(context.Background(), key, action)
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	return n
}

func (f *fixture) failTimes(t *testing.T, email string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.auth.Login(context.Background(), email, badPassword); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
}
