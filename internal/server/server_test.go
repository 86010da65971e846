package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/storefront/gatehouse/internal/audit"
	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
	corpIssuer    = "https://sso.corp.example"
	corpSecret    = "corp-secret"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *store.Store
	idp      *identity.Provider
	reporter *audit.Reporter
	clock    fakeClock
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// newTestEnv creates a fresh test environment with an in-memory directory,
// a store-backed audit ledger and a fully wired Server on a fake clock.
func newTestEnv(t *testing.T, opts ...gateway.AuthOption) *testEnv {
	t.Helper()

	st, err := store.Open(store.Options{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(testEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	idp, err := identity.NewProvider(st, testJWTSecret,
		identity.WithClock(clock),
		identity.WithPasswordCost(bcrypt.MinCost),
		identity.WithFederatedIssuers(identity.FederatedIssuer{Name: "corp", Issuer: corpIssuer, Secret: corpSecret}),
	)
	if err != nil {
		t.Fatalf("identity.NewProvider: %v", err)
	}

	reporter := audit.NewReporter(logger, 10, 16)
	ledger := audit.NewLedger(audit.NewStoreSink(st),
		audit.WithClock(clock), audit.WithReporter(reporter), audit.WithLogger(logger))

	auth := gateway.NewAuthenticator(st, idp, ledger,
		append([]gateway.AuthOption{gateway.WithClock(clock), gateway.WithLogger(logger)}, opts...)...)

	cfg := DefaultConfig()
	cfg.LoginRateLimit = 0
	srv := New(cfg, Deps{
		Directory: st,
		Auth:      auth,
		Tokens:    idp,
		Passwords: idp,
		Ledger:    ledger,
		Audit:     reporter,
		Gate:      authz.New(),
		Clock:     clock,
	}, logger)

	return &testEnv{server: srv, store: st, idp: idp, reporter: reporter, clock: clock}
}

// seedAccount creates an account with a local password.
func (e *testEnv) seedAccount(t *testing.T, email string, role model.Role, active bool) *model.AdminAccount {
	t.Helper()
	ctx := context.Background()
	acct := &model.AdminAccount{
		IdentityID:  identity.NewIdentityID(),
		Email:       email,
		DisplayName: email,
		Role:        role,
		IsActive:    active,
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("seedAccount: %v", err)
	}
	if err := e.idp.SetPassword(ctx, acct.IdentityID, email, testPassword); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	return acct
}

type sessionBody struct {
	Token      string     `json:"session_token"`
	TokenType  string     `json:"token_type"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ExpiresIn  int        `json:"expires_in"`
	IdentityID string     `json:"identity_id"`
	Email      string     `json:"email"`
	Role       model.Role `json:"role"`
}

func (e *testEnv) login(email, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	return e.do("POST", "/api/v1/auth/session", bytes.NewReader(body), nil)
}

// token logs in and returns the bearer token.
func (e *testEnv) token(t *testing.T, email string) string {
	t.Helper()
	rr := e.login(email, testPassword)
	assertStatus(t, rr, http.StatusOK)
	var resp sessionBody
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("token: got empty token from login")
	}
	return resp.Token
}

// do executes an HTTP request against the test server and returns the recorder.
func (e *testEnv) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes a request with a bearer token.
func (e *testEnv) doAuth(method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	return e.do(method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func (e *testEnv) auditCount(t *testing.T, key string, action model.AuditAction) int {
	t.Helper()
	n, err := e.store.CountAudit(context.Background(), key, action)
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	return n
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

type errorBody struct {
	Error model.ErrorDetail `json:"error"`
}

// ---------------------------------------------------------------------------
// Health and discovery
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string         `json:"status"`
		Checks map[string]any `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" || resp.Checks["directory"] != "ok" {
		t.Errorf("readyz = %+v", resp)
	}
	if resp.Checks["audit_write_failures"] != float64(0) {
		t.Errorf("audit_write_failures = %v, want 0", resp.Checks["audit_write_failures"])
	}
}

func TestReadyzDirectoryDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	rr := env.do("GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc map[string]any
	decodeJSON(t, rr, &doc)
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v, want 3.1.0", doc["openapi"])
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/api/v1/auth/session"]; !ok {
		t.Error("spec lacks the session path")
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("OPTIONS", "/api/v1/auth/session", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Authorization,Content-Type",
	})
	if rr.Code < 200 || rr.Code >= 300 {
		t.Errorf("CORS preflight status = %d, want 2xx", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}

// ---------------------------------------------------------------------------
// Sign-in
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "admin@example.com", model.RoleAdmin, true)

	rr := env.login("Admin@Example.com", testPassword)
	assertStatus(t, rr, http.StatusOK)

	var resp sessionBody
	decodeJSON(t, rr, &resp)
	if resp.Token == "" || resp.TokenType != "bearer" {
		t.Errorf("token = %q type %q", resp.Token, resp.TokenType)
	}
	if resp.ExpiresIn != 3600 || !resp.ExpiresAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("expiry = %v (%ds)", resp.ExpiresAt, resp.ExpiresIn)
	}
	if resp.IdentityID != acct.IdentityID || resp.Role != model.RoleAdmin {
		t.Errorf("session = %+v", resp)
	}
	if n := env.auditCount(t, "admin@example.com", model.ActionLoginSuccess); n != 1 {
		t.Errorf("success entries = %d, want 1", n)
	}
}

func TestLogin_WrongPasswordAndUnknownEmailMatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "admin@example.com", model.RoleAdmin, true)

	wrong := env.login("admin@example.com", "not-the-password")
	unknown := env.login("nobody@example.com", testPassword)
	assertStatus(t, wrong, http.StatusUnauthorized)
	assertStatus(t, unknown, http.StatusUnauthorized)
	if wrong.Body.String() != unknown.Body.String() {
		t.Errorf("responses differ:\n%s\n%s", wrong.Body.String(), unknown.Body.String())
	}
}

func TestLogin_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{invalid json"},
		{"missing password", `{"email":"a@x.com"}`},
		{"missing email", `{"password":"x"}`},
		{"unknown field", `{"email":"a@x.com","password":"x","remember":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("POST", "/api/v1/auth/session", bytes.NewBufferString(tt.body), nil)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestLogin_Inactive(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "off@example.com", model.RoleEditor, false)

	rr := env.login("off@example.com", testPassword)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestLogin_LockedOut(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "b@x.com", model.RoleEditor, true)

	for i := 0; i < 5; i++ {
		assertStatus(t, env.login("b@x.com", "wrong-password"), http.StatusUnauthorized)
	}

	env.clock.Advance(10 * time.Minute)
	rr := env.login("b@x.com", testPassword)
	assertStatus(t, rr, http.StatusLocked)
	if got := rr.Header().Get("Retry-After"); got != "300" {
		t.Errorf("Retry-After = %q, want 300", got)
	}
	var resp errorBody
	decodeJSON(t, rr, &resp)
	if resp.Error.Context["retry_after_seconds"] != float64(300) {
		t.Errorf("error context = %v", resp.Error.Context)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	limiter := gateway.NewSlidingWindowLimiter(gateway.WithLimiterClock(clock), gateway.WithMaxAttempts(3))
	env := newTestEnv(t, gateway.WithLimiter(limiter))
	env.seedAccount(t, "c@x.com", model.RoleViewer, true)

	for i := 0; i < 3; i++ {
		assertStatus(t, env.login("c@x.com", "wrong-password"), http.StatusUnauthorized)
	}
	rr := env.login("c@x.com", testPassword)
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") != "900" {
		t.Errorf("Retry-After = %q, want 900", rr.Header().Get("Retry-After"))
	}
}

func TestLogin_PerIPThrottle(t *testing.T) {
	env := newTestEnv(t)
	env.server = New(Config{LoginRateLimit: 2, ShutdownTimeout: time.Second}, env.server.deps, env.server.logger)

	for i := 0; i < 2; i++ {
		assertStatus(t, env.login("x@x.com", "wrong-password"), http.StatusUnauthorized)
	}
	assertStatus(t, env.login("x@x.com", "wrong-password"), http.StatusTooManyRequests)
}

func TestLoginFederated(t *testing.T) {
	env := newTestEnv(t, gateway.WithAutoProvision(model.RoleViewer))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   corpIssuer,
		"sub":   "u-1",
		"email": "fed@corp.example",
		"exp":   testEpoch.Add(5 * time.Minute).Unix(),
	}).SignedString([]byte(corpSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rr := env.do("POST", "/api/v1/auth/federated", jsonBody(t, map[string]string{"provider_token": tok}), nil)
	assertStatus(t, rr, http.StatusOK)
	var resp sessionBody
	decodeJSON(t, rr, &resp)
	if resp.IdentityID != "corp|u-1" || resp.Role != model.RoleViewer {
		t.Errorf("session = %+v", resp)
	}

	rr = env.do("POST", "/api/v1/auth/federated", jsonBody(t, map[string]string{"provider_token": "garbage"}), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Authenticated session endpoints
// ---------------------------------------------------------------------------

func TestSession_Current(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "ed@x.com", model.RoleEditor, true)
	token := env.token(t, "ed@x.com")

	rr := env.doAuth("GET", "/api/v1/auth/session", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Email        string   `json:"email"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Email != "ed@x.com" || resp.Role != "editor" {
		t.Errorf("principal = %+v", resp)
	}
	want := []string{"catalog:read", "catalog:write", "dashboard:read"}
	if fmt.Sprint(resp.Capabilities) != fmt.Sprint(want) {
		t.Errorf("capabilities = %v, want %v", resp.Capabilities, want)
	}
}

func TestSession_Refresh(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "r@x.com", model.RoleViewer, true)
	token := env.token(t, "r@x.com")

	env.clock.Advance(45 * time.Minute)
	rr := env.doAuth("POST", "/api/v1/auth/session/refresh", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp sessionBody
	decodeJSON(t, rr, &resp)
	if !resp.ExpiresAt.Equal(testEpoch.Add(105*time.Minute)) || resp.ExpiresIn != 3600 {
		t.Errorf("refreshed expiry = %v (%ds)", resp.ExpiresAt, resp.ExpiresIn)
	}
	if resp.Token == token {
		t.Error("refresh returned the same token")
	}
}

func TestSession_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "r@x.com", model.RoleViewer, true)
	token := env.token(t, "r@x.com")

	env.clock.Advance(61 * time.Minute)
	rr := env.doAuth("GET", "/api/v1/auth/session", nil, token)
	assertStatus(t, rr, http.StatusUnauthorized)
	var resp errorBody
	decodeJSON(t, rr, &resp)
	if resp.Error.Message != "Token expired" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestSession_Logout(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "out@x.com", model.RoleViewer, true)
	token := env.token(t, "out@x.com")

	rr := env.doAuth("DELETE", "/api/v1/auth/session", nil, token)
	assertStatus(t, rr, http.StatusOK)
	if n := env.auditCount(t, "out@x.com", model.ActionLogout); n != 1 {
		t.Errorf("logout entries = %d, want 1", n)
	}
}

func TestSession_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/auth/session"},
		{"DELETE", "/api/v1/auth/session"},
		{"POST", "/api/v1/auth/session/refresh"},
		{"GET", "/api/v1/system/account"},
		{"GET", "/api/v1/system/audit"},
	} {
		rr := env.do(tc.method, tc.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, rr.Code)
		}
	}

	rr := env.doAuth("GET", "/api/v1/auth/session", nil, "not-a-jwt")
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestDeactivationRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "d@x.com", model.RoleAdmin, true)
	token := env.token(t, "d@x.com")

	if _, err := env.store.UpdateAccount(context.Background(), acct.IdentityID, func(a *model.AdminAccount) (bool, error) {
		a.IsActive = false
		return true, nil
	}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	assertStatus(t, env.doAuth("GET", "/api/v1/system/account", nil, token), http.StatusForbidden)
	assertStatus(t, env.doAuth("POST", "/api/v1/auth/session/refresh", nil, token), http.StatusForbidden)
}

// ---------------------------------------------------------------------------
// Account management
// ---------------------------------------------------------------------------

func TestAccountWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	admin := env.token(t, "root@x.com")

	// Create an editor with a local password.
	rr := env.doAuth("POST", "/api/v1/system/account", jsonBody(t, map[string]string{
		"email": "new@x.com", "role": "editor", "password": "editor-password",
	}), admin)
	assertStatus(t, rr, http.StatusCreated)
	var created model.AdminAccount
	decodeJSON(t, rr, &created)
	if created.IdentityID == "" || created.Role != model.RoleEditor || !created.IsActive {
		t.Fatalf("created = %+v", created)
	}

	// Duplicate email.
	rr = env.doAuth("POST", "/api/v1/system/account", jsonBody(t, map[string]string{
		"email": "NEW@x.com", "role": "viewer",
	}), admin)
	assertStatus(t, rr, http.StatusConflict)

	// The new editor can sign in.
	assertStatus(t, env.login("new@x.com", "editor-password"), http.StatusOK)

	// List and get.
	rr = env.doAuth("GET", "/api/v1/system/account", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Resource []model.AdminAccount `json:"resource"`
		Meta     model.ResponseMeta   `json:"meta"`
	}
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 2 || len(list.Resource) != 2 {
		t.Errorf("list = %+v", list)
	}
	assertStatus(t, env.doAuth("GET", "/api/v1/system/account/"+created.IdentityID, nil, admin), http.StatusOK)
	assertStatus(t, env.doAuth("GET", "/api/v1/system/account/local%7Cmissing", nil, admin), http.StatusNotFound)

	// Demote to viewer.
	rr = env.doAuth("PUT", "/api/v1/system/account/"+created.IdentityID, jsonBody(t, map[string]string{"role": "viewer"}), admin)
	assertStatus(t, rr, http.StatusOK)
	var updated model.AdminAccount
	decodeJSON(t, rr, &updated)
	if updated.Role != model.RoleViewer {
		t.Errorf("role = %s, want viewer", updated.Role)
	}

	// Viewers may read accounts but not manage them.
	viewer := env.token(t, "new@x.com")
	assertStatus(t, env.doAuth("GET", "/api/v1/system/account", nil, viewer), http.StatusOK)
	assertStatus(t, env.doAuth("POST", "/api/v1/system/account", jsonBody(t, map[string]string{
		"email": "x@x.com", "role": "viewer",
	}), viewer), http.StatusForbidden)
}

func TestCreateAccount_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	admin := env.token(t, "root@x.com")

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing email", map[string]string{"role": "viewer"}},
		{"bad role", map[string]string{"email": "a@x.com", "role": "owner"}},
		{"short password", map[string]string{"email": "a@x.com", "role": "viewer", "password": "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doAuth("POST", "/api/v1/system/account", jsonBody(t, tt.body), admin)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

type failingPasswords struct{}

func (failingPasswords) SetPassword(context.Context, string, string, string) error {
	return errors.New("credential store unavailable")
}

func TestCreateAccount_PasswordFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	admin := env.token(t, "root@x.com")

	deps := env.server.deps
	deps.Passwords = failingPasswords{}
	broken := *env
	broken.server = New(env.server.cfg, deps, env.server.logger)

	body := map[string]string{"email": "half@x.com", "role": "editor", "password": "long-enough-pass"}
	rr := broken.doAuth("POST", "/api/v1/system/account", jsonBody(t, body), admin)
	assertStatus(t, rr, http.StatusInternalServerError)

	if _, err := env.store.GetAccountByEmail(context.Background(), "half@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("account left behind after failed password: err = %v", err)
	}

	// The same request succeeds once passwords can be stored.
	rr = env.doAuth("POST", "/api/v1/system/account", jsonBody(t, body), admin)
	assertStatus(t, rr, http.StatusCreated)
}

func TestCannotDeactivateSelf(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	admin := env.token(t, "root@x.com")

	rr := env.doAuth("PUT", "/api/v1/system/account/"+acct.IdentityID, jsonBody(t, map[string]bool{"is_active": false}), admin)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestUnlockAccount(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	locked := env.seedAccount(t, "lock@x.com", model.RoleEditor, true)
	admin := env.token(t, "root@x.com")

	for i := 0; i < 5; i++ {
		env.login("lock@x.com", "wrong-password")
	}
	assertStatus(t, env.login("lock@x.com", testPassword), http.StatusLocked)

	rr := env.doAuth("POST", "/api/v1/system/account/"+locked.IdentityID+"/unlock", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	var acct model.AdminAccount
	decodeJSON(t, rr, &acct)
	if acct.IsLocked || acct.FailedAttempts != 0 {
		t.Errorf("after unlock: %+v", acct)
	}

	assertStatus(t, env.login("lock@x.com", testPassword), http.StatusOK)
}

// ---------------------------------------------------------------------------
// Audit queries
// ---------------------------------------------------------------------------

func TestAuditQuery(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "root@x.com", model.RoleAdmin, true)
	env.seedAccount(t, "v@x.com", model.RoleViewer, true)
	admin := env.token(t, "root@x.com")

	for i := 0; i < 3; i++ {
		env.login("v@x.com", "wrong-password")
	}

	rr := env.doAuth("GET", "/api/v1/system/audit?identity=v@x.com&action=login_failed", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.AuditEntry `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 3 || resp.Meta.Limit != 100 {
		t.Fatalf("audit = %+v", resp)
	}
	for _, e := range resp.Resource {
		if e.IdentityKey != "v@x.com" || e.Action != model.ActionLoginFailed || e.Status != model.StatusFailure {
			t.Errorf("entry = %+v", e)
		}
	}

	rr = env.doAuth("GET", "/api/v1/system/audit?limit=1", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 1 {
		t.Errorf("limit=1 returned %d entries", len(resp.Resource))
	}

	assertStatus(t, env.doAuth("GET", "/api/v1/system/audit?since=yesterday", nil, admin), http.StatusBadRequest)
	assertStatus(t, env.doAuth("GET", "/api/v1/system/audit?action=deleted", nil, admin), http.StatusBadRequest)

	viewer := env.token(t, "v@x.com")
	assertStatus(t, env.doAuth("GET", "/api/v1/system/audit", nil, viewer), http.StatusOK)

	env.seedAccount(t, "e@x.com", model.RoleEditor, true)
	editor := env.token(t, "e@x.com")
	assertStatus(t, env.doAuth("GET", "/api/v1/system/audit", nil, editor), http.StatusForbidden)
}

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/api/v1/system/account", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	var resp errorBody
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != 401 || resp.Error.Message == "" {
		t.Errorf("error = %+v", resp.Error)
	}
}
