// Package identity is the built-in identity provider: it verifies local
// passwords, verifies ID tokens from trusted federated issuers, and issues
// and refreshes the short-lived bearer tokens the gateway hands to clients.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const (
	// DefaultTokenTTL is how long an issued bearer token stays valid.
	DefaultTokenTTL = 60 * time.Minute

	minPasswordLength = 8
	localProvider     = "local"
)

// CredentialStore persists local password hashes.
type CredentialStore interface {
	GetCredentialByEmail(ctx context.Context, email string) (*store.Credential, error)
	PutCredential(ctx context.Context, cred *store.Credential) error
}

// Claims is the verified content of a bearer token.
type Claims struct {
	IdentityID string
	Email      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Provider implements password and federated verification plus token
// issuance. It is safe for concurrent use.
type Provider struct {
	creds     CredentialStore
	jwtSecret []byte
	issuer    string
	ttl       time.Duration
	clock     clockwork.Clock
	cost      int
	federated map[string]FederatedIssuer // keyed by issuer URL

	// dummyHash is compared against when an email is unknown so that
	// unknown and known emails take the same time to reject.
	dummyHash []byte
}

// Option configures a Provider.
type Option func(*Provider)

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim of issued tokens.
func WithIssuer(iss string) Option {
	return func(p *Provider) { p.issuer = iss }
}

// WithClock sets the clock used for token timestamps and validation.
func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithPasswordCost sets the bcrypt cost for new password hashes.
func WithPasswordCost(cost int) Option {
	return func(p *Provider) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			p.cost = cost
		}
	}
}

// WithFederatedIssuers registers trusted external issuers.
func WithFederatedIssuers(issuers ...FederatedIssuer) Option {
	return func(p *Provider) {
		for _, iss := range issuers {
			p.federated[iss.Issuer] = iss
		}
	}
}

// NewProvider creates a provider backed by creds and signing tokens with
// jwtSecret.
func NewProvider(creds CredentialStore, jwtSecret string, opts ...Option) (*Provider, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("identity provider requires a jwt secret")
	}
	p := &Provider{
		creds:     creds,
		jwtSecret: []byte(jwtSecret),
		issuer:    "gatehouse",
		ttl:       DefaultTokenTTL,
		clock:     clockwork.NewRealClock(),
		cost:      bcrypt.DefaultCost,
		federated: make(map[string]FederatedIssuer),
	}
	for _, opt := range opts {
		opt(p)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), p.cost)
	if err != nil {
		return nil, fmt.Errorf("prepare password hasher: %w", err)
	}
	p.dummyHash = dummy
	return p, nil
}

// TokenTTL returns the lifetime of issued tokens.
func (p *Provider) TokenTTL() time.Duration {
	return p.ttl
}

// ---------------------------------------------------------------------------
// Local passwords
// ---------------------------------------------------------------------------

// SetPassword creates or replaces the local credential for an identity.
func (p *Provider) SetPassword(ctx context.Context, identityID, email, password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return p.creds.PutCredential(ctx, &store.Credential{
		IdentityID:   identityID,
		Email:        email,
		PasswordHash: string(hash),
	})
}

// VerifyCredentials checks an email and password. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (p *Provider) VerifyCredentials(ctx context.Context, email, password string) (*model.Identity, error) {
	cred, err := p.creds.GetCredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &model.Identity{
		ID:       cred.IdentityID,
		Email:    cred.Email,
		Provider: localProvider,
	}, nil
}

// ---------------------------------------------------------------------------
// Bearer tokens
// ---------------------------------------------------------------------------

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IssueToken signs a new bearer token for the identity.
func (p *Provider) IssueToken(ctx context.Context, id model.Identity) (*model.Token, error) {
	now := p.clock.Now()
	exp := now.Add(p.ttl)
	claims := tokenClaims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    p.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &model.Token{Value: signed, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// ValidateToken verifies signature, issuer and expiry of a bearer token.
func (p *Provider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return p.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	out := &Claims{
		IdentityID: claims.Subject,
		Email:      claims.Email,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// RefreshToken exchanges a still-valid token for a new one with a fresh
// lifetime. Expired tokens cannot be refreshed.
func (p *Provider) RefreshToken(ctx context.Context, tokenStr string) (*model.Token, error) {
	claims, err := p.ValidateToken(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	return p.IssueToken(ctx, model.Identity{ID: claims.IdentityID, Email: claims.Email})
}

// NewIdentityID returns a fresh identifier for a locally provisioned identity.
func NewIdentityID() string {
	return localProvider + "|" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}
