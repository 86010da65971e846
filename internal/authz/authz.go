// Package authz maps admin roles to the capabilities they grant. It is the
// single place where privileged actions are decided.
package authz

import (
	"errors"
	"fmt"
	"sort"

	"github.com/storefront/gatehouse/internal/model"
)

// Capability names one privileged action in the back-office.
type Capability string

const (
	CatalogRead    Capability = "catalog:read"
	CatalogWrite   Capability = "catalog:write"
	DashboardRead  Capability = "dashboard:read"
	AccountsRead   Capability = "accounts:read"
	AccountsManage Capability = "accounts:manage"
	AuditRead      Capability = "audit:read"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{
	CatalogRead, CatalogWrite, DashboardRead, AccountsRead, AccountsManage, AuditRead,
}

// ErrForbidden is returned by Gate.Check when the role lacks the capability.
var ErrForbidden = errors.New("forbidden")

// roleCapabilities is the explicit capability matrix. Roles are not ordered;
// every grant is listed.
var roleCapabilities = map[model.Role][]Capability{
	model.RoleAdmin: {
		CatalogRead, CatalogWrite, DashboardRead, AccountsRead, AccountsManage, AuditRead,
	},
	model.RoleEditor: {
		CatalogRead, CatalogWrite, DashboardRead,
	},
	model.RoleViewer: {
		CatalogRead, DashboardRead, AccountsRead, AuditRead,
	},
}

// Gate answers capability questions for roles. The zero value is not usable;
// construct with New.
type Gate struct {
	grants map[model.Role]map[Capability]struct{}
}

// New builds a Gate from the built-in capability matrix.
func New() *Gate {
	g := &Gate{grants: make(map[model.Role]map[Capability]struct{}, len(roleCapabilities))}
	for role, caps := range roleCapabilities {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		g.grants[role] = set
	}
	return g
}

// Can reports whether role grants capability. Unknown roles grant nothing.
func (g *Gate) Can(role model.Role, capability Capability) bool {
	_, ok := g.grants[role][capability]
	return ok
}

// CanAll reports whether role grants every listed capability.
func (g *Gate) CanAll(role model.Role, capabilities ...Capability) bool {
	for _, c := range capabilities {
		if !g.Can(role, c) {
			return false
		}
	}
	return true
}

// Check is Can in error form, for use at request boundaries.
func (g *Gate) Check(role model.Role, capability Capability) error {
	if !g.Can(role, capability) {
		return fmt.Errorf("role %q lacks %s: %w", role, capability, ErrForbidden)
	}
	return nil
}

// CapabilitiesFor returns the capabilities granted to role, sorted.
func (g *Gate) CapabilitiesFor(role model.Role) []Capability {
	set := g.grants[role]
	out := make([]Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
