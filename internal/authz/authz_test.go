package authz

import (
	"errors"
	"strings"
	"testing"

	"github.com/storefront/gatehouse/internal/model"
)

func TestCan(t *testing.T) {
	g := New()
	tests := []struct {
		role model.Role
		cap  Capability
		want bool
	}{
		{model.RoleAdmin, AuditRead, true},
		{model.RoleAdmin, AccountsManage, true},
		{model.RoleEditor, CatalogWrite, true},
		{model.RoleEditor, AccountsRead, false},
		{model.RoleEditor, AuditRead, false},
		{model.RoleViewer, AccountsRead, true},
		{model.RoleViewer, CatalogWrite, false},
		{model.RoleViewer, AccountsManage, false},
		{model.RoleViewer, AuditRead, true},
		{model.Role("superuser"), CatalogRead, false},
		{model.Role(""), DashboardRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.cap), func(t *testing.T) {
			if got := g.Can(tt.role, tt.cap); got != tt.want {
				t.Errorf("Can(%q, %q) = %v, want %v", tt.role, tt.cap, got, tt.want)
			}
		})
	}
}

func TestViewerReadsEverythingAndChangesNothing(t *testing.T) {
	g := New()
	for _, c := range Capabilities {
		want := strings.HasSuffix(string(c), ":read")
		if got := g.Can(model.RoleViewer, c); got != want {
			t.Errorf("viewer %s = %v, want %v", c, got, want)
		}
	}
}

func TestAdminHoldsEveryCapability(t *testing.T) {
	g := New()
	if !g.CanAll(model.RoleAdmin, Capabilities...) {
		t.Error("admin should hold every capability")
	}
	if g.CanAll(model.RoleEditor, CatalogRead, AuditRead) {
		t.Error("editor should not hold audit:read")
	}
}

func TestCheck(t *testing.T) {
	g := New()
	if err := g.Check(model.RoleEditor, CatalogWrite); err != nil {
		t.Errorf("Check: %v", err)
	}
	if err := g.Check(model.RoleEditor, AccountsManage); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	g := New()
	got := g.CapabilitiesFor(model.RoleEditor)
	want := []Capability{CatalogRead, CatalogWrite, DashboardRead}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(g.CapabilitiesFor("unknown")) != 0 {
		t.Error("unknown role should have no capabilities")
	}
}
