package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoleValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"admin", true},
		{"editor", true},
		{"viewer", true},
		{"owner", false},
		{"", false},
		{"Admin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ParseRole(tt.name)
			if ok != tt.want {
				t.Errorf("ParseRole(%q) ok = %v, want %v", tt.name, ok, tt.want)
			}
			if r.Valid() != tt.want {
				t.Errorf("Role(%q).Valid() = %v, want %v", tt.name, r.Valid(), tt.want)
			}
		})
	}
}

func TestAccountLockState(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Second)

	tests := []struct {
		name        string
		account     AdminAccount
		wantActive  bool
		wantExpired bool
	}{
		{"unlocked", AdminAccount{}, false, false},
		{"locked future", AdminAccount{IsLocked: true, LockedUntil: &future}, true, false},
		{"locked past", AdminAccount{IsLocked: true, LockedUntil: &past}, false, true},
		{"locked exactly now", AdminAccount{IsLocked: true, LockedUntil: &now}, false, true},
		{"locked without deadline", AdminAccount{IsLocked: true}, false, true},
		{"stale deadline but unlocked", AdminAccount{LockedUntil: &future}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.account.LockActive(now); got != tt.wantActive {
				t.Errorf("LockActive = %v, want %v", got, tt.wantActive)
			}
			if got := tt.account.LockExpired(now); got != tt.wantExpired {
				t.Errorf("LockExpired = %v, want %v", got, tt.wantExpired)
			}
		})
	}
}

func TestAdminAccountJSONHidesVersion(t *testing.T) {
	a := AdminAccount{IdentityID: "local|1", Email: "a@x.com", Role: RoleEditor, Version: 7}
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := m["version"]; ok {
		t.Error("version must not be serialized")
	}
	if m["role"] != "editor" {
		t.Errorf("role = %v, want editor", m["role"])
	}
	if _, ok := m["locked_until"]; ok {
		t.Error("expected locked_until to be omitted when nil")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("session should not be expired before ExpiresAt")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Error("session should be expired at ExpiresAt")
	}
}
