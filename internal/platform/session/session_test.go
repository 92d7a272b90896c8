package session

import (
	"testing"
	"time"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		raw  string
		want Role
	}{
		{"PACIENTE", RolePatient},
		{"paciente", RolePatient},
		{" Paciente ", RolePatient},
		{"patient", RolePatient},
		{"doctor", RoleDoctor},
		{"Administrador", RoleAdministrator},
		{"administrator", RoleAdministrator},
		{"admin", RoleAdministrator},
		{"Admin", RoleAdministrator},
		{"nurse", Role("NURSE")},
		{"", Role("")},
	}

	for _, tt := range tests {
		if got := NormalizeRole(tt.raw); got != tt.want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleDoctor.Valid() || !RolePatient.Valid() || !RoleAdministrator.Valid() {
		t.Error("expected canonical roles to be valid")
	}
	if Role("NURSE").Valid() {
		t.Error("expected NURSE to be invalid")
	}
}

func TestSession_Expired(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Session{}).Expired(now) {
		t.Error("session without expiry should never expire")
	}
	if !(&Session{ExpiresAt: &past}).Expired(now) {
		t.Error("expected past expiry to be expired")
	}
	if !(&Session{ExpiresAt: &now}).Expired(now) {
		t.Error("expected expiry equal to now to be expired")
	}
	if (&Session{ExpiresAt: &future}).Expired(now) {
		t.Error("expected future expiry to be valid")
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	exp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{UserID: 1, ExpiresAt: &exp}
	c := s.clone()
	*c.ExpiresAt = exp.Add(time.Hour)
	if !s.ExpiresAt.Equal(exp) {
		t.Error("clone shares ExpiresAt with original")
	}
	if (*Session)(nil).clone() != nil {
		t.Error("clone of nil should be nil")
	}
}

func TestUserInfoRoundTrip(t *testing.T) {
	raw, err := encodeUserInfo(&Session{UserID: 7, Email: "ana@example.com", Role: RolePatient, DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeUserInfo(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != 7 || got.Email != "ana@example.com" || got.Role != RolePatient || got.DisplayName != "Ana" {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestDecodeUserInfo_NormalizesMixedCaseRole(t *testing.T) {
	got, err := decodeUserInfo(`{"id":3,"email":"d@example.com","rol":"Doctor"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Role != RoleDoctor {
		t.Errorf("expected DOCTOR, got %q", got.Role)
	}
}
