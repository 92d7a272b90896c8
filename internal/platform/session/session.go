// Package session holds the client-side record of the authenticated user.
//
// The Store owns the current Session exclusively. Consumers read copies via
// Snapshot or subscribe to change notifications; persistence goes through
// the KV interface so the store can run on memory, a file, Redis or
// PostgreSQL.
package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is a canonical, uppercase portal role.
type Role string

const (
	RoleAdministrator Role = "ADMINISTRADOR"
	RoleDoctor        Role = "DOCTOR"
	RolePatient       Role = "PACIENTE"
)

// NormalizeRole maps a role string as received from the backend to its
// canonical form. Comparison is case-insensitive and the English names used
// by some responses map onto the Spanish canonical names.
func NormalizeRole(raw string) Role {
	r := strings.ToUpper(strings.TrimSpace(raw))
	switch r {
	case "ADMIN", "ADMINISTRATOR":
		return RoleAdministrator
	case "PATIENT":
		return RolePatient
	}
	return Role(r)
}

// Valid reports whether r is one of the known portal roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleDoctor, RolePatient:
		return true
	}
	return false
}

// Session is the identity of the currently authenticated user.
type Session struct {
	Token       string
	UserID      int64
	Email       string
	Role        Role
	DisplayName string
	ExpiresAt   *time.Time
}

// Expired reports whether the session token carries an expiry at or before now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// userInfo is the persisted form of the identity, stored under UserKey.
type userInfo struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Rol    string `json:"rol"`
	Nombre string `json:"nombre,omitempty"`
}

func encodeUserInfo(s *Session) (string, error) {
	b, err := json.Marshal(userInfo{
		ID:     s.UserID,
		Email:  s.Email,
		Rol:    string(s.Role),
		Nombre: s.DisplayName,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeUserInfo(raw string) (*Session, error) {
	var u userInfo
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, err
	}
	return &Session{
		UserID:      u.ID,
		Email:       u.Email,
		Role:        NormalizeRole(u.Rol),
		DisplayName: u.Nombre,
	}, nil
}
