package session

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrNoToken            = errors.New("login response did not include a token")
)

// Credentials are the login form fields.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the backend response to a successful login.
type LoginResult struct {
	Token  string `json:"token"`
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Rol    string `json:"rol"`
	Nombre string `json:"nombre,omitempty"`
}

// Registration is the self-registration payload.
type Registration struct {
	DNI          string  `json:"dni"`
	Nombre       string  `json:"nombre"`
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	Rol          string  `json:"rol"`
	Especialidad *string `json:"especialidad"`
	SeguroMedico *string `json:"seguroMedico"`
}

var dniPattern = regexp.MustCompile(`^[0-9]{8}[A-Z]$`)

// Validate checks the registration form rules: DNI is eight digits plus an
// uppercase letter, passwords have at least eight characters, doctors name
// a specialty and patients name an insurer.
func (r *Registration) Validate() error {
	var problems []string
	if !dniPattern.MatchString(r.DNI) {
		problems = append(problems, "dni must be 8 digits followed by an uppercase letter")
	}
	if strings.TrimSpace(r.Nombre) == "" {
		problems = append(problems, "nombre is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		problems = append(problems, "email is invalid")
	}
	if len(r.Password) < 8 {
		problems = append(problems, "password must have at least 8 characters")
	}

	role := NormalizeRole(r.Rol)
	switch role {
	case RoleDoctor:
		if r.Especialidad == nil || strings.TrimSpace(*r.Especialidad) == "" {
			problems = append(problems, "especialidad is required for doctors")
		}
	case RolePatient:
		if r.SeguroMedico == nil || strings.TrimSpace(*r.SeguroMedico) == "" {
			problems = append(problems, "seguroMedico is required for patients")
		}
	case RoleAdministrator:
	default:
		problems = append(problems, fmt.Sprintf("unknown role %q", r.Rol))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid registration: %s", strings.Join(problems, "; "))
	}
	r.Rol = string(role)
	if role != RoleDoctor {
		r.Especialidad = nil
	}
	if role != RolePatient {
		r.SeguroMedico = nil
	}
	return nil
}

// AuthAPI is the backend surface used for authentication.
type AuthAPI interface {
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
	Logout(ctx context.Context) error
	Register(ctx context.Context, reg Registration) error
}

// Authenticator ties the authentication endpoints to the Store.
type Authenticator struct {
	api    AuthAPI
	store  *Store
	logger zerolog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(api AuthAPI, store *Store, logger zerolog.Logger) *Authenticator {
	return &Authenticator{api: api, store: store, logger: logger}
}

// Login authenticates and saves the resulting session, notifying store
// subscribers. The returned session is a snapshot.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return nil, ErrMissingCredentials
	}

	res, err := a.api.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if res == nil || res.Token == "" {
		return nil, ErrNoToken
	}

	sess := Session{
		Token:       res.Token,
		UserID:      res.ID,
		Email:       res.Email,
		Role:        NormalizeRole(res.Rol),
		DisplayName: res.Nombre,
	}
	if err := a.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	return a.store.Snapshot(), nil
}

// Logout tells the backend and clears the local session even when the
// backend call fails.
func (a *Authenticator) Logout(ctx context.Context) error {
	if err := a.api.Logout(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("backend logout failed; clearing local session anyway")
	}
	return a.store.Clear(ctx)
}

// Register validates and submits a registration. It does not sign in.
func (a *Authenticator) Register(ctx context.Context, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := a.api.Register(ctx, reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}
