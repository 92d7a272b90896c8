package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/portal/internal/platform/notification"
	"github.com/hms/portal/internal/platform/session"
)

// LoginPath is the entry route unauthenticated or unauthorized users are
// sent to.
const LoginPath = "/auth"

// Decision is the outcome of a guard evaluation.
type Decision struct {
	Allowed    bool
	RedirectTo string
}

// Allow permits the navigation.
func Allow() Decision {
	return Decision{Allowed: true}
}

// RedirectTo denies the navigation and sends the user to path.
func RedirectTo(path string) Decision {
	return Decision{RedirectTo: path}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "redirect:" + d.RedirectTo
}

// Guard decides whether a navigation to route may proceed. snap is the one
// session snapshot taken for this navigation; it is nil when signed out.
type Guard interface {
	Check(route Route, snap *session.Session) Decision
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(route Route, snap *session.Session) Decision

func (f GuardFunc) Check(route Route, snap *session.Session) Decision {
	return f(route, snap)
}

// Chain combines guards with logical AND: the first guard that does not
// allow decides the outcome.
func Chain(guards ...Guard) Guard {
	return GuardFunc(func(route Route, snap *session.Session) Decision {
		for _, g := range guards {
			if d := g.Check(route, snap); !d.Allowed {
				return d
			}
		}
		return Allow()
	})
}

// ---------------------------------------------------------------------------
// AuthGuard
// ---------------------------------------------------------------------------

// AuthGuard requires a session holding a token that has not expired.
type AuthGuard struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthGuard creates an AuthGuard.
func NewAuthGuard(logger zerolog.Logger) *AuthGuard {
	return &AuthGuard{logger: logger, now: time.Now}
}

func (g *AuthGuard) Check(route Route, snap *session.Session) Decision {
	if snap == nil || snap.Token == "" {
		g.logger.Debug().Str("route", route.Path).Msg("not authenticated")
		return RedirectTo(LoginPath)
	}
	if snap.Expired(g.now()) {
		g.logger.Debug().Str("route", route.Path).Msg("session token expired")
		return RedirectTo(LoginPath)
	}
	return Allow()
}

// ---------------------------------------------------------------------------
// RoleGuard
// ---------------------------------------------------------------------------

// RoleGuard enforces the roles a route declares. A denial is reported to
// the notifier as a warning; it never blocks on user interaction.
type RoleGuard struct {
	notifier notification.Notifier
	logger   zerolog.Logger
}

// NewRoleGuard creates a RoleGuard.
func NewRoleGuard(notifier notification.Notifier, logger zerolog.Logger) *RoleGuard {
	if notifier == nil {
		notifier = notification.Discard
	}
	return &RoleGuard{notifier: notifier, logger: logger}
}

func (g *RoleGuard) Check(route Route, snap *session.Session) Decision {
	return g.Authorize(route.Path, route.Roles, snap)
}

// Authorize evaluates a navigation to path for a route requiring one of
// required. An empty required set means the route has no role restriction.
func (g *RoleGuard) Authorize(path string, required []session.Role, snap *session.Session) Decision {
	if snap == nil {
		return RedirectTo(LoginPath)
	}
	if len(required) == 0 {
		return Allow()
	}

	role := session.NormalizeRole(string(snap.Role))
	if HasRole(role, required) {
		return Allow()
	}

	g.logger.Warn().
		Str("route", path).
		Str("role", string(role)).
		Str("required", joinRoles(required)).
		Msg("access denied")
	g.notifier.Warn("Access denied", fmt.Sprintf("Your role does not have permission to open %s.", path))
	return RedirectTo(LoginPath)
}

// HasRole reports whether role matches any of required, ignoring case.
func HasRole(role session.Role, required []session.Role) bool {
	role = session.NormalizeRole(string(role))
	for _, r := range required {
		if session.NormalizeRole(string(r)) == role {
			return true
		}
	}
	return false
}

func joinRoles(roles []session.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
