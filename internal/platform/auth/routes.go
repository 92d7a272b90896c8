package auth

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hms/portal/internal/platform/session"
)

// Route is one entry of the portal's route table.
type Route struct {
	// Path may contain ":name" segments, e.g. "/paciente/agendar-cita/:id".
	Path string
	// Roles lists the roles allowed to open the route. Empty means any
	// authenticated user.
	Roles []session.Role
	// Public routes skip every guard.
	Public bool
	// RedirectTo makes the route an alias of another path.
	RedirectTo string
}

// Landing pages per role.
const (
	AdminHome   = "/admin/gestion-personal"
	DoctorHome  = "/doctor/agenda"
	PatientHome = "/paciente/mis-citas"

	BookingPath    = "/paciente/agendar-cita"
	ReschedulePath = "/paciente/agendar-cita/:id"
)

// DefaultRoutes returns the portal route table.
func DefaultRoutes() []Route {
	admin := []session.Role{session.RoleAdministrator}
	doctor := []session.Role{session.RoleDoctor}
	patient := []session.Role{session.RolePatient}

	return []Route{
		{Path: LoginPath, Public: true},
		{Path: "/auth/login", Public: true},
		{Path: "/auth/registro", Public: true},

		{Path: "/admin/gestion-personal", Roles: admin},
		{Path: "/admin/reportes", Roles: admin},
		{Path: "/admin/especialidades", Roles: admin},

		{Path: "/doctor/agenda", Roles: doctor},
		{Path: "/doctor/expediente/:id", Roles: doctor},

		{Path: BookingPath, Roles: patient},
		{Path: ReschedulePath, Roles: patient},
		{Path: "/paciente/mis-citas", Roles: patient},
		{Path: "/paciente/historial", Roles: patient},
		{Path: "/paciente/perfil", Roles: patient},

		{Path: "/admin", RedirectTo: AdminHome},
		{Path: "/doctor", RedirectTo: DoctorHome},
		{Path: "/paciente", RedirectTo: PatientHome},
		{Path: "/", RedirectTo: LoginPath},
	}
}

// HomeFor returns the landing page for a role, or "/" for unknown roles.
func HomeFor(role session.Role) string {
	switch session.NormalizeRole(string(role)) {
	case session.RoleAdministrator:
		return AdminHome
	case session.RoleDoctor:
		return DoctorHome
	case session.RolePatient:
		return PatientHome
	}
	return "/"
}

// SnapshotSource supplies one consistent session snapshot per call.
type SnapshotSource interface {
	Snapshot() *session.Session
}

// Resolution is the result of a navigation.
type Resolution struct {
	// Requested is the path the caller asked for.
	Requested string
	// Path is where the user ends up after redirects and guards.
	Path string
	// Route is the matched route; zero when nothing matched.
	Route    Route
	Params   map[string]string
	Decision Decision
}

// Navigator resolves paths against the route table and runs the guard
// chain for protected routes.
type Navigator struct {
	routes   []Route
	sessions SnapshotSource
	guard    Guard
	logger   zerolog.Logger
}

// maxRedirects bounds alias chains in the route table.
const maxRedirects = 8

// NewNavigator creates a Navigator. guard is evaluated for every route
// that is neither public nor an alias.
func NewNavigator(routes []Route, sessions SnapshotSource, guard Guard, logger zerolog.Logger) *Navigator {
	return &Navigator{routes: routes, sessions: sessions, guard: guard, logger: logger}
}

// Navigate resolves path. The session is read exactly once, before any
// guard runs.
func (n *Navigator) Navigate(path string) Resolution {
	res := Resolution{Requested: path}
	current := cleanPath(path)

	var (
		route  Route
		params map[string]string
		found  bool
	)
	for i := 0; i <= maxRedirects; i++ {
		route, params, found = n.match(current)
		if !found || route.RedirectTo == "" {
			break
		}
		current = cleanPath(route.RedirectTo)
	}

	if !found {
		n.logger.Debug().Str("path", path).Msg("no route matched")
		res.Path = LoginPath
		res.Decision = RedirectTo(LoginPath)
		return res
	}

	res.Route = route
	res.Params = params
	if route.Public {
		res.Path = current
		res.Decision = Allow()
		return res
	}

	snap := n.sessions.Snapshot()
	decision := n.guard.Check(route, snap)
	res.Decision = decision
	if decision.Allowed {
		res.Path = current
	} else {
		res.Path = decision.RedirectTo
	}

	n.logger.Debug().
		Str("path", path).
		Str("route", route.Path).
		Str("decision", decision.String()).
		Msg("navigation")
	return res
}

func (n *Navigator) match(path string) (Route, map[string]string, bool) {
	for _, r := range n.routes {
		if params, ok := matchPattern(r.Path, path); ok {
			return r, params, true
		}
	}
	return Route{}, nil, false
}

// matchPattern matches path against a pattern with ":name" segments.
func matchPattern(pattern, path string) (map[string]string, bool) {
	ps := splitPath(pattern)
	xs := splitPath(path)
	if len(ps) != len(xs) {
		return nil, false
	}

	var params map[string]string
	for i, p := range ps {
		if strings.HasPrefix(p, ":") {
			if xs[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:]] = xs[i]
			continue
		}
		if p != xs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// cleanPath strips query and fragment, ensures a leading slash and drops a
// trailing one.
func cleanPath(p string) string {
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	p = "/" + strings.Trim(p, "/")
	return p
}
