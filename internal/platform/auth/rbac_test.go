package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hms/portal/internal/platform/session"
)

func runRequireRole(t *testing.T, has []string, required ...session.Role) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if has != nil {
		req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, has))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequireRole(required...)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return rec, h(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runRequireRole(t, []string{"PACIENTE"}, session.RolePatient)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_CaseInsensitive(t *testing.T) {
	if _, err := runRequireRole(t, []string{"doctor"}, session.RoleDoctor); err != nil {
		t.Errorf("expected lowercase role to pass, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runRequireRole(t, []string{"DOCTOR"}, session.RolePatient)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminHasNoBypass(t *testing.T) {
	_, err := runRequireRole(t, []string{"ADMINISTRADOR"}, session.RolePatient)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	_, err := runRequireRole(t, nil, session.RolePatient)
	expectStatus(t, err, http.StatusForbidden)
}
