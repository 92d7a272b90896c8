package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/portal/internal/domain/booking"
	"github.com/hms/portal/internal/platform/auth"
	"github.com/hms/portal/internal/platform/middleware"
	"github.com/hms/portal/internal/platform/session"
)

// Server exposes a Backend over the hospital REST API under /api.
type Server struct {
	backend *Backend
	issuer  *auth.TokenIssuer
	logger  zerolog.Logger
	echo    *echo.Echo
}

// NewServer builds the echo instance with the middleware stack and routes.
func NewServer(backend *Backend, issuer *auth.TokenIssuer, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(auth.JWTMiddleware(issuer, auth.AuthSkipper))

	s := &Server{
		backend: backend,
		issuer:  issuer,
		logger:  logger.With().Str("component", "sandbox").Logger(),
		echo:    e,
	}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts the health check and the /api routes on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api")
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/logout", s.handleLogout)
	api.POST("/auth/registro", s.handleRegister)

	p := api.Group("/paciente", auth.RequireRole(session.RolePatient))
	p.GET("/doctores", s.handleDoctors)
	p.GET("/citas/horarios", s.handleAvailableTimes)
	p.POST("/citas/agendar", s.handleBook)
	p.PUT("/citas/postergar/:id", s.handleReschedule)
	p.GET("/citas", s.handleAppointments)
	p.DELETE("/citas/cancelar/:id", s.handleCancel)
	p.GET("/perfil", s.handleProfile)
	p.PUT("/perfil", s.handleUpdateProfile)
	p.GET("/recetas", s.handlePrescriptions)
	p.GET("/receta/:id/pdf", s.handlePrescriptionPDF)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("sandbox listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Response bodies in the backend's wire format.

type messageResponse struct {
	Mensaje string `json:"mensaje"`
}

type doctorView struct {
	ID                    int64  `json:"id"`
	NombreCompleto        string `json:"nombreCompleto"`
	EspecialidadNombre    string `json:"especialidadNombre"`
	HorarioAtencionInicio string `json:"horarioAtencionInicio"`
	HorarioAtencionFin    string `json:"horarioAtencionFin"`
	DuracionCitaMinutos   int    `json:"duracionCitaMinutos"`
}

type partyView struct {
	ID                 int64  `json:"id"`
	NombreCompleto     string `json:"nombreCompleto"`
	EspecialidadNombre string `json:"especialidadNombre,omitempty"`
}

type appointmentView struct {
	ID        int64     `json:"id"`
	Doctor    partyView `json:"doctor"`
	Paciente  partyView `json:"paciente"`
	FechaHora string    `json:"fechaHora"`
	Estado    string    `json:"estado"`
	Motivo    string    `json:"motivo,omitempty"`
}

type profileView struct {
	ID           int64   `json:"id"`
	Nombre       string  `json:"nombre"`
	Apellido     string  `json:"apellido"`
	Email        string  `json:"email"`
	Telefono     *string `json:"telefono"`
	Direccion    *string `json:"direccion"`
	Rol          string  `json:"rol"`
	SeguroMedico string  `json:"seguroMedico"`
}

func newDoctorView(d Doctor) doctorView {
	return doctorView{
		ID:                    d.ID,
		NombreCompleto:        d.FullName(),
		EspecialidadNombre:    d.Especialidad,
		HorarioAtencionInicio: d.HorarioInicio,
		HorarioAtencionFin:    d.HorarioFin,
		DuracionCitaMinutos:   d.DuracionMinutos,
	}
}

func (s *Server) appointmentView(a Appointment) appointmentView {
	v := appointmentView{
		ID:        a.ID,
		Doctor:    partyView{ID: a.DoctorID},
		Paciente:  partyView{ID: a.PatientID},
		FechaHora: a.Start.Format(dateTimeLayout),
		Estado:    a.Estado,
		Motivo:    a.Motivo,
	}
	if d, err := s.backend.Doctor(a.DoctorID); err == nil {
		v.Doctor.NombreCompleto = d.FullName()
		v.Doctor.EspecialidadNombre = d.Especialidad
	}
	if u, err := s.backend.User(a.PatientID); err == nil {
		v.Paciente.NombreCompleto = u.FullName()
	}
	return v
}

// httpError maps backend errors onto status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "Credenciales inválidas")
	case errors.Is(err, ErrWrongPatient):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDoctorNotFound), errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrPrescriptionNotFound), errors.Is(err, ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrNotModifiable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidDate), errors.Is(err, ErrInvalidTime), errors.Is(err, ErrInvalidRegistration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func currentUser(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(auth.UserIDFromContext(c.Request().Context()), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
	}
	return id, nil
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid id %q", c.Param("id")))
	}
	return id, nil
}

// Authentication

func (s *Server) handleLogin(c echo.Context) error {
	var creds session.Credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if creds.Email == "" || creds.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	u, err := s.backend.Authenticate(creds.Email, creds.Password)
	if err != nil {
		s.logger.Warn().Str("email", creds.Email).Msg("login rejected")
		return httpError(err)
	}

	token, err := s.issuer.Issue(u.ID, u.Email, u.Rol)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("issue token")
		return httpError(err)
	}

	return c.JSON(http.StatusOK, session.LoginResult{
		Token:  token,
		ID:     u.ID,
		Email:  u.Email,
		Rol:    string(u.Rol),
		Nombre: u.FullName(),
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	jti, exp := auth.TokenFromContext(c.Request().Context())
	s.issuer.Revoke(jti, exp)
	return c.JSON(http.StatusOK, messageResponse{Mensaje: "Sesión cerrada"})
}

func (s *Server) handleRegister(c echo.Context) error {
	var reg session.Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	u, err := s.backend.Register(reg)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info().Int64("user_id", u.ID).Str("rol", string(u.Rol)).Msg("user registered")
	return c.JSON(http.StatusCreated, messageResponse{Mensaje: "Usuario registrado exitosamente"})
}

// Scheduling

func (s *Server) handleDoctors(c echo.Context) error {
	doctors := s.backend.Doctors()
	out := make([]doctorView, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, newDoctorView(d))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAvailableTimes(c echo.Context) error {
	doctorID, err := strconv.ParseInt(c.QueryParam("doctorId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctorId is required")
	}
	fecha := c.QueryParam("fecha")
	if fecha == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "fecha is required")
	}

	// citaId lists the times for moving that appointment, its own slot included.
	var citaID, patientID int64
	if raw := c.QueryParam("citaId"); raw != "" {
		if citaID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid citaId %q", raw))
		}
		if patientID, err = currentUser(c); err != nil {
			return err
		}
	}

	times, err := s.backend.AvailableTimesFor(patientID, doctorID, fecha, citaID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, times)
}

func (s *Server) handleBook(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	var req booking.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	a, err := s.backend.Book(patientID, req.DoctorID, req.Date, req.Time, req.Reason)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info().Int64("appointment_id", a.ID).Int64("doctor_id", a.DoctorID).Msg("appointment booked")
	return c.JSON(http.StatusCreated, s.appointmentView(*a))
}

func (s *Server) handleReschedule(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req booking.RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	a, err := s.backend.Reschedule(patientID, id, req.DoctorID, req.Date, req.Time, req.Reason)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info().Int64("appointment_id", a.ID).Msg("appointment rescheduled")
	return c.JSON(http.StatusOK, s.appointmentView(*a))
}

func (s *Server) handleAppointments(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	appts := s.backend.Appointments(patientID)
	out := make([]appointmentView, 0, len(appts))
	for _, a := range appts {
		out = append(out, s.appointmentView(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCancel(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := s.backend.Cancel(patientID, id); err != nil {
		return httpError(err)
	}
	s.logger.Info().Int64("appointment_id", id).Msg("appointment cancelled")
	return c.JSON(http.StatusOK, messageResponse{Mensaje: "Cita cancelada exitosamente"})
}

// Profile

func (s *Server) handleProfile(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	u, err := s.backend.User(userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, profileView{
		ID:           u.ID,
		Nombre:       u.Nombre,
		Apellido:     u.Apellido,
		Email:        u.Email,
		Telefono:     u.Telefono,
		Direccion:    u.Direccion,
		Rol:          string(u.Rol),
		SeguroMedico: u.SeguroMedico,
	})
}

func (s *Server) handleUpdateProfile(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	var upd ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := s.backend.UpdateProfile(userID, upd); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messageResponse{Mensaje: "Perfil actualizado correctamente"})
}

// Prescriptions

func (s *Server) handlePrescriptions(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.backend.Prescriptions(patientID))
}

func (s *Server) handlePrescriptionPDF(c echo.Context) error {
	patientID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	rc, meta, err := s.backend.PrescriptionPDF(c.Request().Context(), patientID, id)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.FileName))
	c.Response().Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
