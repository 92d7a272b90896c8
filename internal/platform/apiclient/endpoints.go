package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hms/portal/internal/domain/booking"
	"github.com/hms/portal/internal/platform/session"
)

var (
	_ booking.SchedulingClient     = (*Client)(nil)
	_ booking.AppointmentCanceller = (*Client)(nil)
	_ session.AuthAPI              = (*Client)(nil)
)

// messageResponse is the {mensaje} body several endpoints return.
type messageResponse struct {
	Mensaje string `json:"mensaje"`
	Message string `json:"message"`
}

func (m messageResponse) text() string {
	if m.Mensaje != "" {
		return m.Mensaje
	}
	return m.Message
}

// Authentication

func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.LoginResult, error) {
	var res session.LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, creds, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
}

func (c *Client) Register(ctx context.Context, reg session.Registration) error {
	return c.do(ctx, http.MethodPost, "/auth/registro", nil, reg, nil)
}

// Scheduling

// Doctors lists every doctor: GET /paciente/doctores.
func (c *Client) Doctors(ctx context.Context) ([]booking.Doctor, error) {
	var out []booking.Doctor
	if err := c.do(ctx, http.MethodGet, "/paciente/doctores", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableTimes lists the free "HH:mm" times of a doctor on date:
// GET /paciente/citas/horarios?doctorId&fecha.
func (c *Client) AvailableTimes(ctx context.Context, doctorID int64, date string) ([]string, error) {
	return c.availableTimes(ctx, doctorID, date, nil)
}

var _ booking.RescheduleSlotLister = (*Client)(nil)

// AvailableTimesFor lists the free times while moving appointmentID; the
// appointment's own slot counts as free (citaId query parameter).
func (c *Client) AvailableTimesFor(ctx context.Context, appointmentID, doctorID int64, date string) ([]string, error) {
	q := url.Values{}
	q.Set("citaId", strconv.FormatInt(appointmentID, 10))
	return c.availableTimes(ctx, doctorID, date, q)
}

func (c *Client) availableTimes(ctx context.Context, doctorID int64, date string, q url.Values) ([]string, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("doctorId", strconv.FormatInt(doctorID, 10))
	q.Set("fecha", date)

	var out []string
	if err := c.do(ctx, http.MethodGet, "/paciente/citas/horarios", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateAppointment(ctx context.Context, req booking.CreateRequest) (*booking.Appointment, error) {
	var out booking.Appointment
	if err := c.do(ctx, http.MethodPost, "/paciente/citas/agendar", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RescheduleAppointment(ctx context.Context, id int64, req booking.RescheduleRequest) (*booking.Appointment, error) {
	var out booking.Appointment
	path := fmt.Sprintf("/paciente/citas/postergar/%d", id)
	if err := c.do(ctx, http.MethodPut, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Appointments lists the signed-in patient's appointments.
func (c *Client) Appointments(ctx context.Context) ([]booking.Appointment, error) {
	var out []booking.Appointment
	if err := c.do(ctx, http.MethodGet, "/paciente/citas", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelAppointment cancels id and returns the backend's confirmation.
func (c *Client) CancelAppointment(ctx context.Context, id int64) (string, error) {
	var out messageResponse
	path := fmt.Sprintf("/paciente/citas/cancelar/%d", id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.text(), nil
}

// Profile

// Profile is the signed-in patient's record.
type Profile struct {
	ID           int64   `json:"id"`
	Nombre       string  `json:"nombre"`
	Apellido     string  `json:"apellido"`
	Email        string  `json:"email"`
	Telefono     *string `json:"telefono"`
	Direccion    *string `json:"direccion"`
	Rol          string  `json:"rol"`
	SeguroMedico string  `json:"seguroMedico"`
}

// FullName joins first and last name.
func (p Profile) FullName() string {
	if p.Apellido == "" {
		return p.Nombre
	}
	return p.Nombre + " " + p.Apellido
}

// ProfileUpdate carries the fields to change; nil fields are left alone.
type ProfileUpdate struct {
	Nombre       *string `json:"nombre,omitempty"`
	Apellido     *string `json:"apellido,omitempty"`
	Email        *string `json:"email,omitempty"`
	Telefono     *string `json:"telefono,omitempty"`
	Direccion    *string `json:"direccion,omitempty"`
	SeguroMedico *string `json:"seguroMedico,omitempty"`
}

func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/paciente/perfil", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (string, error) {
	var out messageResponse
	if err := c.do(ctx, http.MethodPut, "/paciente/perfil", nil, upd, &out); err != nil {
		return "", err
	}
	return out.text(), nil
}

// Prescriptions

type PrescriptionItem struct {
	NombreMedicamento string `json:"nombreMedicamento"`
	Dosis             string `json:"dosis"`
}

type Prescription struct {
	ID           int64              `json:"id"`
	FechaEmision string             `json:"fechaEmision"`
	Detalles     []PrescriptionItem `json:"detalles"`
}

func (c *Client) Prescriptions(ctx context.Context) ([]Prescription, error) {
	var out []Prescription
	if err := c.do(ctx, http.MethodGet, "/paciente/recetas", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PrescriptionPDF streams the PDF of prescription id into w and returns the
// number of bytes written.
func (c *Client) PrescriptionPDF(ctx context.Context, id int64, w io.Writer) (int64, error) {
	req, reqID, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/paciente/receta/%d/pdf", id), nil, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.send(req, reqID)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download prescription %d: %w", id, err)
	}
	return n, nil
}
