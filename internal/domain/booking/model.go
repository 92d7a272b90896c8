package booking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire formats for dates and times exchanged with the backend.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Doctor is a bookable physician as listed by the backend.
type Doctor struct {
	ID            int64  `json:"id"`
	FullName      string `json:"nombreCompleto"`
	SpecialtyName string `json:"especialidadNombre"`
}

// TimeSlot is one bookable time for a doctor on a date. Availability is
// decided by the backend.
type TimeSlot struct {
	Date      string
	Time      string
	Available bool
}

// Draft is the in-progress booking form.
type Draft struct {
	SpecialtyName string
	DoctorID      int64
	Date          string
	Time          string
	Reason        string
}

type slotKey struct {
	doctorID int64
	date     string
}

func (d Draft) slotKey() slotKey {
	return slotKey{doctorID: d.DoctorID, date: d.Date}
}

func (k slotKey) complete() bool {
	return k.doctorID != 0 && k.date != ""
}

// Status is the lifecycle state of an appointment. The backend owns every
// transition.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// NormalizeStatus maps backend estado strings (any case, Spanish or
// English) to a Status. Unknown values are returned uppercased.
func NormalizeStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch s {
	case "PENDIENTE", "PENDING", "PROGRAMADA", "SCHEDULED":
		return StatusPending
	case "CONFIRMADA", "CONFIRMED":
		return StatusConfirmed
	case "COMPLETADA", "COMPLETED", "ATENDIDA":
		return StatusCompleted
	case "CANCELADA", "CANCELLED", "CANCELED":
		return StatusCancelled
	}
	return Status(s)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("estado: %w", err)
	}
	*s = NormalizeStatus(raw)
	return nil
}

// PartyRef is the doctor or patient embedded in an appointment. The backend
// sends either an object or a bare name.
type PartyRef struct {
	ID        int64  `json:"id,omitempty"`
	Name      string `json:"nombreCompleto,omitempty"`
	Specialty string `json:"especialidadNombre,omitempty"`
}

func (p *PartyRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = PartyRef{}
		return nil
	}

	switch data[0] {
	case '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*p = PartyRef{Name: name}
		return nil
	case '{':
		var obj struct {
			ID                 json.Number     `json:"id"`
			NombreCompleto     string          `json:"nombreCompleto"`
			Nombre             string          `json:"nombre"`
			Apellido           string          `json:"apellido"`
			EspecialidadNombre string          `json:"especialidadNombre"`
			Especialidad       json.RawMessage `json:"especialidad"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		ref := PartyRef{Name: obj.NombreCompleto, Specialty: obj.EspecialidadNombre}
		if obj.ID != "" {
			id, err := obj.ID.Int64()
			if err != nil {
				return fmt.Errorf("party id: %w", err)
			}
			ref.ID = id
		}
		if ref.Name == "" {
			ref.Name = strings.TrimSpace(obj.Nombre + " " + obj.Apellido)
		}
		if ref.Specialty == "" && len(obj.Especialidad) > 0 {
			ref.Specialty = specialtyName(obj.Especialidad)
		}
		*p = ref
		return nil
	default:
		id, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("party: unexpected JSON %s", data)
		}
		*p = PartyRef{ID: id}
		return nil
	}
}

// specialtyName reads an especialidad field that is either a name or an
// object with a nombre.
func specialtyName(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Nombre string `json:"nombre"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Nombre
	}
	return ""
}

// Appointment is a booked visit as returned by the backend.
type Appointment struct {
	ID       int64    `json:"id"`
	Doctor   PartyRef `json:"doctor"`
	Patient  PartyRef `json:"paciente"`
	DateTime string   `json:"fechaHora"`
	Status   Status   `json:"estado"`
	Reason   string   `json:"motivo,omitempty"`
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// When parses DateTime. Zone-less values are read in time.Local.
func (a Appointment) When() (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, a.DateTime, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("appointment %d: unparseable fechaHora %q", a.ID, a.DateTime)
}

// Date returns the calendar date in DateLayout, or "" if unparseable.
func (a Appointment) Date() string {
	t, err := a.When()
	if err != nil {
		return ""
	}
	return t.Format(DateLayout)
}

// Time returns the time of day in TimeLayout, or "" if unparseable.
func (a Appointment) Time() string {
	t, err := a.When()
	if err != nil {
		return ""
	}
	return t.Format(TimeLayout)
}

// CreateRequest is the body of POST /paciente/citas/agendar.
type CreateRequest struct {
	DoctorID int64  `json:"doctorId"`
	Date     string `json:"fechaCandidata"`
	Time     string `json:"horaSeleccionada"`
	Reason   string `json:"motivo"`
}

// RescheduleRequest is the body of PUT /paciente/citas/postergar/{id}.
type RescheduleRequest struct {
	DoctorID int64  `json:"nuevoDoctorId"`
	Date     string `json:"nuevaFecha"`
	Time     string `json:"nuevaHora"`
	Reason   string `json:"nuevoMotivo"`
}

// FormatDateTime joins a date and time into the fechaHora wire format.
func FormatDateTime(date, clock string) string {
	return date + "T" + clock + ":00"
}
