// Package sandbox is an in-memory hospital backend that serves the patient
// API the portal talks to. It backs `hms-portal sandbox serve` and the HTTP
// client tests.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hms/portal/internal/platform/blobstore"
	"github.com/hms/portal/internal/platform/session"
)

var (
	ErrEmailTaken           = errors.New("email is already registered")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrUserNotFound         = errors.New("user not found")
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrInvalidDate          = errors.New("date must be YYYY-MM-DD")
	ErrInvalidTime          = errors.New("time must be HH:mm")
	ErrSlotUnavailable      = errors.New("the selected time is not available")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrWrongPatient         = errors.New("appointment belongs to another patient")
	ErrNotModifiable        = errors.New("appointment can no longer be modified")
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrInvalidRegistration  = errors.New("registration rejected")
	ErrInvalidSchedule      = errors.New("working hours are invalid")
)

// Appointment states as the hospital backend spells them.
const (
	EstadoPendiente  = "PENDIENTE"
	EstadoConfirmada = "CONFIRMADA"
	EstadoCompletada = "COMPLETADA"
	EstadoCancelada  = "CANCELADA"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// User is an account that can sign in.
type User struct {
	ID           int64
	DNI          string
	Nombre       string
	Apellido     string
	Email        string
	PasswordHash []byte
	Rol          session.Role
	Telefono     *string
	Direccion    *string
	SeguroMedico string

	// DoctorID links a DOCTOR account to its doctor record.
	DoctorID int64
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.Nombre + " " + u.Apellido)
}

// Doctor is a bookable practitioner with daily working hours.
type Doctor struct {
	ID           int64
	Nombre       string
	Apellido     string
	Especialidad string

	// HorarioInicio and HorarioFin are "HH:mm"; the last slot ends no later
	// than HorarioFin.
	HorarioInicio   string
	HorarioFin      string
	DuracionMinutos int
}

// FullName is the doctor's display name.
func (d *Doctor) FullName() string {
	return strings.TrimSpace("Dr. " + d.Nombre + " " + d.Apellido)
}

// Appointment is a booked visit.
type Appointment struct {
	ID        int64
	DoctorID  int64
	PatientID int64
	Start     time.Time
	Estado    string
	Motivo    string
}

func (a *Appointment) active() bool {
	return a.Estado == EstadoPendiente || a.Estado == EstadoConfirmada
}

// PrescriptionItem is one medication line.
type PrescriptionItem struct {
	NombreMedicamento string `json:"nombreMedicamento"`
	Dosis             string `json:"dosis"`
}

// Prescription is issued to a patient by a doctor.
type Prescription struct {
	ID           int64              `json:"id"`
	PatientID    int64              `json:"-"`
	DoctorID     int64              `json:"-"`
	FechaEmision string             `json:"fechaEmision"`
	Detalles     []PrescriptionItem `json:"detalles"`
}

// ProfileUpdate carries the profile fields to change; nil fields are kept.
type ProfileUpdate struct {
	Nombre       *string `json:"nombre,omitempty"`
	Apellido     *string `json:"apellido,omitempty"`
	Email        *string `json:"email,omitempty"`
	Telefono     *string `json:"telefono,omitempty"`
	Direccion    *string `json:"direccion,omitempty"`
	SeguroMedico *string `json:"seguroMedico,omitempty"`
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithClock replaces time.Now. Dates and times are interpreted in the
// clock's location.
func WithClock(now func() time.Time) BackendOption {
	return func(b *Backend) { b.now = now }
}

// WithPasswordCost sets the bcrypt cost used for new accounts.
func WithPasswordCost(cost int) BackendOption {
	return func(b *Backend) { b.cost = cost }
}

// Backend holds all sandbox state behind one mutex.
type Backend struct {
	mu            sync.RWMutex
	users         map[int64]*User
	usersByEmail  map[string]int64
	doctors       map[int64]*Doctor
	appointments  map[int64]*Appointment
	slotBookings  map[string]int64 // doctor+start -> appointment ID
	prescriptions map[int64]*Prescription
	nextID        map[string]int64

	blobs blobstore.BlobStore
	now   func() time.Time
	cost  int
}

// NewBackend returns an empty backend. Prescription PDFs are kept in blobs.
func NewBackend(blobs blobstore.BlobStore, opts ...BackendOption) *Backend {
	b := &Backend{
		users:         make(map[int64]*User),
		usersByEmail:  make(map[string]int64),
		doctors:       make(map[int64]*Doctor),
		appointments:  make(map[int64]*Appointment),
		slotBookings:  make(map[string]int64),
		prescriptions: make(map[int64]*Prescription),
		nextID:        make(map[string]int64),
		blobs:         blobs,
		now:           time.Now,
		cost:          bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) id(kind string) int64 {
	b.nextID[kind]++
	return b.nextID[kind]
}

func slotKey(doctorID int64, start time.Time) string {
	return strconv.FormatInt(doctorID, 10) + "|" + start.Format(dateTimeLayout)
}

// Accounts

// Register creates an account. Doctors also get a doctor record with
// default working hours.
func (b *Backend) Register(reg session.Registration) (*User, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	role := session.Role(reg.Rol)

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), b.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if _, taken := b.usersByEmail[email]; taken {
		return nil, ErrEmailTaken
	}

	nombre, apellido := splitName(reg.Nombre)
	u := &User{
		ID:           b.id("user"),
		DNI:          reg.DNI,
		Nombre:       nombre,
		Apellido:     apellido,
		Email:        email,
		PasswordHash: hash,
		Rol:          role,
	}
	if reg.SeguroMedico != nil {
		u.SeguroMedico = *reg.SeguroMedico
	}
	if role == session.RoleDoctor && reg.Especialidad != nil {
		d := &Doctor{
			ID:              b.id("doctor"),
			Nombre:          nombre,
			Apellido:        apellido,
			Especialidad:    *reg.Especialidad,
			HorarioInicio:   "08:00",
			HorarioFin:      "14:00",
			DuracionMinutos: 30,
		}
		b.doctors[d.ID] = d
		u.DoctorID = d.ID
	}

	b.users[u.ID] = u
	b.usersByEmail[email] = u.ID

	out := *u
	return &out, nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	if len(parts) < 2 {
		return strings.TrimSpace(full), ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// Authenticate checks the password of the account registered under email.
func (b *Backend) Authenticate(email, password string) (*User, error) {
	b.mu.RLock()
	id, ok := b.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	var u User
	if ok {
		u = *b.users[id]
	}
	b.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// User returns a copy of account id.
func (b *Backend) User(id int64) (*User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	u, ok := b.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// UpdateProfile applies the non-nil fields of upd.
func (b *Backend) UpdateProfile(id int64, upd ProfileUpdate) (*User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}

	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if other, taken := b.usersByEmail[email]; taken && other != id {
			return nil, ErrEmailTaken
		}
		delete(b.usersByEmail, u.Email)
		u.Email = email
		b.usersByEmail[email] = id
	}
	if upd.Nombre != nil {
		u.Nombre = strings.TrimSpace(*upd.Nombre)
	}
	if upd.Apellido != nil {
		u.Apellido = strings.TrimSpace(*upd.Apellido)
	}
	if upd.Telefono != nil {
		v := *upd.Telefono
		u.Telefono = &v
	}
	if upd.Direccion != nil {
		v := *upd.Direccion
		u.Direccion = &v
	}
	if upd.SeguroMedico != nil {
		u.SeguroMedico = *upd.SeguroMedico
	}

	out := *u
	return &out, nil
}

// Doctors

// AddDoctor stores d under a new id after checking its working hours.
func (b *Backend) AddDoctor(d Doctor) (*Doctor, error) {
	start, err := time.Parse(timeLayout, d.HorarioInicio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	end, err := time.Parse(timeLayout, d.HorarioFin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if d.DuracionMinutos <= 0 || !end.After(start) {
		return nil, ErrInvalidSchedule
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d.ID = b.id("doctor")
	b.doctors[d.ID] = &d
	out := d
	return &out, nil
}

// Doctors lists all doctors ordered by id.
func (b *Backend) Doctors() []Doctor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Doctor, 0, len(b.doctors))
	for _, d := range b.doctors {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Doctor returns a copy of doctor id.
func (b *Backend) Doctor(id int64) (*Doctor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	out := *d
	return &out, nil
}

// Slots

func (b *Backend) parseDay(date string) (time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, date, b.now().Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return day, nil
}

func (b *Backend) parseStart(date, clock string) (time.Time, error) {
	day, err := b.parseDay(date)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(timeLayout, clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, clock)
	}
	return day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute), nil
}

// daySlots generates every slot start of d on day, ignoring bookings.
func daySlots(d *Doctor, day time.Time) []time.Time {
	start, err1 := time.Parse(timeLayout, d.HorarioInicio)
	end, err2 := time.Parse(timeLayout, d.HorarioFin)
	if err1 != nil || err2 != nil || d.DuracionMinutos <= 0 {
		return nil
	}
	step := time.Duration(d.DuracionMinutos) * time.Minute

	first := day.Add(time.Duration(start.Hour())*time.Hour + time.Duration(start.Minute())*time.Minute)
	last := day.Add(time.Duration(end.Hour())*time.Hour + time.Duration(end.Minute())*time.Minute)

	var out []time.Time
	for t := first; !t.Add(step).After(last); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// freeLocked reports whether start is a bookable slot of d. ignore is an
// appointment whose booking does not count, used when rescheduling.
func (b *Backend) freeLocked(d *Doctor, start time.Time, ignore int64) bool {
	if !start.After(b.now()) {
		return false
	}
	if owner, booked := b.slotBookings[slotKey(d.ID, start)]; booked && owner != ignore {
		return false
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for _, s := range daySlots(d, day) {
		if s.Equal(start) {
			return true
		}
	}
	return false
}

// AvailableTimes lists the free "HH:mm" starts of doctor on date. Past
// times and booked slots are excluded.
func (b *Backend) AvailableTimes(doctorID int64, date string) ([]string, error) {
	return b.AvailableTimesFor(0, doctorID, date, 0)
}

// AvailableTimesFor is AvailableTimes for moving appointmentID: when the
// appointment is an active one of patientID, its own slot is listed as free.
func (b *Backend) AvailableTimesFor(patientID, doctorID int64, date string, appointmentID int64) ([]string, error) {
	day, err := b.parseDay(date)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.doctors[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	var ignore int64
	if a, ok := b.appointments[appointmentID]; ok && a.PatientID == patientID && a.active() {
		ignore = a.ID
	}

	out := []string{}
	for _, s := range daySlots(d, day) {
		if b.freeLocked(d, s, ignore) {
			out = append(out, s.Format(timeLayout))
		}
	}
	return out, nil
}

// Appointments

// Book reserves a slot for patient.
func (b *Backend) Book(patientID, doctorID int64, date, clock, motivo string) (*Appointment, error) {
	start, err := b.parseStart(date, clock)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.doctors[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	if !b.freeLocked(d, start, 0) {
		return nil, ErrSlotUnavailable
	}

	a := &Appointment{
		ID:        b.id("appointment"),
		DoctorID:  doctorID,
		PatientID: patientID,
		Start:     start,
		Estado:    EstadoPendiente,
		Motivo:    strings.TrimSpace(motivo),
	}
	b.appointments[a.ID] = a
	b.slotBookings[slotKey(doctorID, start)] = a.ID

	out := *a
	return &out, nil
}

// Reschedule moves appointment id to a new doctor and slot. An empty motivo
// keeps the previous one.
func (b *Backend) Reschedule(patientID, id, doctorID int64, date, clock, motivo string) (*Appointment, error) {
	start, err := b.parseStart(date, clock)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.ownedLocked(patientID, id)
	if err != nil {
		return nil, err
	}
	if !a.active() {
		return nil, ErrNotModifiable
	}
	d, ok := b.doctors[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	if !b.freeLocked(d, start, a.ID) {
		return nil, ErrSlotUnavailable
	}

	delete(b.slotBookings, slotKey(a.DoctorID, a.Start))
	a.DoctorID = doctorID
	a.Start = start
	a.Estado = EstadoPendiente
	if m := strings.TrimSpace(motivo); m != "" {
		a.Motivo = m
	}
	b.slotBookings[slotKey(doctorID, start)] = a.ID

	out := *a
	return &out, nil
}

// Cancel cancels appointment id and frees its slot.
func (b *Backend) Cancel(patientID, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.ownedLocked(patientID, id)
	if err != nil {
		return err
	}
	if !a.active() {
		return ErrNotModifiable
	}

	a.Estado = EstadoCancelada
	delete(b.slotBookings, slotKey(a.DoctorID, a.Start))
	return nil
}

// SetStatus changes the state of appointment id, e.g. when a doctor
// confirms or completes a visit.
func (b *Backend) SetStatus(id int64, estado string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Estado = estado
	if !a.active() {
		delete(b.slotBookings, slotKey(a.DoctorID, a.Start))
	}
	return nil
}

func (b *Backend) ownedLocked(patientID, id int64) (*Appointment, error) {
	a, ok := b.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.PatientID != patientID {
		return nil, ErrWrongPatient
	}
	return a, nil
}

// Appointments lists a patient's appointments by start time.
func (b *Backend) Appointments(patientID int64) []Appointment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Appointment{}
	for _, a := range b.appointments {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Prescriptions

// Prescribe issues a prescription to patient and renders its PDF.
func (b *Backend) Prescribe(ctx context.Context, patientID, doctorID int64, items []PrescriptionItem) (*Prescription, error) {
	b.mu.Lock()
	patient, ok := b.users[patientID]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUserNotFound
	}
	doctor, ok := b.doctors[doctorID]
	if !ok {
		b.mu.Unlock()
		return nil, ErrDoctorNotFound
	}
	p := &Prescription{
		ID:           b.id("prescription"),
		PatientID:    patientID,
		DoctorID:     doctorID,
		FechaEmision: b.now().Format(dateLayout),
		Detalles:     append([]PrescriptionItem(nil), items...),
	}
	b.prescriptions[p.ID] = p
	patientName, doctorName := patient.FullName(), doctor.FullName()
	b.mu.Unlock()

	doc, err := renderPrescription(*p, patientName, doctorName)
	if err != nil {
		return nil, err
	}
	meta := blobstore.BlobMetadata{
		FileName:    fmt.Sprintf("receta-%d.pdf", p.ID),
		ContentType: "application/pdf",
		OwnerID:     patientID,
		Category:    blobstore.CategoryPrescription,
		Ref:         strconv.FormatInt(p.ID, 10),
	}
	if _, err := b.blobs.Upload(ctx, meta, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("store prescription %d: %w", p.ID, err)
	}

	out := *p
	return &out, nil
}

// Prescriptions lists a patient's prescriptions, newest first.
func (b *Backend) Prescriptions(patientID int64) []Prescription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Prescription{}
	for _, p := range b.prescriptions {
		if p.PatientID == patientID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// PrescriptionPDF opens the rendered PDF of prescription id.
func (b *Backend) PrescriptionPDF(ctx context.Context, patientID, id int64) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	meta, err := b.blobs.FindByRef(ctx, blobstore.CategoryPrescription, strconv.FormatInt(id, 10))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, ErrPrescriptionNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if meta.OwnerID != patientID {
		return nil, nil, ErrPrescriptionNotFound
	}
	return b.blobs.Download(ctx, meta.ID)
}
