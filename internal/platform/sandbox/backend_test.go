package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hms/portal/internal/platform/blobstore"
	"github.com/hms/portal/internal/platform/session"
)

// Monday 2024-06-10, 08:00 local time.
var testNow = time.Date(2024, 6, 10, 8, 0, 0, 0, time.Local)

func newTestBackend(t *testing.T, now time.Time) *Backend {
	t.Helper()
	return NewBackend(blobstore.NewInMemoryBlobStore(),
		WithClock(func() time.Time { return now }),
		WithPasswordCost(bcrypt.MinCost),
	)
}

func addCardiologist(t *testing.T, b *Backend) *Doctor {
	t.Helper()
	d, err := b.AddDoctor(Doctor{
		Nombre:          "Juan",
		Apellido:        "Pérez",
		Especialidad:    "Cardiología",
		HorarioInicio:   "09:00",
		HorarioFin:      "11:00",
		DuracionMinutos: 30,
	})
	if err != nil {
		t.Fatalf("AddDoctor: %v", err)
	}
	return d
}

func registerPatient(t *testing.T, b *Backend, email, dni string) *User {
	t.Helper()
	u, err := b.Register(session.Registration{
		DNI:          dni,
		Nombre:       "Ana López",
		Email:        email,
		Password:     "secret123",
		Rol:          "paciente",
		SeguroMedico: strPtr("Sanitas"),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func TestAddDoctor_RejectsBadHours(t *testing.T) {
	b := newTestBackend(t, testNow)
	tests := []Doctor{
		{HorarioInicio: "9am", HorarioFin: "11:00", DuracionMinutos: 30},
		{HorarioInicio: "11:00", HorarioFin: "09:00", DuracionMinutos: 30},
		{HorarioInicio: "09:00", HorarioFin: "11:00", DuracionMinutos: 0},
	}
	for _, d := range tests {
		if _, err := b.AddDoctor(d); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("AddDoctor(%+v) error = %v, want ErrInvalidSchedule", d, err)
		}
	}
}

func TestAvailableTimes(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")

	got, err := b.AvailableTimes(d.ID, "2024-06-11")
	if err != nil {
		t.Fatalf("AvailableTimes: %v", err)
	}
	if want := []string{"09:00", "09:30", "10:00", "10:30"}; !reflect.DeepEqual(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}

	if _, err := b.Book(p.ID, d.ID, "2024-06-11", "09:30", ""); err != nil {
		t.Fatalf("Book: %v", err)
	}
	got, _ = b.AvailableTimes(d.ID, "2024-06-11")
	if want := []string{"09:00", "10:00", "10:30"}; !reflect.DeepEqual(got, want) {
		t.Errorf("slots after booking = %v, want %v", got, want)
	}
}

func TestAvailableTimesFor_OwnAppointment(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	other := registerPatient(t, b, "luis@example.com", "87654321X")

	a, err := b.Book(p.ID, d.ID, "2024-06-11", "09:30", "")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	tests := []struct {
		name      string
		patientID int64
		apptID    int64
		want      []string
	}{
		{"own appointment", p.ID, a.ID, []string{"09:00", "09:30", "10:00", "10:30"}},
		{"other patient", other.ID, a.ID, []string{"09:00", "10:00", "10:30"}},
		{"unknown appointment", p.ID, 99, []string{"09:00", "10:00", "10:30"}},
	}
	for _, tt := range tests {
		got, err := b.AvailableTimesFor(tt.patientID, d.ID, "2024-06-11", tt.apptID)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: slots = %v, want %v", tt.name, got, tt.want)
		}
	}

	if err := b.Cancel(p.ID, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got, _ := b.AvailableTimesFor(p.ID, d.ID, "2024-06-11", a.ID); len(got) != 4 {
		t.Errorf("after cancel slots = %v", got)
	}
}

func TestAvailableTimes_ExcludesPast(t *testing.T) {
	b := newTestBackend(t, time.Date(2024, 6, 10, 9, 40, 0, 0, time.Local))
	d := addCardiologist(t, b)

	got, err := b.AvailableTimes(d.ID, "2024-06-10")
	if err != nil {
		t.Fatalf("AvailableTimes: %v", err)
	}
	if want := []string{"10:00", "10:30"}; !reflect.DeepEqual(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}

	got, _ = b.AvailableTimes(d.ID, "2024-06-09")
	if len(got) != 0 {
		t.Errorf("past day slots = %v, want none", got)
	}
}

func TestAvailableTimes_Errors(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)

	if _, err := b.AvailableTimes(d.ID, "11/06/2024"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("bad date: got %v", err)
	}
	if _, err := b.AvailableTimes(99, "2024-06-11"); !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("unknown doctor: got %v", err)
	}
}

func TestBook(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	other := registerPatient(t, b, "luis@example.com", "87654321X")

	a, err := b.Book(p.ID, d.ID, "2024-06-11", "10:00", "  Dolor torácico ")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if a.Estado != EstadoPendiente || a.Motivo != "Dolor torácico" || a.Start.Hour() != 10 {
		t.Errorf("unexpected appointment: %+v", a)
	}

	tests := []struct {
		name    string
		doctor  int64
		date    string
		clock   string
		wantErr error
	}{
		{"double booking", d.ID, "2024-06-11", "10:00", ErrSlotUnavailable},
		{"off grid", d.ID, "2024-06-11", "09:15", ErrSlotUnavailable},
		{"after hours", d.ID, "2024-06-11", "11:00", ErrSlotUnavailable},
		{"past", d.ID, "2024-06-07", "09:00", ErrSlotUnavailable},
		{"bad time", d.ID, "2024-06-11", "ten", ErrInvalidTime},
		{"bad date", d.ID, "tomorrow", "10:00", ErrInvalidDate},
		{"unknown doctor", 42, "2024-06-11", "10:00", ErrDoctorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Book(other.ID, tt.doctor, tt.date, tt.clock, ""); !errors.Is(err, tt.wantErr) {
				t.Errorf("Book() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReschedule(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	other := registerPatient(t, b, "luis@example.com", "87654321X")

	a, _ := b.Book(p.ID, d.ID, "2024-06-11", "09:00", "Control")
	if _, err := b.Book(other.ID, d.ID, "2024-06-11", "10:30", ""); err != nil {
		t.Fatalf("Book: %v", err)
	}

	moved, err := b.Reschedule(p.ID, a.ID, d.ID, "2024-06-12", "10:00", "")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.Start.Day() != 12 || moved.Motivo != "Control" {
		t.Errorf("unexpected appointment: %+v", moved)
	}

	slots, _ := b.AvailableTimes(d.ID, "2024-06-11")
	if len(slots) == 0 || slots[0] != "09:00" {
		t.Errorf("old slot was not freed: %v", slots)
	}

	// Keeping the same slot is allowed.
	if _, err := b.Reschedule(p.ID, a.ID, d.ID, "2024-06-12", "10:00", "Nuevo motivo"); err != nil {
		t.Errorf("same slot: %v", err)
	}
	if _, err := b.Reschedule(p.ID, a.ID, d.ID, "2024-06-11", "10:30", ""); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("taken slot: got %v", err)
	}
	if _, err := b.Reschedule(other.ID, a.ID, d.ID, "2024-06-11", "09:00", ""); !errors.Is(err, ErrWrongPatient) {
		t.Errorf("wrong patient: got %v", err)
	}
	if _, err := b.Reschedule(p.ID, 999, d.ID, "2024-06-11", "09:00", ""); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("unknown appointment: got %v", err)
	}

	if err := b.Cancel(p.ID, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := b.Reschedule(p.ID, a.ID, d.ID, "2024-06-11", "09:00", ""); !errors.Is(err, ErrNotModifiable) {
		t.Errorf("cancelled appointment: got %v", err)
	}
}

func TestCancel(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	other := registerPatient(t, b, "luis@example.com", "87654321X")

	a, _ := b.Book(p.ID, d.ID, "2024-06-11", "09:00", "")

	if err := b.Cancel(other.ID, a.ID); !errors.Is(err, ErrWrongPatient) {
		t.Errorf("wrong patient: got %v", err)
	}
	if err := b.Cancel(p.ID, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := b.Cancel(p.ID, a.ID); !errors.Is(err, ErrNotModifiable) {
		t.Errorf("second cancel: got %v", err)
	}

	// The slot is free again.
	if _, err := b.Book(other.ID, d.ID, "2024-06-11", "09:00", ""); err != nil {
		t.Errorf("rebooking freed slot: %v", err)
	}

	appts := b.Appointments(p.ID)
	if len(appts) != 1 || appts[0].Estado != EstadoCancelada {
		t.Errorf("appointments = %+v", appts)
	}
}

func TestSetStatus_CompletedFreesSlot(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	a, _ := b.Book(p.ID, d.ID, "2024-06-11", "09:00", "")

	if err := b.SetStatus(a.ID, EstadoCompletada); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := b.Cancel(p.ID, a.ID); !errors.Is(err, ErrNotModifiable) {
		t.Errorf("cancel completed: got %v", err)
	}
	if err := b.SetStatus(999, EstadoConfirmada); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("unknown appointment: got %v", err)
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	b := newTestBackend(t, testNow)
	registerPatient(t, b, "Ana@Example.com", "12345678Z")

	u, err := b.Authenticate("ana@example.com", "secret123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Rol != session.RolePatient || u.Nombre != "Ana" || u.Apellido != "López" || u.SeguroMedico != "Sanitas" {
		t.Errorf("unexpected user: %+v", u)
	}

	if _, err := b.Authenticate("ana@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := b.Authenticate("nobody@example.com", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}

	dup := session.Registration{
		DNI: "11111111H", Nombre: "Otra Ana", Email: "ana@example.com",
		Password: "secret123", Rol: "PACIENTE", SeguroMedico: strPtr("DKV"),
	}
	if _, err := b.Register(dup); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v", err)
	}

	bad := session.Registration{DNI: "123", Nombre: "X", Email: "x@example.com", Password: "short", Rol: "PACIENTE"}
	if _, err := b.Register(bad); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("invalid registration: got %v", err)
	}
}

func TestRegister_DoctorGetsSchedule(t *testing.T) {
	b := newTestBackend(t, testNow)
	u, err := b.Register(session.Registration{
		DNI:          "22222222J",
		Nombre:       "Elena Vega",
		Email:        "elena@example.com",
		Password:     "secret123",
		Rol:          "doctor",
		Especialidad: strPtr("Pediatría"),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.DoctorID == 0 {
		t.Fatal("doctor account has no doctor record")
	}
	d, err := b.Doctor(u.DoctorID)
	if err != nil {
		t.Fatalf("Doctor: %v", err)
	}
	if d.Especialidad != "Pediatría" || d.FullName() != "Dr. Elena Vega" {
		t.Errorf("unexpected doctor: %+v", d)
	}
	slots, _ := b.AvailableTimes(d.ID, "2024-06-11")
	if len(slots) != 12 {
		t.Errorf("got %d default slots, want 12", len(slots))
	}
}

func TestUpdateProfile(t *testing.T) {
	b := newTestBackend(t, testNow)
	ana := registerPatient(t, b, "ana@example.com", "12345678Z")
	registerPatient(t, b, "luis@example.com", "87654321X")

	if _, err := b.UpdateProfile(ana.ID, ProfileUpdate{Email: strPtr("luis@example.com")}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("email conflict: got %v", err)
	}

	u, err := b.UpdateProfile(ana.ID, ProfileUpdate{
		Email:    strPtr("ana.lopez@example.com"),
		Telefono: strPtr("600111222"),
		Apellido: strPtr("López García"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.Email != "ana.lopez@example.com" || *u.Telefono != "600111222" || u.FullName() != "Ana López García" {
		t.Errorf("unexpected user: %+v", u)
	}
	if _, err := b.Authenticate("ana.lopez@example.com", "secret123"); err != nil {
		t.Errorf("login with new email: %v", err)
	}
	if _, err := b.Authenticate("ana@example.com", "secret123"); err == nil {
		t.Error("old email should no longer log in")
	}
	if _, err := b.UpdateProfile(999, ProfileUpdate{}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestPrescriptions(t *testing.T) {
	b := newTestBackend(t, testNow)
	d := addCardiologist(t, b)
	p := registerPatient(t, b, "ana@example.com", "12345678Z")
	other := registerPatient(t, b, "luis@example.com", "87654321X")
	ctx := context.Background()

	rx, err := b.Prescribe(ctx, p.ID, d.ID, []PrescriptionItem{{"Enalapril 10 mg", "1 comprimido cada 24 horas"}})
	if err != nil {
		t.Fatalf("Prescribe: %v", err)
	}
	if rx.FechaEmision != "2024-06-10" {
		t.Errorf("FechaEmision = %s", rx.FechaEmision)
	}
	if list := b.Prescriptions(p.ID); len(list) != 1 || list[0].ID != rx.ID {
		t.Errorf("Prescriptions = %+v", list)
	}

	rc, meta, err := b.PrescriptionPDF(ctx, p.ID, rx.ID)
	if err != nil {
		t.Fatalf("PrescriptionPDF: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !bytes.HasPrefix(data, []byte("%PDF-")) || !bytes.Contains(data, []byte(fmt.Sprintf("/Title (Receta %d)", rx.ID))) {
		t.Errorf("unexpected PDF header: %q", data[:min(len(data), 64)])
	}
	if meta.ContentType != "application/pdf" || meta.Size != int64(len(data)) {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	if _, _, err := b.PrescriptionPDF(ctx, other.ID, rx.ID); !errors.Is(err, ErrPrescriptionNotFound) {
		t.Errorf("other patient: got %v", err)
	}
	if _, _, err := b.PrescriptionPDF(ctx, p.ID, 99); !errors.Is(err, ErrPrescriptionNotFound) {
		t.Errorf("unknown prescription: got %v", err)
	}
	if _, err := b.Prescribe(ctx, p.ID, 99, nil); !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("unknown doctor: got %v", err)
	}
}

func TestSeed_Deterministic(t *testing.T) {
	cfg := SeedConfig{DoctorsPerSpecialty: 2, PatientCount: 3, Seed: 7}

	b1 := newTestBackend(t, testNow)
	res, err := Seed(context.Background(), b1, cfg)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	b2 := newTestBackend(t, testNow)
	if _, err := Seed(context.Background(), b2, cfg); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if !reflect.DeepEqual(b1.Doctors(), b2.Doctors()) {
		t.Error("same seed produced different doctors")
	}
	if res.Doctors != len(Specialties)*2+1 || res.Patients != 4 || res.Prescriptions != 2 || res.Appointments != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	seen := map[string]int{}
	for _, d := range b1.Doctors() {
		seen[d.Especialidad]++
	}
	for _, spec := range Specialties {
		if seen[spec] < 2 {
			t.Errorf("specialty %s has %d doctors", spec, seen[spec])
		}
	}
}

func TestSeed_DemoPatient(t *testing.T) {
	b := newTestBackend(t, testNow)
	if _, err := Seed(context.Background(), b, DefaultSeedConfig()); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	u, err := b.Authenticate(DemoPatientEmail, DemoPassword)
	if err != nil {
		t.Fatalf("demo patient login: %v", err)
	}
	appts := b.Appointments(u.ID)
	if len(appts) != 1 || appts[0].Estado != EstadoCompletada {
		t.Errorf("history = %+v", appts)
	}
	if got := b.Prescriptions(u.ID); len(got) != 2 {
		t.Errorf("got %d prescriptions, want 2", len(got))
	}

	for _, email := range []string{DemoAdminEmail, DemoDoctorEmail} {
		if _, err := b.Authenticate(email, DemoPassword); err != nil {
			t.Errorf("%s login: %v", email, err)
		}
	}
}

func TestVerificationCode(t *testing.T) {
	rx := Prescription{ID: 3, FechaEmision: "2024-06-10", Detalles: []PrescriptionItem{{"Enalapril 10 mg", "1 comprimido cada 24 horas"}}}

	code := verificationCode(rx, "Ana Gil", "Dr. Ruiz")
	if len(code) != 12 || strings.ToUpper(code) != code {
		t.Fatalf("code = %q, want 12 upper-case hex digits", code)
	}
	if again := verificationCode(rx, "Ana Gil", "Dr. Ruiz"); again != code {
		t.Errorf("code not stable: %q vs %q", again, code)
	}

	changed := rx
	changed.Detalles = []PrescriptionItem{{"Enalapril 20 mg", "1 comprimido cada 24 horas"}}
	if verificationCode(changed, "Ana Gil", "Dr. Ruiz") == code {
		t.Error("changing a medication should change the code")
	}
}

func TestRenderPrescription(t *testing.T) {
	rx := Prescription{ID: 7, FechaEmision: "2024-06-10", Detalles: []PrescriptionItem{
		{"Enalapril 10 mg", "1 comprimido cada 24 horas"},
		{"Ibuprofeno 600 mg", "1 comprimido cada 8 horas durante 5 días"},
	}}
	doc, err := renderPrescription(rx, "Ana Gil", "Dra. Núñez")
	if err != nil {
		t.Fatalf("renderPrescription: %v", err)
	}
	for _, want := range []string{"%PDF-", "/Title (Receta 7)", "/BaseFont /Helvetica", "/Subtype /Image", "%%EOF"} {
		if !bytes.Contains(doc, []byte(want)) {
			t.Errorf("PDF missing %q", want)
		}
	}

	if _, err := renderPrescription(Prescription{ID: 8, FechaEmision: "2024-06-10"}, "Ana Gil", "Dra. Núñez"); err != nil {
		t.Errorf("empty prescription: %v", err)
	}
}
