package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/hms/portal/internal/platform/session"
)

// Demo accounts created by Seed. All share DemoPassword.
const (
	DemoAdminEmail   = "admin@hms.local"
	DemoDoctorEmail  = "doctor@hms.local"
	DemoPatientEmail = "paciente@hms.local"
	DemoPassword     = "demo1234"
)

// Specialties offered by the seeded hospital.
var Specialties = []string{
	"Medicina General",
	"Cardiología",
	"Pediatría",
	"Dermatología",
	"Ginecología",
}

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	DoctorsPerSpecialty int   `json:"doctorsPerSpecialty"`
	PatientCount        int   `json:"patientCount"`
	Seed                int64 `json:"seed"`
}

// DefaultSeedConfig returns the configuration used by `sandbox serve`.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		DoctorsPerSpecialty: 2,
		PatientCount:        5,
		Seed:                1,
	}
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Doctors       int           `json:"doctors"`
	Patients      int           `json:"patients"`
	Appointments  int           `json:"appointments"`
	Prescriptions int           `json:"prescriptions"`
	Duration      time.Duration `json:"duration"`
}

var (
	firstNames = []string{
		"Juan", "María", "Carlos", "Ana", "Luis", "Lucía", "Javier", "Carmen",
		"Miguel", "Elena", "Pablo", "Laura", "Andrés", "Sofía", "Diego", "Isabel",
	}
	lastNames = []string{
		"Pérez", "García", "López", "Martínez", "Sánchez", "Gómez", "Ruiz",
		"Fernández", "Díaz", "Moreno", "Romero", "Navarro", "Torres", "Vega",
	}
	insurers = []string{"Sanitas", "Adeslas", "Asisa", "DKV", "Mapfre Salud"}

	// Working hours as start, end and slot length in minutes.
	shifts = []struct {
		start, end string
		minutes    int
	}{
		{"08:00", "14:00", 30},
		{"09:00", "13:00", 20},
		{"15:00", "20:00", 30},
	}

	medications = []PrescriptionItem{
		{"Paracetamol 500 mg", "1 comprimido cada 8 horas"},
		{"Ibuprofeno 400 mg", "1 comprimido cada 12 horas con comida"},
		{"Amoxicilina 500 mg", "1 cápsula cada 8 horas durante 7 días"},
		{"Omeprazol 20 mg", "1 cápsula en ayunas"},
		{"Loratadina 10 mg", "1 comprimido al día"},
		{"Enalapril 10 mg", "1 comprimido cada 24 horas"},
	}
)

const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

// generator draws reproducible names and values from a seeded source.
type generator struct {
	rng *rand.Rand
	dni int
}

func newGenerator(seed int64) *generator {
	return &generator{
		rng: rand.New(rand.NewSource(seed)),
		dni: 10000000 + int(seed%1000)*1000,
	}
}

func (g *generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *generator) name() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

// nextDNI returns a well-formed DNI: eight digits and the check letter.
func (g *generator) nextDNI() string {
	g.dni++
	return fmt.Sprintf("%08d%c", g.dni, dniLetters[g.dni%23])
}

func strPtr(s string) *string { return &s }

// Seed fills b with doctors for every specialty, the demo accounts, extra
// patients, and a short history for the demo patient. The same config
// always yields the same data.
func Seed(ctx context.Context, b *Backend, cfg SeedConfig) (*SeedResult, error) {
	start := time.Now()
	g := newGenerator(cfg.Seed)
	res := &SeedResult{}

	for _, spec := range Specialties {
		for i := 0; i < cfg.DoctorsPerSpecialty; i++ {
			shift := shifts[g.rng.Intn(len(shifts))]
			nombre, apellido := splitName(g.name())
			if _, err := b.AddDoctor(Doctor{
				Nombre:          nombre,
				Apellido:        apellido,
				Especialidad:    spec,
				HorarioInicio:   shift.start,
				HorarioFin:      shift.end,
				DuracionMinutos: shift.minutes,
			}); err != nil {
				return nil, fmt.Errorf("seed doctor: %w", err)
			}
			res.Doctors++
		}
	}

	accounts := []session.Registration{
		{Nombre: "Admin Hospital", Email: DemoAdminEmail, Rol: string(session.RoleAdministrator)},
		{Nombre: "Elena Vega", Email: DemoDoctorEmail, Rol: string(session.RoleDoctor), Especialidad: strPtr("Cardiología")},
		{Nombre: "Pedro Sánchez Ruiz", Email: DemoPatientEmail, Rol: string(session.RolePatient), SeguroMedico: strPtr("Sanitas")},
	}
	for i := 0; i < cfg.PatientCount; i++ {
		accounts = append(accounts, session.Registration{
			Nombre:       g.name(),
			Email:        fmt.Sprintf("paciente%d@hms.local", i+1),
			Rol:          string(session.RolePatient),
			SeguroMedico: strPtr(g.pick(insurers)),
		})
	}

	var demoPatient, demoDoctor *User
	for _, reg := range accounts {
		reg.DNI = g.nextDNI()
		reg.Password = DemoPassword
		u, err := b.Register(reg)
		if err != nil {
			return nil, fmt.Errorf("seed account %s: %w", reg.Email, err)
		}
		switch {
		case u.Email == DemoPatientEmail:
			demoPatient = u
			res.Patients++
		case u.Email == DemoDoctorEmail:
			demoDoctor = u
			res.Doctors++
		case u.Rol == session.RolePatient:
			res.Patients++
		}
	}

	// A past visit with the demo doctor, and the prescriptions it produced.
	day := b.now().AddDate(0, 0, -7)
	visit := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, 0, 0, day.Location())
	b.addHistory(Appointment{
		DoctorID:  demoDoctor.DoctorID,
		PatientID: demoPatient.ID,
		Start:     visit,
		Estado:    EstadoCompletada,
		Motivo:    "Control de tensión arterial",
	})
	res.Appointments++

	for i := 0; i < 2; i++ {
		n := 1 + g.rng.Intn(2)
		items := make([]PrescriptionItem, 0, n)
		for j := 0; j < n; j++ {
			items = append(items, medications[g.rng.Intn(len(medications))])
		}
		if _, err := b.Prescribe(ctx, demoPatient.ID, demoDoctor.DoctorID, items); err != nil {
			return nil, fmt.Errorf("seed prescription: %w", err)
		}
		res.Prescriptions++
	}

	res.Duration = time.Since(start)
	return res, nil
}

// addHistory stores a past appointment as is, without slot checks.
func (b *Backend) addHistory(a Appointment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a.ID = b.id("appointment")
	a.Motivo = strings.TrimSpace(a.Motivo)
	b.appointments[a.ID] = &a
	if a.active() {
		b.slotBookings[slotKey(a.DoctorID, a.Start)] = a.ID
	}
}
