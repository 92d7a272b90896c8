package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/portal/internal/platform/notification"
)

// Validation errors. They are returned synchronously, never touch the
// network, and leave the workflow where it was.
var (
	ErrSpecialtyRequired    = errors.New("select a specialty")
	ErrDoctorsNotLoaded     = errors.New("the doctor list is not available")
	ErrDoctorRequired       = errors.New("select a doctor")
	ErrUnknownDoctor        = errors.New("doctor not found")
	ErrDoctorNotInSpecialty = errors.New("doctor does not belong to the selected specialty")
	ErrDateRequired         = errors.New("select a date")
	ErrInvalidDate          = errors.New("date must be YYYY-MM-DD")
	ErrTimeRequired         = errors.New("select a time")
	ErrSlotUnavailable      = errors.New("time is not an available slot")
	ErrWrongStep            = errors.New("action not allowed at this step")
	ErrSubmitInProgress     = errors.New("a submission is already in progress")
	ErrAlreadyRescheduled   = errors.New("appointment already rescheduled")
)

var (
	// ErrAppointmentNotFound is returned by Start in reschedule mode when the
	// target appointment is not among the patient's appointments.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrStaleResult reports a slot lookup whose result was discarded
	// because the doctor or date changed while it was in flight.
	ErrStaleResult = errors.New("slot result discarded: selection changed")
)

// SchedulingClient is the backend surface the workflow needs.
type SchedulingClient interface {
	Doctors(ctx context.Context) ([]Doctor, error)
	AvailableTimes(ctx context.Context, doctorID int64, date string) ([]string, error)
	CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error)
	RescheduleAppointment(ctx context.Context, id int64, req RescheduleRequest) (*Appointment, error)
	Appointments(ctx context.Context) ([]Appointment, error)
}

// RescheduleSlotLister is implemented by clients that can list free times
// as seen by the appointment being moved, its own slot counted as free.
// A reschedule workflow uses it when the client provides it.
type RescheduleSlotLister interface {
	AvailableTimesFor(ctx context.Context, appointmentID, doctorID int64, date string) ([]string, error)
}

// Step is a wizard page.
type Step int

const (
	StepSpecialty Step = iota + 1
	StepSlot
	StepConfirm
)

func (s Step) String() string {
	switch s {
	case StepSpecialty:
		return "specialty"
	case StepSlot:
		return "slot"
	case StepConfirm:
		return "confirm"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Mode is fixed for the lifetime of a Workflow.
type Mode int

const (
	ModeNew Mode = iota
	ModeReschedule
)

func (m Mode) String() string {
	if m == ModeReschedule {
		return "reschedule"
	}
	return "new"
}

// Workflow drives the three-step booking wizard: specialty, then doctor,
// date and time, then confirmation. All methods are safe for concurrent
// use; network calls run without holding the lock.
type Workflow struct {
	client   SchedulingClient
	notifier notification.Notifier
	logger   zerolog.Logger

	mode          Mode
	appointmentID int64

	mu            sync.Mutex
	step          Step
	draft         Draft
	doctors       []Doctor
	doctorsLoaded bool
	slots         []TimeSlot
	slotsKey      slotKey
	slotGen       uint64
	submitting    bool
	done          bool
	lastErr       error
}

// NewWorkflow creates a workflow for a new booking.
func NewWorkflow(client SchedulingClient, notifier notification.Notifier, logger zerolog.Logger) *Workflow {
	if notifier == nil {
		notifier = notification.Discard
	}
	return &Workflow{
		client:   client,
		notifier: notifier,
		logger:   logger.With().Str("component", "booking").Str("mode", "new").Logger(),
		mode:     ModeNew,
		step:     StepSpecialty,
	}
}

// NewRescheduleWorkflow creates a workflow that moves appointmentID.
func NewRescheduleWorkflow(client SchedulingClient, notifier notification.Notifier, logger zerolog.Logger, appointmentID int64) *Workflow {
	w := NewWorkflow(client, notifier, logger)
	w.mode = ModeReschedule
	w.appointmentID = appointmentID
	w.logger = logger.With().
		Str("component", "booking").
		Str("mode", "reschedule").
		Int64("appointment_id", appointmentID).
		Logger()
	return w
}

// Start loads the doctor list. In reschedule mode it then seeds the draft
// from the target appointment and loads the slots for the seeded doctor and
// date. The workflow stays at the specialty step either way.
func (w *Workflow) Start(ctx context.Context) error {
	if err := w.loadDoctors(ctx); err != nil {
		return err
	}
	if w.mode != ModeReschedule {
		return nil
	}

	appts, err := w.client.Appointments(ctx)
	if err != nil {
		w.fail(err, "Could not load the appointment", "The appointment to reschedule could not be loaded.")
		return fmt.Errorf("load appointment %d: %w", w.appointmentID, err)
	}
	target, ok := FindAppointment(appts, w.appointmentID)
	if !ok {
		w.fail(ErrAppointmentNotFound, "Could not load the appointment", ErrAppointmentNotFound.Error())
		return fmt.Errorf("appointment %d: %w", w.appointmentID, ErrAppointmentNotFound)
	}

	w.seed(target)

	err = w.refreshSlots(ctx)
	if errors.Is(err, ErrStaleResult) {
		return nil
	}
	return err
}

// RetryDoctors reloads the doctor list after a failure.
func (w *Workflow) RetryDoctors(ctx context.Context) error {
	return w.loadDoctors(ctx)
}

func (w *Workflow) loadDoctors(ctx context.Context) error {
	doctors, err := w.client.Doctors(ctx)
	if err != nil {
		w.mu.Lock()
		w.doctorsLoaded = false
		w.mu.Unlock()
		w.fail(err, "Could not load doctors", "The doctor list could not be loaded. Try again.")
		return fmt.Errorf("load doctors: %w", err)
	}

	w.mu.Lock()
	w.doctors = append([]Doctor(nil), doctors...)
	w.doctorsLoaded = true
	w.lastErr = nil
	w.mu.Unlock()

	w.logger.Debug().Int("doctors", len(doctors)).Msg("doctors loaded")
	return nil
}

// seed copies the target appointment into the draft.
func (w *Workflow) seed(a Appointment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d := Draft{
		SpecialtyName: a.Doctor.Specialty,
		Date:          a.Date(),
		Time:          a.Time(),
		Reason:        a.Reason,
	}
	if doc, ok := w.doctorByID(a.Doctor.ID); ok {
		d.DoctorID = doc.ID
		d.SpecialtyName = doc.SpecialtyName
	}
	w.draft = d

	w.logger.Info().
		Str("specialty", d.SpecialtyName).
		Int64("doctor_id", d.DoctorID).
		Str("date", d.Date).
		Str("time", d.Time).
		Msg("draft seeded from appointment")
}

// Specialties returns the distinct specialty names of the loaded doctors.
func (w *Workflow) Specialties() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, d := range w.doctors {
		if d.SpecialtyName != "" && !seen[d.SpecialtyName] {
			seen[d.SpecialtyName] = true
			out = append(out, d.SpecialtyName)
		}
	}
	sort.Strings(out)
	return out
}

// SelectSpecialty sets the specialty and clears the doctor, date, time and
// slot list.
func (w *Workflow) SelectSpecialty(name string) error {
	w.mu.Lock()
	if w.step != StepSpecialty {
		w.mu.Unlock()
		return w.reject(ErrWrongStep)
	}

	name = strings.TrimSpace(name)
	for _, d := range w.doctors {
		if strings.EqualFold(d.SpecialtyName, name) {
			name = d.SpecialtyName
			break
		}
	}

	w.draft.SpecialtyName = name
	w.draft.DoctorID = 0
	w.draft.Date = ""
	w.draft.Time = ""
	w.invalidateSlots()
	w.mu.Unlock()

	w.logger.Debug().Str("specialty", name).Msg("specialty selected")
	return nil
}

// SelectDoctor sets the doctor and reloads the slot list.
func (w *Workflow) SelectDoctor(ctx context.Context, id int64) error {
	w.mu.Lock()
	if w.step != StepSlot {
		w.mu.Unlock()
		return w.reject(ErrWrongStep)
	}
	doc, ok := w.doctorByID(id)
	if !ok {
		w.mu.Unlock()
		return w.reject(ErrUnknownDoctor)
	}
	if doc.SpecialtyName != w.draft.SpecialtyName {
		w.mu.Unlock()
		return w.reject(ErrDoctorNotInSpecialty)
	}
	w.draft.DoctorID = id
	w.draft.Time = ""
	w.mu.Unlock()

	return w.refreshSlots(ctx)
}

// SelectDate sets the date (YYYY-MM-DD) and reloads the slot list.
func (w *Workflow) SelectDate(ctx context.Context, date string) error {
	date = strings.TrimSpace(date)
	if _, err := time.Parse(DateLayout, date); err != nil {
		return w.reject(ErrInvalidDate)
	}

	w.mu.Lock()
	if w.step != StepSlot {
		w.mu.Unlock()
		return w.reject(ErrWrongStep)
	}
	w.draft.Date = date
	w.draft.Time = ""
	w.mu.Unlock()

	return w.refreshSlots(ctx)
}

// SelectTime picks one of the currently available slots.
func (w *Workflow) SelectTime(t string) error {
	t = strings.TrimSpace(t)

	w.mu.Lock()
	if w.step != StepSlot {
		w.mu.Unlock()
		return w.reject(ErrWrongStep)
	}
	if !w.slotAvailable(t) {
		w.mu.Unlock()
		return w.reject(ErrSlotUnavailable)
	}
	w.draft.Time = t
	w.mu.Unlock()
	return nil
}

// SetReason sets the free-text reason for the visit.
func (w *Workflow) SetReason(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitting {
		return ErrSubmitInProgress
	}
	w.draft.Reason = strings.TrimSpace(reason)
	return nil
}

// refreshSlots replaces the slot list with a fresh lookup for the draft's
// current doctor and date. A result is committed only if no newer lookup
// was issued and the draft still points at the same doctor and date.
func (w *Workflow) refreshSlots(ctx context.Context) error {
	w.mu.Lock()
	w.invalidateSlots()
	gen := w.slotGen
	key := w.draft.slotKey()
	w.mu.Unlock()

	if !key.complete() {
		return nil
	}

	times, err := w.availableTimes(ctx, key)

	w.mu.Lock()
	if gen != w.slotGen || key != w.draft.slotKey() {
		w.mu.Unlock()
		w.logger.Debug().
			Int64("doctor_id", key.doctorID).
			Str("date", key.date).
			Msg("discarding stale slot result")
		return ErrStaleResult
	}

	if err != nil {
		w.mu.Unlock()
		w.fail(err, "Could not load available times", "Available times could not be loaded. Pick another date or try again.")
		return fmt.Errorf("load slots for doctor %d on %s: %w", key.doctorID, key.date, err)
	}

	slots := make([]TimeSlot, 0, len(times))
	for _, t := range times {
		slots = append(slots, TimeSlot{Date: key.date, Time: t, Available: true})
	}
	w.slots = slots
	w.slotsKey = key

	var dropped string
	if w.draft.Time != "" && !w.slotAvailable(w.draft.Time) {
		dropped = w.draft.Time
		w.draft.Time = ""
	}
	w.mu.Unlock()

	if dropped != "" {
		w.notifier.Info("Time no longer available",
			fmt.Sprintf("%s on %s is not available. Pick another time.", dropped, key.date))
	}
	w.logger.Debug().
		Int64("doctor_id", key.doctorID).
		Str("date", key.date).
		Int("slots", len(slots)).
		Msg("slots loaded")
	return nil
}

func (w *Workflow) availableTimes(ctx context.Context, key slotKey) ([]string, error) {
	if lister, ok := w.client.(RescheduleSlotLister); ok && w.mode == ModeReschedule {
		return lister.AvailableTimesFor(ctx, w.appointmentID, key.doctorID, key.date)
	}
	return w.client.AvailableTimes(ctx, key.doctorID, key.date)
}

// invalidateSlots drops the slot list and makes any in-flight lookup stale.
// Caller holds w.mu.
func (w *Workflow) invalidateSlots() {
	w.slots = nil
	w.slotsKey = slotKey{}
	w.slotGen++
}

// slotAvailable reports whether t is an available slot for the draft's
// current doctor and date. Caller holds w.mu.
func (w *Workflow) slotAvailable(t string) bool {
	if t == "" || w.slotsKey != w.draft.slotKey() {
		return false
	}
	for _, s := range w.slots {
		if s.Available && s.Time == t {
			return true
		}
	}
	return false
}

// Next advances one step if the current step is complete.
func (w *Workflow) Next() (Step, error) {
	w.mu.Lock()
	step := w.step
	err := w.validateStep()
	if err == nil && step < StepConfirm {
		w.step++
		step = w.step
	}
	w.mu.Unlock()

	if err != nil {
		return step, w.reject(err)
	}
	return step, nil
}

// validateStep checks the draft against the current step. Caller holds w.mu.
func (w *Workflow) validateStep() error {
	if w.submitting {
		return ErrSubmitInProgress
	}
	switch w.step {
	case StepSpecialty:
		if w.draft.SpecialtyName == "" {
			return ErrSpecialtyRequired
		}
		if !w.doctorsLoaded {
			return ErrDoctorsNotLoaded
		}
	case StepSlot, StepConfirm:
		if w.draft.DoctorID == 0 {
			return ErrDoctorRequired
		}
		if w.draft.Date == "" {
			return ErrDateRequired
		}
		if w.draft.Time == "" {
			return ErrTimeRequired
		}
		if !w.slotAvailable(w.draft.Time) {
			return ErrSlotUnavailable
		}
	}
	return nil
}

// Back returns to the previous step. It is a no-op at the first step and
// while a submission is in flight.
func (w *Workflow) Back() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step > StepSpecialty && !w.submitting {
		w.step--
	}
	return w.step
}

// Submit sends the draft. In new mode a success resets the workflow for
// another booking; in reschedule mode it marks the workflow done. A failure
// keeps the draft and the confirmation step untouched.
func (w *Workflow) Submit(ctx context.Context) (*Appointment, error) {
	w.mu.Lock()
	if w.step != StepConfirm {
		w.mu.Unlock()
		return nil, w.reject(ErrWrongStep)
	}
	if w.done {
		w.mu.Unlock()
		return nil, w.reject(ErrAlreadyRescheduled)
	}
	if err := w.validateStep(); err != nil {
		w.mu.Unlock()
		return nil, w.reject(err)
	}
	w.submitting = true
	draft := w.draft
	w.mu.Unlock()

	var (
		appt *Appointment
		err  error
	)
	if w.mode == ModeReschedule {
		appt, err = w.client.RescheduleAppointment(ctx, w.appointmentID, RescheduleRequest{
			DoctorID: draft.DoctorID,
			Date:     draft.Date,
			Time:     draft.Time,
			Reason:   draft.Reason,
		})
	} else {
		appt, err = w.client.CreateAppointment(ctx, CreateRequest{
			DoctorID: draft.DoctorID,
			Date:     draft.Date,
			Time:     draft.Time,
			Reason:   draft.Reason,
		})
	}

	w.mu.Lock()
	w.submitting = false
	if err != nil {
		w.mu.Unlock()
		w.fail(err, "Could not save the appointment", "The appointment could not be saved. Your selection was kept; try again.")
		return nil, fmt.Errorf("submit %s booking: %w", w.mode, err)
	}

	w.lastErr = nil
	if w.mode == ModeReschedule {
		w.done = true
	} else {
		w.draft = Draft{}
		w.step = StepSpecialty
		w.invalidateSlots()
	}
	w.mu.Unlock()

	if w.mode == ModeReschedule {
		w.notifier.Success("Appointment rescheduled",
			fmt.Sprintf("Moved to %s at %s.", draft.Date, draft.Time))
	} else {
		w.notifier.Success("Appointment booked",
			fmt.Sprintf("Booked for %s at %s.", draft.Date, draft.Time))
	}
	w.logger.Info().
		Int64("doctor_id", draft.DoctorID).
		Str("date", draft.Date).
		Str("time", draft.Time).
		Msg("booking submitted")
	return appt, nil
}

// reject reports a validation error to the user and returns it.
func (w *Workflow) reject(err error) error {
	w.notifier.Warn("Check your selection", err.Error())
	return err
}

// fail reports a backend error. The backend message is shown when present.
func (w *Workflow) fail(err error, summary, fallback string) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	w.logger.Error().Err(err).Msg(summary)
	w.notifier.Error(summary, UserMessage(err, fallback))
}

// doctorByID looks up a loaded doctor. Caller holds w.mu.
func (w *Workflow) doctorByID(id int64) (Doctor, bool) {
	for _, d := range w.doctors {
		if d.ID == id {
			return d, true
		}
	}
	return Doctor{}, false
}

// UserMessage returns the backend-provided message carried by err, or
// fallback when there is none.
func UserMessage(err error, fallback string) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}

// Accessors.

func (w *Workflow) Mode() Mode { return w.mode }

// AppointmentID is the appointment being rescheduled, or 0.
func (w *Workflow) AppointmentID() int64 { return w.appointmentID }

func (w *Workflow) State() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

func (w *Workflow) Draft() Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// Doctors returns the doctors visible for the selected specialty, or all
// loaded doctors when none is selected.
func (w *Workflow) Doctors() []Doctor {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.draft.SpecialtyName == "" {
		return append([]Doctor(nil), w.doctors...)
	}
	var out []Doctor
	for _, d := range w.doctors {
		if d.SpecialtyName == w.draft.SpecialtyName {
			out = append(out, d)
		}
	}
	return out
}

// Slots returns the slot list for the draft's current doctor and date.
func (w *Workflow) Slots() []TimeSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]TimeSlot(nil), w.slots...)
}

// DoctorName returns the selected doctor's name, or "" if none.
func (w *Workflow) DoctorName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d, ok := w.doctorByID(w.draft.DoctorID); ok {
		return d.FullName
	}
	return ""
}

// DoctorsLoaded reports whether the last doctor fetch succeeded.
func (w *Workflow) DoctorsLoaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doctorsLoaded
}

// Done reports whether a reschedule was submitted successfully.
func (w *Workflow) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// LastError is the most recent backend error, cleared on success.
func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
