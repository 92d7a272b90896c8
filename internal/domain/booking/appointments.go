package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/portal/internal/platform/notification"
)

// FindAppointment returns the appointment with id.
func FindAppointment(appts []Appointment, id int64) (Appointment, bool) {
	for _, a := range appts {
		if a.ID == id {
			return a, true
		}
	}
	return Appointment{}, false
}

// FilterByStatus returns the appointments in status. An empty status
// returns all of them.
func FilterByStatus(appts []Appointment, status Status) []Appointment {
	if status == "" {
		return append([]Appointment(nil), appts...)
	}
	status = NormalizeStatus(string(status))

	var out []Appointment
	for _, a := range appts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

// CountByStatus tallies appointments per status.
func CountByStatus(appts []Appointment) map[Status]int {
	counts := make(map[Status]int)
	for _, a := range appts {
		counts[a.Status]++
	}
	return counts
}

// NextUpcoming returns the earliest appointment after now that is neither
// cancelled nor completed.
func NextUpcoming(appts []Appointment, now time.Time) (Appointment, bool) {
	type dated struct {
		appt Appointment
		at   time.Time
	}

	var upcoming []dated
	for _, a := range appts {
		if a.Status == StatusCancelled || a.Status == StatusCompleted {
			continue
		}
		at, err := a.When()
		if err != nil || !at.After(now) {
			continue
		}
		upcoming = append(upcoming, dated{appt: a, at: at})
	}
	if len(upcoming) == 0 {
		return Appointment{}, false
	}

	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].at.Before(upcoming[j].at) })
	return upcoming[0].appt, true
}

// AppointmentCanceller cancels an appointment and returns the backend's
// confirmation message.
type AppointmentCanceller interface {
	CancelAppointment(ctx context.Context, id int64) (string, error)
}

// Canceller cancels appointments and reports the outcome to the user.
type Canceller struct {
	client   AppointmentCanceller
	notifier notification.Notifier
	logger   zerolog.Logger
}

// NewCanceller creates a Canceller.
func NewCanceller(client AppointmentCanceller, notifier notification.Notifier, logger zerolog.Logger) *Canceller {
	if notifier == nil {
		notifier = notification.Discard
	}
	return &Canceller{
		client:   client,
		notifier: notifier,
		logger:   logger.With().Str("component", "booking").Logger(),
	}
}

// Cancel cancels appointment id.
func (c *Canceller) Cancel(ctx context.Context, id int64) (string, error) {
	msg, err := c.client.CancelAppointment(ctx, id)
	if err != nil {
		c.logger.Error().Err(err).Int64("appointment_id", id).Msg("cancel failed")
		c.notifier.Error("Could not cancel the appointment",
			UserMessage(err, "The appointment could not be cancelled. Try again."))
		return "", fmt.Errorf("cancel appointment %d: %w", id, err)
	}

	if msg == "" {
		msg = fmt.Sprintf("Appointment %d cancelled.", id)
	}
	c.logger.Info().Int64("appointment_id", id).Msg("appointment cancelled")
	c.notifier.Success("Appointment cancelled", msg)
	return msg, nil
}
