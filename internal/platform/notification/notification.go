// Package notification provides the user-visible notification sink used by
// the portal: guards report access denials through it and the booking
// workflow reports validation, backend and success messages.
package notification

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity is the toast level of a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
)

// Notification is a single user-visible message.
type Notification struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is the sink for user-visible messages. Implementations must not
// block the caller on user interaction.
type Notifier interface {
	Success(summary, detail string)
	Info(summary, detail string)
	Warn(summary, detail string)
	Error(summary, detail string)
}

func newNotification(sev Severity, summary, detail string) Notification {
	return Notification{
		ID:        uuid.New().String(),
		Severity:  sev,
		Summary:   summary,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// LogNotifier
// ---------------------------------------------------------------------------

// LogNotifier writes notifications as structured log events.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notification").Logger()}
}

func (n *LogNotifier) emit(evt *zerolog.Event, sev Severity, summary, detail string) {
	evt.Str("severity", string(sev)).Str("detail", detail).Msg(summary)
}

func (n *LogNotifier) Success(summary, detail string) {
	n.emit(n.logger.Info(), SeveritySuccess, summary, detail)
}

func (n *LogNotifier) Info(summary, detail string) {
	n.emit(n.logger.Info(), SeverityInfo, summary, detail)
}

func (n *LogNotifier) Warn(summary, detail string) {
	n.emit(n.logger.Warn(), SeverityWarn, summary, detail)
}

func (n *LogNotifier) Error(summary, detail string) {
	n.emit(n.logger.Error(), SeverityError, summary, detail)
}

// ---------------------------------------------------------------------------
// ConsoleNotifier
// ---------------------------------------------------------------------------

// ConsoleNotifier prints notifications as single lines, e.g. for the CLI.
type ConsoleNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleNotifier creates a ConsoleNotifier writing to out.
func NewConsoleNotifier(out io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{out: out}
}

func (n *ConsoleNotifier) print(sev Severity, summary, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if detail == "" {
		fmt.Fprintf(n.out, "[%s] %s\n", sev, summary)
		return
	}
	fmt.Fprintf(n.out, "[%s] %s: %s\n", sev, summary, detail)
}

func (n *ConsoleNotifier) Success(summary, detail string) { n.print(SeveritySuccess, summary, detail) }
func (n *ConsoleNotifier) Info(summary, detail string)    { n.print(SeverityInfo, summary, detail) }
func (n *ConsoleNotifier) Warn(summary, detail string)    { n.print(SeverityWarn, summary, detail) }
func (n *ConsoleNotifier) Error(summary, detail string)   { n.print(SeverityError, summary, detail) }

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder keeps every notification in memory. It is used by tests and by
// callers that render notifications themselves.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(sev Severity, summary, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, newNotification(sev, summary, detail))
}

func (r *Recorder) Success(summary, detail string) { r.add(SeveritySuccess, summary, detail) }
func (r *Recorder) Info(summary, detail string)    { r.add(SeverityInfo, summary, detail) }
func (r *Recorder) Warn(summary, detail string)    { r.add(SeverityWarn, summary, detail) }
func (r *Recorder) Error(summary, detail string)   { r.add(SeverityError, summary, detail) }

// All returns a copy of the recorded notifications in arrival order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// BySeverity returns the recorded notifications with the given severity.
func (r *Recorder) BySeverity(sev Severity) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Severity == sev {
			out = append(out, n)
		}
	}
	return out
}

// Last returns the most recent notification and false when none exist.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}

// Clear drops all recorded notifications.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

type multi []Notifier

// Multi returns a Notifier that forwards to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	var m multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

func (m multi) Success(summary, detail string) {
	for _, n := range m {
		n.Success(summary, detail)
	}
}

func (m multi) Info(summary, detail string) {
	for _, n := range m {
		n.Info(summary, detail)
	}
}

func (m multi) Warn(summary, detail string) {
	for _, n := range m {
		n.Warn(summary, detail)
	}
}

func (m multi) Error(summary, detail string) {
	for _, n := range m {
		n.Error(summary, detail)
	}
}

// Discard is a Notifier that drops everything.
var Discard Notifier = multi(nil)
