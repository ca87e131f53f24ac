// Package timing measures the phases of a power task.
package timing

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks durations of named phases.
type Timer struct {
	log   logrus.FieldLogger
	start time.Time

	mu     sync.Mutex
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a Timer starting from now. Each Mark is logged at debug level
// on log; a nil log disables logging.
func New(log logrus.FieldLogger) *Timer {
	now := time.Now()
	return &Timer{log: log, start: now, last: now}
}

// Mark records a named phase ending now.
// Duration is time since the last mark (or since start if first mark).
func (t *Timer) Mark(name string) {
	t.mu.Lock()
	now := time.Now()
	p := Phase{Name: name, Duration: now.Sub(t.last)}
	t.last = now
	t.phases = append(t.phases, p)
	t.mu.Unlock()

	if t.log != nil {
		t.log.WithFields(logrus.Fields{
			"phase":    p.Name,
			"duration": FormatDuration(p.Duration),
		}).Debug("phase complete")
	}
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Report logs a summary of every phase at info level.
func (t *Timer) Report(msg string) {
	if t.log == nil {
		return
	}
	fields := logrus.Fields{"total": FormatDuration(t.Total())}
	for _, p := range t.Phases() {
		fields["phase_"+p.Name] = FormatDuration(p.Duration)
	}
	t.log.WithFields(fields).Info(msg)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
