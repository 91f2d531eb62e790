// Package alert raises invariant violations to an operator.
package alert

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Alert describes one invariant violation.
type Alert struct {
	Op          string
	Round       uint64
	Participant string
	Err         error
}

// Alerter receives invariant violations. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// ---------------------------------------------------------------------------
// Sentry
// ---------------------------------------------------------------------------

// Sentry reports alerts as fatal exceptions on a dedicated Sentry hub.
type Sentry struct {
	hub *sentry.Hub
}

// Compile-time interface check.
var _ Alerter = (*Sentry)(nil)

// NewSentry creates a Sentry alerter for dsn. An empty dsn yields a client
// that drops every event.
func NewSentry(dsn, environment, release string) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSentryInit, err)
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Alert captures a.Err tagged with the operation and round.
func (s *Sentry) Alert(_ context.Context, a Alert) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("op", a.Op)
		scope.SetTag("round", strconv.FormatUint(a.Round, 10))
		if a.Participant != "" {
			scope.SetTag("participant", a.Participant)
		}
		s.hub.CaptureException(a.Err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// ---------------------------------------------------------------------------
// Nop and Recorder
// ---------------------------------------------------------------------------

// Nop discards alerts.
type Nop struct{}

// Alert does nothing.
func (Nop) Alert(context.Context, Alert) {}

// Recorder keeps every alert in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Compile-time interface check.
var _ Alerter = (*Recorder)(nil)

// Alert records a.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
