// Package notify announces engine events (approval requests, task outcomes,
// budget suspensions) to operators over chat platforms.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Event is a notification formatted for display in chat.
type Event struct {
	Kind     string  // e.g. "approval_requested"
	Title    string  // headline
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed with an event.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Log *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, evt Event) error {
	attrs := []any{"kind", evt.Kind, "severity", evt.Severity}
	for _, f := range evt.Fields {
		attrs = append(attrs, f.Name, f.Value)
	}
	l.Log.Info(evt.Title, attrs...)
	return nil
}

// Recorder keeps every event it receives. Used in tests and as a null sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned from every Notify call when set
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.Err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns recorded events of one kind.
func (r *Recorder) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
