// Package sink contains the delivery channels the dispatcher hands jobs to:
// SMTP email and Discord webhooks. Sinks classify their failures as
// permanent (never retry) or transient (retry budget applies).
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"warwatch/internal/storage"
)

// Sink delivers one notification job to an external channel.
//
// A nil return means delivered. A *PermanentError means the job can never
// succeed (malformed recipient, dead webhook); any other error is treated
// as transient and consumes retry budget.
type Sink interface {
	Send(ctx context.Context, job storage.NotificationJob) error
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps a job kind to its sink. It is built once at startup;
// an unmapped kind at build time is a configuration error.
type Registry struct {
	sinks map[string]Sink
}

func NewRegistry(sinks map[string]Sink) (*Registry, error) {
	if len(sinks) == 0 {
		return nil, errors.New("sink registry is empty")
	}
	for kind, s := range sinks {
		if s == nil {
			return nil, fmt.Errorf("sink registry: kind %q has no sink", kind)
		}
	}
	return &Registry{sinks: sinks}, nil
}

func (r *Registry) Resolve(kind string) (Sink, bool) {
	s, ok := r.sinks[kind]
	return s, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.sinks))
	for k := range r.sinks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
