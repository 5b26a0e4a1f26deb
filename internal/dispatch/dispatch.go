package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/observability"
)

// Publisher hands a ride change event to one delivery channel.
type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Sink names a Publisher for metrics and errors.
type Sink struct {
	Name string
	Publisher
}

// Fanout delivers every event to all sinks. One sink failing does not stop
// the others; the joined error reports every failure.
type Fanout struct {
	Sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Publisher != nil {
			out = append(out, s)
		}
	}
	return &Fanout{Sinks: out}
}

func (f *Fanout) Publish(ctx context.Context, ev models.RideEvent) error {
	var errs []error
	for _, s := range f.Sinks {
		if err := s.Publish(ctx, ev); err != nil {
			observability.EventsPublished.WithLabelValues(s.Name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		observability.EventsPublished.WithLabelValues(s.Name, "ok").Inc()
	}
	return errors.Join(errs...)
}
