package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/observability"
)

// Publisher delivers a dispatch event to one outbound channel.
type Publisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

type Sink struct {
	Name string
	Publisher
}

// Fanout hands every event to each sink in order. A failing sink is logged
// and counted; the others still receive the event.
type Fanout struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{Sinks: sinks, Logger: logger}
}

func (f *Fanout) Add(name string, p Publisher) {
	f.Sinks = append(f.Sinks, Sink{Name: name, Publisher: p})
}

func (f *Fanout) Publish(ctx context.Context, ev models.DispatchEvent) error {
	var errs []error
	for _, s := range f.Sinks {
		if err := s.Publish(ctx, ev); err != nil {
			observability.EventPublishErrorsTotal.WithLabelValues(s.Name).Inc()
			if f.Logger != nil {
				f.Logger.Warn("event_sink_failed", "sink", s.Name, "ride_id", ev.RideID, "type", ev.Type, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// driverOf returns the driver an event is addressed to, if any.
func driverOf(ev models.DispatchEvent) string {
	if ev.Assigned != nil {
		return ev.Assigned.DriverID
	}
	return ""
}
