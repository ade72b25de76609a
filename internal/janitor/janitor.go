package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/zone-dispatch/internal/observability"
)

// Task is one periodic housekeeping job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Janitor runs each task on its own ticker until the context ends.
type Janitor struct {
	Tasks  []Task
	Logger *slog.Logger
}

func (j *Janitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range j.Tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			j.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx, t)
		}
	}
}

// RunOnce executes t a single time and records the result.
func (j *Janitor) RunOnce(ctx context.Context, t Task) {
	if err := t.Run(ctx); err != nil {
		observability.JanitorRunsTotal.WithLabelValues(t.Name, "error").Inc()
		j.logger().Error("janitor_task_failed", "task", t.Name, "error", err)
		return
	}
	observability.JanitorRunsTotal.WithLabelValues(t.Name, "ok").Inc()
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

type offliner interface {
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error)
}

// MarkStaleDrivers takes drivers offline after maxSilence without a ping.
func MarkStaleDrivers(drivers offliner, maxSilence time.Duration, now func() time.Time, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := drivers.MarkStaleOffline(ctx, now().Add(-maxSilence))
		if err != nil {
			return err
		}
		if n > 0 {
			observability.DriversMarkedOfflineTotal.Add(float64(n))
			if logger != nil {
				logger.Info("drivers_marked_offline", "count", n)
			}
		}
		return nil
	}
}

type pruner interface {
	PruneRuns(retention time.Duration) int
}

// PruneRuns drops dispatch runs that finished, or began waiting on the rider,
// more than retention ago.
func PruneRuns(p pruner, retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		p.PruneRuns(retention)
		return nil
	}
}

type loader interface {
	Load(ctx context.Context) error
}

// ReloadZones re-reads zone definitions so edits made elsewhere take effect.
func ReloadZones(l loader) func(context.Context) error {
	return l.Load
}
