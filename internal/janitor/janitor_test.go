package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type offlinerFake struct {
	cutoff time.Time
	n      int
	err    error
}

func (f *offlinerFake) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

type prunerFake struct{ retention time.Duration }

func (p *prunerFake) PruneRuns(retention time.Duration) int {
	p.retention = retention
	return 1
}

func TestMarkStaleDriversCutoff(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &offlinerFake{n: 3}
	run := MarkStaleDrivers(f, time.Hour, func() time.Time { return now }, nil)
	if err := run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.cutoff.Equal(now.Add(-time.Hour)) {
		t.Fatalf("cutoff = %v", f.cutoff)
	}

	f.err = errors.New("redis down")
	if err := run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPruneRunsPassesRetention(t *testing.T) {
	p := &prunerFake{}
	if err := PruneRuns(p, 30*time.Minute)(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.retention != 30*time.Minute {
		t.Fatalf("retention = %v", p.retention)
	}
}

func TestJanitorRunsTasksUntilCancelled(t *testing.T) {
	var calls, failures atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{Tasks: []Task{
		{Name: "count", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return nil
		}},
		{Name: "fail", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			failures.Add(1)
			return errors.New("boom")
		}},
	}}

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 runs, got %d", calls.Load())
	}
	if failures.Load() == 0 {
		t.Fatal("failing task should keep being scheduled")
	}
}
