package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/logging"
	"github.com/example/zone-dispatch/internal/models"
)

// fakeReporter fails the first fail calls with err.
type fakeReporter struct {
	fail  int
	err   error
	calls int
	got   []models.LocationUpdate
}

func (f *fakeReporter) Report(ctx context.Context, u models.LocationUpdate) (string, error) {
	f.calls++
	if f.calls <= f.fail {
		return "", f.err
	}
	f.got = append(f.got, u)
	return "z1", nil
}

func TestReportWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeReporter{fail: 2, err: errors.New("redis timeout")}
	u := models.LocationUpdate{DriverID: "d1", Lat: 1, Lng: 2}
	start := time.Now()
	if err := reportWithRetry(context.Background(), f, u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestReportWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeReporter{fail: 5, err: errors.New("redis down")}
	if err := reportWithRetry(context.Background(), f, models.LocationUpdate{DriverID: "d1"}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestReportWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	f := &fakeReporter{fail: 5, err: fmt.Errorf("update: %w", fleet.ErrDriverNotFound)}
	err := reportWithRetry(context.Background(), f, models.LocationUpdate{DriverID: "ghost"}, 3, time.Millisecond)
	if !errors.Is(err, fleet.ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

// sliceReader serves queued messages, then cancels the context.
type sliceReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsBadMessages(t *testing.T) {
	good, _ := json.Marshal(models.LocationUpdate{DriverID: "d1", Lat: 12.9, Lng: 77.6, At: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())
	r := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("{not json")},
		{Value: good},
	}}
	f := &fakeReporter{}

	done := make(chan struct{})
	go func() {
		consume(ctx, r, f, 3, time.Millisecond, logging.Discard())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after cancel")
	}
	if len(f.got) != 1 || f.got[0].DriverID != "d1" {
		t.Fatalf("expected the valid update to be reported, got %+v", f.got)
	}
}
