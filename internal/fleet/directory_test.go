package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

func seed(t *testing.T, dir Directory, id, zoneID string, pos models.Coord, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := dir.UpsertProfile(ctx, models.Driver{ID: id, VehicleClass: models.ClassSedan, Online: true, Available: true}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if _, err := dir.UpdateLocation(ctx, id, pos, at, zoneID); err != nil {
		t.Fatalf("locate %s: %v", id, err)
	}
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	dir := NewMemoryDirectory()
	seed(t, dir, "d1", "z1", models.Coord{Lat: 1, Lng: 1}, time.Now())

	const workers = 20
	var wins int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := dir.Claim(context.Background(), "d1", fmt.Sprintf("ride-%d", i))
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrDriverClaimed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}
}

func TestMemoryReleaseOnlyMatchingRide(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	seed(t, dir, "d1", "z1", models.Coord{Lat: 1, Lng: 1}, time.Now())

	if err := dir.Claim(ctx, "d1", "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := dir.Release(ctx, "d1", "r2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := dir.Get(ctx, "d1"); d.ActiveRideID != "r1" {
		t.Fatalf("release of another ride cleared the claim: %+v", d)
	}
	if err := dir.Release(ctx, "d1", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := dir.Get(ctx, "d1"); d.ActiveRideID != "" {
		t.Fatalf("claim not cleared: %+v", d)
	}
	if err := dir.Claim(ctx, "ghost", "r1"); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
}

func TestMemoryUpdateLocationIgnoresOlderReports(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	now := time.Now()
	seed(t, dir, "d1", "z1", models.Coord{Lat: 1, Lng: 1}, now)

	applied, err := dir.UpdateLocation(ctx, "d1", models.Coord{Lat: 2, Lng: 2}, now.Add(-time.Minute), "z2")
	if err != nil || applied {
		t.Fatalf("expected stale report to be ignored, applied=%v err=%v", applied, err)
	}
	d, _ := dir.Get(ctx, "d1")
	if d.ZoneID != "z1" || d.Position.Lat != 1 {
		t.Fatalf("stale report changed state: %+v", d)
	}
	if _, err := dir.UpdateLocation(ctx, "ghost", models.Coord{}, now, ""); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
}

func TestMemoryZoneAndStaleSweeps(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	now := time.Now()
	seed(t, dir, "a", "z1", models.Coord{Lat: 1, Lng: 1}, now.Add(-2*time.Hour))
	seed(t, dir, "b", "z1", models.Coord{Lat: 1, Lng: 1}, now)
	seed(t, dir, "c", "z2", models.Coord{Lat: 1, Lng: 1}, now)

	inZone, _ := dir.InZone(ctx, "z1")
	if len(inZone) != 2 || inZone[0].ID != "a" || inZone[1].ID != "b" {
		t.Fatalf("unexpected drivers in z1: %+v", inZone)
	}

	n, _ := dir.MarkZoneUnavailable(ctx, "z1")
	if n != 2 {
		t.Fatalf("expected 2 drivers marked unavailable, got %d", n)
	}
	if c, _ := dir.Get(ctx, "c"); !c.Available {
		t.Fatal("driver of another zone was touched")
	}

	n, _ = dir.MarkStaleOffline(ctx, now.Add(-time.Hour))
	if n != 1 {
		t.Fatalf("expected 1 stale driver, got %d", n)
	}
	if a, _ := dir.Get(ctx, "a"); a.Online {
		t.Fatal("stale driver still online")
	}
}
