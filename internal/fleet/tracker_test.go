package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

type boxZones struct{}

// zone "north" covers lat > 0, "south" covers lat < 0; the equator belongs to nobody
func (boxZones) ContainingZone(p models.Coord) (models.Zone, bool) {
	switch {
	case p.Lat > 0:
		return models.Zone{ID: "north"}, true
	case p.Lat < 0:
		return models.Zone{ID: "south"}, true
	}
	return models.Zone{}, false
}

func TestTrackerRecomputesZone(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	if err := dir.UpsertProfile(ctx, models.Driver{ID: "d1", VehicleClass: models.ClassSUV, Online: true, Available: true}); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	tr := &Tracker{Drivers: dir, Zones: boxZones{}, Now: func() time.Time { return now }}

	steps := []struct {
		lat  float64
		want string
	}{
		{10, "north"},
		{-10, "south"},
		{0, ""},
	}
	for i, st := range steps {
		now = now.Add(time.Second)
		zone, err := tr.Report(ctx, models.LocationUpdate{DriverID: "d1", Lat: st.lat, Lng: 5})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if zone != st.want {
			t.Fatalf("step %d: zone %q, want %q", i, zone, st.want)
		}
		d, _ := dir.Get(ctx, "d1")
		if d.ZoneID != st.want || !d.PositionAt.Equal(now) {
			t.Fatalf("step %d: stored %+v", i, d)
		}
	}
}

func TestTrackerClampsFutureTimestamps(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	if err := dir.UpsertProfile(ctx, models.Driver{ID: "d1", VehicleClass: models.ClassSedan, Online: true, Available: true}); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	tr := &Tracker{Drivers: dir, Zones: boxZones{}, Now: func() time.Time { return now }}

	if _, err := tr.Report(ctx, models.LocationUpdate{DriverID: "d1", Lat: 10, Lng: 5, At: now.Add(24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	d, _ := dir.Get(ctx, "d1")
	if !d.PositionAt.Equal(now) {
		t.Fatalf("future timestamp stored as %v, want %v", d.PositionAt, now)
	}

	now = now.Add(30 * time.Second)
	if _, err := tr.Report(ctx, models.LocationUpdate{DriverID: "d1", Lat: -10, Lng: 5, At: now}); err != nil {
		t.Fatal(err)
	}
	d, _ = dir.Get(ctx, "d1")
	if !d.PositionAt.Equal(now) || d.ZoneID != "south" || d.Position == nil || d.Position.Lat != -10 {
		t.Fatalf("current ping dropped after a future one: %+v", d)
	}
}

func TestTrackerRejectsInvalidInput(t *testing.T) {
	tr := &Tracker{Drivers: NewMemoryDirectory(), Zones: boxZones{}}
	ctx := context.Background()
	if _, err := tr.Report(ctx, models.LocationUpdate{DriverID: "d1", Lat: 100, Lng: 0}); !errors.Is(err, ErrInvalidCoord) {
		t.Fatalf("expected ErrInvalidCoord, got %v", err)
	}
	if _, err := tr.Report(ctx, models.LocationUpdate{Lat: 1, Lng: 1}); !errors.Is(err, ErrInvalidCoord) {
		t.Fatalf("expected ErrInvalidCoord for missing id, got %v", err)
	}
	if _, err := tr.Report(ctx, models.LocationUpdate{DriverID: "ghost", Lat: 1, Lng: 1}); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
}
