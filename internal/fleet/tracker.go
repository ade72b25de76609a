package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/observability"
)

var ErrInvalidCoord = errors.New("invalid coordinate")

// ZoneLocator resolves a point to its containing zone.
type ZoneLocator interface {
	ContainingZone(p models.Coord) (models.Zone, bool)
}

// Tracker applies location reports: it derives the zone and stores the
// position, timestamp and zone together.
type Tracker struct {
	Drivers Directory
	Zones   ZoneLocator
	Logger  *slog.Logger
	Now     func() time.Time
}

// Report stores one location update and returns the zone the driver is now
// attributed to ("" when outside every active zone).
func (t *Tracker) Report(ctx context.Context, u models.LocationUpdate) (string, error) {
	pos := models.Coord{Lat: u.Lat, Lng: u.Lng}
	if u.DriverID == "" {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: missing driver id", ErrInvalidCoord)
	}
	if !geo.ValidCoord(pos) {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: %.6f,%.6f", ErrInvalidCoord, u.Lat, u.Lng)
	}
	// client clocks may run ahead; a position is never newer than now
	now := t.now()
	at := u.At
	if at.IsZero() || at.After(now) {
		at = now
	}
	zoneID := ""
	if z, ok := t.Zones.ContainingZone(pos); ok {
		zoneID = z.ID
	}
	applied, err := t.Drivers.UpdateLocation(ctx, u.DriverID, pos, at, zoneID)
	if err != nil {
		if errors.Is(err, ErrDriverNotFound) {
			observability.LocationUpdatesTotal.WithLabelValues("unknown_driver").Inc()
		} else {
			observability.LocationUpdatesTotal.WithLabelValues("error").Inc()
		}
		return "", fmt.Errorf("update location of %s: %w", u.DriverID, err)
	}
	if !applied {
		observability.LocationUpdatesTotal.WithLabelValues("stale").Inc()
		t.logger().Debug("location_out_of_order", "driver_id", u.DriverID, "at", at)
		return zoneID, nil
	}
	observability.LocationUpdatesTotal.WithLabelValues("applied").Inc()
	return zoneID, nil
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
