package locator

import (
	"context"
	"sort"
	"time"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/zones"
)

const DefaultStaleness = 120 * time.Second

// Drivers is the read side of the fleet directory.
type Drivers interface {
	Get(ctx context.Context, driverID string) (models.Driver, error)
	InZone(ctx context.Context, zoneID string) ([]models.Driver, error)
}

// RadiusSearcher is implemented by directories with a spatial index.
type RadiusSearcher interface {
	NearbyInZone(ctx context.Context, zoneID string, p models.Coord, radiusKm float64) ([]models.Driver, error)
}

type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

// Locator answers which drivers may take a ride right now. It never mutates state.
type Locator struct {
	Drivers   Drivers
	Staleness time.Duration
}

func (l *Locator) staleness() time.Duration {
	if l.Staleness > 0 {
		return l.Staleness
	}
	return DefaultStaleness
}

// Eligible applies every filter except distance.
func (l *Locator) Eligible(d models.Driver, zone models.Zone, class models.VehicleClass, now time.Time) bool {
	age := now.Sub(d.PositionAt)
	return d.Online &&
		d.Available &&
		d.VehicleClass == class &&
		d.Position != nil &&
		age >= 0 && age <= l.staleness() &&
		d.ActiveRideID == "" &&
		d.ZoneID == zone.ID
}

// EligibleInRing returns eligible drivers of zone within ring n of pickup,
// nearest first with ties broken by driver id.
func (l *Locator) EligibleInRing(ctx context.Context, zone models.Zone, ring int, pickup models.Coord, class models.VehicleClass, now time.Time) ([]Candidate, error) {
	radius, err := zones.RingRadius(zone, ring)
	if err != nil {
		return nil, err
	}
	var drivers []models.Driver
	if rs, ok := l.Drivers.(RadiusSearcher); ok {
		drivers, err = rs.NearbyInZone(ctx, zone.ID, pickup, radius)
	} else {
		drivers, err = l.Drivers.InZone(ctx, zone.ID)
	}
	if err != nil {
		return nil, err
	}
	return l.filter(drivers, zone, pickup, class, now, radius), nil
}

// EligibleInZone is EligibleInRing without the radius bound.
func (l *Locator) EligibleInZone(ctx context.Context, zone models.Zone, pickup models.Coord, class models.VehicleClass, now time.Time) ([]Candidate, error) {
	drivers, err := l.Drivers.InZone(ctx, zone.ID)
	if err != nil {
		return nil, err
	}
	return l.filter(drivers, zone, pickup, class, now, -1), nil
}

// Check re-validates a single driver, used before finalizing an approved offer.
func (l *Locator) Check(ctx context.Context, driverID string, zone models.Zone, pickup models.Coord, class models.VehicleClass, now time.Time) (Candidate, bool, error) {
	d, err := l.Drivers.Get(ctx, driverID)
	if err != nil {
		return Candidate{}, false, err
	}
	if !l.Eligible(d, zone, class, now) {
		return Candidate{}, false, nil
	}
	return Candidate{Driver: d, DistanceKm: geo.HaversineKm(pickup, *d.Position)}, true, nil
}

// radiusKm < 0 disables the distance bound
func (l *Locator) filter(drivers []models.Driver, zone models.Zone, pickup models.Coord, class models.VehicleClass, now time.Time, radiusKm float64) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !l.Eligible(d, zone, class, now) {
			continue
		}
		dist := geo.HaversineKm(pickup, *d.Position)
		if radiusKm >= 0 && dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}
