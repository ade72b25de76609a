package surcharge

import (
	"math"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/zones"
)

const (
	DefaultPerKmRate = 10.0
	DefaultMinimum   = 25.0
)

// Calculator prices a cross-zone assignment from the distance between the
// two zone centers.
type Calculator struct {
	PerKmRate float64
	Minimum   float64
}

func New(perKm, minimum float64) Calculator {
	if perKm <= 0 {
		perKm = DefaultPerKmRate
	}
	if minimum < 0 {
		minimum = DefaultMinimum
	}
	return Calculator{PerKmRate: perKm, Minimum: minimum}
}

func (c Calculator) Compute(pickupZone, driverZone models.Zone) float64 {
	d := geo.HaversineKm(zones.Center(pickupZone), zones.Center(driverZone))
	return math.Max(Round2(d*c.PerKmRate), c.Minimum)
}

// Round2 rounds to cents, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
