package zones

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/models"
)

var (
	ErrInvalidZone    = errors.New("invalid zone")
	ErrRingOutOfRange = errors.New("ring out of range")
	ErrZoneNotFound   = errors.New("zone not found")
)

const (
	MaxRings          = 5
	MinExpansionWait  = 5
	MaxExpansionWait  = 60
	DefaultRings      = 3
	DefaultRingRadius = 1.5
	DefaultWait       = 10
)

// Contains reports whether p lies inside z. A polygon, when present, wins
// over the circle.
func Contains(z models.Zone, p models.Coord) bool {
	if z.HasPolygon() {
		return geo.PointInPolygon(p, z.Polygon)
	}
	if z.RadiusKm > 0 {
		return geo.PointInCircle(p, z.Center, z.RadiusKm)
	}
	return false
}

// Center is the polygon centroid or, for circular zones, the circle center.
func Center(z models.Zone) models.Coord {
	if z.HasPolygon() {
		return geo.Centroid(z.Polygon)
	}
	return z.Center
}

func RingRadius(z models.Zone, n int) (float64, error) {
	if n < 1 || n > z.NumberOfRings {
		return 0, fmt.Errorf("%w: ring %d of zone %s (1..%d)", ErrRingOutOfRange, n, z.ID, z.NumberOfRings)
	}
	return z.RingRadiusKm * float64(n), nil
}

// ApplyDefaults fills ring parameters left at zero.
func ApplyDefaults(z *models.Zone) {
	if z.NumberOfRings == 0 {
		z.NumberOfRings = DefaultRings
	}
	if z.RingRadiusKm == 0 {
		z.RingRadiusKm = DefaultRingRadius
	}
	if z.ExpansionWaitSeconds == 0 {
		z.ExpansionWaitSeconds = DefaultWait
	}
}

// Validate checks a zone definition and reports every problem at once.
func Validate(z models.Zone) error {
	var problems []string
	if strings.TrimSpace(z.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(z.Name) == "" {
		problems = append(problems, "name is required")
	}
	switch {
	case z.HasPolygon():
		if len(z.Polygon) < 3 {
			problems = append(problems, "polygon needs at least 3 vertices")
		}
		for i, c := range z.Polygon {
			if !geo.ValidCoord(c) {
				problems = append(problems, fmt.Sprintf("polygon vertex %d out of range", i))
			}
		}
	case z.RadiusKm > 0:
		if !geo.ValidCoord(z.Center) {
			problems = append(problems, "center out of range")
		}
	default:
		problems = append(problems, "either a polygon or a positive radius is required")
	}
	if z.NumberOfRings < 1 || z.NumberOfRings > MaxRings {
		problems = append(problems, fmt.Sprintf("number_of_rings must be 1..%d", MaxRings))
	}
	if z.RingRadiusKm <= 0 {
		problems = append(problems, "ring_radius_km must be positive")
	}
	if z.ExpansionWaitSeconds < MinExpansionWait || z.ExpansionWaitSeconds > MaxExpansionWait {
		problems = append(problems, fmt.Sprintf("expansion_wait_seconds must be %d..%d", MinExpansionWait, MaxExpansionWait))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidZone, z.ID, strings.Join(problems, "; "))
	}
	return nil
}
