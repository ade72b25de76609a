package geo

import (
	"math"

	"github.com/example/zone-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between a and b in kilometers.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair past 1 for antipodal points
	if h > 1 {
		h = 1
	}
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func PointInCircle(p, center models.Coord, radiusKm float64) bool {
	return HaversineKm(p, center) <= radiusKm
}

// PointInPolygon runs an even-odd ray cast with lng as x and lat as y.
// The ring is implicitly closed; fewer than three vertices never contain anything.
func PointInPolygon(p models.Coord, ring []models.Coord) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lng, ring[i].Lat
		xj, yj := ring[j].Lng, ring[j].Lat
		if (yi > p.Lat) != (yj > p.Lat) {
			// yi != yj here, so the division is safe
			xCross := (xj-xi)*(p.Lat-yi)/(yj-yi) + xi
			if p.Lng < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Centroid is the arithmetic mean of the ring's vertices. A closing vertex
// equal to the first one is not counted twice.
func Centroid(ring []models.Coord) models.Coord {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	if n == 0 {
		return models.Coord{}
	}
	var lat, lng float64
	for _, c := range ring[:n] {
		lat += c.Lat
		lng += c.Lng
	}
	return models.Coord{Lat: lat / float64(n), Lng: lng / float64(n)}
}

func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lng)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
