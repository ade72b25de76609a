package surcharge

import (
	"math"
	"testing"

	"github.com/example/zone-dispatch/internal/models"
)

func circle(id string, lat, lng float64) models.Zone {
	return models.Zone{ID: id, Center: models.Coord{Lat: lat, Lng: lng}, RadiusKm: 2}
}

func TestCompute(t *testing.T) {
	c := New(DefaultPerKmRate, DefaultMinimum)
	cases := []struct {
		name string
		a, b models.Zone
		want float64
	}{
		{"same center floors at minimum", circle("a", 10, 10), circle("b", 10, 10), 25},
		{"one km floors at minimum", circle("a", 0, 0), circle("b", 1/111.195, 0), 25},
		// 4 km between centers -> 40.00
		{"four km", circle("a", 0, 0), circle("b", 4/111.19492664455873, 0), 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Compute(tc.a, tc.b)
			if math.Abs(got-tc.want) > 0.011 {
				t.Fatalf("got %.2f, want %.2f", got, tc.want)
			}
			if got != Round2(got) {
				t.Fatalf("not rounded to cents: %v", got)
			}
		})
	}
}

func TestComputeUsesPolygonCentroid(t *testing.T) {
	square := models.Zone{ID: "sq", Polygon: []models.Coord{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.1}, {Lat: 0.1, Lng: 0.1}, {Lat: 0.1, Lng: 0}}}
	other := circle("c", 0.05, 0.05) // sits on the centroid
	if got := New(10, 25).Compute(square, other); got != 25 {
		t.Fatalf("expected floor, got %v", got)
	}
	if got := New(10, 0).Compute(square, other); got != 0 {
		t.Fatalf("expected 0 with no floor, got %v", got)
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(0, -1)
	if c.PerKmRate != DefaultPerKmRate || c.Minimum != DefaultMinimum {
		t.Fatalf("unexpected defaults %+v", c)
	}
}
