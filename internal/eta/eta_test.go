package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorUsesCacheThenClient(t *testing.T) {
	a := models.Coord{Lat: 12.97, Lng: 77.59}
	b := models.Coord{Lat: 12.98, Lng: 77.60}
	client := &stubClient{v: 240}
	e := &Estimator{Client: client, Cache: NewCache(time.Minute)}

	if got := e.Estimate(context.Background(), a, b); got != 240 {
		t.Fatalf("expected client value, got %f", got)
	}
	if got := e.Estimate(context.Background(), a, b); got != 240 {
		t.Fatalf("expected cached value, got %f", got)
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 client call, got %d", client.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	a := models.Coord{Lat: 0, Lng: 0}
	b := models.Coord{Lat: 0.01, Lng: 0}
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	want := EstimateSeconds(a, b, 10)
	if got := e.Estimate(context.Background(), a, b); math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %f, want %f", got, want)
	}
	// 0.01 degree of latitude is ~1112 m
	if want < 100 || want > 120 {
		t.Fatalf("naive estimate out of range: %f", want)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Second)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 2, Lng: 2}
	c.Set(a, b, 42)
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 321.5 {
		t.Fatalf("got %f", got)
	}
	if path != "/route/v1/driving/2.000000,1.000000;4.000000,3.000000" {
		t.Fatalf("coordinates must be sent lng,lat: %s", path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}
