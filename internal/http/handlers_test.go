package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/zone-dispatch/internal/dispatch"
	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/locator"
	"github.com/example/zone-dispatch/internal/logging"
	"github.com/example/zone-dispatch/internal/matcher"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/storage"
	"github.com/example/zone-dispatch/internal/surcharge"
	"github.com/example/zone-dispatch/internal/zones"
)

var center = models.Coord{Lat: 19.0760, Lng: 72.8777}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

// idleScheduler never fires, so only the first ring runs.
type idleScheduler struct{}

func (idleScheduler) AfterFunc(d time.Duration, f func()) matcher.Timer { return idleTimer{} }

type recordingPublisher struct {
	got []models.LocationUpdate
	err error
}

func (p *recordingPublisher) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	p.got = append(p.got, u)
	return p.err
}

type testServer struct {
	*Server
	drivers *fleet.MemoryDirectory
	store   *storage.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.Discard()
	drivers := fleet.NewMemoryDirectory()
	src := zones.NewMemorySource(models.Zone{
		ID: "bandra", Name: "Bandra", Center: center, RadiusKm: 3,
		NumberOfRings: 3, RingRadiusKm: 1, ExpansionWaitSeconds: 10, PriorityOrder: 1, Active: true,
	})
	reg := zones.NewRegistry(src, drivers, logger)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load zones: %v", err)
	}
	store := storage.NewMemoryStore()
	svc := &matcher.Service{
		Zones:     reg,
		Locator:   &locator.Locator{Drivers: drivers},
		Drivers:   drivers,
		Store:     store,
		Surcharge: surcharge.New(0, 0),
		Events:    dispatch.NewFanout(logger),
		Scheduler: idleScheduler{},
		Logger:    logger,
	}
	s := NewServer(Deps{
		Zones:   reg,
		Drivers: drivers,
		Tracker: &fleet.Tracker{Drivers: drivers, Zones: reg, Logger: logger},
		Matcher: svc,
		Store:   store,
		WS:      dispatch.NewWSRegistry(logger),
	}, logger)
	return &testServer{Server: s, drivers: drivers, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) onlineDriver(t *testing.T, id string, pos models.Coord) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/internal/drivers", map[string]any{"id": id, "vehicle_class": "Sedan", "online": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert driver: %d %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": id, "lat": pos.Lat, "lng": pos.Lng})
	if rec.Code != http.StatusOK {
		t.Fatalf("location: %d %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]string](t, rec)
	if resp["zone_id"] != "bandra" {
		t.Fatalf("expected driver in bandra, got %v", resp)
	}
}

func TestCreateRideAssignsInFirstRing(t *testing.T) {
	ts := newTestServer(t)
	ts.onlineDriver(t, "d1", models.Coord{Lat: center.Lat + 0.003, Lng: center.Lng})

	rec := ts.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u1", "pickup": center, "vehicle_class": "sedan", "base_fare": 150,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body)
	}
	resp := decode[dispatchResponse](t, rec)
	if resp.Status != models.RideAssigned || resp.Outcome == nil || resp.Outcome.DriverID != "d1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Outcome.Ring == nil || *resp.Outcome.Ring != 1 {
		t.Fatalf("expected ring 1, got %v", resp.Outcome.Ring)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/"+resp.RideID, nil)
	ride := decode[models.Ride](t, rec)
	if ride.Status != models.RideAssigned || ride.DriverID != "d1" || ride.FinalFare != 150 {
		t.Fatalf("unexpected ride %+v", ride)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/"+resp.RideID+"/dispatch", nil)
	sum := decode[matcher.Summary](t, rec)
	if sum.Status != models.RideAssigned || len(sum.Log) == 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+resp.RideID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancelling an assigned ride should conflict, got %d", rec.Code)
	}
}

func TestCreateRideOutsideZonesIsRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u1", "pickup": models.Coord{Lat: 28.6, Lng: 77.2}, "vehicle_class": "suv", "base_fare": 100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body)
	}
	if resp := decode[dispatchResponse](t, rec); resp.Status != models.RideNoZone {
		t.Fatalf("unexpected status %s", resp.Status)
	}
}

func TestCreateRideKeepsSearching(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u1", "pickup": center, "vehicle_class": "hatchback", "base_fare": 100,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	resp := decode[dispatchResponse](t, rec)
	if resp.Status != models.RideSearchingRing || resp.Outcome != nil {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+resp.RideID+"/dispatch", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-dispatch during a search should conflict, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+resp.RideID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	if o := decode[matcher.Outcome](t, rec); o.Status != models.RideCancelled {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestCreateRideValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := []map[string]any{
		{"pickup": center, "vehicle_class": "sedan"},
		{"rider_id": "u1", "pickup": models.Coord{Lat: 95, Lng: 0}, "vehicle_class": "sedan"},
		{"rider_id": "u1", "pickup": center, "vehicle_class": "limo"},
		{"rider_id": "u1", "pickup": center, "vehicle_class": "sedan", "base_fare": -1},
	}
	for i, body := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if rec := ts.do(t, http.MethodPost, "/api/v1/rides", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestExpansionEndpointsRequirePendingOffer(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides/missing/expansion/decline", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/rides/missing/expansion/approve", map[string]any{"driver_id": "d1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing zone_id, got %d", rec.Code)
	}
}

func TestLocationValidation(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "ghost", "lat": center.Lat, "lng": center.Lng})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: expected 404, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 120, "lng": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad coordinate: expected 400, got %d", rec.Code)
	}
}

func TestLocationForwardedToFeed(t *testing.T) {
	ts := newTestServer(t)
	pub := &recordingPublisher{}
	ts.Locations = pub
	rec := ts.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d9", "lat": center.Lat, "lng": center.Lng})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(pub.got) != 1 || pub.got[0].DriverID != "d9" || pub.got[0].At.IsZero() {
		t.Fatalf("unexpected published updates %+v", pub.got)
	}

	pub.err = errors.New("broker down")
	rec = ts.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d9", "lat": center.Lat, "lng": center.Lng})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestZoneDeactivationMarksDriversUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.onlineDriver(t, "d1", center)

	rec := ts.do(t, http.MethodPost, "/admin/zones/bandra/deactivate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d %s", rec.Code, rec.Body)
	}
	if z := decode[models.Zone](t, rec); z.Active {
		t.Fatal("zone still active")
	}
	d, err := ts.drivers.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Available {
		t.Fatal("driver should be unavailable after zone deactivation")
	}

	rec = ts.do(t, http.MethodPost, "/admin/zones/nowhere/activate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/admin/zones", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list zones: %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{badRequest("x"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", fleet.ErrInvalidCoord), http.StatusBadRequest},
		{matcher.ErrRideNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", zones.ErrZoneNotFound), http.StatusNotFound},
		{matcher.ErrDispatchInProgress, http.StatusConflict},
		{matcher.ErrOfferMismatch, http.StatusConflict},
		{matcher.ErrDriverUnavailable, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
