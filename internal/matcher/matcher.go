package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/locator"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/observability"
	"github.com/example/zone-dispatch/internal/storage"
	"github.com/example/zone-dispatch/internal/surcharge"
	"github.com/example/zone-dispatch/internal/zones"
)

var (
	ErrRideNotFound        = errors.New("ride not found")
	ErrDispatchInProgress  = errors.New("dispatch already in progress")
	ErrAlreadyAssigned     = errors.New("ride already assigned")
	ErrRideCancelled       = errors.New("ride cancelled")
	ErrNotAwaitingApproval = errors.New("ride is not awaiting expansion approval")
	ErrOfferMismatch       = errors.New("approval does not match the pending offer")
	ErrDriverUnavailable   = errors.New("offered driver is no longer available")

	// errLostRace marks a candidate taken by a concurrent dispatch.
	errLostRace = errors.New("driver taken by another ride")
)

type ZoneIndex interface {
	ContainingZone(p models.Coord) (models.Zone, bool)
	Zone(id string) (models.Zone, bool)
	ExpansionCandidates(excludeID string, p models.Coord) []zones.Candidate
}

type DriverLocator interface {
	EligibleInRing(ctx context.Context, zone models.Zone, ring int, pickup models.Coord, class models.VehicleClass, now time.Time) ([]locator.Candidate, error)
	EligibleInZone(ctx context.Context, zone models.Zone, pickup models.Coord, class models.VehicleClass, now time.Time) ([]locator.Candidate, error)
	Check(ctx context.Context, driverID string, zone models.Zone, pickup models.Coord, class models.VehicleClass, now time.Time) (locator.Candidate, bool, error)
}

// DriverClaimer guards the driver side of an assignment.
type DriverClaimer interface {
	Claim(ctx context.Context, driverID, rideID string) error
	Release(ctx context.Context, driverID, rideID string) error
}

type SurchargeCalculator interface {
	Compute(pickupZone, driverZone models.Zone) float64
}

type Publisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

// SurchargeHolder authorizes the surcharge before a cross-zone assignment.
type SurchargeHolder interface {
	Hold(ctx context.Context, rideID string, amount float64) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

type ETAEstimator interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

// Service is the dispatch engine. Zones, Locator, Drivers, Store and
// Surcharge are required; the rest are optional.
type Service struct {
	Zones     ZoneIndex
	Locator   DriverLocator
	Drivers   DriverClaimer
	Store     storage.RideStore
	Surcharge SurchargeCalculator
	Events    Publisher
	Holds     SurchargeHolder
	ETA       ETAEstimator
	Scheduler Scheduler
	Now       func() time.Time
	Logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) scheduler() Scheduler {
	if s.Scheduler != nil {
		return s.Scheduler
	}
	return RealScheduler{}
}

// Start begins dispatching a ride. The first ring is searched before Start
// returns; later rings run on scheduled continuations. The returned outcome
// is nil while the search is still going.
func (s *Service) Start(ctx context.Context, rideID string) (*Outcome, error) {
	r, err := s.start(ctx, rideID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.result()
	default:
		return nil, nil
	}
}

// Dispatch runs Start and waits for the first assigned, pending or failed outcome.
func (s *Service) Dispatch(ctx context.Context, rideID string) (Outcome, error) {
	r, err := s.start(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case <-r.done:
		o, err := r.result()
		if o == nil {
			return Outcome{}, err
		}
		return *o, err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Service) start(ctx context.Context, rideID string) (*run, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, storeErr(err)
	}
	switch ride.Status {
	case models.RideAssigned:
		return nil, ErrAlreadyAssigned
	case models.RideCancelled:
		return nil, ErrRideCancelled
	case models.RideAwaitingExpansionApproval:
		return nil, ErrDispatchInProgress
	}

	now := s.now()
	r := newRun(*ride, now)
	if err := s.register(r); err != nil {
		return nil, err
	}
	log := s.logger().With("ride_id", rideID)

	zone, ok := s.Zones.ContainingZone(ride.Pickup)
	if !ok {
		if err := s.Store.Transition(ctx, rideID, models.RideNoZone, models.RideNew, models.RideNoZone,
			models.RideNoDriversAvailable, models.RideExpansionDeclined, models.RideSearchingRing); err != nil {
			s.unregister(r)
			return nil, storeErr(err)
		}
		r.record(now, "pickup is outside every active zone")
		log.Info("dispatch_no_zone", "lat", ride.Pickup.Lat, "lng", ride.Pickup.Lng)
		s.finish(ctx, r, Outcome{RideID: rideID, Status: models.RideNoZone, Reason: "pickup outside service area"})
		s.publish(ctx, s.event(models.EventNoZone, ride, func(ev *models.DispatchEvent) {
			ev.Reason = "pickup outside service area"
		}))
		return r, nil
	}

	if err := s.Store.BeginSearch(ctx, rideID, zone.ID); err != nil {
		s.unregister(r)
		return nil, storeErr(err)
	}
	r.setZone(zone)
	r.record(now, fmt.Sprintf("dispatch started in zone %s", zone.Name))
	log.Info("dispatch_started", "zone_id", zone.ID, "rings", zone.NumberOfRings, "vehicle_class", ride.VehicleClass)

	// continuations outlive the caller's request
	s.searchRing(context.WithoutCancel(ctx), r, 1)
	return r, nil
}

func (s *Service) register(r *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string]*run)
	}
	if cur, ok := s.runs[r.ride.ID]; ok && !cur.finished() {
		return ErrDispatchInProgress
	}
	s.runs[r.ride.ID] = r
	observability.ActiveRuns.Inc()
	return nil
}

func (s *Service) unregister(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.ride.ID] == r {
		delete(s.runs, r.ride.ID)
		observability.ActiveRuns.Dec()
	}
}

func (s *Service) lookup(rideID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[rideID]
}

// searchRing looks for a driver inside ring n and either assigns, schedules
// ring n+1, or moves on to cross-zone expansion.
func (s *Service) searchRing(ctx context.Context, r *run, ring int) {
	if s.stopIfCancelled(ctx, r) {
		return
	}
	zone := r.currentZone()
	ride := r.ride
	now := s.now()
	log := s.logger().With("ride_id", ride.ID, "zone_id", zone.ID, "ring", ring)

	r.setRing(ring)
	observability.RingSearchesTotal.WithLabelValues(strconv.Itoa(ring)).Inc()
	radius, _ := zones.RingRadius(zone, ring)
	r.record(now, fmt.Sprintf("searching ring %d (%.1f km)", ring, radius))

	cands, err := s.Locator.EligibleInRing(ctx, zone, ring, ride.Pickup, ride.VehicleClass, now)
	if err != nil {
		log.Error("ring_lookup_failed", "error", err)
		r.record(now, fmt.Sprintf("ring %d lookup failed: %v", ring, err))
		cands = nil
	}
	for _, c := range cands {
		if r.cancelled.Load() {
			s.finishCancelled(r)
			return
		}
		n := ring
		assigned, err := s.assign(ctx, &ride, c.Driver.ID, zone.ID, &n, 0, false, "")
		switch {
		case err == nil:
			s.completeAssigned(ctx, r, assigned, c)
			return
		case errors.Is(err, errLostRace):
			observability.AssignmentConflictsTotal.Inc()
			r.record(s.now(), fmt.Sprintf("driver %s taken by another ride, trying next", c.Driver.ID))
			continue
		case errors.Is(err, storage.ErrRideCancelled):
			s.finishCancelled(r)
			return
		case errors.Is(err, storage.ErrRideTaken):
			s.abort(r, ErrAlreadyAssigned)
			return
		case errors.Is(err, storage.ErrInvalidTransition):
			s.abort(r, ErrDispatchInProgress)
			return
		default:
			log.Error("assignment_failed", "driver_id", c.Driver.ID, "error", err)
			r.record(s.now(), fmt.Sprintf("assigning driver %s failed: %v", c.Driver.ID, err))
		}
	}

	r.record(s.now(), fmt.Sprintf("ring %d: no available drivers", ring))
	if ring < zone.NumberOfRings {
		wait := zone.ExpansionWait()
		r.record(s.now(), fmt.Sprintf("waiting %s before ring %d", wait, ring+1))
		log.Debug("ring_exhausted", "wait", wait)
		r.schedule(s.scheduler().AfterFunc(wait, func() { s.searchRing(ctx, r, ring+1) }))
		return
	}
	s.expand(ctx, r)
}

// expand runs after every ring of the pickup zone came up empty.
func (s *Service) expand(ctx context.Context, r *run) {
	if s.stopIfCancelled(ctx, r) {
		return
	}
	ride := r.ride
	zone := r.currentZone()
	r.record(s.now(), "pickup zone exhausted, checking other zones")

	offer, ok := s.findOffer(ctx, &ride, zone)
	if ok {
		if err := s.Store.SetPendingOffer(ctx, ride.ID, offer); err != nil {
			s.handleStoreFailure(r, err)
			return
		}
		s.offered(ctx, r, &ride, zone, offer)
		return
	}
	if err := s.Store.Transition(ctx, ride.ID, models.RideNoDriversAvailable, models.RideSearchingRing); err != nil {
		s.handleStoreFailure(r, err)
		return
	}
	r.record(s.now(), "no drivers available in any zone")
	s.logger().Info("dispatch_no_drivers", "ride_id", ride.ID, "zone_id", zone.ID)
	s.finish(ctx, r, Outcome{RideID: ride.ID, Status: models.RideNoDriversAvailable, ZoneID: zone.ID, Reason: "no drivers available"})
	s.publish(ctx, s.event(models.EventNoDrivers, &ride, func(ev *models.DispatchEvent) { ev.Reason = "no drivers available" }))
}

// findOffer walks the other zones in priority order and returns an offer
// for the nearest eligible driver of the first zone that has one.
func (s *Service) findOffer(ctx context.Context, ride *models.Ride, pickupZone models.Zone) (models.ExpansionOffer, bool) {
	now := s.now()
	for _, zc := range s.Zones.ExpansionCandidates(pickupZone.ID, ride.Pickup) {
		cands, err := s.Locator.EligibleInZone(ctx, zc.Zone, ride.Pickup, ride.VehicleClass, now)
		if err != nil {
			s.logger().Warn("expansion_lookup_failed", "ride_id", ride.ID, "zone_id", zc.Zone.ID, "error", err)
			continue
		}
		if len(cands) == 0 {
			continue
		}
		best := cands[0]
		return models.ExpansionOffer{
			ZoneID:           zc.Zone.ID,
			ZoneName:         zc.Zone.Name,
			DriverID:         best.Driver.ID,
			DriverDistanceKm: surcharge.Round2(best.DistanceKm),
			Surcharge:        s.Surcharge.Compute(pickupZone, zc.Zone),
		}, true
	}
	return models.ExpansionOffer{}, false
}

func (s *Service) offered(ctx context.Context, r *run, ride *models.Ride, pickupZone models.Zone, offer models.ExpansionOffer) {
	observability.SurchargeAmount.Observe(offer.Surcharge)
	msg := fmt.Sprintf("offering driver %s from zone %s for surcharge %.2f", offer.DriverID, offer.ZoneName, offer.Surcharge)
	o := Outcome{
		RideID:    ride.ID,
		Status:    models.RideAwaitingExpansionApproval,
		ZoneID:    pickupZone.ID,
		Surcharge: offer.Surcharge,
		Offer:     &offer,
	}
	if r != nil {
		r.record(s.now(), msg)
		r.settle(o, nil, s.now(), false)
	}
	observability.DispatchOutcomesTotal.WithLabelValues(string(o.Status)).Inc()
	s.logger().Info("expansion_offered", "ride_id", ride.ID, "zone_id", offer.ZoneID, "driver_id", offer.DriverID, "surcharge", offer.Surcharge)
	s.publish(ctx, s.event(models.EventExpansionOffered, ride, func(ev *models.DispatchEvent) {
		ev.Offer = &models.ExpansionOfferPayload{
			RideID:            ride.ID,
			CandidateZoneID:   offer.ZoneID,
			CandidateZoneName: offer.ZoneName,
			CandidateDriverID: offer.DriverID,
			SurchargeAmount:   offer.Surcharge,
		}
	}))
}

// assign claims the driver, then writes the ride. When the ride write loses,
// the driver claim is released again.
func (s *Service) assign(ctx context.Context, ride *models.Ride, driverID, zoneID string, ring *int, amount float64, approved bool, holdID string) (*models.Ride, error) {
	if err := s.Drivers.Claim(ctx, driverID, ride.ID); err != nil {
		if errors.Is(err, fleet.ErrDriverClaimed) || errors.Is(err, fleet.ErrDriverNotFound) {
			return nil, fmt.Errorf("%w: %v", errLostRace, err)
		}
		return nil, fmt.Errorf("claim driver %s: %w", driverID, err)
	}
	assigned, err := s.Store.Assign(ctx, storage.Assignment{
		RideID:            ride.ID,
		DriverID:          driverID,
		ZoneID:            zoneID,
		Ring:              ring,
		Surcharge:         amount,
		ExpansionApproved: approved,
		HoldID:            holdID,
		At:                s.now(),
	})
	if err != nil {
		if rerr := s.Drivers.Release(ctx, driverID, ride.ID); rerr != nil {
			s.logger().Error("driver_release_failed", "ride_id", ride.ID, "driver_id", driverID, "error", rerr)
		}
		if errors.Is(err, storage.ErrDriverBusy) {
			return nil, fmt.Errorf("%w: %v", errLostRace, err)
		}
		return nil, err
	}
	return assigned, nil
}

func (s *Service) completeAssigned(ctx context.Context, r *run, ride *models.Ride, c locator.Candidate) Outcome {
	o := Outcome{
		RideID:    ride.ID,
		Status:    models.RideAssigned,
		DriverID:  ride.DriverID,
		ZoneID:    ride.DispatchZoneID,
		Ring:      ride.DispatchedRing,
		Surcharge: ride.ExtraFare,
		FinalFare: ride.FinalFare,
	}
	payload := &models.AssignedPayload{
		RideID:           ride.ID,
		DriverID:         ride.DriverID,
		RingNumber:       ride.DispatchedRing,
		ZoneID:           ride.DispatchZoneID,
		SurchargeAmount:  ride.ExtraFare,
		FinalFare:        ride.FinalFare,
		DriverDistanceKm: surcharge.Round2(c.DistanceKm),
	}
	if s.ETA != nil && c.Driver.Position != nil {
		payload.PickupETASeconds = s.ETA.Estimate(ctx, *c.Driver.Position, ride.Pickup)
	}
	if r != nil {
		where := "via zone expansion"
		if ride.DispatchedRing != nil {
			where = fmt.Sprintf("in ring %d", *ride.DispatchedRing)
		}
		r.record(s.now(), fmt.Sprintf("assigned driver %s %s (%.2f km away)", ride.DriverID, where, c.DistanceKm))
		s.finish(ctx, r, o)
	} else {
		observability.DispatchOutcomesTotal.WithLabelValues(string(o.Status)).Inc()
	}
	s.logger().Info("ride_assigned", "ride_id", ride.ID, "driver_id", ride.DriverID, "zone_id", ride.DispatchZoneID,
		"ring", ringAttr(ride.DispatchedRing), "surcharge", ride.ExtraFare, "final_fare", ride.FinalFare)
	s.publish(ctx, s.event(models.EventAssigned, ride, func(ev *models.DispatchEvent) { ev.Assigned = payload }))
	return o
}

// finish closes a run with a terminal outcome.
func (s *Service) finish(ctx context.Context, r *run, o Outcome) {
	now := s.now()
	if !r.settle(o, nil, now, true) {
		return
	}
	observability.ActiveRuns.Dec()
	observability.DispatchOutcomesTotal.WithLabelValues(string(o.Status)).Inc()
	observability.DispatchLatency.Observe(now.Sub(r.startedAt).Seconds())
}

func (s *Service) finishCancelled(r *run) {
	r.record(s.now(), "ride cancelled, search stopped")
	s.finish(context.Background(), r, Outcome{RideID: r.ride.ID, Status: models.RideCancelled, Reason: "cancelled by rider"})
}

// abort closes a run that cannot make progress; the ride keeps whatever
// status the store has.
func (s *Service) abort(r *run, err error) {
	now := s.now()
	r.record(now, fmt.Sprintf("dispatch aborted: %v", err))
	s.logger().Error("dispatch_aborted", "ride_id", r.ride.ID, "error", err)
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	if r.settle(Outcome{RideID: r.ride.ID, Status: status, Reason: err.Error()}, err, now, true) {
		observability.ActiveRuns.Dec()
		observability.DispatchOutcomesTotal.WithLabelValues("error").Inc()
	}
}

func (s *Service) handleStoreFailure(r *run, err error) {
	if errors.Is(err, storage.ErrRideCancelled) {
		s.finishCancelled(r)
		return
	}
	s.abort(r, storeErr(err))
}

// stopIfCancelled checks the run flag and the stored ride status.
func (s *Service) stopIfCancelled(ctx context.Context, r *run) bool {
	if !r.cancelled.Load() {
		ride, err := s.Store.GetRide(ctx, r.ride.ID)
		if err != nil || ride.Status != models.RideCancelled {
			return false
		}
		r.cancelled.Store(true)
	}
	s.finishCancelled(r)
	return true
}

func (s *Service) event(t models.EventType, ride *models.Ride, fill func(ev *models.DispatchEvent)) models.DispatchEvent {
	ev := models.DispatchEvent{
		ID:         uuid.NewString(),
		Type:       t,
		RideID:     ride.ID,
		RiderID:    ride.RiderID,
		OccurredAt: s.now(),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

// publish never fails the dispatch; sinks count their own errors.
func (s *Service) publish(ctx context.Context, ev models.DispatchEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger().Warn("event_publish_failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrRideNotFound
	case errors.Is(err, storage.ErrRideTaken):
		return ErrAlreadyAssigned
	case errors.Is(err, storage.ErrRideCancelled):
		return ErrRideCancelled
	case errors.Is(err, storage.ErrInvalidTransition):
		return ErrDispatchInProgress
	}
	return err
}

func ringAttr(ring *int) any {
	if ring == nil {
		return nil
	}
	return *ring
}
