package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/observability"
	"github.com/example/zone-dispatch/internal/storage"
	"github.com/example/zone-dispatch/internal/zones"
)

// pendingRide loads a ride and checks it is waiting on the rider.
func (s *Service) pendingRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, storeErr(err)
	}
	switch ride.Status {
	case models.RideAwaitingExpansionApproval:
		return ride, nil
	case models.RideCancelled:
		return nil, ErrRideCancelled
	case models.RideAssigned:
		return nil, ErrAlreadyAssigned
	}
	return nil, ErrNotAwaitingApproval
}

// ApproveExpansion assigns the offered cross-zone driver after re-checking
// that they are still eligible. On ErrDriverUnavailable the ride stays pending.
func (s *Service) ApproveExpansion(ctx context.Context, rideID, driverID, zoneID string, amount float64) (Outcome, error) {
	ride, err := s.pendingRide(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	offer := ride.PendingOffer
	if offer == nil || offer.DriverID != driverID || offer.ZoneID != zoneID || math.Abs(offer.Surcharge-amount) > 0.005 {
		return Outcome{}, ErrOfferMismatch
	}
	r := s.lookup(rideID)
	zone, ok := s.Zones.Zone(zoneID)
	if !ok || !zone.Active {
		s.note(r, fmt.Sprintf("approval failed: zone %s is no longer active", zoneID))
		return Outcome{}, ErrDriverUnavailable
	}
	cand, ok, err := s.Locator.Check(ctx, driverID, zone, ride.Pickup, ride.VehicleClass, s.now())
	if err != nil && !errors.Is(err, fleet.ErrDriverNotFound) {
		return Outcome{}, fmt.Errorf("check driver %s: %w", driverID, err)
	}
	if !ok {
		s.note(r, fmt.Sprintf("approval failed: driver %s is no longer eligible", driverID))
		return Outcome{}, ErrDriverUnavailable
	}

	var holdID string
	if s.Holds != nil && offer.Surcharge > 0 {
		holdID, err = s.Holds.Hold(ctx, rideID, offer.Surcharge)
		if err != nil {
			return Outcome{}, fmt.Errorf("hold surcharge: %w", err)
		}
	}
	assigned, err := s.assign(ctx, ride, driverID, zoneID, nil, offer.Surcharge, true, holdID)
	if err != nil {
		s.releaseHold(ctx, rideID, holdID)
		switch {
		case errors.Is(err, errLostRace):
			s.note(r, fmt.Sprintf("approval failed: driver %s was taken by another ride", driverID))
			return Outcome{}, ErrDriverUnavailable
		case errors.Is(err, storage.ErrInvalidTransition):
			s.note(r, "approval failed: offer is no longer pending")
			return Outcome{}, ErrNotAwaitingApproval
		default:
			return Outcome{}, storeErr(err)
		}
	}
	return s.completeAssigned(ctx, r, assigned, cand), nil
}

// DeclineExpansion ends the dispatch; the ride is not retried automatically.
func (s *Service) DeclineExpansion(ctx context.Context, rideID string) (Outcome, error) {
	ride, err := s.pendingRide(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.Store.Transition(ctx, rideID, models.RideExpansionDeclined, models.RideAwaitingExpansionApproval); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return Outcome{}, ErrNotAwaitingApproval
		}
		return Outcome{}, storeErr(err)
	}
	o := Outcome{RideID: rideID, Status: models.RideExpansionDeclined, ZoneID: ride.DispatchZoneID, Reason: "expansion declined by rider"}
	s.close(ctx, s.lookup(rideID), o, "rider declined the expansion offer")
	s.logger().Info("expansion_declined", "ride_id", rideID)
	s.publish(ctx, s.event(models.EventExpansionDeclined, ride, func(ev *models.DispatchEvent) { ev.Reason = o.Reason }))
	return o, nil
}

// RefreshExpansion re-runs the cross-zone search for a pending ride, either
// replacing the offer or ending in no_drivers_available.
func (s *Service) RefreshExpansion(ctx context.Context, rideID string) (Outcome, error) {
	ride, err := s.pendingRide(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	pickupZone, ok := s.Zones.Zone(ride.DispatchZoneID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", zones.ErrZoneNotFound, ride.DispatchZoneID)
	}
	r := s.lookup(rideID)
	s.note(r, "refreshing expansion offer")
	if offer, ok := s.findOffer(ctx, ride, pickupZone); ok {
		if err := s.Store.SetPendingOffer(ctx, rideID, offer); err != nil {
			return Outcome{}, storeErr(err)
		}
		s.offered(ctx, r, ride, pickupZone, offer)
		return Outcome{RideID: rideID, Status: models.RideAwaitingExpansionApproval, ZoneID: pickupZone.ID, Surcharge: offer.Surcharge, Offer: &offer}, nil
	}
	if err := s.Store.Transition(ctx, rideID, models.RideNoDriversAvailable, models.RideAwaitingExpansionApproval); err != nil {
		return Outcome{}, storeErr(err)
	}
	o := Outcome{RideID: rideID, Status: models.RideNoDriversAvailable, ZoneID: pickupZone.ID, Reason: "no drivers available"}
	s.close(ctx, r, o, "no drivers available in any zone")
	s.publish(ctx, s.event(models.EventNoDrivers, ride, func(ev *models.DispatchEvent) { ev.Reason = o.Reason }))
	return o, nil
}

// Cancel stops any in-flight search for the ride. Assigned rides cannot be
// cancelled here.
func (s *Service) Cancel(ctx context.Context, rideID string) (Outcome, error) {
	ride, err := s.Store.Cancel(ctx, rideID, s.now())
	if err != nil {
		return Outcome{}, storeErr(err)
	}
	r := s.lookup(rideID)
	if r != nil {
		r.cancelled.Store(true)
		r.stopTimer()
	}
	o := Outcome{RideID: rideID, Status: models.RideCancelled, Reason: "cancelled by rider"}
	s.close(ctx, r, o, "ride cancelled by rider")
	s.logger().Info("ride_cancelled", "ride_id", rideID)
	s.publish(ctx, s.event(models.EventCancelled, ride, func(ev *models.DispatchEvent) { ev.Reason = o.Reason }))
	return o, nil
}

// Summary returns the dispatch log of the ride's latest run in this process.
func (s *Service) Summary(rideID string) (Summary, error) {
	r := s.lookup(rideID)
	if r == nil {
		return Summary{}, ErrRideNotFound
	}
	return r.summary(), nil
}

// PruneRuns drops runs that finished, or started waiting on the rider, more
// than retention ago and returns how many went.
func (s *Service) PruneRuns(retention time.Duration) int {
	now := s.now()
	cutoff := now.Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		switch {
		case r.finishedBefore(cutoff):
		case r.expirePending(cutoff, now):
			observability.ActiveRuns.Dec()
			s.logger().Info("pending_run_expired", "ride_id", id)
		default:
			continue
		}
		delete(s.runs, id)
		n++
	}
	return n
}

func (s *Service) note(r *run, msg string) {
	if r != nil {
		r.record(s.now(), msg)
	}
}

// close finishes r when this process still tracks it.
func (s *Service) close(ctx context.Context, r *run, o Outcome, msg string) {
	if r == nil {
		observability.DispatchOutcomesTotal.WithLabelValues(string(o.Status)).Inc()
		return
	}
	r.record(s.now(), msg)
	s.finish(ctx, r, o)
}

func (s *Service) releaseHold(ctx context.Context, rideID, holdID string) {
	if holdID == "" || s.Holds == nil {
		return
	}
	if err := s.Holds.Cancel(ctx, holdID); err != nil {
		s.logger().Error("surcharge_hold_cancel_failed", "ride_id", rideID, "hold_id", holdID, "error", err)
	}
}
