package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrRideTaken         = errors.New("ride already assigned")
	ErrRideCancelled     = errors.New("ride cancelled")
	ErrDriverBusy        = errors.New("driver already assigned to another ride")
	ErrInvalidTransition = errors.New("invalid ride status transition")
)

// Assignment is the single write that binds a driver to a ride.
type Assignment struct {
	RideID            string
	DriverID          string
	ZoneID            string
	Ring              *int
	Surcharge         float64
	ExpansionApproved bool
	HoldID            string
	At                time.Time
}

// fromStatus is the only status the ride may be in for a to be written.
func (a Assignment) fromStatus() models.RideStatus {
	if a.ExpansionApproved {
		return models.RideAwaitingExpansionApproval
	}
	return models.RideSearchingRing
}

// RideStore persists rides. Every mutating call is conditional on the
// current status so concurrent writers cannot both succeed.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// BeginSearch moves a dispatchable ride to searching_ring in zoneID and
	// clears any previous offer.
	BeginSearch(ctx context.Context, id, zoneID string) error
	// Transition sets status `to` only when the current status is one of from.
	Transition(ctx context.Context, id string, to models.RideStatus, from ...models.RideStatus) error
	SetPendingOffer(ctx context.Context, id string, offer models.ExpansionOffer) error
	// Assign succeeds only while the ride has no driver and is searching_ring,
	// or awaiting_expansion_approval when a.ExpansionApproved is set.
	Assign(ctx context.Context, a Assignment) (*models.Ride, error)
	// Cancel succeeds only while the ride has no driver.
	Cancel(ctx context.Context, id string, at time.Time) (*models.Ride, error)
}

// searchable lists statuses a new search may start from; a leftover
// searching_ring means a previous process died mid-run.
var searchable = []models.RideStatus{
	models.RideNew, models.RideNoZone, models.RideNoDriversAvailable,
	models.RideExpansionDeclined, models.RideSearchingRing,
}

// blocked maps the statuses that refuse every dispatch write to their error.
func blocked(s models.RideStatus) error {
	switch s {
	case models.RideAssigned:
		return ErrRideTaken
	case models.RideCancelled:
		return ErrRideCancelled
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func clone(r *models.Ride) *models.Ride {
	c := *r
	if r.DispatchedRing != nil {
		v := *r.DispatchedRing
		c.DispatchedRing = &v
	}
	if r.PendingOffer != nil {
		o := *r.PendingOffer
		c.PendingOffer = &o
	}
	return &c
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == "" {
		r.Status = models.RideNew
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.UpdatedAt = r.CreatedAt
	m.rides[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

// mutate runs fn on the stored ride under the write lock.
func (m *MemoryStore) mutate(id string, fn func(r *models.Ride) error) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(id, fn)
}

func (m *MemoryStore) mutateLocked(id string, fn func(r *models.Ride) error) (*models.Ride, error) {
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(r)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = m.now()
	m.rides[id] = next
	return clone(next), nil
}

func (m *MemoryStore) BeginSearch(ctx context.Context, id, zoneID string) error {
	_, err := m.mutate(id, func(r *models.Ride) error {
		if err := blocked(r.Status); err != nil {
			return err
		}
		if !slices.Contains(searchable, r.Status) {
			return ErrInvalidTransition
		}
		r.Status = models.RideSearchingRing
		r.DispatchZoneID = zoneID
		r.PendingOffer = nil
		r.DispatchedRing = nil
		return nil
	})
	return err
}

func (m *MemoryStore) Transition(ctx context.Context, id string, to models.RideStatus, from ...models.RideStatus) error {
	_, err := m.mutate(id, func(r *models.Ride) error {
		if !slices.Contains(from, r.Status) {
			if err := blocked(r.Status); err != nil {
				return err
			}
			return ErrInvalidTransition
		}
		r.Status = to
		if to != models.RideAwaitingExpansionApproval {
			r.PendingOffer = nil
		}
		return nil
	})
	return err
}

func (m *MemoryStore) SetPendingOffer(ctx context.Context, id string, offer models.ExpansionOffer) error {
	_, err := m.mutate(id, func(r *models.Ride) error {
		if err := blocked(r.Status); err != nil {
			return err
		}
		if r.Status != models.RideSearchingRing && r.Status != models.RideAwaitingExpansionApproval {
			return ErrInvalidTransition
		}
		o := offer
		r.Status = models.RideAwaitingExpansionApproval
		r.PendingOffer = &o
		return nil
	})
	return err
}

func (m *MemoryStore) Assign(ctx context.Context, a Assignment) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.rides {
		if id != a.RideID && other.Status == models.RideAssigned && other.DriverID == a.DriverID {
			return nil, ErrDriverBusy
		}
	}
	return m.mutateLocked(a.RideID, func(r *models.Ride) error {
		if r.DriverID != "" {
			return ErrRideTaken
		}
		if err := blocked(r.Status); err != nil {
			return err
		}
		if r.Status != a.fromStatus() {
			return ErrInvalidTransition
		}
		at := a.At
		if at.IsZero() {
			at = m.now()
		}
		r.Status = models.RideAssigned
		r.DriverID = a.DriverID
		r.DispatchZoneID = a.ZoneID
		r.DispatchedRing = a.Ring
		r.ZoneExpansionApproved = a.ExpansionApproved
		r.ExtraFare = a.Surcharge
		r.FinalFare = r.BaseFare + a.Surcharge
		r.SurchargeHoldID = a.HoldID
		r.PendingOffer = nil
		r.AssignedAt = &at
		return nil
	})
}

func (m *MemoryStore) Cancel(ctx context.Context, id string, at time.Time) (*models.Ride, error) {
	return m.mutate(id, func(r *models.Ride) error {
		if r.DriverID != "" || r.Status == models.RideAssigned {
			return ErrRideTaken
		}
		if r.Status == models.RideCancelled {
			return ErrRideCancelled
		}
		r.Status = models.RideCancelled
		r.PendingOffer = nil
		r.CancelledAt = &at
		return nil
	})
}
