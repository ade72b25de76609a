package fleet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

var (
	ErrDriverNotFound = errors.New("driver not found")
	ErrDriverClaimed  = errors.New("driver already has an active ride")
)

// Directory is the driver state store shared by the location feed, the
// dispatch engine and zone administration.
type Directory interface {
	// UpsertProfile writes class, online and available; position and claims are untouched.
	UpsertProfile(ctx context.Context, d models.Driver) error
	// UpdateLocation stores a position and its derived zone. Reports older
	// than the stored one are ignored and return applied=false.
	UpdateLocation(ctx context.Context, driverID string, pos models.Coord, at time.Time, zoneID string) (applied bool, err error)
	Get(ctx context.Context, driverID string) (models.Driver, error)
	InZone(ctx context.Context, zoneID string) ([]models.Driver, error)
	// Claim sets the driver's active ride only if none is set.
	Claim(ctx context.Context, driverID, rideID string) error
	// Release clears the active ride if it still points at rideID.
	Release(ctx context.Context, driverID, rideID string) error
	MarkZoneUnavailable(ctx context.Context, zoneID string) (int, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryDirectory keeps drivers in a map; fine for a single process.
type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[string]models.Driver), now: time.Now}
}

func (m *MemoryDirectory) UpsertProfile(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.drivers[d.ID]
	cur.ID = d.ID
	cur.VehicleClass = d.VehicleClass
	cur.Online = d.Online
	cur.Available = d.Available
	cur.LastSeen = m.now()
	m.drivers[d.ID] = cur
	return nil
}

func (m *MemoryDirectory) UpdateLocation(ctx context.Context, driverID string, pos models.Coord, at time.Time, zoneID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, ErrDriverNotFound
	}
	if at.Before(d.PositionAt) {
		return false, nil
	}
	p := pos
	d.Position = &p
	d.PositionAt = at
	d.ZoneID = zoneID
	d.LastSeen = at
	m.drivers[driverID] = d
	return true, nil
}

func (m *MemoryDirectory) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

// naive scan; the redis directory indexes by zone
func (m *MemoryDirectory) InZone(ctx context.Context, zoneID string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.ZoneID == zoneID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryDirectory) Claim(ctx context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	if d.ActiveRideID != "" {
		return ErrDriverClaimed
	}
	d.ActiveRideID = rideID
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryDirectory) Release(ctx context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	if d.ActiveRideID == rideID {
		d.ActiveRideID = ""
		m.drivers[driverID] = d
	}
	return nil
}

func (m *MemoryDirectory) MarkZoneUnavailable(ctx context.Context, zoneID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.drivers {
		if d.ZoneID == zoneID && d.Available {
			d.Available = false
			m.drivers[id] = d
			n++
		}
	}
	return n, nil
}

func (m *MemoryDirectory) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.drivers {
		if d.Online && d.LastSeen.Before(cutoff) {
			d.Online = false
			m.drivers[id] = d
			n++
		}
	}
	return n, nil
}
