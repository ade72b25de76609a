package zones

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/models"
)

// Source is where zone definitions live. Admin tooling owns the writes;
// the registry only reads and flips the active flag.
type Source interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
	SetZoneActive(ctx context.Context, id string, active bool) error
}

// DriverMarker is the slice of the fleet directory touched on deactivation.
type DriverMarker interface {
	MarkZoneUnavailable(ctx context.Context, zoneID string) (int, error)
}

type Candidate struct {
	Zone       models.Zone
	DistanceKm float64
}

// Registry is an in-memory snapshot of the zone table, refreshed from its Source.
type Registry struct {
	source  Source
	drivers DriverMarker
	logger  *slog.Logger

	mu    sync.RWMutex
	zones []models.Zone // sorted by priority, then id
	byID  map[string]models.Zone
}

func NewRegistry(source Source, drivers DriverMarker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{source: source, drivers: drivers, logger: logger, byID: map[string]models.Zone{}}
}

// Load replaces the snapshot. Zones that fail validation are skipped.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.source.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}
	valid := make([]models.Zone, 0, len(all))
	byID := make(map[string]models.Zone, len(all))
	for _, z := range all {
		if err := Validate(z); err != nil {
			r.logger.Warn("zone_skipped", "zone_id", z.ID, "error", err)
			continue
		}
		valid = append(valid, z)
		byID[z.ID] = z
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].PriorityOrder != valid[j].PriorityOrder {
			return valid[i].PriorityOrder < valid[j].PriorityOrder
		}
		return valid[i].ID < valid[j].ID
	})
	r.mu.Lock()
	r.zones = valid
	r.byID = byID
	r.mu.Unlock()
	return nil
}

func (r *Registry) Zones() []models.Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

func (r *Registry) Zone(id string) (models.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.byID[id]
	return z, ok
}

// ContainingZone returns the first active zone, in priority order, whose
// shape contains p.
func (r *Registry) ContainingZone(p models.Coord) (models.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, z := range r.zones {
		if z.Active && Contains(z, p) {
			return z, true
		}
	}
	return models.Zone{}, false
}

// ExpansionCandidates lists every other active zone ordered by priority,
// then by distance from p to the zone center.
func (r *Registry) ExpansionCandidates(excludeID string, p models.Coord) []Candidate {
	r.mu.RLock()
	out := make([]Candidate, 0, len(r.zones))
	for _, z := range r.zones {
		if !z.Active || z.ID == excludeID {
			continue
		}
		out = append(out, Candidate{Zone: z, DistanceKm: geo.HaversineKm(p, Center(z))})
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Zone.PriorityOrder != out[j].Zone.PriorityOrder {
			return out[i].Zone.PriorityOrder < out[j].Zone.PriorityOrder
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

// SetActive toggles a zone. Deactivating makes every driver currently
// attributed to the zone unavailable.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if _, ok := r.Zone(id); !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	if err := r.source.SetZoneActive(ctx, id, active); err != nil {
		return fmt.Errorf("set zone %s active=%t: %w", id, active, err)
	}
	if !active && r.drivers != nil {
		n, err := r.drivers.MarkZoneUnavailable(ctx, id)
		if err != nil {
			return fmt.Errorf("mark drivers of zone %s unavailable: %w", id, err)
		}
		r.logger.Info("zone_deactivated", "zone_id", id, "drivers_marked_unavailable", n)
	}
	return r.Load(ctx)
}
