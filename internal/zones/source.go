package zones

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/example/zone-dispatch/internal/models"
)

// MemorySource keeps zone definitions in process; used by tests and the
// no-database setup.
type MemorySource struct {
	mu    sync.RWMutex
	zones map[string]models.Zone
}

func NewMemorySource(zs ...models.Zone) *MemorySource {
	m := &MemorySource{zones: make(map[string]models.Zone, len(zs))}
	for _, z := range zs {
		m.zones[z.ID] = z
	}
	return m
}

func (m *MemorySource) Put(z models.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = z
}

func (m *MemorySource) ListZones(ctx context.Context) ([]models.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySource) SetZoneActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	z.Active = active
	m.zones[id] = z
	return nil
}

// PostgresSource reads the zones table.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, polygon, center_lat, center_lng, radius_km,
		number_of_rings, ring_radius_km, expansion_wait_seconds, priority_order, is_active
		FROM zones ORDER BY priority_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Zone
	for rows.Next() {
		var (
			z       models.Zone
			polygon []byte
			lat     sql.NullFloat64
			lng     sql.NullFloat64
			radius  sql.NullFloat64
		)
		if err := rows.Scan(&z.ID, &z.Name, &polygon, &lat, &lng, &radius,
			&z.NumberOfRings, &z.RingRadiusKm, &z.ExpansionWaitSeconds, &z.PriorityOrder, &z.Active); err != nil {
			return nil, err
		}
		if len(polygon) > 0 {
			if err := json.Unmarshal(polygon, &z.Polygon); err != nil {
				return nil, fmt.Errorf("zone %s polygon: %w", z.ID, err)
			}
		}
		z.Center = models.Coord{Lat: lat.Float64, Lng: lng.Float64}
		z.RadiusKm = radius.Float64
		out = append(out, z)
	}
	return out, rows.Err()
}

func (p *PostgresSource) SetZoneActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE zones SET is_active=$1, updated_at=NOW() WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	return nil
}

// SaveZone upserts a zone definition after validating it.
func (p *PostgresSource) SaveZone(ctx context.Context, z models.Zone) error {
	ApplyDefaults(&z)
	if err := Validate(z); err != nil {
		return err
	}
	var polygon any // NULL for circular zones
	if z.HasPolygon() {
		b, err := json.Marshal(z.Polygon)
		if err != nil {
			return err
		}
		polygon = string(b)
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO zones(id, name, polygon, center_lat, center_lng, radius_km,
		number_of_rings, ring_radius_km, expansion_wait_seconds, priority_order, is_active, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, polygon=EXCLUDED.polygon,
			center_lat=EXCLUDED.center_lat, center_lng=EXCLUDED.center_lng, radius_km=EXCLUDED.radius_km,
			number_of_rings=EXCLUDED.number_of_rings, ring_radius_km=EXCLUDED.ring_radius_km,
			expansion_wait_seconds=EXCLUDED.expansion_wait_seconds, priority_order=EXCLUDED.priority_order,
			is_active=EXCLUDED.is_active, updated_at=NOW()`,
		z.ID, z.Name, polygon, z.Center.Lat, z.Center.Lng, z.RadiusKm,
		z.NumberOfRings, z.RingRadiusKm, z.ExpansionWaitSeconds, z.PriorityOrder, z.Active)
	return err
}

// ReadZonesFile reads a JSON array of zone definitions, filling defaults
// for omitted ring parameters.
func ReadZonesFile(path string) ([]models.Zone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var zs []models.Zone
	if err := json.Unmarshal(b, &zs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range zs {
		ApplyDefaults(&zs[i])
	}
	return zs, nil
}
