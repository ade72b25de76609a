package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/zone-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool so the zone source can share it.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded migrations that are not yet recorded in _migrations.
func (p *PostgresStore) Migrate(ctx context.Context, logger *slog.Logger) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM _migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO _migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Info("db_migration_applied", "file", name)
	}
	return nil
}

const rideColumns = `id, rider_id, pickup_lat, pickup_lng, vehicle_class, base_fare, status,
	driver_id, dispatch_zone_id, dispatched_ring, zone_expansion_approved, extra_fare, final_fare,
	pending_offer, surcharge_hold_id, created_at, updated_at, assigned_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		driverID sql.NullString
		zoneID   sql.NullString
		ring     sql.NullInt64
		offer    []byte
		holdID   sql.NullString
		assigned sql.NullTime
		cancel   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.VehicleClass, &r.BaseFare, &r.Status,
		&driverID, &zoneID, &ring, &r.ZoneExpansionApproved, &r.ExtraFare, &r.FinalFare,
		&offer, &holdID, &r.CreatedAt, &r.UpdatedAt, &assigned, &cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.DispatchZoneID = zoneID.String
	r.SurchargeHoldID = holdID.String
	if ring.Valid {
		n := int(ring.Int64)
		r.DispatchedRing = &n
	}
	if len(offer) > 0 {
		var o models.ExpansionOffer
		if err := json.Unmarshal(offer, &o); err != nil {
			return nil, fmt.Errorf("ride %s pending offer: %w", r.ID, err)
		}
		r.PendingOffer = &o
	}
	if assigned.Valid {
		r.AssignedAt = &assigned.Time
	}
	if cancel.Valid {
		r.CancelledAt = &cancel.Time
	}
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if r.Status == "" {
		r.Status = models.RideNew
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = r.CreatedAt
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, pickup_lat, pickup_lng, vehicle_class, base_fare, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.VehicleClass, r.BaseFare, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

// explain turns a zero-row conditional update into the matching sentinel.
func (p *PostgresStore) explain(ctx context.Context, id string) error {
	var status models.RideStatus
	err := p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := blocked(status); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func statuses(ss []models.RideStatus) pq.StringArray {
	out := make(pq.StringArray, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (p *PostgresStore) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.explain(ctx, id)
	}
	return nil
}

func (p *PostgresStore) BeginSearch(ctx context.Context, id, zoneID string) error {
	return p.exec(ctx, id, `UPDATE rides SET status=$2, dispatch_zone_id=$3, pending_offer=NULL, dispatched_ring=NULL, updated_at=NOW()
		WHERE id=$1 AND driver_id IS NULL AND status = ANY($4)`,
		id, models.RideSearchingRing, zoneID, statuses(searchable))
}

func (p *PostgresStore) Transition(ctx context.Context, id string, to models.RideStatus, from ...models.RideStatus) error {
	return p.exec(ctx, id, `UPDATE rides SET status=$2,
			pending_offer = CASE WHEN $2 = 'awaiting_expansion_approval' THEN pending_offer ELSE NULL END,
			updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)`,
		id, to, statuses(from))
}

func (p *PostgresStore) SetPendingOffer(ctx context.Context, id string, offer models.ExpansionOffer) error {
	body, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return p.exec(ctx, id, `UPDATE rides SET status=$2, pending_offer=$3, updated_at=NOW()
		WHERE id=$1 AND driver_id IS NULL AND status = ANY($4)`,
		id, models.RideAwaitingExpansionApproval, string(body),
		statuses([]models.RideStatus{models.RideSearchingRing, models.RideAwaitingExpansionApproval}))
}

func (p *PostgresStore) Assign(ctx context.Context, a Assignment) (*models.Ride, error) {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	var ring sql.NullInt64
	if a.Ring != nil {
		ring = sql.NullInt64{Int64: int64(*a.Ring), Valid: true}
	}
	hold := sql.NullString{String: a.HoldID, Valid: a.HoldID != ""}
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET status=$2, driver_id=$3, dispatch_zone_id=$4,
			dispatched_ring=$5, zone_expansion_approved=$6, extra_fare=$7, final_fare=base_fare+$7,
			surcharge_hold_id=$8, pending_offer=NULL, assigned_at=$9, updated_at=NOW()
		WHERE id=$1 AND driver_id IS NULL AND status=$10
		RETURNING `+rideColumns,
		a.RideID, models.RideAssigned, a.DriverID, a.ZoneID, ring, a.ExpansionApproved, a.Surcharge, hold, at, a.fromStatus()))
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr) && pqErr.Code == "23505":
		return nil, ErrDriverBusy
	case errors.Is(err, ErrNotFound):
		return nil, p.explain(ctx, a.RideID)
	case err != nil:
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Cancel(ctx context.Context, id string, at time.Time) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET status=$2, pending_offer=NULL, cancelled_at=$3, updated_at=NOW()
		WHERE id=$1 AND driver_id IS NULL AND status NOT IN ('assigned', 'cancelled')
		RETURNING `+rideColumns, id, models.RideCancelled, at))
	if errors.Is(err, ErrNotFound) {
		return nil, p.explain(ctx, id)
	}
	return r, err
}
