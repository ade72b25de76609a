package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/zone-dispatch/internal/models"
)

// Key layout:
//
//	driver:<id>          hash with profile, position, zone and active_ride
//	zone:<id>:drivers    GEO set of drivers currently attributed to the zone
//	drivers:all          set of every known driver id
const allDriversKey = "drivers:all"

func driverKey(id string) string   { return "driver:" + id }
func zoneKey(zoneID string) string { return "zone:" + zoneID + ":drivers" }

// updateLocationScript takes KEYS driver, zone set of the expected old zone,
// zone set of the new zone. It returns -2 when the stored zone no longer
// matches ARGV[6] so the caller can re-read it and retry.
var updateLocationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local prev = tonumber(redis.call('HGET', KEYS[1], 'pos_at') or '0') or 0
if tonumber(ARGV[4]) < prev then return 0 end
local old = redis.call('HGET', KEYS[1], 'zone') or ''
if old ~= ARGV[6] then return -2 end
if old ~= '' and old ~= ARGV[5] then
  redis.call('ZREM', KEYS[2], ARGV[1])
end
if ARGV[5] ~= '' then
  redis.call('GEOADD', KEYS[3], ARGV[3], ARGV[2], ARGV[1])
end
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'pos_at', ARGV[4], 'zone', ARGV[5], 'last_seen', ARGV[4])
return 1
`)

// locationUpdateAttempts bounds retries when the zone moves between the read
// and the script.
const locationUpdateAttempts = 3

// locationKeys lists every key updateLocationScript touches. An empty zone
// still gets its key slot; the script leaves it alone.
func locationKeys(driverID, oldZone, newZone string) []string {
	return []string{driverKey(driverID), zoneKey(oldZone), zoneKey(newZone)}
}

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'active_ride')
if cur and cur ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'active_ride', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active_ride') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'active_ride', '')
  return 1
end
return 0
`)

var markOfflineScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') ~= '1' then return 0 end
local seen = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0') or 0
if seen >= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'online', '0')
return 1
`)

// RedisDirectory implements Directory on Redis hashes and GEO sets.
type RedisDirectory struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, now: time.Now}
}

func (r *RedisDirectory) UpsertProfile(ctx context.Context, d models.Driver) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, driverKey(d.ID), map[string]interface{}{
			"class":     string(d.VehicleClass),
			"online":    boolField(d.Online),
			"available": boolField(d.Available),
			"last_seen": r.now().UnixMilli(),
		})
		pipe.SAdd(ctx, allDriversKey, d.ID)
		return nil
	})
	return err
}

func (r *RedisDirectory) UpdateLocation(ctx context.Context, driverID string, pos models.Coord, at time.Time, zoneID string) (bool, error) {
	for attempt := 0; attempt < locationUpdateAttempts; attempt++ {
		old, err := r.client.HGet(ctx, driverKey(driverID), "zone").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		res, err := updateLocationScript.Run(ctx, r.client, locationKeys(driverID, old, zoneID),
			driverID,
			strconv.FormatFloat(pos.Lat, 'f', -1, 64),
			strconv.FormatFloat(pos.Lng, 'f', -1, 64),
			at.UnixMilli(),
			zoneID,
			old,
		).Int()
		if err != nil {
			return false, err
		}
		switch res {
		case -2:
			continue
		case -1:
			return false, ErrDriverNotFound
		case 0:
			return false, nil
		}
		return true, nil
	}
	return false, fmt.Errorf("update location of %s: zone kept changing", driverID)
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, driverKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	return parseDriver(driverID, m), nil
}

func (r *RedisDirectory) InZone(ctx context.Context, zoneID string) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, zoneKey(zoneID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

// NearbyInZone returns drivers in the zone's GEO set within radiusKm of p.
// The GEO distance is only a prefilter; callers re-check exact distance.
func (r *RedisDirectory) NearbyInZone(ctx context.Context, zoneID string, p models.Coord, radiusKm float64) ([]models.Driver, error) {
	ids, err := r.client.GeoSearch(ctx, zoneKey(zoneID), &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm * 1.01, // redis uses a slightly different earth radius
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

func (r *RedisDirectory) load(ctx context.Context, ids []string) ([]models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, driverKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out = append(out, parseDriver(ids[i], m))
	}
	return out, nil
}

func (r *RedisDirectory) Claim(ctx context.Context, driverID, rideID string) error {
	res, err := claimScript.Run(ctx, r.client, []string{driverKey(driverID)}, rideID).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrDriverNotFound
	case 0:
		return ErrDriverClaimed
	}
	return nil
}

func (r *RedisDirectory) Release(ctx context.Context, driverID, rideID string) error {
	return releaseScript.Run(ctx, r.client, []string{driverKey(driverID)}, rideID).Err()
}

func (r *RedisDirectory) MarkZoneUnavailable(ctx context.Context, zoneID string) (int, error) {
	ids, err := r.client.ZRange(ctx, zoneKey(zoneID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HSet(ctx, driverKey(id), "available", "0")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisDirectory) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.SMembers(ctx, allDriversKey).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.Cmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = markOfflineScript.Eval(ctx, pipe, []string{driverKey(id)}, cutoff.UnixMilli())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark stale offline: %w", err)
	}
	n := 0
	for _, cmd := range cmds {
		if v, err := cmd.Int(); err == nil && v == 1 {
			n++
		}
	}
	return n, nil
}

// Ping is used by the health check.
func (r *RedisDirectory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseDriver(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:           id,
		VehicleClass: models.VehicleClass(m["class"]),
		Online:       m["online"] == "1",
		Available:    m["available"] == "1",
		ZoneID:       m["zone"],
		ActiveRideID: m["active_ride"],
	}
	if ms, err := strconv.ParseInt(m["last_seen"], 10, 64); err == nil {
		d.LastSeen = time.UnixMilli(ms)
	}
	lat, errLat := strconv.ParseFloat(m["lat"], 64)
	lng, errLng := strconv.ParseFloat(m["lng"], 64)
	if errors.Join(errLat, errLng) == nil {
		d.Position = &models.Coord{Lat: lat, Lng: lng}
		if ms, err := strconv.ParseInt(m["pos_at"], 10, 64); err == nil {
			d.PositionAt = time.UnixMilli(ms)
		}
	}
	return d
}
