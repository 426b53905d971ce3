package geo

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/care-matching/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Positions live in a
// single geo set; the rest of the nurse record lives in a per-nurse hash so
// a location update replaces both together.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func NewRedisGeoWithClient(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, n models.Nurse) error {
	if err := models.ValidateCoord(n.Loc); err != nil {
		return err
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: n.Loc.Lon,
		Latitude:  n.Loc.Lat,
		Name:      n.ID,
	}).Result(); err != nil {
		return err
	}
	services, _ := json.Marshal(n.Services)
	return r.client.HSet(ctx, metaKey(n.ID), map[string]interface{}{
		"rating":    strconv.FormatFloat(n.AverageRating, 'f', -1, 64),
		"reviews":   strconv.Itoa(n.TotalReviews),
		"available": strconv.FormatBool(n.Available),
		"services":  string(services),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetAvailability(ctx context.Context, nurseID string, available bool) error {
	return r.client.HSet(ctx, metaKey(nurseID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) Search(ctx context.Context, q Query) ([]models.Nurse, error) {
	if err := models.ValidateCoord(q.Center); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.key, q.Center.Lon, q.Center.Lat, &redis.GeoRadiusQuery{
		Radius:    q.Clamped(),
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Nurse, 0, len(res))
	for _, g := range res {
		n := models.Nurse{ID: g.Name}
		n.Loc.Lat = g.Latitude
		n.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			hydrate(&n, m)
		}
		if !Matches(n, q) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func hydrate(n *models.Nurse, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			n.AverageRating = f
		}
	}
	if v, ok := m["reviews"]; ok {
		if c, err := strconv.Atoi(v); err == nil {
			n.TotalReviews = c
		}
	}
	if v, ok := m["available"]; ok {
		n.Available = v == "true"
	}
	if v, ok := m["services"]; ok && v != "" {
		_ = json.Unmarshal([]byte(v), &n.Services)
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			n.Updated = t
		}
	}
}

func metaKey(id string) string { return "nurse:meta:" + id }
