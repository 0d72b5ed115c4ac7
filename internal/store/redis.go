package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/domain"
)

const (
	GeoKey         = "assets:geo"
	UpdatesChannel = "assets:updates"
	AlertsChannel  = "assets:alerts"
)

func StateKey(assetID string) string {
	return fmt.Sprintf("asset:%s:state", assetID)
}

func AlertKey(assetID, code string) string {
	return fmt.Sprintf("alert:%s:%s", assetID, code)
}

func OperatorKey(apiKey string) string {
	return fmt.Sprintf("operator:auth:%s", apiKey)
}

// RedisStore mirrors asset state for other services. Nothing is read back
// into the engine.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MirrorState writes the flattened state hash, refreshes its TTL, places the
// asset on the geo set when both coordinates are known and publishes the full
// record on the updates channel, all in one pipeline.
func (r *RedisStore) MirrorState(ctx context.Context, st *domain.AssetState, ttl time.Duration) error {
	pubPayload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	id := st.Identity.PrimaryID
	key := StateKey(id)
	loc := st.LastLocation
	counts := st.LastFaultSnapshot.Counts

	fields := map[string]interface{}{
		"id":            id,
		"vin":           st.Identity.VIN,
		"serial":        st.Identity.Serial,
		"last_topic":    st.LastTopic,
		"updated_at":    st.LastUpdateTimestamp.Unix(),
		"active_faults": len(st.LastFaultSnapshot.ActiveFaults),
		"critical":      counts.Critical,
		"warning":       counts.Warning,
		"info":          counts.Info,
		"unknown":       counts.Unknown,
	}
	putFloat(fields, "lat", loc.Lat)
	putFloat(fields, "lon", loc.Lon)
	putFloat(fields, "heading", loc.HeadingDegrees)
	putFloat(fields, "speed_mph", loc.SpeedMph)
	if loc.City != nil {
		fields["city"] = *loc.City
	}
	if loc.State != nil {
		fields["state"] = *loc.State
	}
	if loc.Time != nil {
		fields["location_time"] = loc.Time.Unix()
	}

	pipe := r.client.Pipeline()

	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if loc.Lat != nil && loc.Lon != nil {
		pipe.GeoAdd(ctx, GeoKey, &redis.GeoLocation{
			Name:      id,
			Longitude: *loc.Lon,
			Latitude:  *loc.Lat,
		})
	}
	pipe.Publish(ctx, UpdatesChannel, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func putFloat(fields map[string]interface{}, name string, v *float64) {
	if v != nil {
		fields[name] = strconv.FormatFloat(*v, 'f', -1, 64)
	}
}

// GetAPIKey returns the operator name registered for apiKey, or "" if none.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, OperatorKey(apiKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// ClaimAlert sets the dedup key for an asset and fault code. It reports false
// when an alert for the pair was already raised within ttl.
func (r *RedisStore) ClaimAlert(ctx context.Context, assetID, code string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, AlertKey(assetID, code), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) PublishAlert(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, AlertsChannel, payload).Err()
}
