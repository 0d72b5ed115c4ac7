package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/aggregator/internal/domain"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestMirrorState(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	st := domain.NewAssetState(domain.Identity{PrimaryID: "a1", VIN: "VIN1"})
	st.LastLocation = domain.Location{Lat: ptr(36.5), Lon: ptr(-119.25), SpeedMph: ptr(12.5), City: ptr("Fresno")}
	st.LastTopic = "vehicle-locations"
	st.LastUpdateTimestamp = t0
	st.LastFaultSnapshot.ActiveFaults = []domain.Fault{{Code: "SPN 1", Severity: domain.SeverityWarning}}
	st.LastFaultSnapshot.Counts = domain.SeverityCounts{Warning: 1}

	require.NoError(t, r.MirrorState(ctx, st, time.Minute))

	key := StateKey("a1")
	assert.Equal(t, "VIN1", mr.HGet(key, "vin"))
	assert.Equal(t, "36.5", mr.HGet(key, "lat"))
	assert.Equal(t, "-119.25", mr.HGet(key, "lon"))
	assert.Equal(t, "12.5", mr.HGet(key, "speed_mph"))
	assert.Equal(t, "Fresno", mr.HGet(key, "city"))
	assert.Equal(t, "1", mr.HGet(key, "warning"))
	assert.Equal(t, "", mr.HGet(key, "heading"))
	assert.Equal(t, time.Minute, mr.TTL(key))

	members, err := r.client.GeoRadius(ctx, GeoKey, -119.25, 36.5, &redis.GeoRadiusQuery{Radius: 1, Unit: "km"}).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "a1", members[0].Name)
}

func TestMirrorState_WithoutCoordinatesSkipsGeo(t *testing.T) {
	r, mr := newTestRedis(t)
	st := domain.NewAssetState(domain.Identity{PrimaryID: "a2"})
	require.NoError(t, r.MirrorState(context.Background(), st, 0))
	assert.False(t, mr.Exists(GeoKey))
	assert.Equal(t, time.Duration(0), mr.TTL(StateKey("a2")))
}

func TestClaimAlert(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.ClaimAlert(ctx, "a1", "SPN 1327 FMI 11", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimAlert(ctx, "a1", "SPN 1327 FMI 11", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(6 * time.Minute)
	ok, err = r.ClaimAlert(ctx, "a1", "SPN 1327 FMI 11", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetAPIKey(t *testing.T) {
	r, mr := newTestRedis(t)
	require.NoError(t, mr.Set(OperatorKey("secret"), "dispatch"))

	name, err := r.GetAPIKey(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, "dispatch", name)

	name, err = r.GetAPIKey(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, name)
}
