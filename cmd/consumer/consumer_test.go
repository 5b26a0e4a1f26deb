package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/motopoint/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failH       int // number of times to fail HSet before succeeding
	failExpire  int
	hCalls      int
	expireCalls int
	lastKey     string
	lastFields  map[string]interface{}
	lastTTL     time.Duration
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey, f.lastFields = key, values
	return nil
}

func (f *fakeUpdater) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.expireCalls++
	if f.expireCalls <= f.failExpire {
		return errors.New("expire fail")
	}
	f.lastTTL = ttl
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failH: 1, failExpire: 1}
	start := time.Now()
	err := updateRedisWithRetry(context.Background(), f, "ride:state:r1", map[string]interface{}{"status": "accepted"}, time.Hour, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.hCalls)
	assert.Equal(t, 2, f.expireCalls)
	assert.Equal(t, time.Hour, f.lastTTL)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "expected two backoffs")
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failH: 5}
	err := updateRedisWithRetry(context.Background(), f, "ride:state:r1", nil, time.Hour, 3, 5*time.Millisecond)
	assert.EqualError(t, err, "hset fail")
	assert.Equal(t, 3, f.hCalls)
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failH: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateRedisWithRetry(ctx, f, "k", nil, time.Hour, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.hCalls)
}

func TestProjection(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	key, fields, ok := projection(models.RideEvent{Type: models.EventRideAccepted, RideID: "r1", DriverID: "d1", Status: models.RideAccepted, At: at})
	require.True(t, ok)
	assert.Equal(t, "ride:state:r1", key)
	assert.Equal(t, "accepted", fields["status"])
	assert.Equal(t, "d1", fields["driver_id"])
	assert.Equal(t, "ride.accepted", fields["last_event"])
	assert.Equal(t, "2026-03-14T09:00:00Z", fields["updated_at"])

	// a rejecting driver is not the ride's driver
	_, fields, ok = projection(models.RideEvent{Type: models.EventRideRejected, RideID: "r1", DriverID: "d2", At: at})
	require.True(t, ok)
	assert.NotContains(t, fields, "driver_id")
	assert.NotContains(t, fields, "status")

	key, _, ok = projection(models.RideEvent{Type: models.EventDriverStatus, DriverID: "d1", At: at})
	require.True(t, ok)
	assert.Equal(t, "driver:state:d1", key)

	_, _, ok = projection(models.RideEvent{Type: models.EventRideCreated})
	assert.False(t, ok)
}
