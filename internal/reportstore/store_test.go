package reportstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/accountops/internal/core"
)

func sampleReport() core.Report {
	return core.NewBulkReport(uuid.NewString(), core.OpBan, core.StatusCompleted, core.BulkOperationResult{
		Total:   2,
		Success: 1,
		Failed:  1,
		Errors: []core.ItemError{
			{UserID: "u2", UserEmail: "bob@example.com", Code: "NOT_FOUND", Error: "account not found"},
		},
		Warnings: []core.ItemWarning{},
	})
}

func TestMemoryStore_PublishGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	r := sampleReport()

	url, err := s.Publish(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "/api/reports/"+r.ID, url)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Title, got.Title)
	require.NotNil(t, got.Bulk)
	assert.Equal(t, 1, got.Bulk.Failed)
}

func TestMemoryStore_NotFound(t *testing.T) {
	_, err := NewMemoryStore(0).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	old := sampleReport()
	_, err := s.Publish(ctx, old)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Publishing sweeps expired entries.
	_, err = s.Publish(ctx, sampleReport())
	require.NoError(t, err)
	assert.Len(t, s.reports, 1)
}

// testRedisStore connects to REDIS_ADDR on a scratch database.
func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	s := NewRedisStoreFromClient(client, time.Minute)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_PublishGet(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()
	r := sampleReport()

	url, err := s.Publish(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, URLFor(r.ID), url)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, core.ReportBulk, got.Kind)
	require.NotNil(t, got.Bulk)
	assert.Equal(t, r.Bulk.Errors[0].UserEmail, got.Bulk.Errors[0].UserEmail)

	ttl, err := s.client.TTL(ctx, keyPrefix+r.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = s.Get(ctx, "missing-"+r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStoreFromURL_BadURL(t *testing.T) {
	_, err := NewRedisStoreFromURL("not a url", time.Minute)
	assert.Error(t, err)
}
