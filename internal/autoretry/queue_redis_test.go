package autoretry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridian-hie/conduit/internal/autoretry"
	"github.com/meridian-hie/conduit/internal/model"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// redisClient starts one redis container for the package on first use.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests skipped in -short mode")
	}
	redisOnce.Do(func() {
		ctx := context.Background()
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := c.MappedPort(ctx, "6379")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	})
	require.NoError(t, redisErr, "start redis container")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisQueuePopRespectsCutoff(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	q := autoretry.NewRedisQueue(rdb)

	ch := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)
	old := model.AutoRetryEntry{TransactionID: uuid.New(), ChannelID: ch, RequestTimestamp: now.Add(-time.Hour)}
	fresh := model.AutoRetryEntry{TransactionID: uuid.New(), ChannelID: ch, RequestTimestamp: now}
	require.NoError(t, q.Push(ctx, old, fresh))

	got, err := q.Pop(ctx, ch, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.TransactionID, got[0].TransactionID)
	assert.True(t, old.RequestTimestamp.Equal(got[0].RequestTimestamp))

	got, err = q.Pop(ctx, ch, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = q.Pop(ctx, ch, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.TransactionID, got[0].TransactionID)
}

func TestRedisQueuePushIsIdempotent(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	q := autoretry.NewRedisQueue(rdb)

	e := model.AutoRetryEntry{TransactionID: uuid.New(), ChannelID: uuid.New(), RequestTimestamp: time.Now().UTC()}
	require.NoError(t, q.Push(ctx, e))
	require.NoError(t, q.Push(ctx, e))

	got, err := q.Pop(ctx, e.ChannelID, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRedisQueueConcurrentPopsAreExclusive(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	q := autoretry.NewRedisQueue(rdb)

	ch := uuid.New()
	past := time.Now().UTC().Add(-time.Hour)
	const n = 100
	entries := make([]model.AutoRetryEntry, n)
	for i := range entries {
		entries[i] = model.AutoRetryEntry{TransactionID: uuid.New(), ChannelID: ch, RequestTimestamp: past}
	}
	require.NoError(t, q.Push(ctx, entries...))

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Pop(ctx, ch, time.Now().UTC())
			assert.NoError(t, err)
			mu.Lock()
			for _, e := range got {
				seen[e.TransactionID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for _, c := range seen {
		assert.Equal(t, 1, c)
	}
}
