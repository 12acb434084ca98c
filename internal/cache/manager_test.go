package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewManagerFromClient(client, DefaultConfig(), zaptest.NewLogger(t))
}

func TestManager_GetSet(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, m.SetJSON(ctx, "p", payload{Name: "doc", Count: 3}, 0))

	var got payload
	require.NoError(t, m.GetJSON(ctx, "p", &got))
	assert.Equal(t, payload{Name: "doc", Count: 3}, got)
}

func TestManager_MGetMSet(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.MSetJSON(ctx, map[string]any{
		"a": "one",
		"b": "two",
	}, time.Minute))

	vals, err := m.MGet(ctx, "a", "missing", "b")
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, `"one"`, vals[0])
	assert.Equal(t, "", vals[1])
	assert.Equal(t, `"two"`, vals[2])
}

func TestManager_Closed(t *testing.T) {
	m := setupManager(t)
	require.NoError(t, m.Close())

	_, err := m.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}
