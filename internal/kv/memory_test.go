package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetWithTTL(ctx, "k", []byte("v"), 0))

	value, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.SetWithTTL(ctx, "k", []byte("v"), time.Hour))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(61 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetWithTTL(ctx, "k", []byte("abc"), 0))

	value, err := m.Get(ctx, "k")
	require.NoError(t, err)
	value[0] = 'x'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemory_IncrBy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = m.IncrBy(ctx, "counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Zero delta reads the current value.
	n, err = m.IncrBy(ctx, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemory_ScanPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetWithTTL(ctx, "job:1", []byte("a"), 0))
	require.NoError(t, m.SetWithTTL(ctx, "job:2", []byte("b"), 0))
	require.NoError(t, m.SetWithTTL(ctx, "stats:active", []byte("c"), 0))

	keys, err := m.ScanPrefix(ctx, "job:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1", "job:2"}, keys)
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetWithTTL(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Delete(ctx, "k"))

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
