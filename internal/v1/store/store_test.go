package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not-a-url")
	assert.Error(t, err)
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New("redis://localhost:1")
	assert.Error(t, err)
}

func TestSetIfAbsent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "k", "v1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second set loses
	ok, err = s.SetIfAbsent(ctx, "k", "v2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)

	// After expiry the key is free again
	mr.FastForward(11 * time.Second)
	ok, err = s.SetIfAbsent(ctx, "k", "v2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	_, found, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))

	existed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPExpireAndPTTL(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))

	// No expiry yet: PTTL reads as unknown
	ttl, err := s.PTTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	ok, err := s.PExpire(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err = s.PTTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Second)

	// Missing key
	ok, err = s.PExpire(ctx, "missing", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err = s.PTTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}

func TestHashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, s.HSet(ctx, "h", "f2", "v2"))

	v, found, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)

	_, found, err = s.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	n, err := s.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.HDel(ctx, "h", "f1"))
	n, err = s.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Empty field list is a no-op
	require.NoError(t, s.HDel(ctx, "h"))
}

func TestHSetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.HSetNX(ctx, "h", "f", "v1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.HSetNX(ctx, "h", "f", "v2")
	require.NoError(t, err)
	assert.False(t, created)

	v, _, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "s", "a"))
	require.NoError(t, s.SAdd(ctx, "s", "b"))

	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "s", "a"))
	members, err = s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	members, err = s.SMembers(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestScanKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "locks:r1:b1", "c1"))
	require.NoError(t, s.Set(ctx, "locks:r1:b2", "c2"))
	require.NoError(t, s.Set(ctx, "locks:r2:b1", "c3"))

	keys, err := s.ScanKeys(ctx, "locks:r1:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"locks:r1:b1", "locks:r1:b2"}, keys)

	keys, err = s.ScanKeys(ctx, "locks:r9:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEval(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	script := redis.NewScript(`
		redis.call('SET', KEYS[1], ARGV[1])
		return redis.call('GET', KEYS[1])
	`)

	res, err := s.Eval(ctx, script, []string{"k"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res)
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)

	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestNilStore(t *testing.T) {
	var s *Store
	assert.Nil(t, s.Client())
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
