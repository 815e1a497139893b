package cache

import (
	"context"
	"crypto/tls"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(Config{Addr: mr.Addr(), KeyPrefix: "plant:", DefaultTTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(Config{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestClient_VectorRoundTrip(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetVector(ctx, "vec:torque")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.SetVector(ctx, "vec:torque", []float64{0.25, -1, 3.5}, 0))
	got, err := c.GetVector(ctx, "vec:torque")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, -1, 3.5}, got)

	assert.True(t, mr.Exists("plant:vec:torque"))
	assert.Equal(t, time.Minute, mr.TTL("plant:vec:torque"), "default ttl")

	require.NoError(t, c.SetVector(ctx, "vec:speed", []float64{1}, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("plant:vec:speed"))

	require.NoError(t, c.Delete(ctx, "vec:torque", "vec:speed"))
	assert.False(t, mr.Exists("plant:vec:torque"))
	require.NoError(t, c.Delete(ctx))
}

func TestClient_CorruptValue(t *testing.T) {
	mr, c := newTestClient(t)
	require.NoError(t, mr.Set("plant:vec:bad", "abc"))

	_, err := c.GetVector(context.Background(), "vec:bad")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClient_Closed(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Ping(ctx), ErrClosed)
	_, err := c.GetVector(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SetVector(ctx, "k", []float64{1}, 0), ErrClosed)
	assert.ErrorIs(t, c.Delete(ctx, "k"), ErrClosed)
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(Config{Addr: "cache:6379", Password: "pw", DB: 2, PoolSize: 4})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Nil(t, opts.TLSConfig)

	opts, err = redisOptions(Config{Addr: "redis://cache:6380/3", Password: "fallback"})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "fallback", opts.Password)
	assert.Nil(t, opts.TLSConfig)

	opts, err = redisOptions(Config{Addr: "rediss://:secret@cache.plant:6380/0", PoolSize: 8})
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.plant", opts.TLSConfig.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
	assert.NotEmpty(t, opts.TLSConfig.CipherSuites)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 8, opts.PoolSize)

	_, err = redisOptions(Config{Addr: "http://cache:6379"})
	assert.Error(t, err)
}

func TestVectorEncoding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vec := rapid.SliceOf(rapid.Float64()).Draw(t, "vec")
		got, err := DecodeVector(EncodeVector(vec))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != len(vec) {
			t.Fatalf("length %d, want %d", len(got), len(vec))
		}
		for i := range vec {
			if math.Float64bits(got[i]) != math.Float64bits(vec[i]) {
				t.Fatalf("element %d: %v != %v", i, got[i], vec[i])
			}
		}
	})
}
