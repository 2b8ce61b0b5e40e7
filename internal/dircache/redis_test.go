package dircache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("COBALTDL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COBALTDL_TEST_REDIS_URL not set")
	}
	c, err := Open(context.Background(), url, "cobaltdl-test-"+uuid.NewString(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedis_LoadStore(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Load(ctx, "directory")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Store(ctx, "directory", []byte(`[{"api":"a.example"}]`), time.Minute))
	b, ok, err := c.Load(ctx, "directory")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"api":"a.example"}]`, string(b))
}

func TestRedis_Expires(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "short", []byte("x"), 50*time.Millisecond))
	require.Eventually(t, func() bool {
		_, ok, err := c.Load(ctx, "short")
		return err == nil && !ok
	}, 2*time.Second, 25*time.Millisecond)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url", "", nil)
	require.Error(t, err)
}

func TestNew_DefaultPrefix(t *testing.T) {
	r := New(nil, "", nil)
	require.Equal(t, "cobaltdl:directory", r.key("directory"))
}
