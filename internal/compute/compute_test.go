package compute

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/cache"
)

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Auth-Token"))
		switch r.URL.Path {
		case "/v2.1/servers/vm-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"server": {"id": "vm-1", "name": "web-01"}}`))
		case "/v2.1/servers/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL+"/v2.1/", "secret", time.Second)
	ctx := context.Background()

	name, err := r.InstanceName(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "web-01", name)

	_, err = r.InstanceName(ctx, "vm-2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.InstanceName(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

type countingResolver struct {
	calls atomic.Int32
	names Static
}

func (c *countingResolver) InstanceName(ctx context.Context, id string) (string, error) {
	c.calls.Add(1)
	return c.names.InstanceName(ctx, id)
}

func TestCachedResolver(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1000, 0))
	inner := &countingResolver{names: Static{"vm-1": "web-01"}}
	r := NewCachedResolver(inner, cache.NewTTL[string, string](time.Minute, cache.WithClock(clk)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		name, err := r.InstanceName(ctx, "vm-1")
		require.NoError(t, err)
		assert.Equal(t, "web-01", name)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	// errors are not cached
	_, err := r.InstanceName(ctx, "vm-2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.InstanceName(ctx, "vm-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(3), inner.calls.Load())

	clk.Increment(time.Minute)
	_, err = r.InstanceName(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, int32(4), inner.calls.Load())
}
