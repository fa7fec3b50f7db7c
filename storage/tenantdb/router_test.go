package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	testutil "github.com/akilisoft/elimu/tests"
)

var routerDriver = testutil.RegisterFakeDriver("router-test")

func newTestRouter(t *testing.T, conf *core.Config) *Router {
	t.Helper()
	routerDriver.Reset()

	r := NewRouter(conf, testutil.Logger{})
	r.openFunc = func(locator string) (*sql.DB, error) { return sql.Open("router-test", locator) }
	t.Cleanup(r.Close)
	return r
}

func activeTenant(code string) tenant.Tenant {
	return tenant.Tenant{
		Code:    code,
		Name:    code,
		State:   tenant.StateActive,
		Plan:    tenant.PlanBasic,
		Locator: "elimu_t_" + code,
	}
}

func TestRouterAcquireRoutesToTenantDatabase(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	h, err := r.Acquire(ctx, activeTenant("alpha"))
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, "alpha", h.TenantCode())

	var db string
	require.NoError(t, h.QueryRowContext(ctx, "SELECT current_database()").Scan(&db))
	assert.Equal(t, "elimu_t_alpha", db)
	assert.Equal(t, 1, r.Leased("alpha"))
}

func TestRouterRejectsInaccessibleTenants(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	tests := []struct {
		name  string
		state tenant.State
		want  error
	}{
		{"provisioning", tenant.StateProvisioning, tenant.ErrNotActive},
		{"suspended", tenant.StateSuspended, tenant.ErrSuspended},
		{"deleting", tenant.StateDeleting, tenant.ErrNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tn := activeTenant("beta")
			tn.State = tt.state

			_, err := r.Acquire(ctx, tn)
			assert.Equal(t, tt.want, err)
		})
	}

	t.Run("expired overrides stored state", func(t *testing.T) {
		tn := activeTenant("beta")
		tn.ExpiresAt = null.TimeFrom(time.Now().UTC().Add(-time.Minute))
		_, err := r.Acquire(ctx, tn)
		assert.Equal(t, tenant.ErrExpired, err)
	})

	// none of the rejections should have dialed anything
	assert.Equal(t, 0, routerDriver.Opens("elimu_t_beta"))
}

func TestRouterPoolIsReusedPerTenant(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	for i := 0; i < 5; i++ {
		h, err := r.Acquire(ctx, activeTenant("gamma"))
		require.NoError(t, err)
		require.NoError(t, h.Release())
	}

	// a single physical connection served every lease
	assert.Equal(t, 1, routerDriver.Opens("elimu_t_gamma"))
	assert.Equal(t, 0, r.Leased("gamma"))
}

func TestRouterBoundedAcquire(t *testing.T) {
	ctx := context.Background()
	conf := testutil.NewConfig()
	conf.Tenant.PoolSize = 1
	conf.Tenant.AcquireTimeout = 50 * time.Millisecond
	r := newTestRouter(t, conf)

	h1, err := r.Acquire(ctx, activeTenant("delta"))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Acquire(ctx, activeTenant("delta"))
	assert.Equal(t, ErrPoolExhausted, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// a saturated pool frees up on release
	require.NoError(t, h1.Release())
	h2, err := r.Acquire(ctx, activeTenant("delta"))
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestRouterAcquireHonorsCallerCancellation(t *testing.T) {
	conf := testutil.NewConfig()
	conf.Tenant.PoolSize = 1
	conf.Tenant.AcquireTimeout = time.Second
	r := newTestRouter(t, conf)

	h, err := r.Acquire(context.Background(), activeTenant("epsilon"))
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = r.Acquire(ctx, activeTenant("epsilon"))
	assert.Equal(t, context.Canceled, err)
}

func TestRouterReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	h, err := r.Acquire(ctx, activeTenant("zeta"))
	require.NoError(t, err)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.Equal(t, 0, r.Leased("zeta"))
}

func TestRouterEvict(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	h, err := r.Acquire(ctx, activeTenant("eta"))
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.Equal(t, 1, routerDriver.Opens("elimu_t_eta"))

	r.Evict("eta")

	// next acquire re-opens the pool
	h, err = r.Acquire(ctx, activeTenant("eta"))
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.Equal(t, 2, routerDriver.Opens("elimu_t_eta"))
}

func TestRouterEvictSparesInFlightHandles(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	h, err := r.Acquire(ctx, activeTenant("mid"))
	require.NoError(t, err)

	// suspension path: the pool goes away while the handle is out
	r.Evict("mid")

	// the in-flight request finishes on its already-leased connection
	var db string
	require.NoError(t, h.QueryRowContext(ctx, "SELECT current_database()").Scan(&db))
	assert.Equal(t, "elimu_t_mid", db)
	require.NoError(t, h.Release())

	// but a suspended tenant cannot acquire anew
	tn := activeTenant("mid")
	tn.State = tenant.StateSuspended
	_, err = r.Acquire(ctx, tn)
	assert.Equal(t, tenant.ErrSuspended, err)
}

func TestRouterEvictKeepsLeasedCount(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	h, err := r.Acquire(ctx, activeTenant("iota"))
	require.NoError(t, err)
	require.Equal(t, 1, r.Leased("iota"))

	// eviction must not hide the outstanding lease; teardown relies on
	// Leased to know the pool is still in use
	r.Evict("iota")
	assert.Equal(t, 1, r.Leased("iota"))

	require.NoError(t, h.Release())
	assert.Equal(t, 0, r.Leased("iota"))
}

func TestRouterReleaseLandsOnLeasedPool(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, testutil.NewConfig())

	old, err := r.Acquire(ctx, activeTenant("chi"))
	require.NoError(t, err)

	// a fresh pool opens under the same code while the old handle is out
	r.Evict("chi")
	fresh, err := r.Acquire(ctx, activeTenant("chi"))
	require.NoError(t, err)
	require.Equal(t, 2, r.Leased("chi"))

	// releasing the old handle must not debit the fresh pool
	require.NoError(t, old.Release())
	assert.Equal(t, 1, r.Leased("chi"))

	require.NoError(t, fresh.Release())
	assert.Equal(t, 0, r.Leased("chi"))
}

func TestRouterClose(t *testing.T) {
	ctx := context.Background()
	routerDriver.Reset()

	r := NewRouter(testutil.NewConfig(), testutil.Logger{})
	r.openFunc = func(locator string) (*sql.DB, error) { return sql.Open("router-test", locator) }

	h, err := r.Acquire(ctx, activeTenant("theta"))
	require.NoError(t, err)
	require.NoError(t, h.Release())

	r.Close()
	r.Close() // safe to call twice

	_, err = r.Acquire(ctx, activeTenant("theta"))
	assert.Equal(t, ErrRouterClosed, err)
}

func TestRouterReapsIdlePools(t *testing.T) {
	ctx := context.Background()
	conf := testutil.NewConfig()
	conf.Tenant.IdleTimeout = 10 * time.Millisecond
	conf.Tenant.ReapInterval = 10 * time.Millisecond
	r := newTestRouter(t, conf)

	h, err := r.Acquire(ctx, activeTenant("iota"))
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.Equal(t, 1, routerDriver.Opens("elimu_t_iota"))

	// the pool outlives the lease only until the reaper notices it idle
	assert.Eventually(t, func() bool {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		_, ok := r.pools["iota"]
		return !ok
	}, time.Second, 10*time.Millisecond)

	h, err = r.Acquire(ctx, activeTenant("iota"))
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.Equal(t, 2, routerDriver.Opens("elimu_t_iota"))
}

func TestRouterIsolatesConcurrentTenants(t *testing.T) {
	ctx := context.Background()
	conf := testutil.NewConfig()
	conf.Tenant.PoolSize = 5
	conf.Tenant.AcquireTimeout = 2 * time.Second
	r := newTestRouter(t, conf)

	const perTenant = 40
	tenants := []string{"north", "south", "east", "west", "central"}

	var wg sync.WaitGroup
	errs := make(chan error, len(tenants)*perTenant)
	for _, code := range tenants {
		for i := 0; i < perTenant; i++ {
			wg.Add(1)
			go func(code string) {
				defer wg.Done()

				h, err := r.Acquire(ctx, activeTenant(code))
				if err != nil {
					errs <- err
					return
				}
				defer h.Release()

				var db string
				if err := h.QueryRowContext(ctx, "SELECT current_database()").Scan(&db); err != nil {
					errs <- err
					return
				}
				if db != "elimu_t_"+code {
					errs <- fmt.Errorf("tenant %s routed to %s", code, db)
				}
			}(code)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	for _, code := range tenants {
		assert.Equal(t, 0, r.Leased(code), code)
	}
}
