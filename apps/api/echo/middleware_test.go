package echoapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akilisoft/elimu/core/tenant"
	inmemrepos "github.com/akilisoft/elimu/storage/registry/inmem"
	testutil "github.com/akilisoft/elimu/tests"
)

type stubRouter struct {
	leased  int
	evicted []string
}

func (r *stubRouter) Acquire(context.Context, tenant.Tenant) (tenant.Handle, error) {
	r.leased++
	return &stubHandle{router: r}, nil
}

func (r *stubRouter) Evict(code string) { r.evicted = append(r.evicted, code) }

type stubHandle struct {
	router   *stubRouter
	released bool
}

func (h *stubHandle) TenantCode() string { return "stub" }

func (h *stubHandle) Release() error {
	if !h.released {
		h.released = true
		h.router.leased--
	}
	return nil
}

func (h *stubHandle) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (h *stubHandle) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (h *stubHandle) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }
func (h *stubHandle) BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error)         { return nil, nil }

func Test_tenantGateMiddleware_releasesOnEveryExit(t *testing.T) {
	conf := testutil.NewConfig()
	repo := inmemrepos.NewTenantRepository()
	svc := tenant.NewService(repo, conf)
	testutil.CreateTenant(t, repo, "mw-tenant", "MW Tenant", tenant.StateActive, tenant.PlanBasic)

	e := echo.New()
	newCtx := func() echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(conf.TenantHeader, "mw-tenant")
		return e.NewContext(req, httptest.NewRecorder())
	}

	t.Run("handler success", func(t *testing.T) {
		router := &stubRouter{}
		h := tenantGateMiddleware(conf, svc, router)(func(ctx echo.Context) error {
			rt, ok := tenant.FromContext(ctx.Request().Context())
			require.True(t, ok)
			assert.Equal(t, "mw-tenant", rt.Tenant.Code)
			return nil
		})

		require.NoError(t, h(newCtx()))
		assert.Equal(t, 0, router.leased)
	})

	t.Run("handler error", func(t *testing.T) {
		router := &stubRouter{}
		h := tenantGateMiddleware(conf, svc, router)(func(echo.Context) error {
			return echo.NewHTTPError(http.StatusTeapot)
		})

		require.Error(t, h(newCtx()))
		assert.Equal(t, 0, router.leased)
	})

	t.Run("handler panic", func(t *testing.T) {
		router := &stubRouter{}
		h := tenantGateMiddleware(conf, svc, router)(func(echo.Context) error {
			panic("boom")
		})

		assert.Panics(t, func() { _ = h(newCtx()) })
		assert.Equal(t, 0, router.leased)
	})
}
