package echoapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

// jobTimeout bounds background provisioning work; a timed-out run leaves
// resumable state and is retried via the admin API.
const jobTimeout = 5 * time.Minute

// ProvisionManager is the slice of the Provisioning Manager the API needs.
type ProvisionManager interface {
	Provision(ctx context.Context, t tenant.Tenant) error
	Deprovision(ctx context.Context, t tenant.Tenant) error
	Migrate(ctx context.Context, t tenant.Tenant, targetVersion int64) error
}

type tenantApi struct {
	svc      *tenant.Service
	router   ConnRouter
	pm       ProvisionManager
	validate *validator.Validate
	logger   core.Logger
	jobs     *sync.WaitGroup
}

func registerTenantAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *tenant.Service,
	router ConnRouter,
	pm ProvisionManager,
	validate *validator.Validate,
	logger core.Logger,
	jobs *sync.WaitGroup,
) {
	api := tenantApi{
		svc:      svc,
		router:   router,
		pm:       pm,
		validate: validate,
		logger:   logger,
		jobs:     jobs,
	}

	tg := g.Group("/tenants", jwt, adminMiddleware())
	tg.POST("", api.create)
	tg.GET("", api.query)

	dg := tg.Group("/:code")
	dg.GET("", api.retrieve)
	dg.POST("/suspend", api.suspend)
	dg.POST("/reactivate", api.reactivate)
	dg.POST("/provision", api.provision)
	dg.POST("/migrate", api.migrate)
	dg.DELETE("", api.destroy)
}

// Handlers

// create registers the tenant (PROVISIONING) and kicks off the database
// build in the background; the registry state is the progress marker.
func (api *tenantApi) create(ctx echo.Context) error {
	var data tenant.NewTenant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTenant")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	t, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating tenant")
	}

	api.spawn("provision", t, func(jobCtx context.Context) error {
		return api.pm.Provision(jobCtx, t)
	})

	return ctx.JSON(http.StatusCreated, t)
}

func (api *tenantApi) query(ctx echo.Context) error {
	var filter TenantFilter
	filter.Bind(ctx)
	var ordering Ordering
	ordering.Bind(ctx)

	tenants, err := api.svc.Filter(ctx.Request().Context(), filter.Filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying tenants")
	}
	return ctx.JSON(http.StatusOK, tenants)
}

func (api *tenantApi) retrieve(ctx echo.Context) error {
	t, err := api.svc.Lookup(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, t)
}

// suspend flips the tenant to SUSPENDED and evicts its pool so long-lived
// idle connections cannot mask the suspension. In-flight requests finish on
// their already-leased handles; new acquires fail at the gate.
func (api *tenantApi) suspend(ctx echo.Context) error {
	t, err := api.svc.MarkSuspended(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}
	api.router.Evict(t.Code)
	return ctx.JSON(http.StatusOK, t)
}

func (api *tenantApi) reactivate(ctx echo.Context) error {
	t, err := api.svc.MarkActive(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, t)
}

// provision retries a failed or interrupted build; safe because Provision is
// idempotent from PROVISIONING.
func (api *tenantApi) provision(ctx echo.Context) error {
	t, err := api.svc.Lookup(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}
	if t.State == tenant.StateActive {
		return echo.NewHTTPError(http.StatusConflict, "tenant is already provisioned")
	}

	api.spawn("provision", t, func(jobCtx context.Context) error {
		return api.pm.Provision(jobCtx, t)
	})
	return ctx.JSON(http.StatusAccepted, echo.Map{"detail": "provisioning started", "code": t.Code})
}

type migrateRequest struct {
	To int64 `json:"to" validate:"omitempty,min=0"`
}

func (api *tenantApi) migrate(ctx echo.Context) error {
	var data migrateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to migrateRequest")
	}

	t, err := api.svc.Lookup(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}

	api.spawn("migrate", t, func(jobCtx context.Context) error {
		return api.pm.Migrate(jobCtx, t, data.To)
	})
	return ctx.JSON(http.StatusAccepted, echo.Map{"detail": "migration started", "code": t.Code})
}

// destroy marks the tenant DELETING, evicts its pool and tears the database
// down in the background; the registry row disappears only after the
// physical drop is confirmed.
func (api *tenantApi) destroy(ctx echo.Context) error {
	t, err := api.svc.MarkDeleting(ctx.Request().Context(), ctx.Param("code"))
	if err != nil {
		return err
	}
	api.router.Evict(t.Code)

	api.spawn("deprovision", t, func(jobCtx context.Context) error {
		return api.pm.Deprovision(jobCtx, t)
	})
	return ctx.JSON(http.StatusAccepted, echo.Map{"detail": "deprovisioning started", "code": t.Code})
}

func (api *tenantApi) spawn(op string, t tenant.Tenant, fn func(ctx context.Context) error) {
	api.jobs.Add(1)
	go func() {
		defer api.jobs.Done()
		jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := fn(jobCtx); err != nil {
			api.logger.Error(op+" job failed", err, t)
		}
	}()
}

// Tenant-scoped endpoints (behind the Access Gate)

type tenantScopedApi struct{}

func registerTenantScopedAPI(g *echo.Group) {
	api := tenantScopedApi{}

	g.GET("/ping", api.ping)

	// premium features
	pg := g.Group("/reports", planMiddleware(tenant.PlanPremium))
	pg.GET("/summary", api.reportSummary)
}

// ping proves the request is routed to its own tenant database.
func (api tenantScopedApi) ping(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	conn, err := tenant.CurrentConnection(reqCtx)
	if err != nil {
		return err
	}

	var one int
	if err = conn.QueryRowContext(reqCtx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "pinging tenant database")
	}

	rt, _ := tenant.FromContext(reqCtx)
	return ctx.JSON(http.StatusOK, echo.Map{"tenant": rt.Tenant.Code, "ok": one == 1})
}

func (api tenantScopedApi) reportSummary(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	conn, err := tenant.CurrentConnection(reqCtx)
	if err != nil {
		return err
	}

	var students, staff int
	if err = conn.QueryRowContext(reqCtx, `SELECT COUNT(*) FROM "student"`).Scan(&students); err != nil {
		return errors.Wrap(err, "counting students")
	}
	if err = conn.QueryRowContext(reqCtx, `SELECT COUNT(*) FROM "staff"`).Scan(&staff); err != nil {
		return errors.Wrap(err, "counting staff")
	}
	return ctx.JSON(http.StatusOK, echo.Map{"students": students, "staff": staff})
}
