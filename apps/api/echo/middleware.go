package echoapi

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	"github.com/akilisoft/elimu/storage/tenantdb"
)

// ConnRouter is the slice of the Connection Router the API layer needs.
type ConnRouter interface {
	Acquire(ctx context.Context, t tenant.Tenant) (tenant.Handle, error)
	Evict(code string)
}

// tenantGateMiddleware is the Access Gate: it resolves the tenant code from
// the request header, validates state, leases a routed handle and binds it to
// the request context. Domain handlers below it only ever see a request that
// already passed resolution and authorization; the handle is released on
// every exit path, panics included.
func tenantGateMiddleware(conf *core.Config, svc *tenant.Service, router ConnRouter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			code := core.CleanString(ctx.Request().Header.Get(conf.TenantHeader))
			if code == "" {
				return errMissingTenant
			}

			reqCtx := ctx.Request().Context()
			t, err := svc.Lookup(reqCtx, code)
			if err != nil {
				if errors.Cause(err) == tenant.ErrNotFound {
					return errUnknownTenant
				}
				return errors.Wrap(err, "resolving tenant")
			}

			// expiry is checked here, at gate entry, and not re-checked
			// mid-request
			switch t.EffectiveState(time.Now().UTC()) {
			case tenant.StateActive:
			case tenant.StateSuspended:
				return errTenantSuspended
			case tenant.StateExpired:
				return errTenantExpired
			case tenant.StateProvisioning:
				return errProvisioning
			default: // StateDeleting: the tenant is on its way out
				return errUnknownTenant
			}

			h, err := router.Acquire(reqCtx, t)
			if err != nil {
				switch errors.Cause(err) {
				case tenantdb.ErrPoolExhausted:
					return errPoolExhausted
				case tenantdb.ErrConnectivity:
					return errConnectivity
				case tenant.ErrSuspended:
					return errTenantSuspended
				case tenant.ErrExpired:
					return errTenantExpired
				}
				return errors.Wrap(err, "acquiring tenant connection")
			}
			defer func() { _ = h.Release() }()

			rt := tenant.RequestTenant{Tenant: t, Conn: h}
			req := ctx.Request()
			ctx.SetRequest(req.WithContext(tenant.NewContext(req.Context(), rt)))

			return next(ctx)
		}
	}
}

// planMiddleware gates feature groups that require a minimum plan; must sit
// below the tenant gate.
func planMiddleware(required tenant.Plan) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			rt, ok := tenant.FromContext(ctx.Request().Context())
			if !ok {
				return errors.New("plan gate reached without a routed tenant")
			}
			if !rt.Tenant.Plan.Covers(required) {
				return errPlanRestricted
			}
			return next(ctx)
		}
	}
}
