package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	"github.com/akilisoft/elimu/storage/tenantdb"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "operator not authenticated")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound  = echo.NewHTTPError(http.StatusNotFound, "not found")

	// Access Gate errors; suspended/expired are kept distinct from "not
	// found" so client apps can render billing/administrative messaging.
	errMissingTenant   = echo.NewHTTPError(http.StatusBadRequest, "missing tenant identifier")
	errUnknownTenant   = echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	errTenantSuspended = echo.NewHTTPError(http.StatusForbidden, "tenant suspended")
	errTenantExpired   = echo.NewHTTPError(http.StatusForbidden, "tenant subscription expired")
	errPlanRestricted  = echo.NewHTTPError(http.StatusForbidden, "feature not available on this plan")
	errProvisioning    = echo.NewHTTPError(http.StatusServiceUnavailable, "tenant provisioning in progress")
	errPoolExhausted   = echo.NewHTTPError(http.StatusTooManyRequests, "tenant connection pool exhausted")
	errConnectivity    = echo.NewHTTPError(http.StatusServiceUnavailable, "tenant database unavailable")
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// Internal details (locators, credentials, SQL) never reach the response body.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(core.Translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		case *tenant.TransitionError:
			code = http.StatusConflict
			message = origErr.Error()
		case *tenantdb.OpError:
			if errors.Cause(origErr.Err) == tenant.ErrHandlesCheckedOut {
				code = http.StatusConflict
				message = echo.Map{"error": "tenant has connections in flight; drain and retry", "retry_token": origErr.Token}
				break
			}
			// operator-visible but opaque; details go to the log only
			logger.Error(origErr.Op+" failed", origErr)
			code = http.StatusInternalServerError
			message = echo.Map{"error": origErr.Op + " failed", "retry_token": origErr.Token}
		default:
			switch errors.Cause(err) {
			case tenant.ErrNotFound:
				code = errUnknownTenant.Code
				message = errUnknownTenant.Message
			case tenant.ErrSuspended:
				code = errTenantSuspended.Code
				message = errTenantSuspended.Message
			case tenant.ErrExpired:
				code = errTenantExpired.Code
				message = errTenantExpired.Message
			case tenant.ErrPlanRestricted:
				code = errPlanRestricted.Code
				message = errPlanRestricted.Message
			case tenantdb.ErrPoolExhausted:
				code = errPoolExhausted.Code
				message = errPoolExhausted.Message
			case tenantdb.ErrConnectivity:
				code = errConnectivity.Code
				message = errConnectivity.Message
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				logger.Error(msg, errors.Wrap(err, msg))

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		} else if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
