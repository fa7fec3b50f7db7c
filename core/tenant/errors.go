package tenant

import (
	"errors"
	"fmt"
)

var (
	// directory errors
	ErrNotFound   = errors.New("tenant not found")
	ErrCodeExists = errors.New("a tenant with this code already exists")

	// gate errors; mapped to HTTP codes by the API layer
	ErrMissingTenant  = errors.New("missing tenant identifier")
	ErrSuspended      = errors.New("tenant is suspended")
	ErrExpired        = errors.New("tenant subscription has expired")
	ErrPlanRestricted = errors.New("feature not available on this plan")
	ErrNotActive      = errors.New("tenant is not active")

	// provisioning errors
	ErrAlreadyProvisioned = errors.New("tenant is already provisioned")
	ErrHandlesCheckedOut  = errors.New("tenant still has connections checked out")

	// context errors
	ErrNoRequestTenant = errors.New("no tenant bound to this request context")
)

// TransitionError reports an illegal lifecycle transition.
type TransitionError struct {
	Code string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("tenant %s: cannot remove from state %s", e.Code, e.From)
	}
	return fmt.Sprintf("tenant %s: illegal transition %s -> %s", e.Code, e.From, e.To)
}
