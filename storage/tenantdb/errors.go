package tenantdb

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when a tenant's pool stays saturated for
	// the whole bounded wait; retryable after backoff.
	ErrPoolExhausted = errors.New("tenant connection pool exhausted")

	// ErrConnectivity indicates the tenant's physical database is unreachable.
	ErrConnectivity = errors.New("tenant database unreachable")

	// ErrRouterClosed is returned by Acquire after the router shut down.
	ErrRouterClosed = errors.New("connection router is closed")
)

// OpError reports a failed provisioning operation. Step records how far the
// operation got (for operator diagnosis); Token lets administrative callers
// correlate a retry without seeing internals.
type OpError struct {
	Op    string // "provision" | "deprovision" | "migrate"
	Code  string // tenant code
	Step  string
	Token string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s tenant %s: %s: %v", e.Op, e.Code, e.Step, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
