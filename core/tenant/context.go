package tenant

import (
	"context"
	"database/sql"

	"github.com/akilisoft/elimu/core"
)

// Handle is a leased, tenant-bound database connection. It is borrowed by
// exactly one in-flight request and must be released on every exit path.
type Handle interface {
	core.DBExecutor

	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	TenantCode() string
	Release() error
}

// RequestTenant is the ephemeral binding of one request to its resolved
// tenant and borrowed handle. It travels on the request context only; it is
// never stored in a process-wide variable because workers are reused across
// unrelated tenants.
type RequestTenant struct {
	Tenant Tenant
	Conn   Handle
}

type ctxKey struct{}

// NewContext binds rt to ctx for the lifetime of one request.
func NewContext(ctx context.Context, rt RequestTenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, rt)
}

// FromContext returns the request's tenant binding, if any.
func FromContext(ctx context.Context) (RequestTenant, bool) {
	rt, ok := ctx.Value(ctxKey{}).(RequestTenant)
	return rt, ok
}

// CurrentConnection is the single entry point for domain code to reach the
// tenant database. It only succeeds inside the routed phase of a request;
// domain modules never open tenant connections themselves.
func CurrentConnection(ctx context.Context) (core.DBExecutor, error) {
	rt, ok := FromContext(ctx)
	if !ok || rt.Conn == nil {
		return nil, ErrNoRequestTenant
	}
	return rt.Conn, nil
}
