package tenantdb

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

type (
	// Router resolves an ACTIVE tenant to a leased database handle. One pool
	// per tenant code, bounded by Config.Tenant.PoolSize; idle pools are
	// reaped so thousands of mostly-idle tenants stay cheap.
	Router struct {
		conf   *core.Config
		logger core.Logger

		mutex    sync.Mutex
		pools    map[string]*pool
		draining map[*pool]struct{}
		closed   bool

		stopReaper chan struct{}
		reaperDone chan struct{}

		openFunc func(locator string) (*sql.DB, error) // mockable
	}

	// pool wraps one tenant's *sql.DB. database/sql does the conn pooling;
	// the pool tracks leases so eviction and teardown can refuse to pull a
	// database out from under in-flight requests.
	pool struct {
		code     string
		locator  string
		db       *sql.DB
		leased   int
		lastUsed time.Time
	}

	// handle is the leased tenant connection; exactly one request borrows it
	// at a time. It keeps a reference to the pool it was leased from so a
	// release always lands on that pool, even after the pool was evicted and
	// a fresh one opened under the same code.
	handle struct {
		pool     *pool
		conn     *sql.Conn
		router   *Router
		released bool
		mutex    sync.Mutex
	}
)

var _ tenant.Handle = (*handle)(nil) // interface compliance check

func NewRouter(conf *core.Config, logger core.Logger) *Router {
	r := &Router{
		conf:       conf,
		logger:     logger,
		pools:      make(map[string]*pool),
		draining:   make(map[*pool]struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	r.openFunc = func(locator string) (*sql.DB, error) { return open(locator, false, conf) }
	go r.reap()
	return r
}

// Acquire leases a handle bound to t's database. It fails before opening any
// connection unless t is effectively ACTIVE. When the pool is saturated it
// blocks up to Config.Tenant.AcquireTimeout, then fails with ErrPoolExhausted.
func (r *Router) Acquire(ctx context.Context, t tenant.Tenant) (tenant.Handle, error) {
	switch t.EffectiveState(time.Now().UTC()) {
	case tenant.StateActive:
	case tenant.StateSuspended:
		return nil, tenant.ErrSuspended
	case tenant.StateExpired:
		return nil, tenant.ErrExpired
	default:
		return nil, tenant.ErrNotActive
	}

	p, err := r.getOrCreatePool(t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.conf.Tenant.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		switch errors.Cause(err) {
		case context.DeadlineExceeded:
			return nil, ErrPoolExhausted
		case context.Canceled:
			return nil, err
		}
		return nil, errors.Wrapf(ErrConnectivity, "tenant %s: %v", t.Code, err)
	}

	r.mutex.Lock()
	p.leased++
	p.lastUsed = time.Now()
	r.mutex.Unlock()

	return &handle{pool: p, conn: conn, router: r}, nil
}

// Leased reports how many handles for this tenant are currently checked out,
// counting handles still out on evicted pools that are draining.
func (r *Router) Leased(code string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var n int
	if p, ok := r.pools[code]; ok {
		n = p.leased
	}
	for p := range r.draining {
		if p.code == code {
			n += p.leased
		}
	}
	return n
}

// Evict removes a tenant's pool. Handles already checked out keep working
// until released and stay visible to Leased; the pool closes once the last
// one comes back. New Acquire calls re-open (and for a suspended or deleted
// tenant, fail at the state check instead).
func (r *Router) Evict(code string) {
	r.mutex.Lock()
	p, ok := r.pools[code]
	delete(r.pools, code)
	if ok && p.leased > 0 {
		r.draining[p] = struct{}{}
		ok = false
	}
	r.mutex.Unlock()

	if ok {
		r.closePool(p)
	}
}

// Close evicts every pool and stops the reaper. Acquire fails afterwards.
func (r *Router) Close() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return
	}
	r.closed = true
	pools := make([]*pool, 0, len(r.pools)+len(r.draining))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	for p := range r.draining {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*pool)
	r.draining = make(map[*pool]struct{})
	r.mutex.Unlock()

	close(r.stopReaper)
	<-r.reaperDone
	for _, p := range pools {
		r.closePool(p)
	}
}

func (r *Router) getOrCreatePool(t tenant.Tenant) (*pool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}
	if p, ok := r.pools[t.Code]; ok {
		return p, nil
	}

	// sql.Open is lazy; no dial happens while the lock is held
	db, err := r.openFunc(t.Locator)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectivity, "tenant %s: %v", t.Code, err)
	}
	db.SetMaxOpenConns(r.conf.Tenant.PoolSize)
	db.SetMaxIdleConns(r.conf.Tenant.PoolSize)

	p := &pool{code: t.Code, locator: t.Locator, db: db, lastUsed: time.Now()}
	r.pools[t.Code] = p
	return p, nil
}

func (r *Router) closePool(p *pool) {
	if err := p.db.Close(); err != nil {
		r.logger.Warn("closing tenant pool "+p.code, err)
	}
}

// reap periodically closes pools idle beyond the configured TTL.
func (r *Router) reap() {
	defer close(r.reaperDone)

	ticker := time.NewTicker(r.conf.Tenant.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopReaper:
			return
		case now := <-ticker.C:
			var idle []*pool
			r.mutex.Lock()
			for code, p := range r.pools {
				if p.leased == 0 && now.Sub(p.lastUsed) > r.conf.Tenant.IdleTimeout {
					idle = append(idle, p)
					delete(r.pools, code)
				}
			}
			r.mutex.Unlock()

			for _, p := range idle {
				r.closePool(p)
			}
		}
	}
}

func (r *Router) release(h *handle) {
	var drained *pool

	r.mutex.Lock()
	h.pool.leased--
	h.pool.lastUsed = time.Now()
	if _, ok := r.draining[h.pool]; ok && h.pool.leased == 0 {
		delete(r.draining, h.pool)
		drained = h.pool
	}
	r.mutex.Unlock()

	if drained != nil {
		r.closePool(drained)
	}
}

// Handle methods

func (h *handle) TenantCode() string { return h.pool.code }

// Release returns the underlying connection to its tenant's pool; safe to
// call more than once.
func (h *handle) Release() error {
	h.mutex.Lock()
	if h.released {
		h.mutex.Unlock()
		return nil
	}
	h.released = true
	h.mutex.Unlock()

	// hand the connection back before the router may close a drained pool
	err := h.conn.Close()
	h.router.release(h)
	if err != nil && err != sql.ErrConnDone {
		return errors.Wrap(err, "releasing tenant connection")
	}
	return nil
}

func (h *handle) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

func (h *handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

func (h *handle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

func (h *handle) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return h.conn.BeginTx(ctx, opts)
}
