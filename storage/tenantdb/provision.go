package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/trezcool/goose"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	appfs "github.com/akilisoft/elimu/fs"
)

const tenantMigrationsDir = "migrations/tenant"

var gooseRunFunc = goose.RunFS // mockable

// Provisioner creates and destroys the physical tenant databases. Both
// directions are fallible, retryable and never silently partial: a failed
// Provision drops whatever it created and leaves the registry record in
// PROVISIONING so a repeat call is safe.
type Provisioner struct {
	conf   *core.Config
	dir    *tenant.Service
	router *Router
	logger core.Logger

	openAdminFunc  func() (*sql.DB, error)               // mockable
	openTenantFunc func(locator string) (*sql.DB, error) // mockable
}

func NewProvisioner(conf *core.Config, dir *tenant.Service, router *Router, logger core.Logger) *Provisioner {
	return &Provisioner{
		conf:   conf,
		dir:    dir,
		router: router,
		logger: logger,
		openAdminFunc: func() (*sql.DB, error) {
			return open("postgres", true, conf)
		},
		openTenantFunc: func(locator string) (*sql.DB, error) {
			return open(locator, false, conf)
		},
	}
}

// Provision allocates t's isolated database, applies the baseline schema and
// marks the tenant ACTIVE. Long-running; run it off the request path with the
// registry state (PROVISIONING) as the visible progress marker.
func (p *Provisioner) Provision(ctx context.Context, t tenant.Tenant) error {
	if t.State == tenant.StateActive {
		return tenant.ErrAlreadyProvisioned
	}
	if t.State != tenant.StateProvisioning {
		return &tenant.TransitionError{Code: t.Code, From: t.State, To: tenant.StateActive}
	}

	token := uuid.New().String()
	fail := func(step string, err error) error {
		return &OpError{Op: "provision", Code: t.Code, Step: step, Token: token, Err: err}
	}

	admin, err := p.openAdminFunc()
	if err != nil {
		return fail("opening admin connection", err)
	}
	defer func() { _ = admin.Close() }()

	if err = ctx.Err(); err != nil {
		return fail("cancelled", err)
	}

	created, err := createDatabase(ctx, admin, t.Locator)
	if err != nil {
		return fail("creating database", err)
	}

	rollback := func() {
		// drop partial artifacts so a retry never finds two databases;
		// harmless when the database pre-existed a previous failed run
		if derr := dropDatabase(context.Background(), admin, t.Locator); derr != nil {
			p.logger.Error(fmt.Sprintf("provision rollback: dropping %q failed", t.Code), derr)
		}
	}

	if err = ctx.Err(); err != nil {
		if created {
			rollback()
		}
		return fail("cancelled", err)
	}

	tdb, err := p.openTenantFunc(t.Locator)
	if err != nil {
		rollback()
		return fail("opening tenant database", err)
	}
	defer func() { _ = tdb.Close() }()

	if err = gooseRunFunc("up", tdb, appfs.FS, tenantMigrationsDir); err != nil {
		rollback()
		return fail("applying baseline schema", err)
	}

	if _, err = p.dir.MarkActive(ctx, t.Code); err != nil {
		// the database is fully built; the record stays PROVISIONING and a
		// retry no-ops the physical steps before marking active again
		return fail("marking tenant active", err)
	}

	p.logger.Info(fmt.Sprintf("tenant %q provisioned", t.Code))
	return nil
}

// Deprovision drops t's database and removes the registry record. It refuses
// to run while any routed handle for t is checked out; callers must drain
// (evict) first or retry after in-flight requests complete.
func (p *Provisioner) Deprovision(ctx context.Context, t tenant.Tenant) error {
	if t.State != tenant.StateDeleting {
		return &tenant.TransitionError{Code: t.Code, From: t.State, To: tenant.StateDeleting}
	}

	token := uuid.New().String()
	fail := func(step string, err error) error {
		return &OpError{Op: "deprovision", Code: t.Code, Step: step, Token: token, Err: err}
	}

	if n := p.router.Leased(t.Code); n > 0 {
		return fail("draining pool", errors.Wrapf(tenant.ErrHandlesCheckedOut, "%d in flight", n))
	}
	p.router.Evict(t.Code)

	admin, err := p.openAdminFunc()
	if err != nil {
		return fail("opening admin connection", err)
	}
	defer func() { _ = admin.Close() }()

	if err = ctx.Err(); err != nil {
		return fail("cancelled", err)
	}

	if err = dropDatabase(ctx, admin, t.Locator); err != nil {
		return fail("dropping database", err)
	}

	// the record only disappears once the physical drop is confirmed
	if err = p.dir.Remove(ctx, t.Code); err != nil {
		return fail("removing registry record", err)
	}

	p.logger.Info(fmt.Sprintf("tenant %q deprovisioned", t.Code))
	return nil
}

// Migrate applies outstanding schema changes to one tenant's database, up to
// targetVersion (0 = latest). Rollouts go tenant-by-tenant since every tenant
// is a separate physical database.
func (p *Provisioner) Migrate(ctx context.Context, t tenant.Tenant, targetVersion int64) error {
	token := uuid.New().String()
	fail := func(step string, err error) error {
		return &OpError{Op: "migrate", Code: t.Code, Step: step, Token: token, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("cancelled", err)
	}

	tdb, err := p.openTenantFunc(t.Locator)
	if err != nil {
		return fail("opening tenant database", err)
	}
	defer func() { _ = tdb.Close() }()

	if targetVersion > 0 {
		err = gooseRunFunc("up-to", tdb, appfs.FS, tenantMigrationsDir, strconv.FormatInt(targetVersion, 10))
	} else {
		err = gooseRunFunc("up", tdb, appfs.FS, tenantMigrationsDir)
	}
	if err != nil {
		return fail("applying migrations", err)
	}

	p.logger.Info(fmt.Sprintf("tenant %q migrated", t.Code))
	return nil
}

// createDatabase creates dbName unless it already exists; reports whether it
// created it this run (so rollback only drops what this attempt built).
func createDatabase(ctx context.Context, admin *sql.DB, dbName string) (bool, error) {
	var exists bool
	err := admin.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "checking database existence")
	}
	if exists {
		return false, nil
	}

	if _, err = admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == "42P04" { // duplicate_database; lost a race
			return false, nil
		}
		return false, errors.Wrap(err, "creating database")
	}
	return true, nil
}

func dropDatabase(ctx context.Context, admin *sql.DB, dbName string) error {
	if _, err := admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(dbName)); err != nil {
		return errors.Wrap(err, "dropping database")
	}
	return nil
}
