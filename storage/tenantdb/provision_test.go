package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akilisoft/elimu/core/tenant"
	inmemrepos "github.com/akilisoft/elimu/storage/registry/inmem"
	testutil "github.com/akilisoft/elimu/tests"
)

var provDriver = testutil.RegisterFakeDriver("prov-test")

type gooseCall struct {
	command string
	dir     string
	args    []string
}

type provFixture struct {
	svc        *tenant.Service
	router     *Router
	prov       *Provisioner
	gooseCalls *[]gooseCall
}

func newProvFixture(t *testing.T) provFixture {
	t.Helper()
	provDriver.Reset()

	conf := testutil.NewConfig()
	svc := tenant.NewService(inmemrepos.NewTenantRepository(), conf)

	router := NewRouter(conf, testutil.Logger{})
	router.openFunc = func(locator string) (*sql.DB, error) { return sql.Open("prov-test", locator) }
	t.Cleanup(router.Close)

	prov := NewProvisioner(conf, svc, router, testutil.Logger{})
	prov.openAdminFunc = func() (*sql.DB, error) { return sql.Open("prov-test", "postgres") }
	prov.openTenantFunc = func(locator string) (*sql.DB, error) { return sql.Open("prov-test", locator) }

	calls := new([]gooseCall)
	origGoose := gooseRunFunc
	gooseRunFunc = func(command string, _ *sql.DB, _ fs.FS, dir string, args ...string) error {
		*calls = append(*calls, gooseCall{command: command, dir: dir, args: args})
		return nil
	}
	t.Cleanup(func() { gooseRunFunc = origGoose })

	return provFixture{svc: svc, router: router, prov: prov, gooseCalls: calls}
}

func (f provFixture) createTenant(t *testing.T, name string) tenant.Tenant {
	t.Helper()
	tn, err := f.svc.Create(context.Background(), tenant.NewTenant{Name: name, Plan: tenant.PlanBasic})
	require.NoError(t, err)
	return tn
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("creates database, migrates and activates", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")

		require.NoError(t, f.prov.Provision(ctx, tn))

		assert.True(t, provDriver.DatabaseExists(tn.Locator))
		require.Len(t, *f.gooseCalls, 1)
		assert.Equal(t, "up", (*f.gooseCalls)[0].command)
		assert.Equal(t, tenantMigrationsDir, (*f.gooseCalls)[0].dir)

		got, err := f.svc.Lookup(ctx, tn.Code)
		require.NoError(t, err)
		assert.Equal(t, tenant.StateActive, got.State)
	})

	t.Run("already active", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		require.NoError(t, f.prov.Provision(ctx, tn))

		tn, err := f.svc.Lookup(ctx, tn.Code)
		require.NoError(t, err)
		assert.Equal(t, tenant.ErrAlreadyProvisioned, f.prov.Provision(ctx, tn))
	})

	t.Run("refuses non-provisioning states", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		require.NoError(t, f.prov.Provision(ctx, tn))
		tn, err := f.svc.MarkSuspended(ctx, tn.Code)
		require.NoError(t, err)

		err = f.prov.Provision(ctx, tn)
		var tErr *tenant.TransitionError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, tenant.StateSuspended, tErr.From)
	})

	t.Run("migration failure rolls the database back", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")

		gooseErr := io.ErrUnexpectedEOF
		gooseRunFunc = func(string, *sql.DB, fs.FS, string, ...string) error { return gooseErr }

		err := f.prov.Provision(ctx, tn)
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "provision", opErr.Op)
		assert.Equal(t, tn.Code, opErr.Code)
		assert.Equal(t, "applying baseline schema", opErr.Step)
		assert.NotEmpty(t, opErr.Token)
		assert.Equal(t, gooseErr, opErr.Err)

		// nothing physical survives the failed attempt
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
		assert.Equal(t, 0, provDriver.DatabaseCount())

		// the record stays PROVISIONING so the operation can be retried
		got, err := f.svc.Lookup(ctx, tn.Code)
		require.NoError(t, err)
		assert.Equal(t, tenant.StateProvisioning, got.State)
	})

	t.Run("retry after failure succeeds", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")

		gooseRunFunc = func(string, *sql.DB, fs.FS, string, ...string) error { return io.ErrUnexpectedEOF }
		require.Error(t, f.prov.Provision(ctx, tn))

		gooseRunFunc = func(string, *sql.DB, fs.FS, string, ...string) error { return nil }
		require.NoError(t, f.prov.Provision(ctx, tn))

		assert.Equal(t, 1, provDriver.DatabaseCount())
		got, err := f.svc.Lookup(ctx, tn.Code)
		require.NoError(t, err)
		assert.Equal(t, tenant.StateActive, got.State)
	})

	t.Run("pre-existing database is not dropped on later failure", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		provDriver.SetDatabase(tn.Locator, true) // left over from an earlier crashed run

		gooseRunFunc = func(string, *sql.DB, fs.FS, string, ...string) error { return io.ErrUnexpectedEOF }
		require.Error(t, f.prov.Provision(ctx, tn))

		// rollback still drops it: a retry must never find two databases
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := f.prov.Provision(cctx, tn)
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "cancelled", opErr.Step)
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
	})
}

func TestDeprovision(t *testing.T) {
	ctx := context.Background()

	activate := func(t *testing.T, f provFixture, name string) tenant.Tenant {
		tn := f.createTenant(t, name)
		require.NoError(t, f.prov.Provision(ctx, tn))
		tn, err := f.svc.Lookup(ctx, tn.Code)
		require.NoError(t, err)
		return tn
	}

	t.Run("drops database and removes the record", func(t *testing.T) {
		f := newProvFixture(t)
		tn := activate(t, f, "Hilltop Academy")

		tn, err := f.svc.MarkDeleting(ctx, tn.Code)
		require.NoError(t, err)

		require.NoError(t, f.prov.Deprovision(ctx, tn))
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
		_, err = f.svc.Lookup(ctx, tn.Code)
		assert.Equal(t, tenant.ErrNotFound, err)
	})

	t.Run("requires the deleting state", func(t *testing.T) {
		f := newProvFixture(t)
		tn := activate(t, f, "Hilltop Academy")

		err := f.prov.Deprovision(ctx, tn)
		var tErr *tenant.TransitionError
		require.ErrorAs(t, err, &tErr)
		assert.True(t, provDriver.DatabaseExists(tn.Locator))
	})

	t.Run("refuses while handles are checked out", func(t *testing.T) {
		f := newProvFixture(t)
		tn := activate(t, f, "Hilltop Academy")

		h, err := f.router.Acquire(ctx, tn)
		require.NoError(t, err)

		tn, err = f.svc.MarkDeleting(ctx, tn.Code)
		require.NoError(t, err)

		err = f.prov.Deprovision(ctx, tn)
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "draining pool", opErr.Step)
		assert.True(t, errors.Is(err, tenant.ErrHandlesCheckedOut))
		assert.True(t, provDriver.DatabaseExists(tn.Locator))

		// once the last handle is back, teardown goes through
		require.NoError(t, h.Release())
		require.NoError(t, f.prov.Deprovision(ctx, tn))
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
	})

	t.Run("refuses while an evicted pool still has handles out", func(t *testing.T) {
		f := newProvFixture(t)
		tn := activate(t, f, "Hilltop Academy")

		h, err := f.router.Acquire(ctx, tn)
		require.NoError(t, err)

		// suspension evicts the pool while the handle is still out; the
		// database must not be dropped under the in-flight request
		f.router.Evict(tn.Code)

		tn, err = f.svc.MarkDeleting(ctx, tn.Code)
		require.NoError(t, err)

		err = f.prov.Deprovision(ctx, tn)
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "draining pool", opErr.Step)
		assert.True(t, errors.Is(err, tenant.ErrHandlesCheckedOut))
		assert.True(t, provDriver.DatabaseExists(tn.Locator))

		require.NoError(t, h.Release())
		require.NoError(t, f.prov.Deprovision(ctx, tn))
		assert.False(t, provDriver.DatabaseExists(tn.Locator))
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("to latest", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		require.NoError(t, f.prov.Provision(ctx, tn))

		require.NoError(t, f.prov.Migrate(ctx, tn, 0))
		require.Len(t, *f.gooseCalls, 2) // provision baseline + this run
		assert.Equal(t, gooseCall{command: "up", dir: tenantMigrationsDir}, (*f.gooseCalls)[1])
	})

	t.Run("to a pinned version", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		require.NoError(t, f.prov.Provision(ctx, tn))

		require.NoError(t, f.prov.Migrate(ctx, tn, 2))
		last := (*f.gooseCalls)[len(*f.gooseCalls)-1]
		assert.Equal(t, "up-to", last.command)
		assert.Equal(t, []string{"2"}, last.args)
	})

	t.Run("failure carries a retry token", func(t *testing.T) {
		f := newProvFixture(t)
		tn := f.createTenant(t, "Hilltop Academy")
		require.NoError(t, f.prov.Provision(ctx, tn))

		gooseRunFunc = func(string, *sql.DB, fs.FS, string, ...string) error { return io.ErrUnexpectedEOF }
		err := f.prov.Migrate(ctx, tn, 0)

		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "migrate", opErr.Op)
		assert.Equal(t, "applying migrations", opErr.Step)
		assert.NotEmpty(t, opErr.Token)
	})
}
