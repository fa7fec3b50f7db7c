package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

// NewConfig returns a config tuned for fast tests; no env/viper involved.
func NewConfig() *core.Config {
	return &core.Config{
		TestMode:     true,
		Env:          "TEST",
		Build:        "test",
		AppName:      "Elimu",
		SecretKey:    []byte("secret"),
		TenantHeader: "X-Tenant-Code",
		Server: core.ServerConfig{
			Host:            "localhost",
			ShutdownTimeout: time.Second,
		},
		Database: core.DatabaseConfig{
			Engine: "postgres",
			Host:   "localhost",
			Port:   "5432",
			Name:   "elimu_registry_test",
		},
		Tenant: core.TenantConfig{
			DBPrefix:       "elimu_t_",
			PoolSize:       2,
			AcquireTimeout: 100 * time.Millisecond,
			IdleTimeout:    time.Minute,
			ReapInterval:   time.Minute,
		},
	}
}

// CreateTenant persists a tenant in the given state via the repository.
func CreateTenant(
	t *testing.T,
	repo tenant.Repository,
	code, name string,
	state tenant.State,
	plan tenant.Plan,
	expiresAt ...time.Time,
) tenant.Tenant {
	t.Helper()

	now := time.Now().UTC()
	tn := tenant.Tenant{
		ID:        code + "-id",
		Code:      code,
		Name:      name,
		State:     state,
		Plan:      plan,
		Locator:   "elimu_t_" + strings.ReplaceAll(code, "-", "_"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(expiresAt) > 0 {
		tn.ExpiresAt = null.TimeFrom(expiresAt[0])
	}
	tn, err := repo.CreateTenant(context.Background(), tn)
	if err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}
	return tn
}

// Logger is a no-op core.Logger for tests.
type Logger struct{}

var _ core.Logger = (*Logger)(nil)

func (Logger) Enable(bool)                  {}
func (Logger) Debug(string, ...interface{}) {}
func (Logger) Info(string, ...interface{})  {}
func (Logger) Warn(string, ...interface{})  {}
func (Logger) Error(string, ...interface{}) {}
func (Logger) Fatal(string, ...interface{}) {}

// FakeDriver is a minimal database/sql driver emulating just enough of
// postgres for pooling and provisioning logic: it records opened DSNs,
// tracks CREATE/DROP DATABASE statements and answers the handful of queries
// the code under test issues.
type FakeDriver struct {
	mu        sync.Mutex
	opens     map[string]int
	databases map[string]bool
	execLog   []string

	// FailCreate makes CREATE DATABASE statements fail.
	FailCreate bool
	// FailConnect makes every new connection fail.
	FailConnect bool
}

var (
	registerMu sync.Mutex
	registered = make(map[string]*FakeDriver)
)

// RegisterFakeDriver registers (once) and returns the fake driver under the
// given name; subsequent calls with the same name return the same driver.
func RegisterFakeDriver(name string) *FakeDriver {
	registerMu.Lock()
	defer registerMu.Unlock()

	if d, ok := registered[name]; ok {
		return d
	}
	d := &FakeDriver{
		opens:     make(map[string]int),
		databases: make(map[string]bool),
	}
	sql.Register(name, d)
	registered[name] = d
	return d
}

// Reset clears recorded state between tests.
func (d *FakeDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens = make(map[string]int)
	d.databases = make(map[string]bool)
	d.execLog = nil
	d.FailCreate = false
	d.FailConnect = false
}

func (d *FakeDriver) Opens(dsn string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[dsn]
}

func (d *FakeDriver) DatabaseExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.databases[name]
}

func (d *FakeDriver) SetDatabase(name string, exists bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if exists {
		d.databases[name] = true
	} else {
		delete(d.databases, name)
	}
}

func (d *FakeDriver) DatabaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.databases)
}

func (d *FakeDriver) ExecLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.execLog))
	copy(out, d.execLog)
	return out
}

func (d *FakeDriver) Open(dsn string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailConnect {
		return nil, io.ErrUnexpectedEOF
	}
	d.opens[dsn]++
	return &fakeConn{drv: d, dsn: dsn}, nil
}

type fakeConn struct {
	drv *FakeDriver
	dsn string
}

var (
	_ driver.Conn           = (*fakeConn)(nil)
	_ driver.QueryerContext = (*fakeConn)(nil)
	_ driver.ExecerContext  = (*fakeConn)(nil)
)

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, driver.ErrSkip }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return fakeTx{}, nil }

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	switch {
	case strings.Contains(query, "pg_database"):
		name, _ := args[0].Value.(string)
		c.drv.mu.Lock()
		exists := c.drv.databases[name]
		c.drv.mu.Unlock()
		return &fakeRows{cols: []string{"exists"}, vals: []driver.Value{exists}}, nil
	case strings.Contains(query, "COUNT"):
		return &fakeRows{cols: []string{"count"}, vals: []driver.Value{int64(0)}}, nil
	case strings.Contains(query, "current_database"):
		return &fakeRows{cols: []string{"current_database"}, vals: []driver.Value{c.dsn}}, nil
	case strings.TrimSpace(query) == "SELECT 1":
		return &fakeRows{cols: []string{"?column?"}, vals: []driver.Value{int64(1)}}, nil
	}
	return &fakeRows{cols: []string{"value"}, vals: []driver.Value{c.dsn}}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.execLog = append(c.drv.execLog, query)

	switch {
	case strings.HasPrefix(query, "CREATE DATABASE"):
		if c.drv.FailCreate {
			return nil, io.ErrUnexpectedEOF
		}
		c.drv.databases[unquoteIdent(strings.TrimPrefix(query, "CREATE DATABASE "))] = true
	case strings.HasPrefix(query, "DROP DATABASE IF EXISTS"):
		delete(c.drv.databases, unquoteIdent(strings.TrimPrefix(query, "DROP DATABASE IF EXISTS ")))
	}
	return driver.ResultNoRows, nil
}

func unquoteIdent(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	cols []string
	vals []driver.Value
	done bool
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	copy(dest, r.vals)
	return nil
}
