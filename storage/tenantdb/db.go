// Package tenantdb owns the physical tenant databases: the Connection Router
// leasing per-tenant pooled handles, and the Provisioner creating/destroying
// the databases themselves. Pools are keyed strictly by tenant code; nothing
// in this package ever substitutes one tenant's database for another's.
package tenantdb

import (
	"database/sql"
	"net/url"

	_ "github.com/lib/pq"

	"github.com/akilisoft/elimu/core"
)

// open connects to one tenant database (or the server-level "postgres"
// database when admin credentials are needed for CREATE/DROP DATABASE).
func open(dbName string, admin bool, conf *core.Config) (*sql.DB, error) {
	user := url.UserPassword(conf.Database.User, conf.Database.Password)
	if admin && conf.Database.AdminUser != "" {
		user = url.UserPassword(conf.Database.AdminUser, conf.Database.AdminPassword)
	}

	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   conf.Database.Engine,
		User:     user,
		Host:     conf.Database.Address(),
		Path:     dbName,
		RawQuery: q.Encode(),
	}
	return sql.Open(conf.Database.Engine, u.String())
}
