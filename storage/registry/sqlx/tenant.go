package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

const tenantColumns = `id, code, name, state, plan, locator, expires_at, created_at, updated_at`

// orderable columns; anything else in an ordering request is dropped
var orderableColumns = map[string]bool{
	"code":       true,
	"name":       true,
	"state":      true,
	"plan":       true,
	"expires_at": true,
	"created_at": true,
	"updated_at": true,
}

type tenantRepository struct {
	db *sqlx.DB
}

var _ tenant.Repository = (*tenantRepository)(nil) // interface compliance check

func NewTenantRepository(db *sql.DB) *tenantRepository {
	return &tenantRepository{db: sqlx.NewDb(db, "postgres")}
}

// trapNoRowsErr maps psql "no rows" err to tenant.ErrNotFound
func (repo tenantRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return tenant.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo tenantRepository) CheckCodeUniqueness(ctx context.Context, code string) error {
	var exists bool
	err := repo.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM "tenant" WHERE code = $1)`, code)
	if err != nil {
		return errors.Wrap(err, "checking tenant code uniqueness")
	}
	if exists {
		return tenant.ErrCodeExists
	}
	return nil
}

func (repo tenantRepository) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO "tenant" (`+tenantColumns+`)
		VALUES (:id, :code, :name, :state, :plan, :locator, :expires_at, :created_at, :updated_at)`, t)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return tenant.Tenant{}, tenant.ErrCodeExists
		}
		return tenant.Tenant{}, errors.Wrap(err, "inserting tenant")
	}
	return t, nil
}

func (repo tenantRepository) GetTenantByCode(ctx context.Context, code string) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := repo.db.GetContext(ctx, &t, `SELECT `+tenantColumns+` FROM "tenant" WHERE code = $1`, code)
	if err != nil {
		return tenant.Tenant{}, repo.trapNoRowsErr(err, "getting tenant by code")
	}
	return t, nil
}

func (repo tenantRepository) QueryAllTenants(ctx context.Context) ([]tenant.Tenant, error) {
	tenants := make([]tenant.Tenant, 0)
	err := repo.db.SelectContext(ctx, &tenants, `SELECT `+tenantColumns+` FROM "tenant" ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying tenants")
	}
	return tenants, nil
}

func (repo tenantRepository) FilterTenants(ctx context.Context, filter tenant.QueryFilter, ordering ...core.DBOrdering) ([]tenant.Tenant, error) {
	where := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	if filter.Search != "" {
		val := "%" + filter.Search + "%"
		args = append(args, val)
		where = append(where, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	if len(filter.States) > 0 {
		args = append(args, pq.Array(stateStrings(filter.States)))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(filter.Plans) > 0 {
		args = append(args, pq.Array(planStrings(filter.Plans)))
		where = append(where, fmt.Sprintf("plan = ANY($%d)", len(args)))
	}
	if filter.ExpiredOnly {
		args = append(args, time.Now().UTC())
		where = append(where, fmt.Sprintf("(expires_at IS NOT NULL AND expires_at <= $%d)", len(args)))
	}

	query := `SELECT ` + tenantColumns + ` FROM "tenant"`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderBy(ordering)

	tenants := make([]tenant.Tenant, 0)
	if err := repo.db.SelectContext(ctx, &tenants, query, args...); err != nil {
		return nil, errors.Wrap(err, "filtering tenants")
	}
	return tenants, nil
}

func (repo tenantRepository) TransitionState(ctx context.Context, code string, from []tenant.State, to tenant.State) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := repo.db.QueryRowxContext(ctx, `
		UPDATE "tenant" SET state = $1, updated_at = $2
		WHERE code = $3 AND state = ANY($4)
		RETURNING `+tenantColumns,
		to, time.Now().UTC(), code, pq.Array(stateStrings(from)),
	).StructScan(&t)
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return tenant.Tenant{}, errors.Wrap(err, "transitioning tenant state")
	}

	// no row matched: either the tenant does not exist or the stored state
	// is not a legal predecessor
	cur, gerr := repo.GetTenantByCode(ctx, code)
	if gerr != nil {
		return tenant.Tenant{}, gerr
	}
	return tenant.Tenant{}, &tenant.TransitionError{Code: code, From: cur.State, To: to}
}

func (repo tenantRepository) DeleteTenant(ctx context.Context, code string) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM "tenant" WHERE code = $1 AND state = $2`, code, tenant.StateDeleting)
	if err != nil {
		return errors.Wrap(err, "deleting tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, gerr := repo.GetTenantByCode(ctx, code)
		if gerr != nil {
			return gerr
		}
		return &tenant.TransitionError{Code: code, From: cur.State}
	}
	return nil
}

func orderBy(ordering []core.DBOrdering) string {
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		if orderableColumns[ord.Field] {
			clauses = append(clauses, ord.String())
		}
	}
	if len(clauses) == 0 {
		return "created_at DESC"
	}
	return strings.Join(clauses, ", ")
}

func stateStrings(states []tenant.State) []string {
	ss := make([]string, 0, len(states))
	for _, s := range states {
		ss = append(ss, string(s))
	}
	return ss
}

func planStrings(plans []tenant.Plan) []string {
	ps := make([]string, 0, len(plans))
	for _, p := range plans {
		ps = append(ps, string(p))
	}
	return ps
}
