// Package inmemrepos provides an in-memory tenant.Repository used in tests
// and local development without a registry database.
package inmemrepos

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

type tenantRepository struct {
	mutex   sync.RWMutex
	tenants map[string]tenant.Tenant // keyed by code
}

var _ tenant.Repository = (*tenantRepository)(nil) // interface compliance check

func NewTenantRepository() *tenantRepository {
	return &tenantRepository{tenants: make(map[string]tenant.Tenant)}
}

func (repo *tenantRepository) CheckCodeUniqueness(_ context.Context, code string) error {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	if _, ok := repo.tenants[code]; ok {
		return tenant.ErrCodeExists
	}
	return nil
}

func (repo *tenantRepository) CreateTenant(_ context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if _, ok := repo.tenants[t.Code]; ok {
		return tenant.Tenant{}, tenant.ErrCodeExists
	}
	repo.tenants[t.Code] = t
	return t, nil
}

func (repo *tenantRepository) GetTenantByCode(_ context.Context, code string) (tenant.Tenant, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	t, ok := repo.tenants[code]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, nil
}

func (repo *tenantRepository) QueryAllTenants(_ context.Context) ([]tenant.Tenant, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	tenants := make([]tenant.Tenant, 0, len(repo.tenants))
	for _, t := range repo.tenants {
		tenants = append(tenants, t)
	}
	sortByCreatedAtDesc(tenants)
	return tenants, nil
}

func (repo *tenantRepository) FilterTenants(_ context.Context, filter tenant.QueryFilter, _ ...core.DBOrdering) ([]tenant.Tenant, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	now := time.Now().UTC()
	tenants := make([]tenant.Tenant, 0)
	for _, t := range repo.tenants {
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(t.Code), needle) &&
				!strings.Contains(strings.ToLower(t.Name), needle) {
				continue
			}
		}
		if len(filter.States) > 0 && !containsState(filter.States, t.State) {
			continue
		}
		if len(filter.Plans) > 0 && !containsPlan(filter.Plans, t.Plan) {
			continue
		}
		if filter.ExpiredOnly && (!t.ExpiresAt.Valid || t.ExpiresAt.Time.After(now)) {
			continue
		}
		tenants = append(tenants, t)
	}
	sortByCreatedAtDesc(tenants)
	return tenants, nil
}

func (repo *tenantRepository) TransitionState(_ context.Context, code string, from []tenant.State, to tenant.State) (tenant.Tenant, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	t, ok := repo.tenants[code]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if !containsState(from, t.State) {
		return tenant.Tenant{}, &tenant.TransitionError{Code: code, From: t.State, To: to}
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	repo.tenants[code] = t
	return t, nil
}

func (repo *tenantRepository) DeleteTenant(_ context.Context, code string) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	t, ok := repo.tenants[code]
	if !ok {
		return tenant.ErrNotFound
	}
	if t.State != tenant.StateDeleting {
		return &tenant.TransitionError{Code: code, From: t.State}
	}
	delete(repo.tenants, code)
	return nil
}

func sortByCreatedAtDesc(tenants []tenant.Tenant) {
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].CreatedAt.After(tenants[j].CreatedAt) })
}

func containsState(states []tenant.State, s tenant.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsPlan(plans []tenant.Plan, p tenant.Plan) bool {
	for _, pl := range plans {
		if pl == p {
			return true
		}
	}
	return false
}
