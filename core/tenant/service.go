package tenant

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akilisoft/elimu/core"
)

type (
	// Repository is the registry (control-plane) persistence contract.
	// Lifecycle transitions are atomic: TransitionState only succeeds when
	// the stored state is one of the expected predecessors.
	Repository interface {
		CheckCodeUniqueness(ctx context.Context, code string) error
		CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
		GetTenantByCode(ctx context.Context, code string) (Tenant, error)
		QueryAllTenants(ctx context.Context) ([]Tenant, error)
		// FilterTenants applies AND operation on available QueryFilter fields.
		FilterTenants(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Tenant, error)
		TransitionState(ctx context.Context, code string, from []State, to State) (Tenant, error)
		// DeleteTenant removes the row; only rows in StateDeleting qualify.
		DeleteTenant(ctx context.Context, code string) error
	}

	// Service is the Tenant Directory: the only component that mutates
	// tenant records.
	Service struct {
		repo     Repository
		dbPrefix string
	}
)

func NewService(repo Repository, conf *core.Config) *Service {
	return &Service{
		repo:     repo,
		dbPrefix: conf.Tenant.DBPrefix,
	}
}

// Lookup resolves a tenant by its exact code; no normalization, no fallback.
func (svc *Service) Lookup(ctx context.Context, code string) (Tenant, error) {
	if code == "" {
		return Tenant{}, ErrMissingTenant
	}
	return svc.repo.GetTenantByCode(ctx, code)
}

// Create registers a tenant in StateProvisioning and allocates its code and
// database locator. The physical database does not exist yet; provisioning
// happens asynchronously.
func (svc *Service) Create(ctx context.Context, nt NewTenant) (Tenant, error) {
	code := core.CleanString(nt.Code, true /* lower */)
	if code == "" {
		code = slugify(nt.Name)
	}
	if err := svc.repo.CheckCodeUniqueness(ctx, code); err != nil {
		if err != ErrCodeExists {
			return Tenant{}, err
		}
		// an explicitly requested code is never rewritten
		if nt.Code != "" {
			return Tenant{}, core.NewValidationError(err, core.FieldError{Field: "code", Error: err.Error()})
		}
		// derived code collided; disambiguate
		code = code + "-" + shortID()
		if err = svc.repo.CheckCodeUniqueness(ctx, code); err != nil {
			return Tenant{}, err
		}
	}

	now := time.Now().UTC()
	t := Tenant{
		ID:        uuid.New().String(),
		Code:      code,
		Name:      core.CleanString(nt.Name),
		State:     StateProvisioning,
		Plan:      nt.Plan,
		Locator:   svc.allocateLocator(code),
		ExpiresAt: nt.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return svc.repo.CreateTenant(ctx, t)
}

// MarkActive transitions PROVISIONING|SUSPENDED -> ACTIVE. Called by the
// Provisioning Manager on success and by operators reactivating a tenant.
func (svc *Service) MarkActive(ctx context.Context, code string) (Tenant, error) {
	return svc.repo.TransitionState(ctx, code, legalPredecessors[StateActive], StateActive)
}

// MarkSuspended transitions ACTIVE -> SUSPENDED.
func (svc *Service) MarkSuspended(ctx context.Context, code string) (Tenant, error) {
	return svc.repo.TransitionState(ctx, code, legalPredecessors[StateSuspended], StateSuspended)
}

// MarkDeleting flags a tenant for teardown; the row survives until the
// physical database is confirmed dropped.
func (svc *Service) MarkDeleting(ctx context.Context, code string) (Tenant, error) {
	return svc.repo.TransitionState(ctx, code, legalPredecessors[StateDeleting], StateDeleting)
}

// Remove deletes the registry row; legal only from StateDeleting.
func (svc *Service) Remove(ctx context.Context, code string) error {
	return svc.repo.DeleteTenant(ctx, code)
}

func (svc *Service) QueryAll(ctx context.Context) ([]Tenant, error) {
	return svc.repo.QueryAllTenants(ctx)
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Tenant, error) {
	return svc.repo.FilterTenants(ctx, filter, ordering...)
}

// IsAccessible re-exports the model check so callers need not care where the
// rule lives.
func (svc *Service) IsAccessible(t Tenant) bool {
	return t.IsAccessible(time.Now().UTC())
}

// allocateLocator derives the tenant database name. The uuid suffix keeps
// locators unique even when a code is reused after a delete.
func (svc *Service) allocateLocator(code string) string {
	return svc.dbPrefix + strings.ReplaceAll(code, "-", "_") + "_" + shortID()
}

var slugInvalidChars = regexp.MustCompile(`[^a-z0-9-]+`)

func slugify(name string) string {
	s := core.CleanString(name, true /* lower */)
	s = strings.Join(strings.Fields(s), "-")
	s = slugInvalidChars.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "tenant-" + shortID()
	}
	return s
}

func shortID() string {
	return strings.SplitN(uuid.New().String(), "-", 2)[0]
}
