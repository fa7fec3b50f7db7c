package tenant

import (
	"time"

	"github.com/volatiletech/null/v8"
)

// Tenant lifecycle states. The registry row is the single source of truth;
// no other component infers tenant validity from anything else.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StateActive       State = "ACTIVE"
	StateSuspended    State = "SUSPENDED"
	StateExpired      State = "EXPIRED"
	StateDeleting     State = "DELETING"
)

// Subscription plans; gate feature access, never data isolation.
type Plan string

const (
	PlanBasic   Plan = "BASIC"
	PlanPremium Plan = "PREMIUM"
)

var (
	AllStates = []State{StateProvisioning, StateActive, StateSuspended, StateExpired, StateDeleting}
	AllPlans  = []Plan{PlanBasic, PlanPremium}

	planRanks = map[Plan]int{
		PlanBasic:   1,
		PlanPremium: 2,
	}
)

// PlanRank orders plans for feature gating; unknown plans rank lowest.
func PlanRank(p Plan) int {
	return planRanks[p]
}

// Covers reports whether a tenant on plan p may use features requiring `required`.
func (p Plan) Covers(required Plan) bool {
	return PlanRank(p) >= PlanRank(required)
}

// Tenant is one isolated institutional customer. Code is the immutable
// external routing key; Locator names the tenant's physical database and is
// never serialized to clients.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	State     State     `json:"state" db:"state"`
	Plan      Plan      `json:"plan" db:"plan"`
	Locator   string    `json:"-" db:"locator"`
	ExpiresAt null.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveState folds a past expiry into StateExpired regardless of the
// stored state.
func (t Tenant) EffectiveState(now time.Time) State {
	if t.ExpiresAt.Valid && !t.ExpiresAt.Time.After(now) {
		return StateExpired
	}
	return t.State
}

// IsAccessible reports whether requests for this tenant may be routed:
// stored state ACTIVE and not expired.
func (t Tenant) IsAccessible(now time.Time) bool {
	return t.EffectiveState(now) == StateActive
}

// legal state transitions, keyed by target state
var legalPredecessors = map[State][]State{
	StateActive:    {StateProvisioning, StateSuspended},
	StateSuspended: {StateActive},
	StateDeleting:  {StateProvisioning, StateActive, StateSuspended, StateExpired},
	// removal (no target state) requires StateDeleting; see Service.Remove
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range legalPredecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// NewTenant is the admin payload for creating a tenant. Code is optional;
// when empty a unique slug is derived from Name.
type NewTenant struct {
	Name      string    `json:"name" validate:"required,min=3,max=120"`
	Plan      Plan      `json:"plan" validate:"required"`
	Code      string    `json:"code,omitempty" validate:"omitempty,tenantcode,min=2,max=40"`
	ExpiresAt null.Time `json:"expires_at,omitempty"`
}

// QueryFilter narrows tenant listings; zero values are ignored.
// Search does a case-insensitive match on Code or Name.
type QueryFilter struct {
	Search      string  `json:"search,omitempty" query:"search"`
	States      []State `json:"state,omitempty" query:"state"`
	Plans       []Plan  `json:"plan,omitempty" query:"plan"`
	ExpiredOnly bool    `json:"expired_only,omitempty" query:"expired_only"`
}
