package tenant

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/akilisoft/elimu/core"
)

var (
	errUnknownPlan  = "unknown plan"
	errExpiryInPast = "expiry must be in the future"
)

func (nt *NewTenant) Validate(validate *validator.Validate) error {
	nt.Name = core.CleanString(nt.Name)
	nt.Code = core.CleanString(nt.Code, true /* lower */)

	if err := validate.Struct(nt); err != nil {
		return err
	}

	var flds []core.FieldError
	if PlanRank(nt.Plan) == 0 {
		flds = append(flds, core.FieldError{Field: "plan", Error: errUnknownPlan})
	}
	if nt.ExpiresAt.Valid && !nt.ExpiresAt.Time.After(time.Now().UTC()) {
		flds = append(flds, core.FieldError{Field: "expires_at", Error: errExpiryInPast})
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}
