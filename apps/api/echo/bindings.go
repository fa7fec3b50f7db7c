package echoapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// TenantFilter binds tenant listing query params.
type TenantFilter struct {
	Filter tenant.QueryFilter
}

func (f *TenantFilter) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}

	f.Filter.Search = core.CleanString(ctx.QueryParam("search"))
	f.Filter.ExpiredOnly = ctx.QueryParam("expired_only") == "true"
	for _, s := range data["state"] {
		f.Filter.States = append(f.Filter.States, tenant.State(strings.ToUpper(core.CleanString(s))))
	}
	for _, p := range data["plan"] {
		f.Filter.Plans = append(f.Filter.Plans, tenant.Plan(strings.ToUpper(core.CleanString(p))))
	}
}
