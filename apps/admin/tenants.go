package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/akilisoft/elimu/core/tenant"
)

// cmdTimeout bounds every CLI run; provisioning stays resumable on timeout.
const cmdTimeout = 5 * time.Minute

func (cli *commandLine) createTenant(name, plan, code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	p := tenant.Plan(strings.ToUpper(plan))
	if tenant.PlanRank(p) == 0 {
		return fmt.Errorf("unknown plan %q", plan)
	}

	t, err := cli.svc.Create(ctx, tenant.NewTenant{
		Name: name,
		Plan: p,
		Code: code,
	})
	if err != nil {
		return err
	}
	fmt.Printf("tenant %q registered (state %s)\n", t.Code, t.State)

	if err = cli.prov.Provision(ctx, t); err != nil {
		return err
	}
	fmt.Printf("tenant %q provisioned\n", t.Code)
	return nil
}

func (cli *commandLine) listTenants(state string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	var filter tenant.QueryFilter
	if state != "" {
		filter.States = []tenant.State{tenant.State(strings.ToUpper(state))}
	}
	tenants, err := cli.svc.Filter(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tSTATE\tPLAN\tEXPIRES\tCREATED")
	now := time.Now().UTC()
	for _, t := range tenants {
		expires := "-"
		if t.ExpiresAt.Valid {
			expires = t.ExpiresAt.Time.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Code, t.Name, t.EffectiveState(now), t.Plan, expires, t.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func (cli *commandLine) suspendTenant(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	t, err := cli.svc.MarkSuspended(ctx, code)
	if err != nil {
		return err
	}
	cli.router.Evict(t.Code)
	fmt.Printf("tenant %q suspended\n", t.Code)
	return nil
}

func (cli *commandLine) reactivateTenant(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	t, err := cli.svc.MarkActive(ctx, code)
	if err != nil {
		return err
	}
	fmt.Printf("tenant %q reactivated\n", t.Code)
	return nil
}

func (cli *commandLine) provisionTenant(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	t, err := cli.svc.Lookup(ctx, code)
	if err != nil {
		return err
	}
	if err = cli.prov.Provision(ctx, t); err != nil {
		return err
	}
	fmt.Printf("tenant %q provisioned\n", t.Code)
	return nil
}

func (cli *commandLine) migrateTenant(code string, to int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	t, err := cli.svc.Lookup(ctx, code)
	if err != nil {
		return err
	}
	if err = cli.prov.Migrate(ctx, t, to); err != nil {
		return err
	}
	fmt.Printf("tenant %q migrated\n", t.Code)
	return nil
}

func (cli *commandLine) deleteTenant(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	t, err := cli.svc.MarkDeleting(ctx, code)
	if err != nil {
		return err
	}
	if err = cli.prov.Deprovision(ctx, t); err != nil {
		return err
	}
	fmt.Printf("tenant %q deleted\n", t.Code)
	return nil
}
