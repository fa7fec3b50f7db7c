package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	"github.com/akilisoft/elimu/storage/tenantdb"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf   *core.Config
	db     *sql.DB
	svc    *tenant.Service
	router *tenantdb.Router
	prov   *tenantdb.Provisioner
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS]                          - run registry store migrations (goose commands)")
	fmt.Println("  createtenant -name NAME -plan PLAN [-code CODE] - register and provision a new tenant")
	fmt.Println("  listtenants [-state STATE]                      - list tenants")
	fmt.Println("  suspendtenant -code CODE                        - suspend an active tenant")
	fmt.Println("  reactivatetenant -code CODE                     - reactivate a suspended tenant")
	fmt.Println("  provisiontenant -code CODE                      - (re)run provisioning for a tenant")
	fmt.Println("  migratetenant -code CODE [-to VERSION]          - migrate one tenant database")
	fmt.Println("  deletetenant -code CODE                         - tear a tenant down and drop its database")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	createCmd := flag.NewFlagSet("createtenant", flag.ExitOnError)
	createName := createCmd.String("name", "", "The institution's display name.")
	createPlan := createCmd.String("plan", string(tenant.PlanBasic), "Subscription plan: BASIC or PREMIUM.")
	createCode := createCmd.String("code", "", "Optional tenant code; derived from the name when omitted.")

	listCmd := flag.NewFlagSet("listtenants", flag.ExitOnError)
	listState := listCmd.String("state", "", "Only list tenants in this state.")

	suspendCmd := flag.NewFlagSet("suspendtenant", flag.ExitOnError)
	suspendCode := suspendCmd.String("code", "", "The tenant's code.")

	reactivateCmd := flag.NewFlagSet("reactivatetenant", flag.ExitOnError)
	reactivateCode := reactivateCmd.String("code", "", "The tenant's code.")

	provisionCmd := flag.NewFlagSet("provisiontenant", flag.ExitOnError)
	provisionCode := provisionCmd.String("code", "", "The tenant's code.")

	migrateTenantCmd := flag.NewFlagSet("migratetenant", flag.ExitOnError)
	migrateTenantCode := migrateTenantCmd.String("code", "", "The tenant's code.")
	migrateTenantTo := migrateTenantCmd.Int64("to", 0, "Target schema version (0 = latest).")

	deleteCmd := flag.NewFlagSet("deletetenant", flag.ExitOnError)
	deleteCode := deleteCmd.String("code", "", "The tenant's code.")

	switch args[1] {
	case "migrate":
		return cli.migrate(args[2:])
	case "createtenant":
		if err := createCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *createName == "" {
			createCmd.Usage()
			return errHelp
		}
		return cli.createTenant(*createName, *createPlan, *createCode)
	case "listtenants":
		if err := listCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.listTenants(*listState)
	case "suspendtenant":
		if err := suspendCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *suspendCode == "" {
			suspendCmd.Usage()
			return errHelp
		}
		return cli.suspendTenant(*suspendCode)
	case "reactivatetenant":
		if err := reactivateCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *reactivateCode == "" {
			reactivateCmd.Usage()
			return errHelp
		}
		return cli.reactivateTenant(*reactivateCode)
	case "provisiontenant":
		if err := provisionCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *provisionCode == "" {
			provisionCmd.Usage()
			return errHelp
		}
		return cli.provisionTenant(*provisionCode)
	case "migratetenant":
		if err := migrateTenantCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *migrateTenantCode == "" {
			migrateTenantCmd.Usage()
			return errHelp
		}
		return cli.migrateTenant(*migrateTenantCode, *migrateTenantTo)
	case "deletetenant":
		if err := deleteCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *deleteCode == "" {
			deleteCmd.Usage()
			return errHelp
		}
		return cli.deleteTenant(*deleteCode)
	default:
		cli.printUsage()
		return errHelp
	}
}
