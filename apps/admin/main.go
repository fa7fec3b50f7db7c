package main

import (
	"fmt"
	"log"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/akilisoft/elimu/core"
	"github.com/akilisoft/elimu/core/tenant"
	logsvc "github.com/akilisoft/elimu/services/logger"
	"github.com/akilisoft/elimu/storage/registry"
	sqlxrepos "github.com/akilisoft/elimu/storage/registry/sqlx"
	"github.com/akilisoft/elimu/storage/tenantdb"
)

var (
	logger *log.Logger

	readPasswordFunc = term.ReadPassword // mockable
)

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	// provisioning needs server-level admin credentials; prompt when the
	// user is configured but the password is not
	if conf.Database.AdminUser != "" && conf.Database.AdminPassword == "" {
		fmt.Printf("Enter password for %s:", conf.Database.AdminUser)
		pwd, err := readPasswordFunc(syscall.Stdin)
		fmt.Println()
		errAndDie(err)
		conf.Database.AdminPassword = string(pwd)
	}

	// set up registry DB
	errAndDie(registry.CreateIfNotExist(conf))
	db, err := registry.Open(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	svcLogger := logsvc.NewRollbarLogger(logger, conf)
	svcLogger.Enable(false) // CLI runs report to stdout only

	tenantSvc := tenant.NewService(sqlxrepos.NewTenantRepository(db), conf)
	router := tenantdb.NewRouter(conf, svcLogger)
	defer router.Close()

	// start CLI
	cli := commandLine{
		conf:   conf,
		db:     db,
		svc:    tenantSvc,
		router: router,
		prov:   tenantdb.NewProvisioner(conf, tenantSvc, router, svcLogger),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
