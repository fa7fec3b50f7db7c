package main

import (
	"github.com/trezcool/goose"

	appfs "github.com/akilisoft/elimu/fs"
)

var gooseRunFunc = goose.RunFS // mockable

// migrate runs a goose command against the registry store.
func (cli *commandLine) migrate(args []string) error {
	if len(args) == 0 {
		cli.printUsage()
		return errHelp
	}
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, appfs.FS, "migrations/registry", arguments...)
}
