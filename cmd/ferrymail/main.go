/*
Ferrymail - Standalone outbound email delivery engine.
Copyright © 2022-2024 Ferrymail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// ferrymail is the engine executable. 'ferrymail run' starts the server,
// the remaining subcommands administer the databases used by it.
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "ferrymail"
	app.Usage = "standalone outbound email delivery engine"
	app.Description = `Ferrymail accepts mail over SMTP, signs it with DKIM and delivers it
directly to recipient MX servers (or a fixed relay), with a durable
multi-tenant retry queue behind it.

This executable starts the server ('run') and manipulates the databases
used by it (all other subcommands).
`
	app.Version = buildInfo()
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"FERRYMAIL_CONFIG"},
			Value:   "/etc/ferrymail/ferrymail.yml",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			EnvVars: []string{"FERRYMAIL_DEBUG"},
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		runCommand(),
		dkimCommand(),
		queueCommand(),
		credsCommand(),
		versionCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("command failed", err)
	}
}

// loadConfig reads and validates the configuration named by the global
// --config flag.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore loads the configuration and connects to the job database.
// Used by the administration subcommands, which operate on the database
// directly instead of talking to a running server.
func openStore(ctx *cli.Context) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Storage, log.DefaultLogger.Sublogger("store"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
