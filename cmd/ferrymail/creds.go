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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ferrymail/ferrymail/cmd/ferrymail/clitools"
	"github.com/ferrymail/ferrymail/internal/store"
)

func credsCommand() *cli.Command {
	return &cli.Command{
		Name:  "creds",
		Usage: "Submission credentials management",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List created credentials",
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return usersList(st, ctx)
				},
			},
			{
				Name:        "create",
				Usage:       "Create user account",
				Description: "Reads password from stdin",
				ArgsUsage:   "USERNAME",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "password",
						Aliases: []string{"p"},
						Usage:   "Use `PASSWORD` instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
					},
					&cli.Int64Flag{
						Name:    "tenant",
						Aliases: []string{"t"},
						Usage:   "Attribute the account to the tenant with `ID`",
					},
				},
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return usersCreate(st, ctx)
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete user account",
				ArgsUsage: "USERNAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Don't ask for confirmation",
					},
				},
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return usersRemove(st, ctx)
				},
			},
			{
				Name:        "password",
				Usage:       "Change account password",
				Description: "Reads password from stdin",
				ArgsUsage:   "USERNAME",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "password",
						Aliases: []string{"p"},
						Usage:   "Use `PASSWORD` instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
					},
				},
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return usersPassword(st, ctx)
				},
			},
		},
	}
}

func usersList(st *store.Store, ctx *cli.Context) error {
	list, err := st.ListUsers()
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "No users.")
	}

	for _, user := range list {
		fmt.Println(user)
	}
	return nil
}

func usersCreate(st *store.Store, ctx *cli.Context) error {
	username := ctx.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}

	pass, err := passwordOrPrompt(ctx, "Enter password for new user")
	if err != nil {
		return err
	}

	if tenant := ctx.Int64("tenant"); tenant != 0 {
		_, err := st.CreateUserTenant(ctx.Context, tenant, username, pass)
		return err
	}
	return st.CreateUser(username, pass)
}

func usersRemove(st *store.Store, ctx *cli.Context) error {
	username := ctx.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to delete this user account?", false) {
			return errors.New("Cancelled")
		}
	}

	return st.DeleteUser(username)
}

func usersPassword(st *store.Store, ctx *cli.Context) error {
	username := ctx.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}

	pass, err := passwordOrPrompt(ctx, "Enter new password")
	if err != nil {
		return err
	}

	return st.SetUserPassword(username, pass)
}

func passwordOrPrompt(ctx *cli.Context, prompt string) (string, error) {
	if ctx.IsSet("password") {
		return ctx.String("password"), nil
	}
	return clitools.ReadPassword(prompt)
}
