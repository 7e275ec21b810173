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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-message/textproto"
	"github.com/urfave/cli/v2"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/dkimmgr"
	"github.com/ferrymail/ferrymail/internal/store"
)

func dkimCommand() *cli.Command {
	return &cli.Command{
		Name:  "dkim",
		Usage: "DKIM signing keys management",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a signing key and print the TXT record to publish",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "domain",
						Usage: "Sign for `DOMAIN` (default: the configured DKIM domain)",
					},
					&cli.StringFlag{
						Name:  "selector",
						Usage: "Use `SELECTOR` (default: the configured selector)",
					},
					&cli.IntFlag{
						Name:  "bits",
						Usage: "RSA key size (default: the configured key size)",
					},
					&cli.Int64Flag{
						Name:    "tenant",
						Aliases: []string{"t"},
						Usage:   "Attribute the key to the tenant with `ID` (0 is the system key)",
					},
				},
				Action: dkimKeygen,
			},
			{
				Name:      "record",
				Usage:     "Print the TXT record of a stored key",
				ArgsUsage: "[DOMAIN [SELECTOR]]",
				Action:    dkimRecord,
			},
			{
				Name:        "verify",
				Usage:       "Verify the DKIM signatures of a message",
				Description: "Reads the message (headers included) from stdin. Exits non-zero when any signature fails.",
				Action:      dkimVerify,
			},
		},
	}
}

// openDKIM builds a key manager over the engine database. The manager is
// used directly, without the rotation import that 'run' performs.
func openDKIM(ctx *cli.Context) (*config.Config, *store.Store, *dkimmgr.Manager, error) {
	cfg, st, err := openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr, err := dkimmgr.New(cfg, st, log.DefaultLogger.Sublogger("dkim"))
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	return cfg, st, mgr, nil
}

func dkimKeygen(ctx *cli.Context) error {
	cfg, st, mgr, err := openDKIM(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	domain := ctx.String("domain")
	if domain == "" {
		domain = cfg.DKIM.Domain
	}
	if domain == "" {
		return cli.Exit("Error: no domain given and no DKIM domain configured", 2)
	}
	selector := ctx.String("selector")
	if selector == "" {
		selector = cfg.DKIM.Selector
	}

	record, err := mgr.Generate(ctx.Context, ctx.Int64("tenant"), domain, selector, ctx.Int("bits"))
	if err != nil {
		return err
	}

	fmt.Printf("Publish at %s._domainkey.%s:\n%s\n", selector, domain, record)
	return nil
}

func dkimRecord(ctx *cli.Context) error {
	cfg, st, mgr, err := openDKIM(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	domain := ctx.Args().Get(0)
	if domain == "" {
		domain = cfg.DKIM.Domain
	}
	if domain == "" {
		return cli.Exit("Error: no domain given and no DKIM domain configured", 2)
	}
	selector := ctx.Args().Get(1)
	if selector == "" {
		selector = cfg.DKIM.Selector
	}

	record, err := mgr.DNSRecord(ctx.Context, domain, selector)
	if err != nil {
		return err
	}

	fmt.Printf("Publish at %s._domainkey.%s:\n%s\n", selector, domain, record)
	return nil
}

func dkimVerify(ctx *cli.Context) error {
	_, st, mgr, err := openDKIM(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	br := bufio.NewReader(os.Stdin)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("cannot parse message header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return err
	}

	results, err := mgr.Verify(ctx.Context, hdr, buffer.MemoryBuffer{Slice: body})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No DKIM signatures.")
		return nil
	}

	failed := false
	for _, res := range results {
		if res.Pass() {
			fmt.Printf("pass      d=%s i=%s\n", res.Domain, res.Identifier)
			continue
		}
		failed = true
		status := "permfail"
		if res.Temporary {
			status = "tempfail"
		}
		fmt.Printf("%-8s  d=%s i=%s: %v\n", status, res.Domain, res.Identifier, res.Err)
	}
	if failed {
		return cli.Exit("", 1)
	}
	return nil
}
