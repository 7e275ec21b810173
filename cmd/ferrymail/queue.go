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
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ferrymail/ferrymail/cmd/ferrymail/clitools"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/store"
)

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Dead-lettered jobs management",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Show jobs that exhausted their delivery attempts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "queue",
						Usage: "Show only jobs of the `NAME` queue",
					},
				},
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return deadList(st, ctx)
				},
			},
			{
				Name:      "show",
				Usage:     "Print a dead-lettered job, payload included",
				ArgsUsage: "ID",
				Action: func(ctx *cli.Context) error {
					_, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return deadShow(st, ctx)
				},
			},
			{
				Name:      "retry",
				Usage:     "Return a dead-lettered job to its queue",
				ArgsUsage: "ID",
				Description: `Moves the spooled job files out of the dead letter
directory and resets the attempt counter. The job is picked up by its
queue on the next server start.`,
				Action: func(ctx *cli.Context) error {
					cfg, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return deadRetry(cfg, st, ctx)
				},
			},
			{
				Name:  "flush-dead",
				Usage: "Delete dead-lettered jobs and their spooled files",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "queue",
						Usage: "Delete only jobs of the `NAME` queue",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Don't ask for confirmation",
					},
				},
				Action: func(ctx *cli.Context) error {
					cfg, st, err := openStore(ctx)
					if err != nil {
						return err
					}
					defer st.Close()
					return deadFlush(cfg, st, ctx)
				},
			},
		},
	}
}

func deadList(st *store.Store, ctx *cli.Context) error {
	list, err := st.ListDeadJobs(ctx.Context, ctx.String("queue"))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "No dead jobs.")
		return nil
	}

	for _, dj := range list {
		fmt.Printf("ID %d: %s - %s (tenant %d)\n  %d attempts, failed %s\n  %s\n\n",
			dj.ID, dj.Queue, dj.JobID, dj.TenantID,
			dj.Attempts, dj.CreatedAt.Format(time.RFC3339), dj.LastError)
	}
	return nil
}

func deadShow(st *store.Store, ctx *cli.Context) error {
	id, err := deadJobArg(ctx)
	if err != nil {
		return err
	}
	dj, err := st.DeadJobByID(ctx.Context, id)
	if errors.Is(err, store.ErrNoRows) {
		return fmt.Errorf("no dead job with ID %d", id)
	}
	if err != nil {
		return err
	}

	fmt.Println("ID:", dj.ID)
	fmt.Println("Queue:", dj.Queue)
	fmt.Println("Job ID:", dj.JobID)
	fmt.Println("Tenant:", dj.TenantID)
	fmt.Println("Kind:", dj.Kind)
	fmt.Println("Attempts:", dj.Attempts)
	fmt.Println("Failed:", dj.CreatedAt.Unix(), dj.CreatedAt)
	fmt.Println("Last error:", dj.LastError)
	fmt.Println("- Payload:")
	fmt.Println(dj.Payload)
	return nil
}

func deadRetry(cfg *config.Config, st *store.Store, ctx *cli.Context) error {
	id, err := deadJobArg(ctx)
	if err != nil {
		return err
	}
	dj, err := st.DeadJobByID(ctx.Context, id)
	if errors.Is(err, store.ErrNoRows) {
		return fmt.Errorf("no dead job with ID %d", id)
	}
	if err != nil {
		return err
	}

	spool := filepath.Join(cfg.Queue.Location, dj.Queue)
	if err := queue.RestoreDead(spool, dj.JobID); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("job %s has no spooled files under %s, wrong host or already flushed?", dj.JobID, spool)
		}
		return err
	}
	if err := st.DeleteDeadJob(ctx.Context, dj.ID); err != nil {
		return err
	}

	fmt.Printf("Job %s returned to the %s queue, it is picked up on the next server start.\n", dj.JobID, dj.Queue)
	return nil
}

func deadFlush(cfg *config.Config, st *store.Store, ctx *cli.Context) error {
	name := ctx.String("queue")
	if !ctx.Bool("yes") {
		prompt := "Are you sure you want to delete all dead jobs?"
		if name != "" {
			prompt = fmt.Sprintf("Are you sure you want to delete all dead jobs of %s?", name)
		}
		if !clitools.Confirmation(prompt, false) {
			return errors.New("Cancelled")
		}
	}

	// Spooled files go first: a row that outlives a failed DB delete stays
	// visible in 'queue list' and can be flushed again, orphaned files in
	// the dead letter directory cannot.
	list, err := st.ListDeadJobs(ctx.Context, name)
	if err != nil {
		return err
	}
	for _, dj := range list {
		removeDeadFiles(filepath.Join(cfg.Queue.Location, dj.Queue), dj.JobID)
	}

	n, err := st.FlushDeadJobs(ctx.Context, name)
	if err != nil {
		return err
	}
	fmt.Println(n, "dead jobs removed.")
	return nil
}

// removeDeadFiles deletes the spooled files of a dead-lettered job.
// Absence is tolerated, the spool may live on another host.
func removeDeadFiles(location, id string) {
	for _, suffix := range []string{".meta", ".header", ".body"} {
		err := os.Remove(filepath.Join(location, "dead", id+suffix))
		if err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "cannot remove %s: %v\n", id+suffix, err)
		}
	}
}

func deadJobArg(ctx *cli.Context) (int64, error) {
	arg := ctx.Args().First()
	if arg == "" {
		return 0, cli.Exit("Error: ID is required", 2)
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, cli.Exit("Error: ID must be an integer", 2)
	}
	return id, nil
}
