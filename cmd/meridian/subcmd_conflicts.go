package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
)

const conflictsCmdName = "conflicts"

func newConflictsSubcommand(w io.Writer) *conflictsSubcommand {
	return &conflictsSubcommand{w: w}
}

type conflictsSubcommand struct {
	w       io.Writer
	resolve string
}

func (s *conflictsSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(conflictsCmdName, flag.ExitOnError)
	fs.StringVar(&s.resolve, "resolve", "", "acknowledge the conflict with the given id after review")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command lists the conflicts queued for manual review.\n")
		fs.PrintDefaults()
	}

	return fs
}

func (s *conflictsSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	ctx, cancel := context.WithTimeout(context.Background(), subCmdTimeout)
	defer cancel()

	queue := datastore.NewPostgresDatastore(db)

	if s.resolve != "" {
		if err := queue.Acknowledge(ctx, s.resolve); err != nil {
			return fmt.Errorf("acknowledge conflict: %w", err)
		}

		fmt.Fprintf(s.w, "conflict %q acknowledged\n", s.resolve)
		return nil
	}

	pending, err := queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending conflicts: %w", err)
	}

	if len(pending) == 0 {
		fmt.Fprintln(s.w, "no conflicts pending review")
		return nil
	}

	table := tablewriter.NewWriter(s.w)
	table.SetHeader([]string{"ID", "Path", "Source", "Target", "Occurred At", "Details"})

	for _, record := range pending {
		table.Append([]string{
			record.ID,
			record.Path,
			record.Source,
			record.Target,
			record.OccurredAt.Format(timeFmt),
			record.Details,
		})
	}

	table.Render()
	fmt.Fprintf(s.w, "\n%d conflicts pending review. Use -resolve <id> to acknowledge one.\n", len(pending))

	return nil
}
