package main

import (
	"flag"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct{}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	migrationStatus, err := datastore.MigrateStatus(conf)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)

	// Display the rows in order of name
	keys := make([]string, 0, len(migrationStatus))
	for k := range migrationStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		m := migrationStatus[k]
		applied := "no"

		if m.Unknown {
			applied = "unknown migration"
		} else if m.Migrated {
			applied = m.AppliedAt.Format(timeFmt)
		}

		table.Append([]string{k, applied})
	}

	table.Render()

	return nil
}
