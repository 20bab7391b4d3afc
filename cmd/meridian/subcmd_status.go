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

const statusCmdName = "status"

func newStatusSubcommand(w io.Writer) *statusSubcommand {
	return &statusSubcommand{w: w}
}

type statusSubcommand struct {
	w io.Writer
}

func (s *statusSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(statusCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command prints the recorded sync history per region.\n")
		fs.PrintDefaults()
	}

	return fs
}

func (s *statusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	ctx, cancel := context.WithTimeout(context.Background(), subCmdTimeout)
	defer cancel()

	regions := make([]string, 0, len(conf.Regions))
	for _, region := range conf.Regions {
		regions = append(regions, region.Name)
	}

	stats, err := datastore.NewPostgresDatastore(db).RegionMetrics(ctx, regions)
	if err != nil {
		return fmt.Errorf("region metrics: %w", err)
	}

	table := tablewriter.NewWriter(s.w)
	table.SetHeader([]string{"Region", "Syncs", "Success Rate", "Avg Bandwidth (MB/s)", "Conflicts", "Last Sync"})

	for _, region := range regions {
		stat, ok := stats[region]
		if !ok || stat.Syncs == 0 {
			table.Append([]string{region, "0", "-", "-", "0", "never"})
			continue
		}

		table.Append([]string{
			region,
			fmt.Sprintf("%d", stat.Syncs),
			fmt.Sprintf("%.1f%%", stat.SuccessRate),
			fmt.Sprintf("%.1f", stat.AvgBandwidthMBs),
			fmt.Sprintf("%d", stat.Conflicts),
			stat.LastSyncAt.Format(timeFmt),
		})
	}

	table.Render()

	return nil
}
