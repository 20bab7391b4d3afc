package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const dialRegionsCmdName = "dial-regions"

func newDialRegionsSubcommand(w io.Writer) *dialRegionsSubcommand {
	return &dialRegionsSubcommand{
		w: w,
	}
}

type dialRegionsSubcommand struct {
	w       io.Writer
	timeout time.Duration
}

func (s *dialRegionsSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(dialRegionsCmdName, flag.ExitOnError)
	fs.DurationVar(&s.timeout, "timeout", 0, "timeout for dialing regions")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command attempts to reach all configured regions.\n")
		fs.PrintDefaults()
	}

	return fs
}

func (s *dialRegionsSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if s.timeout == 0 {
		s.timeout = subCmdTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var unhealthy []string
	for _, region := range conf.Regions {
		print := func(msg string) {
			fmt.Fprintf(s.w, "[%s]: %s\n", region.Address, msg)
		}

		print("dialing...")
		cc, err := topology.Dial(ctx, region.Address)
		if err != nil {
			print(fmt.Sprintf("ERROR: dialing failed: %v", err))
			unhealthy = append(unhealthy, region.Address)
			continue
		}
		print("dialed successfully!")

		print("checking health...")
		resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
		switch {
		case err != nil:
			print(fmt.Sprintf("ERROR: health check failed: %v", err))
			unhealthy = append(unhealthy, region.Address)
		case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
			print(fmt.Sprintf("ERROR: region is not serving: %s", resp.GetStatus()))
			unhealthy = append(unhealthy, region.Address)
		default:
			print("SUCCESS: region is healthy!")
		}

		if err := cc.Close(); err != nil {
			print(fmt.Sprintf("ERROR: closing connection failed: %v", err))
		}
	}

	if len(unhealthy) > 0 {
		return fmt.Errorf("the following regions are not healthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}
