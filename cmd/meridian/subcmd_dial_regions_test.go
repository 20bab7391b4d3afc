package main

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestSubCmdDialRegions(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "region.socket")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	defer srv.Stop()

	go func() { _ = srv.Serve(ln) }()

	addr := "unix://" + socketPath

	decorateLogs := func(addr string, s []string) string {
		var sb strings.Builder
		for _, ss := range s {
			fmt.Fprintf(&sb, "[%s]: %s\n", addr, ss)
		}
		return sb.String()
	}

	for _, tc := range []struct {
		desc   string
		conf   config.Config
		logs   string
		errMsg string
	}{
		{
			desc: "healthy region",
			conf: config.Config{
				Regions: []*config.Region{
					{Name: "us-east", Address: addr},
				},
			},
			logs: decorateLogs(addr, []string{
				"dialing...",
				"dialed successfully!",
				"checking health...",
				"SUCCESS: region is healthy!",
			}),
		},
		{
			desc: "unreachable region",
			conf: config.Config{
				Regions: []*config.Region{
					{Name: "eu-west", Address: "unix:///unreachable/socket"},
				},
			},
			errMsg: "the following regions are not healthy: unix:///unreachable/socket",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			output := &bytes.Buffer{}
			cmd := dialRegionsSubcommand{w: output, timeout: time.Second}

			err := cmd.Exec(nil, tc.conf)

			if tc.errMsg == "" {
				require.NoError(t, err)
				require.Equal(t, tc.logs, output.String())
				return
			}

			require.EqualError(t, err, tc.errMsg)
		})
	}
}
