package main

import (
	"flag"
	"fmt"
	"io"

	"gitlab.com/fleetops/meridian/internal/meridian/config"
)

const checkConfigCmdName = "check-config"

func newCheckConfigSubcommand(w io.Writer) *checkConfigSubcommand {
	return &checkConfigSubcommand{w: w}
}

type checkConfigSubcommand struct {
	w io.Writer
}

func (s *checkConfigSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(checkConfigCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command validates the config file and exits.\n")
		fs.PrintDefaults()
	}

	return fs
}

// Parsing and validation already ran while loading the config, so reaching
// Exec means the file is well-formed.
func (s *checkConfigSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	fmt.Fprintf(s.w, "%s %s: OK\n", progname, checkConfigCmdName)
	return nil
}
