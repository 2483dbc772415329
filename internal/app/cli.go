package app

import (
	"flag"
	"fmt"
	"io"

	"github.com/h44z/identity-store/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// HandleProgramArgs processes the command line. If exit is true, the program should terminate after printing
// the requested information.
func HandleProgramArgs(cfg *config.Config, out io.Writer, args []string) (exit bool, err error) {
	fs := flag.NewFlagSet("identity-store", flag.ContinueOnError)
	fs.SetOutput(out)
	showVersion := fs.Bool("version", false, "print the version and exit")
	checkConfig := fs.Bool("check-config", false, "validate the configuration and exit")

	if err := fs.Parse(args); err != nil {
		return true, err
	}

	switch {
	case *showVersion:
		_, _ = fmt.Fprintln(out, Version)
		return true, nil
	case *checkConfig:
		if err := cfg.Validate(); err != nil {
			return true, fmt.Errorf("invalid configuration: %w", err)
		}
		_, _ = fmt.Fprintf(out, "configuration ok, database: %s\n", cfg.Database.Type)
		return true, nil
	}

	return false, nil
}
