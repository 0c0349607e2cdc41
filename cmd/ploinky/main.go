// Command ploinky is the CLI surface of spec §6: repo/agent enablement,
// workspace lifecycle, variable/secret management, and the aggregated MCP
// client. It mutates the persisted registry (C14) through C1/C2/C6/C7 and,
// on start, spawns the router process (C15/cmd/ploinky-router).
//
// Grounded on the teacher's cmd/warren command layout: one cobra.Command
// variable per top-level verb, each in its own file, registered onto rootCmd
// from an init().
package main

import (
	"fmt"
	"os"

	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "ploinky",
	Short:         "Ploinky orchestrates containerised MCP agents behind one local router",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initCLILogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default from PLOINKY_LOG_LEVEL or info)")
	rootCmd.PersistentFlags().String("log-file", "", "append structured logs to this file instead of stdout")
}

func main() {
	config.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := 1
		if pe, ok := asClassified(err); ok {
			code = perr.ExitCode(pe)
		}
		os.Exit(code)
	}
}

func asClassified(err error) (perr.Code, bool) {
	code := perr.As(err)
	return code, code != ""
}

// initCLILogging wires plog from the global flags / environment before any
// subcommand runs. CLI output itself goes to stdout/stderr directly; plog
// only carries structured crash records (spec §7).
func initCLILogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = os.Getenv("PLOINKY_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile == "" {
		logFile = os.Getenv("PLOINKY_LOG_FILE")
	}

	cfg := plog.Config{Level: plog.Level(level), JSONOutput: true}
	if logFile != "" {
		if f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			cfg.Output = plog.SafeWriter(f)
		}
	}
	plog.Init(cfg)
}
