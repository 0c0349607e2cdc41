package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/spf13/cobra"
)

func init() {
	logsCmd := &cobra.Command{Use: "logs", Short: "Inspect lifecycle and router logs"}
	logsCmd.AddCommand(
		&cobra.Command{
			Use:   "tail [router]",
			Short: "Follow the agent lifecycle event log, or the router's own log with 'router'",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runLogsTail,
		},
		&cobra.Command{
			Use:   "last <n>",
			Short: "Print the last n lines of the agent lifecycle event log",
			Args:  cobra.ExactArgs(1),
			RunE:  runLogsLast,
		},
	)
	rootCmd.AddCommand(logsCmd)
}

func eventLogPath(a *app) string {
	return filepath.Join(a.root, ".ploinky", "running", "events.jsonl")
}

func routerLogPath(a *app) string {
	cfg := config.LoadRouter()
	if cfg.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(cfg.LogFile) {
		return cfg.LogFile
	}
	return filepath.Join(a.root, cfg.LogFile)
}

func runLogsTail(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	path := eventLogPath(a)
	if len(args) == 1 && args[0] == "router" {
		path = routerLogPath(a)
		if path == "" {
			return perr.New(perr.Internal, "router logging to a file is not configured (PLOINKY_LOG_FILE unset)")
		}
	}
	return tailFollow(cmd.Context().Done(), path)
}

// tailFollow prints path's existing content then polls for appended lines,
// the simplest follow loop that needs no platform-specific inotify support.
func tailFollow(done <-chan struct{}, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return perr.New(perr.Internal, "log file %s does not exist yet", path)
		}
		return perr.Wrap(perr.Internal, err, "open %s", path)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			fmt.Print(line)
		}
		if err != nil {
			select {
			case <-done:
				return nil
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func runLogsLast(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return perr.New(perr.Internal, "invalid line count %q", args[0])
	}

	lines, err := lastLines(eventLogPath(a), n)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func lastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.Internal, err, "open %s", path)
	}
	defer f.Close()

	var buf []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) > n {
			buf = buf[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "read %s", path)
	}
	return buf, nil
}
