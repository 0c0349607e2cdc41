package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ploinky/ploinky/pkg/agent"
	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/supervisor"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "start [<staticAgent> <port>]",
			Short: "Spawn the router process, optionally binding a static agent to its own port",
			Args:  cobra.MaximumNArgs(2),
			RunE:  runStart,
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the router process, leaving agent containers running",
			Args:  cobra.NoArgs,
			RunE:  runStop,
		},
		&cobra.Command{
			Use:   "restart [router|<agent>]",
			Short: "Restart the router process, or a single agent's container",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runRestart,
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Stop the router and every agent container, keeping the registry",
			Args:  cobra.NoArgs,
			RunE:  runShutdown,
		},
		&cobra.Command{
			Use:   "destroy",
			Short: "Stop the router, remove every agent container, and clear the registry",
			Args:  cobra.NoArgs,
			RunE:  runDestroy,
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Remove dangling ploinky_* containers not tracked in the registry and stale pid files",
			Args:  cobra.NoArgs,
			RunE:  runClean,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report router and agent status",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
	)
}

func routerBinary(a *app) (string, error) {
	if v := os.Getenv("PLOINKY_ROUTER_BIN"); v != "" {
		return v, nil
	}
	if p, err := exec.LookPath("ploinky-router"); err == nil {
		return p, nil
	}
	candidate := filepath.Join(a.installRoot(), "ploinky-router")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", perr.New(perr.Internal, "ploinky-router binary not found on PATH or PLOINKY_INSTALL_ROOT")
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	cfg := config.LoadRouter()
	pidFile := filepath.Join(a.root, cfg.PIDFile)

	var staticAgent string
	port := cfg.Port
	if len(args) == 2 {
		staticAgent = args[0]
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return perr.New(perr.Internal, "invalid port %q", args[1])
		}
		port = p
	}

	records, rcfg, err := a.reg.Load()
	if err != nil {
		return err
	}
	rcfg.StaticAgent = staticAgent
	rcfg.Port = port
	if err := a.reg.Save(records, rcfg); err != nil {
		return err
	}

	binary, err := routerBinary(a)
	if err != nil {
		return err
	}
	pid, err := supervisor.SpawnRouter(binary, nil, pidFile)
	if err != nil {
		return err
	}
	fmt.Printf("router started (pid %d) on port %d\n", pid, port)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	cfg := config.LoadRouter()
	pidFile := filepath.Join(a.root, cfg.PIDFile)
	if err := supervisor.StopRouter(pidFile); err != nil {
		return err
	}
	fmt.Println("router stopped")
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	target := "router"
	if len(args) == 1 {
		target = args[0]
	}
	if target == "router" {
		_ = runStop(cmd, nil)
		time.Sleep(500 * time.Millisecond)
		return runStart(cmd, nil)
	}

	rt, err := a.rt()
	if err != nil {
		return err
	}
	records, cfg, err := a.reg.Load()
	if err != nil {
		return err
	}
	var rec *registry.Record
	for _, r := range records {
		if r.AgentName == target {
			rec = r
			break
		}
	}
	if rec == nil {
		return perr.New(perr.ContainerMissing, "no enabled agent named %q", target)
	}

	mgr := &agent.Manager{Runtime: rt, Registry: a.reg}
	if err := mgr.Restart(cmd.Context(), rec); err != nil {
		return err
	}
	rec.Status = "ready"
	records[rec.ContainerName] = rec
	if err := a.reg.Save(records, cfg); err != nil {
		return err
	}
	fmt.Printf("restarted agent %s\n", target)
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	_ = runStop(cmd, nil)

	rt, err := a.rt()
	if err != nil {
		return err
	}
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	for _, rec := range records {
		_ = rt.Stop(cmd.Context(), rec.ContainerName)
	}
	fmt.Println("shutdown complete: router stopped, containers stopped")
	return nil
}

func runDestroy(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	_ = runStop(cmd, nil)

	rt, err := a.rt()
	if err != nil {
		return err
	}
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	for _, rec := range records {
		_ = rt.Stop(cmd.Context(), rec.ContainerName)
		_ = rt.Remove(cmd.Context(), rec.ContainerName)
	}
	if err := a.reg.Save(map[string]*registry.Record{}, registry.StaticConfig{}); err != nil {
		return err
	}
	if err := a.routing.Save(registry.RoutingTable{Routes: map[string]registry.Route{}}); err != nil {
		return err
	}
	fmt.Println("destroy complete: containers removed, registry cleared")
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	rt, err := a.rt()
	if err != nil {
		return err
	}
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	tracked := make(map[string]bool, len(records))
	for name := range records {
		tracked[name] = true
	}

	names, err := rt.PS(cmd.Context())
	if err != nil {
		return err
	}
	removed := 0
	for _, name := range names {
		if len(name) > 8 && name[:8] == "ploinky_" && !tracked[name] {
			_ = rt.Stop(cmd.Context(), name)
			_ = rt.Remove(cmd.Context(), name)
			removed++
		}
	}

	cfg := config.LoadRouter()
	pidFile := filepath.Join(a.root, cfg.PIDFile)
	if pid, _ := supervisor.ReadPID(pidFile); pid != 0 && !processAlive(pid) {
		_ = supervisor.RemovePID(pidFile)
	}
	fmt.Printf("removed %d dangling container(s)\n", removed)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	cfg := config.LoadRouter()
	pidFile := filepath.Join(a.root, cfg.PIDFile)
	pid, _ := supervisor.ReadPID(pidFile)

	records, rcfg, err := a.reg.Load()
	if err != nil {
		return err
	}

	type agentStatus struct {
		Name      string `json:"name"`
		Container string `json:"container"`
		Status    string `json:"status"`
		Unhealthy bool   `json:"unhealthy"`
	}
	out := struct {
		RouterPID   int           `json:"routerPid"`
		StaticAgent string        `json:"staticAgent,omitempty"`
		Port        int           `json:"port,omitempty"`
		Agents      []agentStatus `json:"agents"`
	}{RouterPID: pid, StaticAgent: rcfg.StaticAgent, Port: rcfg.Port}

	for _, rec := range records {
		out.Agents = append(out.Agents, agentStatus{Name: rec.AgentName, Container: rec.ContainerName, Status: rec.Status, Unhealthy: rec.Unhealthy})
	}
	printJSON(out)
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
