package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ploinky/ploinky/pkg/agent"
	"github.com/ploinky/ploinky/pkg/depinstall"
	"github.com/ploinky/ploinky/pkg/hooks"
	"github.com/ploinky/ploinky/pkg/manifest"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/ploinky/ploinky/pkg/workspace"
	"github.com/spf13/cobra"
)

func init() {
	enableCmd.AddCommand(&cobra.Command{
		Use:   "agent <name|repo/name> [global|devel [<repo>]] [as <alias>]",
		Short: "Materialise an agent's workspace, container, and lifecycle hooks",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEnableAgent,
	})
	disableCmd.AddCommand(&cobra.Command{
		Use:   "agent <name>",
		Short: "Stop and remove an agent's container and its registry record",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisableAgent,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "refresh agent <name>",
		Short: "Re-run enablement for an already-enabled agent (picks up manifest/profile changes)",
		Args:  cobra.ExactArgs(2),
		RunE:  runRefreshAgent,
	})
	listCmd.AddCommand(&cobra.Command{
		Use:   "agents",
		Short: "List agent records in the registry",
		Args:  cobra.NoArgs,
		RunE:  runListAgents,
	})
}

// parseEnableArgs parses the trailing "[global|devel [<repo>]] [as <alias>]"
// tokens of `enable agent`.
func parseEnableArgs(args []string) (mode, modeRepo, alias string) {
	i := 0
	if i < len(args) && (args[i] == "global" || args[i] == "devel") {
		mode = args[i]
		i++
		if mode == "devel" && i < len(args) && args[i] != "as" {
			modeRepo = args[i]
			i++
		}
	}
	if i < len(args)-1 && args[i] == "as" {
		alias = args[i+1]
	}
	return
}

func runEnableAgent(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ref := args[0]
	mode, modeRepo, alias := parseEnableArgs(args[1:])

	repoName, _, man, err := a.resolveAgentManifest(ref)
	if err != nil {
		return err
	}
	_, agentName, hasRepo := parseAgentRef(ref)
	if !hasRepo {
		agentName = ref
	}
	if modeRepo != "" {
		repoName = modeRepo
	}

	runMode := registry.ModeIsolated
	switch mode {
	case "global":
		runMode = registry.ModeGlobal
	case "devel":
		runMode = registry.ModeDevel
	}

	localName := agentName
	if alias != "" {
		localName = alias
	}

	rec, err := a.materializeAgent(cmd.Context(), repoName, agentName, localName, man, runMode)
	if err != nil {
		return err
	}
	fmt.Printf("enabled agent %s (%s), container %s, status %s\n", localName, repoName, rec.ContainerName, rec.Status)
	return nil
}

// materializeAgent runs spec §4.6's ordered lifecycle for one agent:
// workspace init/symlinks, container ensure (which itself does create+start),
// dependency install, install hooks, then marks the record ready.
func (a *app) materializeAgent(ctx context.Context, repoName, agentName, localName string, man *manifest.Manifest, mode registry.RunMode) (*registry.Record, error) {
	rt, err := a.rt()
	if err != nil {
		return nil, err
	}

	if err := workspace.Init(a.root); err != nil {
		return nil, err
	}
	repoPath := a.repoDir(repoName)
	if err := workspace.CreateAgentSymlinks(a.root, localName, repoPath); err != nil {
		return nil, err
	}

	profileName := a.loadProfile()
	mgr := &agent.Manager{Runtime: rt, Registry: a.reg, InstallRoot: a.installRoot()}

	result, err := mgr.EnsureAgentService(ctx, repoName, localName, a.root, man, profileName, a.store, mode)
	if err != nil {
		return nil, err
	}
	rec := result.Record

	eff, err := manifest.Effective(man, profileName)
	if err != nil {
		return nil, err
	}
	resolvedEnv, err := manifest.ResolveEnv(eff, a.store)
	if err != nil {
		return nil, err
	}
	hookEnv := hooks.BuiltinEnv(profileName, localName, repoName, a.root, rec.ContainerName, rec.ContainerName)
	for _, e := range resolvedEnv {
		hookEnv = append(hookEnv, runtime.EnvVar{Name: e.Name, Value: e.Value})
	}

	runner := &hooks.Runner{Runtime: rt, ContainerName: rec.ContainerName}

	if eff.HostHookAftercreate != "" {
		if _, err := runner.Run(ctx, []hooks.Step{{Name: "hosthook_aftercreation", Kind: hooks.Host, Command: eff.HostHookAftercreate, Env: hookEnv}}); err != nil {
			a.markFailed(rec)
			return nil, err
		}
	}

	installer := &depinstall.Installer{Runtime: rt}
	cacheDB, cacheErr := depinstall.Open(filepath.Join(a.root, ".ploinky", ".depcache"))
	if cacheErr == nil {
		installer.CacheDB = cacheDB
		defer cacheDB.Close()
		codeDir := filepath.Join(a.root, "code", localName)
		agentsDir := filepath.Join(a.root, "agents", localName)
		if err := installer.Install(ctx, rec.ContainerName, localName, codeDir, agentsDir); err != nil {
			a.markFailed(rec)
			return nil, err
		}
	} else {
		plog.Errf(cacheErr, "dependency cache unavailable, skipping install for %s", localName)
	}

	var steps []hooks.Step
	if eff.Preinstall != "" {
		steps = append(steps, hooks.Step{Name: "preinstall", Kind: hooks.Container, Command: eff.Preinstall, Env: hookEnv})
	}
	if eff.Install != "" {
		steps = append(steps, hooks.Step{Name: "install", Kind: hooks.Container, Command: eff.Install, Env: hookEnv})
	}
	if eff.Postinstall != "" {
		steps = append(steps, hooks.Step{Name: "postinstall", Kind: hooks.Container, Command: eff.Postinstall, Env: hookEnv})
	}
	if len(steps) > 0 {
		if _, err := runner.Run(ctx, steps); err != nil {
			a.markFailed(rec)
			return nil, err
		}
	}
	if eff.HostHookPostinstall != "" {
		if _, err := runner.Run(ctx, []hooks.Step{{Name: "hosthook_postinstall", Kind: hooks.Host, Command: eff.HostHookPostinstall, Env: hookEnv}}); err != nil {
			a.markFailed(rec)
			return nil, err
		}
	}

	rec.Status = "ready"
	records, cfg, err := a.reg.Load()
	if err != nil {
		return nil, err
	}
	records[rec.ContainerName] = rec
	if err := a.reg.Save(records, cfg); err != nil {
		return nil, err
	}
	return rec, nil
}

func (a *app) markFailed(rec *registry.Record) {
	records, cfg, err := a.reg.Load()
	if err != nil {
		return
	}
	rec.Status = "failed"
	records[rec.ContainerName] = rec
	_ = a.reg.Save(records, cfg)
}

func runDisableAgent(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	rt, err := a.rt()
	if err != nil {
		return err
	}
	agentName := args[0]

	records, cfg, err := a.reg.Load()
	if err != nil {
		return err
	}
	found := false
	for name, rec := range records {
		if rec.AgentName != agentName {
			continue
		}
		found = true
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		_ = rt.Stop(ctx, rec.ContainerName)
		_ = rt.Remove(ctx, rec.ContainerName)
		cancel()
		delete(records, name)
	}
	if !found {
		return perr.New(perr.ContainerMissing, "no enabled agent named %q", agentName)
	}
	if err := a.reg.Save(records, cfg); err != nil {
		return err
	}
	if err := workspace.Teardown(a.root, agentName); err != nil {
		return err
	}
	fmt.Printf("disabled agent %s\n", agentName)
	return nil
}

func runRefreshAgent(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	agentName := args[1]

	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	var existing *registry.Record
	for _, rec := range records {
		if rec.AgentName == agentName {
			existing = rec
			break
		}
	}
	if existing == nil {
		return perr.New(perr.ContainerMissing, "agent %q is not enabled", agentName)
	}

	repoName, _, man, err := a.resolveAgentManifest(existing.RepoName + "/" + agentName)
	if err != nil {
		return err
	}
	rec, err := a.materializeAgent(cmd.Context(), repoName, agentName, agentName, man, existing.RunMode)
	if err != nil {
		return err
	}
	fmt.Printf("refreshed agent %s, status %s\n", agentName, rec.Status)
	return nil
}

func runListAgents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no agents enabled")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%-20s repo=%-15s mode=%-8s status=%-10s container=%s\n", rec.AgentName, rec.RepoName, rec.RunMode, rec.Status, rec.ContainerName)
	}
	return nil
}
