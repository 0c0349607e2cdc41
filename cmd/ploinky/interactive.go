package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "shell <agent>",
			Short: "Open an interactive shell inside an agent's container",
			Args:  cobra.ExactArgs(1),
			RunE:  runShell,
		},
		&cobra.Command{
			Use:                "cli <agent> [args...]",
			Short:              "Run an agent's declared `cli` entry command inside its container",
			Args:               cobra.MinimumNArgs(1),
			DisableFlagParsing: true,
			RunE:               runCLI,
		},
	)

	webtty := &cobra.Command{Use: "webtty [<shell>] [--rotate]", Args: cobra.MaximumNArgs(1), RunE: runWebComponent("webtty")}
	webtty.Flags().Bool("rotate", false, "rotate the component's access token")
	webchat := &cobra.Command{Use: "webchat [--rotate]", Args: cobra.NoArgs, RunE: runWebComponent("webchat")}
	webchat.Flags().Bool("rotate", false, "rotate the component's access token")
	webmeet := &cobra.Command{Use: "webmeet [<moderator>] [--rotate]", Args: cobra.MaximumNArgs(1), RunE: runWebComponent("webmeet")}
	webmeet.Flags().Bool("rotate", false, "rotate the component's access token")
	dashboard := &cobra.Command{Use: "dashboard [--rotate]", Args: cobra.NoArgs, RunE: runWebComponent("dashboard")}
	dashboard.Flags().Bool("rotate", false, "rotate the component's access token")
	rootCmd.AddCommand(webtty, webchat, webmeet, dashboard)
}

func findAgentRecord(records map[string]*registry.Record, name string) *registry.Record {
	for _, rec := range records {
		if rec.AgentName == name {
			return rec
		}
	}
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
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
	rec := findAgentRecord(records, args[0])
	if rec == nil {
		return perr.New(perr.ContainerMissing, "no enabled agent named %q", args[0])
	}
	return execInteractive(rt.Name(), "exec", "-it", rec.ContainerName, "/bin/sh")
}

func runCLI(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	rt, err := a.rt()
	if err != nil {
		return err
	}
	agentName := args[0]
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	rec := findAgentRecord(records, agentName)
	if rec == nil {
		return perr.New(perr.ContainerMissing, "no enabled agent named %q", agentName)
	}

	_, _, man, err := a.resolveAgentManifest(rec.RepoName + "/" + agentName)
	if err != nil {
		return err
	}
	if man.CLI == "" {
		return perr.New(perr.ManifestParse, "agent %q declares no cli entry", agentName)
	}

	execArgs := append([]string{"exec", "-it", rec.ContainerName, "/bin/sh", "-c", man.CLI}, args[1:]...)
	return execInteractive(rt.Name(), execArgs...)
}

// execInteractive runs binary with the host's stdio attached directly, the
// way a shell/cli command must behave: the process substitutes for the
// user's terminal session rather than being captured.
func execInteractive(binary string, args ...string) error {
	c := exec.Command(binary, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// tokenVarName maps a component to the environment variable spec §6 reads
// its access token from.
func tokenVarName(component string) string {
	switch component {
	case "webtty":
		return "WEBTTY_TOKEN"
	case "webchat":
		return "WEBCHAT_TOKEN"
	case "webmeet":
		return "WEBMEET_TOKEN"
	default:
		return "WEBDASHBOARD_TOKEN"
	}
}

// runWebComponent prints the local URL for one of the router's browser UI
// tabs (spec §4.13), rotating its token first when --rotate is set. The
// actual terminal/chat/meeting UI is out of scope (spec §1 Non-goals: "any
// front-end JavaScript"); the CLI's job ends at handing the user a URL.
func runWebComponent(component string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		rotate, _ := cmd.Flags().GetBool("rotate")
		if rotate {
			token := uuid.NewString()
			if err := a.store.SetEnvVar(tokenVarName(component), token); err != nil {
				return err
			}
			fmt.Printf("rotated %s token\n", component)
		}

		_, rcfg, err := a.reg.Load()
		if err != nil {
			return err
		}
		port := rcfg.Port
		if port == 0 {
			port = config.LoadRouter().Port
		}
		fmt.Printf("http://127.0.0.1:%d/%s/\n", port, component)
		return nil
	}
}
