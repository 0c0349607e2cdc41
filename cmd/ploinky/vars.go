package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "var <NAME> <value>",
			Short: "Set a secret in .ploinky/.secrets",
			Args:  cobra.ExactArgs(2),
			RunE:  runVar,
		},
		&cobra.Command{
			Use:   "vars",
			Short: "List secret names known to the store (process env, .env, .ploinky/.secrets)",
			Args:  cobra.NoArgs,
			RunE:  runVars,
		},
		&cobra.Command{
			Use:   "echo <NAME|$NAME>",
			Short: "Print the resolved value of a variable",
			Args:  cobra.ExactArgs(1),
			RunE:  runEcho,
		},
		&cobra.Command{
			Use:   "expose <EXPORTED> <$VAR|value> [agent]",
			Short: "Resolve a value now and record it in an agent's exported env",
			Args:  cobra.RangeArgs(2, 3),
			RunE:  runExpose,
		},
	)
}

func runVar(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.store.SetEnvVar(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("set %s\n", args[0])
	return nil
}

func runVars(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	names := a.store.Names()
	if len(names) == 0 {
		fmt.Println("no vars known")
		return nil
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// runEcho resolves NAME or the literal "$NAME" form spec §6 accepts.
func runEcho(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	name := strings.TrimPrefix(args[0], "$")
	v, ok := a.store.ResolveVarValue(name)
	if !ok {
		return perr.New(perr.SecretMissing, "no value found for %q", name)
	}
	fmt.Println(v)
	return nil
}

// runExpose records an exported-env mapping for an agent: it resolves a $VAR
// reference (or treats the argument as a literal) and stores the resolved
// value in the named agent's env list in the registry (spec §4.3, §4.6).
// Without an agent argument it only prints the resolved value.
func runExpose(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	exported, spec := args[0], args[1]
	var agentName string
	if len(args) == 3 {
		agentName = args[2]
	}

	value := spec
	if strings.HasPrefix(spec, "$") {
		v, err := a.store.RequireVarValue(strings.TrimPrefix(spec, "$"))
		if err != nil {
			return err
		}
		value = v
	}

	if agentName == "" {
		fmt.Printf("expose %s=%s (no agent given, nothing recorded)\n", exported, value)
		return nil
	}

	records, cfg, err := a.reg.Load()
	if err != nil {
		return err
	}
	found := false
	for _, rec := range records {
		if rec.AgentName != agentName {
			continue
		}
		found = true
		replaced := false
		for i, e := range rec.Env {
			if e.Name == exported {
				rec.Env[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			rec.Env = append(rec.Env, registry.EnvVar{Name: exported, Value: value})
		}
	}
	if !found {
		return perr.New(perr.ContainerMissing, "no enabled agent named %q", agentName)
	}
	if err := a.reg.Save(records, cfg); err != nil {
		return err
	}
	fmt.Printf("exposed %s=%s to agent %s (restart to apply)\n", exported, value, agentName)
	return nil
}
