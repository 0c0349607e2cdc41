package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/mcpclient"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/spf13/cobra"
)

func init() {
	clientCmd := &cobra.Command{Use: "client", Short: "Talk to agents over MCP through the router's aggregated endpoint"}

	listCmd := &cobra.Command{
		Use:   "list tools|resources",
		Short: "List the aggregated tool or resource catalogue",
		Args:  cobra.ExactArgs(1),
		RunE:  runClientList,
	}
	statusCmd := &cobra.Command{
		Use:   "status <agent>",
		Short: "Ping an agent directly and report whether it answers",
		Args:  cobra.ExactArgs(1),
		RunE:  runClientStatus,
	}
	toolCmd := &cobra.Command{
		Use:                "tool <name> [--agent <a>] [-p <params>] [-<key> <val> ...]",
		Short:              "Call a tool through the aggregated endpoint",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE:               runClientTool,
	}

	clientCmd.AddCommand(listCmd, statusCmd, toolCmd)
	rootCmd.AddCommand(clientCmd)
}

// routerBaseURL resolves the router's own base URL from the persisted
// routing table, falling back to the process-default port when the router
// has never recorded one (e.g. not started yet).
func routerBaseURL(a *app) (string, error) {
	table, err := a.routing.Load()
	if err != nil {
		return "", err
	}
	port := table.Port
	if port == 0 {
		port = config.LoadRouter().Port
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func runClientList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	base, err := routerBaseURL(a)
	if err != nil {
		return err
	}
	cl := mcpclient.New(base)
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if _, err := cl.Initialize(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "tools":
		tools, err := cl.ListTools(ctx)
		if err != nil {
			return err
		}
		printJSON(tools)
	case "resources":
		resources, err := cl.ListResources(ctx)
		if err != nil {
			return err
		}
		printJSON(resources)
	default:
		return perr.New(perr.Internal, "usage: client list tools|resources")
	}
	return nil
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
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
	if len(rec.Ports) == 0 {
		return perr.New(perr.AgentUnavailable, "agent %q has no published port to reach directly", agentName)
	}
	hostIP := rec.Ports[0].HostIP
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", hostIP, rec.Ports[0].HostPort)
	cl := mcpclient.New(base)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	err = cl.Ping(ctx)
	status := struct {
		Agent     string `json:"agent"`
		Container string `json:"container"`
		Reachable bool   `json:"reachable"`
		Unhealthy bool   `json:"unhealthy"`
		Error     string `json:"error,omitempty"`
	}{Agent: agentName, Container: rec.ContainerName, Reachable: err == nil, Unhealthy: rec.Unhealthy}
	if err != nil {
		status.Error = err.Error()
	}
	printJSON(status)
	return nil
}

// parseClientToolArgs parses "<name> [--agent a] [-p json] [-key val ...]"
// by hand, since tool argument keys are caller-defined and cannot be
// declared as cobra flags up front.
func parseClientToolArgs(args []string) (name, agentFlag, params string, kv map[string]string) {
	kv = map[string]string{}
	name = args[0]
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if !strings.HasPrefix(tok, "-") || i+1 >= len(rest) {
			continue
		}
		key := strings.TrimLeft(tok, "-")
		val := rest[i+1]
		i++
		switch key {
		case "agent":
			agentFlag = val
		case "p":
			params = val
		default:
			kv[key] = val
		}
	}
	return
}

func runClientTool(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	name, agentFlag, params, kv := parseClientToolArgs(args)

	arguments, err := parseToolArguments(params, kv)
	if err != nil {
		return err
	}

	qualified := name
	if agentFlag != "" && !strings.Contains(name, ":") {
		qualified = agentFlag + ":" + name
	}

	base, err := routerBaseURL(a)
	if err != nil {
		return err
	}
	cl := mcpclient.New(base)
	ctx, cancel := context.WithTimeout(cmd.Context(), 65*time.Second)
	defer cancel()
	if _, err := cl.Initialize(ctx); err != nil {
		return err
	}
	result, err := cl.CallTool(ctx, qualified, arguments, 0)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// parseToolArguments merges the -p JSON blob (if given) with the individual
// key/value pairs given as "-key value" tokens, the latter taking precedence
// on conflicting keys.
func parseToolArguments(params string, kv map[string]string) (map[string]any, error) {
	args := map[string]any{}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &args); err != nil {
			return nil, perr.Wrap(perr.Internal, err, "parse -p argument as JSON")
		}
	}
	for k, v := range kv {
		args[k] = coerceScalar(v)
	}
	return args, nil
}

// coerceScalar turns a flag value into an int/float/bool when it looks like
// one, otherwise keeps it as a string; tool arguments are untyped JSON, so
// the CLI has to guess the caller's intent from the command line.
func coerceScalar(v string) any {
	if v == "true" || v == "false" {
		return v == "true"
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
