// Command ploinky-router is the single HTTP front door (C11) spawned by
// `ploinky start` (C15, cmd/ploinky). It owns the router MCP aggregator
// (C12), the PTY session broker (C13), the container monitor (C9), and the
// health prober (C8) for every agent already materialised by the CLI.
//
// Grounded on the teacher's cmd/warren/main.go daemon bring-up sequencing:
// parse config, initialise logging, wire subsystems in dependency order,
// install signal handling, block until shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ploinky/ploinky/pkg/agent"
	"github.com/ploinky/ploinky/pkg/aggregator"
	"github.com/ploinky/ploinky/pkg/config"
	"github.com/ploinky/ploinky/pkg/health"
	"github.com/ploinky/ploinky/pkg/monitor"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/pty"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/router"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/ploinky/ploinky/pkg/supervisor"
)

// initLogging wires plog's JSON file output per spec §7: structured crash
// records go to the log file, never stderr, and a broken log file never
// blocks the caller (plog.SafeWriter discards write errors).
func initLogging(cfg config.Router, root string) {
	level := plog.Level(cfg.LogLevel)
	if cfg.LogFile == "" {
		plog.Init(plog.Config{Level: level, JSONOutput: true})
		return
	}
	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		plog.Init(plog.Config{Level: level, JSONOutput: true})
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		plog.Init(plog.Config{Level: level, JSONOutput: true})
		return
	}
	plog.Init(plog.Config{Level: level, JSONOutput: true, Output: plog.SafeWriter(f)})
}

func main() {
	config.Load()
	cfg := config.LoadRouter()

	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg, root)

	broker := supervisor.NewBroker(filepath.Join(root, ".ploinky", "running", "events.jsonl"))
	defer func() {
		if r := recover(); r != nil {
			broker.Publish(&supervisor.Event{Type: supervisor.EventRouterCrashed, Message: fmt.Sprintf("%v", r)})
			os.Exit(1)
		}
	}()

	rt, err := runtime.Detect(os.Getenv("PLOINKY_RUNTIME"))
	if err != nil {
		plog.Errf(err, "detect container runtime")
		os.Exit(1)
	}

	reg := registry.Open(root)
	records, staticCfg, err := reg.Load()
	if err != nil {
		plog.Errf(err, "load agent registry")
		os.Exit(1)
	}

	port := cfg.Port
	if staticCfg.Port != 0 {
		port = staticCfg.Port
	}

	routingFile := registry.OpenRouting(root)
	rt2 := registry.Rebuild(records, staticCfg.StaticAgent, port)
	if err := routingFile.Save(rt2); err != nil {
		plog.Errf(err, "rebuild routing table")
	}

	resolver := &registryResolver{reg: reg}

	agentMgr := &agent.Manager{Runtime: rt, Registry: reg}
	mon := monitor.New(rt, reg, agentMgr)

	healthSup := health.NewSupervisor(rt)
	healthSup.OnLivenessFailing = func(containerName string) {
		plog.Warnf("liveness failing for %s, stopping for monitor restart", containerName)
		_ = rt.Stop(context.Background(), containerName)
	}
	healthSup.OnReadinessChange = func(containerName string, unhealthy bool) {
		setUnhealthy(reg, containerName, unhealthy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, rec := range records {
		if rec.Status == "ready" {
			healthSup.Ensure(ctx, rec)
		}
	}

	agg := aggregator.New(resolver, 30*time.Minute)
	ptyBroker := pty.New(rt.Name())

	srv := router.New(router.Config{
		Addr:            fmt.Sprintf(":%d", port),
		Aggregator:      agg,
		PTY:             ptyBroker,
		Dispatcher:      resolver,
		Auth:            buildAuth(cfg),
		BlobsRoot:       root,
		ComponentTokens: buildComponentTokens(cfg),
		BrowserClientJS: []byte(browserClientJS),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := mon.Start(ctx); err != nil {
		plog.Errf(err, "start container monitor")
		os.Exit(1)
	}

	broker.Publish(&supervisor.Event{Type: supervisor.EventRouterStarted, Message: fmt.Sprintf("listening on port %d", port)})
	err = srv.Start(ctx)
	healthSup.StopAll()
	mon.Stop()
	broker.Publish(&supervisor.Event{Type: supervisor.EventRouterStopped, Message: "graceful shutdown complete"})

	if err != nil {
		os.Exit(1)
	}
}

// setUnhealthy persists rec.Unhealthy for the record named containerName,
// tolerating a concurrent removal (spec §4.14: readers/writers don't block
// on a record that no longer exists).
func setUnhealthy(reg *registry.Registry, containerName string, unhealthy bool) {
	records, cfg, err := reg.Load()
	if err != nil {
		plog.Errf(err, "load registry to update health state")
		return
	}
	rec, ok := records[containerName]
	if !ok || rec.Unhealthy == unhealthy {
		return
	}
	rec.Unhealthy = unhealthy
	if err := reg.Save(records, cfg); err != nil {
		plog.Errf(err, "persist health state for %s", containerName)
	}
}

func buildAuth(cfg config.Router) router.Provider {
	if cfg.WebttyToken == "" && cfg.WebchatToken == "" && cfg.DashboardToken == "" && cfg.WebmeetToken == "" {
		return nil
	}
	// Each component carries its own token per spec §6; the dashboard token
	// is used as the umbrella identity check at the router's own auth
	// plumbing layer (component handlers apply their own token beyond it).
	return router.NewTokenProvider(cfg.DashboardToken)
}

// buildComponentTokens wires each component's own token (spec §6) for the
// legacy POST /<app>/auth, GET /<app>/whoami surface used where OIDC is
// disabled.
func buildComponentTokens(cfg config.Router) router.ComponentTokens {
	return router.ComponentTokens{
		"webtty":    cfg.WebttyToken,
		"webchat":   cfg.WebchatToken,
		"dashboard": cfg.DashboardToken,
		"webmeet":   cfg.WebmeetToken,
	}
}

// browserClientJS is the static MCP browser client asset served at
// /MCPBrowserClient.js (spec §6). The interactive UI's own JavaScript is out
// of scope (spec §1 Non-goals: "any front-end JavaScript"); this thin shim is
// the one asset the router itself must serve a stable content-type for, so
// a browser tab can talk JSON-RPC to /mcp without a build step.
const browserClientJS = `// MCPBrowserClient: minimal JSON-RPC 2.0 client for the aggregated /mcp endpoint.
(function (global) {
  function MCPBrowserClient(baseUrl) {
    this.baseUrl = baseUrl || '';
    this.sessionId = null;
    this.nextId = 1;
  }

  MCPBrowserClient.prototype._post = function (method, params) {
    var self = this;
    var body = { jsonrpc: '2.0', id: this.nextId++, method: method, params: params || {} };
    var headers = { 'Content-Type': 'application/json' };
    if (this.sessionId) headers['mcp-session-id'] = this.sessionId;
    return fetch(this.baseUrl + '/mcp', { method: 'POST', headers: headers, body: JSON.stringify(body) })
      .then(function (resp) {
        var sid = resp.headers.get('mcp-session-id');
        if (sid) self.sessionId = sid;
        return resp.json();
      })
      .then(function (json) {
        if (json.error) throw json.error;
        return json.result;
      });
  };

  MCPBrowserClient.prototype.initialize = function () { return this._post('initialize', {}); };
  MCPBrowserClient.prototype.listTools = function () { return this._post('tools/list', {}); };
  MCPBrowserClient.prototype.listResources = function () { return this._post('resources/list', {}); };
  MCPBrowserClient.prototype.callTool = function (name, args) { return this._post('tools/call', { name: name, arguments: args || {} }); };
  MCPBrowserClient.prototype.readResource = function (uri) { return this._post('resources/read', { uri: uri }); };
  MCPBrowserClient.prototype.ping = function () { return this._post('ping', {}); };

  global.MCPBrowserClient = MCPBrowserClient;
})(typeof window !== 'undefined' ? window : globalThis);
`

// registryResolver adapts the persisted agent registry to
// aggregator.Resolver and router.AgentDispatcher: both only need "agent
// name -> reachable base URL," sourced from the same records.
type registryResolver struct {
	reg *registry.Registry
}

func (r *registryResolver) Endpoints() ([]aggregator.AgentEndpoint, error) {
	records, _, err := r.reg.Load()
	if err != nil {
		return nil, err
	}
	out := make([]aggregator.AgentEndpoint, 0, len(records))
	for _, rec := range records {
		if rec.Status != "ready" || rec.Unhealthy || len(rec.Ports) == 0 {
			continue
		}
		out = append(out, aggregator.AgentEndpoint{
			Name:    rec.AgentName,
			BaseURL: fmt.Sprintf("http://127.0.0.1:%d", rec.Ports[0].HostPort),
		})
	}
	return out, nil
}

func (r *registryResolver) BaseURL(agentName string) (string, bool) {
	records, _, err := r.reg.Load()
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if rec.AgentName == agentName && len(rec.Ports) > 0 {
			return fmt.Sprintf("http://127.0.0.1:%d", rec.Ports[0].HostPort), true
		}
	}
	return "", false
}
