// Package aggregator implements the router MCP aggregator (C12): it
// multiplexes the JSON-RPC 2.0 surface exposed at POST /mcp across every
// enabled agent container, qualifying each tool and resource with its
// owning agent's name.
//
// Grounded on other_examples' Jint8888-Pocket-Omega internal/mcp Manager:
// network I/O (agent discovery) always happens outside the session lock,
// per-agent failures are collected without aborting the whole initialize,
// and state mutation is a short critical section after the I/O completes.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ploinky/ploinky/pkg/mcpclient"
	"github.com/ploinky/ploinky/pkg/metrics"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/plog"
)

// AgentEndpoint is one enabled agent's dispatch target.
type AgentEndpoint struct {
	Name    string
	BaseURL string // http://127.0.0.1:<hostPort>
}

// Resolver supplies the current set of enabled agents. The router's
// registry-backed implementation lives in cmd/ploinky-router; aggregator
// itself stays decoupled from pkg/registry so it can be tested with a
// static list.
type Resolver interface {
	Endpoints() ([]AgentEndpoint, error)
}

// agentState is one agent's per-session discovery result.
type agentState struct {
	endpoint  AgentEndpoint
	client    *mcpclient.Client
	available bool
	tools     []mcpclient.Tool
	resources []mcpclient.Resource
}

// session is the aggregator's per-mcp-session-id state (spec §4.12).
type session struct {
	id        string
	createdAt time.Time
	lastUsed  time.Time
	agents    map[string]*agentState // keyed by agent name
}

// Aggregator is the single aggregated MCP endpoint exposed at POST /mcp.
type Aggregator struct {
	Resolver Resolver
	TTL      time.Duration // session idle expiry, lazily enforced on access

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds an Aggregator. ttl of 0 means sessions never expire.
func New(resolver Resolver, ttl time.Duration) *Aggregator {
	return &Aggregator{Resolver: resolver, TTL: ttl, sessions: make(map[string]*session)}
}

// Initialize creates a new session, discovering tools/resources from every
// enabled agent in parallel. Agents that fail to respond are marked
// unavailable and excluded from the listing rather than failing the whole
// call (spec §4.12).
func (a *Aggregator) Initialize(ctx context.Context) (sessionID string, result mcpclient.InitializeResult, err error) {
	endpoints, err := a.Resolver.Endpoints()
	if err != nil {
		return "", result, perr.Wrap(perr.Internal, err, "resolve agent endpoints")
	}

	states := discoverAll(ctx, endpoints)

	id := uuid.NewString()
	now := time.Now()
	sess := &session{id: id, createdAt: now, lastUsed: now, agents: states}

	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()

	result = mcpclient.InitializeResult{ProtocolVersion: mcpclient.ProtocolVersion}
	return id, result, nil
}

// discoverAll connects to every endpoint and fetches tools/list +
// resources/list concurrently; network I/O is never performed while holding
// a.mu, matching the teacher-grounded manager pattern.
func discoverAll(ctx context.Context, endpoints []AgentEndpoint) map[string]*agentState {
	states := make(map[string]*agentState, len(endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ep := range endpoints {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := discoverOne(ctx, ep)
			mu.Lock()
			states[ep.Name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()
	return states
}

func discoverOne(ctx context.Context, ep AgentEndpoint) *agentState {
	cli := mcpclient.New(ep.BaseURL)
	st := &agentState{endpoint: ep, client: cli}

	if _, err := cli.Initialize(ctx); err != nil {
		plog.Warnf("aggregator: agent %q unavailable at initialize: %v", ep.Name, err)
		return st
	}
	tools, err := cli.ListTools(ctx)
	if err != nil {
		plog.Warnf("aggregator: agent %q tools/list failed: %v", ep.Name, err)
		return st
	}
	resources, err := cli.ListResources(ctx)
	if err != nil {
		plog.Warnf("aggregator: agent %q resources/list failed: %v", ep.Name, err)
		return st
	}
	st.available = true
	st.tools = tools
	st.resources = resources
	return st
}

// session looks up a session by id, lazily expiring it if TTL has elapsed.
// Returns perr.SessionExpired when absent or expired.
func (a *Aggregator) session(id string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[id]
	if !ok {
		return nil, perr.New(perr.SessionExpired, "session not found or expired")
	}
	if a.TTL > 0 && time.Since(sess.lastUsed) > a.TTL {
		delete(a.sessions, id)
		return nil, perr.New(perr.SessionExpired, "session not found or expired")
	}
	sess.lastUsed = time.Now()
	return sess, nil
}

// ListTools returns the qualified-name aggregate of every available agent's
// tools (spec §4.12: "<agent>:<tool>").
func (a *Aggregator) ListTools(sessionID string) ([]mcpclient.Tool, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	var out []mcpclient.Tool
	for _, name := range sortedAgentNames(sess) {
		st := sess.agents[name]
		if !st.available {
			continue
		}
		for _, t := range st.tools {
			out = append(out, mcpclient.Tool{
				Name:        name + ":" + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out, nil
}

// ListResources returns the qualified-name aggregate of every available
// agent's resources (spec §4.12: "agent://<agent><originalUri>").
func (a *Aggregator) ListResources(sessionID string) ([]mcpclient.Resource, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	var out []mcpclient.Resource
	for _, name := range sortedAgentNames(sess) {
		st := sess.agents[name]
		if !st.available {
			continue
		}
		for _, r := range st.resources {
			out = append(out, mcpclient.Resource{
				URI:         fmt.Sprintf("agent://%s%s", name, r.URI),
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
			})
		}
	}
	return out, nil
}

// CallTool dispatches a tools/call by qualified name "<agent>:<tool>" to the
// owning agent.
func (a *Aggregator) CallTool(ctx context.Context, sessionID, qualifiedName string, args map[string]any, ttl time.Duration) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AggregatorRequestDuration, "tools/call")

	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	agentName, toolName, ok := splitQualified(qualifiedName, ":")
	if !ok {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeInvalidParams, Message: "malformed qualified tool name: " + qualifiedName}
	}
	st, ok := sess.agents[agentName]
	if !ok {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Agent not found: " + agentName}
	}
	if !st.available {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Agent unavailable: " + agentName}
	}
	return st.client.CallTool(ctx, toolName, args, ttl)
}

// ReadResource dispatches a resources/read by "agent://<agent><uri>" to the
// owning agent.
func (a *Aggregator) ReadResource(ctx context.Context, sessionID, qualifiedURI string) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AggregatorRequestDuration, "resources/read")

	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	agentName, uri, ok := splitAgentURI(qualifiedURI)
	if !ok {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeInvalidParams, Message: "malformed qualified resource uri: " + qualifiedURI}
	}
	st, ok := sess.agents[agentName]
	if !ok {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Agent not found: " + agentName}
	}
	if !st.available {
		return nil, &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Agent unavailable: " + agentName}
	}
	return st.client.ReadResource(ctx, uri)
}

// SessionCount returns the number of live sessions, for /health reporting.
func (a *Aggregator) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// CloseAllSessions drops and closes every session, for router shutdown.
func (a *Aggregator) CloseAllSessions() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.CloseSession(id)
	}
}

// CloseSession drops a session and closes its agent clients. Called from
// the router on explicit teardown; expiry also happens lazily via session().
func (a *Aggregator) CloseSession(sessionID string) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if ok {
		delete(a.sessions, sessionID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, st := range sess.agents {
		st.client.Close()
	}
}

func splitQualified(name, sep string) (agent, rest string, ok bool) {
	i := strings.Index(name, sep)
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

const agentURIPrefix = "agent://"

func splitAgentURI(uri string) (agent, rest string, ok bool) {
	if !strings.HasPrefix(uri, agentURIPrefix) {
		return "", "", false
	}
	trimmed := uri[len(agentURIPrefix):]
	i := strings.IndexAny(trimmed, "/?#")
	if i <= 0 {
		return "", "", false
	}
	return trimmed[:i], trimmed[i:], true
}

func sortedAgentNames(sess *session) []string {
	names := make([]string, 0, len(sess.agents))
	for name := range sess.agents {
		names = append(names, name)
	}
	// Stable-ish ordering for deterministic listings; agent names are few.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}
