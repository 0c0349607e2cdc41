package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ploinky/ploinky/pkg/mcpclient"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent serves a minimal MCP surface for one agent under test.
func fakeAgent(t *testing.T, toolName string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcpclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("mcp-session-id", "agent-sess")
		w.Header().Set("Content-Type", "application/json")

		var result any
		switch req.Method {
		case "initialize":
			result = mcpclient.InitializeResult{ProtocolVersion: mcpclient.ProtocolVersion}
		case "tools/list":
			result = mcpclient.ToolsListResult{Tools: []mcpclient.Tool{{Name: toolName}}}
		case "resources/list":
			result = mcpclient.ResourcesListResult{Resources: []mcpclient.Resource{{URI: "/status"}}}
		case "tools/call":
			result = map[string]any{"iterations": 10, "result": "done"}
		default:
			json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: req.ID,
				Error: &mcpclient.RPCError{Code: mcpclient.CodeMethodNotFound, Message: "no such method"}})
			return
		}
		data, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: req.ID, Result: data})
	}))
}

type staticResolver struct{ endpoints []AgentEndpoint }

func (r staticResolver) Endpoints() ([]AgentEndpoint, error) { return r.endpoints, nil }

func TestInitializeAggregatesAndQualifiesNames(t *testing.T) {
	sim := fakeAgent(t, "run_simulation")
	defer sim.Close()
	mod := fakeAgent(t, "post_message")
	defer mod.Close()

	resolver := staticResolver{endpoints: []AgentEndpoint{
		{Name: "simulator", BaseURL: sim.URL},
		{Name: "moderator", BaseURL: mod.URL},
	}}
	agg := New(resolver, 30*time.Minute)

	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	tools, err := agg.ListTools(sessionID)
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"simulator:run_simulation", "moderator:post_message"}, names)

	resources, err := agg.ListResources(sessionID)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Contains(t, []string{resources[0].URI, resources[1].URI}, "agent://simulator/status")
}

func TestCallToolDispatchesToOwningAgent(t *testing.T) {
	sim := fakeAgent(t, "run_simulation")
	defer sim.Close()

	resolver := staticResolver{endpoints: []AgentEndpoint{{Name: "simulator", BaseURL: sim.URL}}}
	agg := New(resolver, 0)
	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	raw, err := agg.CallTool(context.Background(), sessionID, "simulator:run_simulation", map[string]any{"iterations": 10}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iterations":10,"result":"done"}`, string(raw))
}

func TestUnavailableAgentExcludedAndCallFails(t *testing.T) {
	resolver := staticResolver{endpoints: []AgentEndpoint{
		{Name: "ghost", BaseURL: "http://127.0.0.1:1"}, // nothing listens here
	}}
	agg := New(resolver, 0)
	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	tools, err := agg.ListTools(sessionID)
	require.NoError(t, err)
	assert.Empty(t, tools, "unavailable agent's tools must be excluded from the listing")

	_, err = agg.CallTool(context.Background(), sessionID, "ghost:anything", nil, 0)
	require.Error(t, err)
	var rpcErr *mcpclient.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcpclient.CodeServerError, rpcErr.Code)
}

func TestUnknownAgentInQualifiedNameErrors(t *testing.T) {
	sim := fakeAgent(t, "run_simulation")
	defer sim.Close()
	resolver := staticResolver{endpoints: []AgentEndpoint{{Name: "simulator", BaseURL: sim.URL}}}
	agg := New(resolver, 0)
	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	_, err = agg.CallTool(context.Background(), sessionID, "nonexistent:tool", nil, 0)
	require.Error(t, err)
	var rpcErr *mcpclient.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcpclient.CodeServerError, rpcErr.Code)
}

func TestMalformedQualifiedNameIsInvalidParams(t *testing.T) {
	resolver := staticResolver{}
	agg := New(resolver, 0)
	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	_, err = agg.CallTool(context.Background(), sessionID, "no-colon-here", nil, 0)
	require.Error(t, err)
	var rpcErr *mcpclient.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcpclient.CodeInvalidParams, rpcErr.Code)
}

func TestMissingSessionIsSessionExpired(t *testing.T) {
	resolver := staticResolver{}
	agg := New(resolver, 0)
	_, err := agg.ListTools("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, perr.SessionExpired, perr.As(err))
}

func TestSessionExpiresLazilyAfterTTL(t *testing.T) {
	resolver := staticResolver{}
	agg := New(resolver, 1*time.Millisecond)
	sessionID, _, err := agg.Initialize(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = agg.ListTools(sessionID)
	require.Error(t, err)
	assert.Equal(t, perr.SessionExpired, perr.As(err))
}
