package router

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ploinky/ploinky/pkg/aggregator"
	"github.com/ploinky/ploinky/pkg/mcpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAggregatedMCPRejectsNonPost(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	s.handleAggregatedMCP(rec, httptest.NewRequest("GET", "/mcp", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandleAggregatedMCPRejectsBatch(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`[{"jsonrpc":"2.0"}]`))

	s.handleAggregatedMCP(rec, req)

	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpclient.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleAggregatedMCPRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`not json`))

	s.handleAggregatedMCP(rec, req)

	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpclient.CodeParseError, resp.Error.Code)
}

func TestHandleAggregatedMCPInitializeSetsSessionHeader(t *testing.T) {
	agg := aggregator.New(nilResolver{}, time.Minute)
	s := newTestServer(t, Config{Aggregator: agg})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	s.handleAggregatedMCP(rec, req)

	assert.NotEmpty(t, rec.Header().Get(sessionHeader))
	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestHandleAggregatedMCPUnknownMethod(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"nonexistent"}`))

	s.handleAggregatedMCP(rec, req)

	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpclient.CodeMethodNotFound, resp.Error.Code)
}

func TestHandleAggregatedMCPToolsListWithoutSessionIsSessionExpired(t *testing.T) {
	agg := aggregator.New(nilResolver{}, time.Minute)
	s := newTestServer(t, Config{Aggregator: agg})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))

	s.handleAggregatedMCP(rec, req)

	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpclient.CodeServerError, resp.Error.Code)
}

type staticDispatcher struct {
	baseURLs map[string]string
}

func (d staticDispatcher) BaseURL(agent string) (string, bool) {
	v, ok := d.baseURLs[agent]
	return v, ok
}

func TestHandleAgentMCPReturnsRPCErrorForUnknownAgent(t *testing.T) {
	s := newTestServer(t, Config{Dispatcher: staticDispatcher{baseURLs: map[string]string{}}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcps/simulator/mcp", nil)

	s.handleAgentMCP(rec, req)

	var resp mcpclient.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "simulator")
}

func TestHandleAgentMCPRejectsUnknownSubPath(t *testing.T) {
	s := newTestServer(t, Config{Dispatcher: staticDispatcher{baseURLs: map[string]string{"simulator": "http://127.0.0.1:1"}}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcps/simulator/bogus", nil)

	s.handleAgentMCP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestSplitRepoDisambiguator(t *testing.T) {
	repo, agent := splitRepoDisambiguator("demo:simulator")
	assert.Equal(t, "demo", repo)
	assert.Equal(t, "simulator", agent)

	repo, agent = splitRepoDisambiguator("simulator")
	assert.Equal(t, "", repo)
	assert.Equal(t, "simulator", agent)
}

func TestCutLast(t *testing.T) {
	head, tail, ok := cutLast("simulator/mcp")
	require.True(t, ok)
	assert.Equal(t, "simulator", head)
	assert.Equal(t, "mcp", tail)

	_, _, ok = cutLast("noslash")
	assert.False(t, ok)
}

func TestLooksLikeBatch(t *testing.T) {
	assert.True(t, looksLikeBatch([]byte("  [{}]")))
	assert.False(t, looksLikeBatch([]byte(`{"a":1}`)))
}
