package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/ploinky/ploinky/pkg/mcpclient"
	"github.com/ploinky/ploinky/pkg/perr"
)

const sessionHeader = "mcp-session-id"

// handleAggregatedMCP serves POST /mcp, the router's own JSON-RPC endpoint
// aggregating every enabled agent (spec §4.12).
func (s *Server) handleAggregatedMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, &mcpclient.RPCError{Code: mcpclient.CodeParseError, Message: "read body"})
		return
	}
	if looksLikeBatch(raw) {
		writeRPCError(w, nil, &mcpclient.RPCError{Code: mcpclient.CodeInvalidRequest, Message: string(perr.UnsupportedBatch) + ": batch requests are not supported"})
		return
	}

	var req mcpclient.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeRPCError(w, nil, &mcpclient.RPCError{Code: mcpclient.CodeParseError, Message: "malformed JSON-RPC request"})
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	switch req.Method {
	case "initialize":
		id, result, err := s.Aggregator.Initialize(r.Context())
		if err != nil {
			writeRPCError(w, req.ID, &mcpclient.RPCError{Code: mcpclient.CodeInternalError, Message: err.Error()})
			return
		}
		w.Header().Set(sessionHeader, id)
		writeRPCResult(w, req.ID, result)

	case "notifications/initialized":
		writeRPCResult(w, req.ID, struct{}{})

	case "ping":
		if _, err := s.Aggregator.ListTools(sessionID); err != nil {
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		writeRPCResult(w, req.ID, struct{}{})

	case "tools/list":
		tools, err := s.Aggregator.ListTools(sessionID)
		if err != nil {
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		writeRPCResult(w, req.ID, mcpclient.ToolsListResult{Tools: tools})

	case "resources/list":
		resources, err := s.Aggregator.ListResources(sessionID)
		if err != nil {
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		writeRPCResult(w, req.ID, mcpclient.ResourcesListResult{Resources: resources})

	case "tools/call":
		var params mcpclient.ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, &mcpclient.RPCError{Code: mcpclient.CodeInvalidParams, Message: "malformed tools/call params"})
			return
		}
		result, err := s.Aggregator.CallTool(r.Context(), sessionID, params.Name, params.Arguments, 0)
		if err != nil {
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		writeRPCRaw(w, req.ID, result)

	case "resources/read":
		var params mcpclient.ResourceReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, &mcpclient.RPCError{Code: mcpclient.CodeInvalidParams, Message: "malformed resources/read params"})
			return
		}
		result, err := s.Aggregator.ReadResource(r.Context(), sessionID, params.URI)
		if err != nil {
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}
		writeRPCRaw(w, req.ID, result)

	default:
		writeRPCError(w, req.ID, &mcpclient.RPCError{Code: mcpclient.CodeMethodNotFound, Message: "unknown method: " + req.Method})
	}
}

// handleAgentMCP serves /mcps/<agent>/mcp and /mcps/<agent>/task, proxying
// directly to one agent's container (spec §4.11 step 4). The agent segment
// is URL-decoded; a leading "<repo>:" disambiguator is stripped before
// dispatch lookup.
func (s *Server) handleAgentMCP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/mcps/")
	agentSeg, subPath, ok := cutLast(rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	agentSeg, err := url.PathUnescape(agentSeg)
	if err != nil {
		http.Error(w, "malformed agent segment", http.StatusBadRequest)
		return
	}
	_, agentName := splitRepoDisambiguator(agentSeg)

	if subPath != "mcp" && subPath != "task" {
		http.NotFound(w, r)
		return
	}

	baseURL, ok := s.cfg.Dispatcher.BaseURL(agentName)
	if !ok {
		writeRPCError(w, nil, &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Agent not found: " + agentName})
		return
	}

	target, err := url.Parse(baseURL)
	if err != nil {
		http.Error(w, "invalid agent base url", http.StatusInternalServerError)
		return
	}

	upstreamPath := "/" + subPath
	if subPath == "task" {
		upstreamPath = "/getTaskStatus"
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = upstreamPath
	}
	proxy.ServeHTTP(w, r)
}

// splitRepoDisambiguator splits "<repo>:<agent>" into (repo, agent); a plain
// "<agent>" segment returns ("", agent).
func splitRepoDisambiguator(seg string) (repo, agent string) {
	if i := strings.Index(seg, ":"); i >= 0 {
		return seg[:i], seg[i+1:]
	}
	return "", seg
}

// cutLast splits "<agent>/<sub>" into (agent, sub) on the last slash.
func cutLast(path string) (head, tail string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func looksLikeBatch(raw []byte) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

func toRPCError(err error) *mcpclient.RPCError {
	if rpcErr, ok := err.(*mcpclient.RPCError); ok {
		return rpcErr
	}
	switch perr.As(err) {
	case perr.SessionExpired:
		return &mcpclient.RPCError{Code: mcpclient.CodeServerError, Message: "Session not found or expired"}
	default:
		return &mcpclient.RPCError{Code: mcpclient.CodeInternalError, Message: err.Error()}
	}
}

func writeRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)})
}

func writeRPCRaw(w http.ResponseWriter, id any, result json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id any, rpcErr *mcpclient.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcpclient.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
