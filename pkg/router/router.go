// Package router implements the routing server (C11): a single HTTP
// listener fronting component UIs, per-agent MCP proxying, and the
// aggregated MCP endpoint.
//
// Grounded on the teacher's pkg/ingress/proxy.go (explicit net.Listen +
// goroutine Serve + <-ctx.Done() + bounded Shutdown) and pkg/ingress/router.go
// (host/path matching).
package router

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ploinky/ploinky/pkg/aggregator"
	"github.com/ploinky/ploinky/pkg/blobs"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/pty"
)

// AgentDispatcher resolves a named agent's MCP base URL for the per-agent
// routes (/mcps/<agent>/mcp, /mcps/<agent>/task).
type AgentDispatcher interface {
	BaseURL(agentName string) (string, bool)
}

// Config wires a Server's dependencies.
type Config struct {
	Addr            string
	Aggregator      *aggregator.Aggregator
	PTY             *pty.Broker
	Dispatcher      AgentDispatcher
	Auth            Provider // nil disables identity attachment (no auth configured)
	BlobsRoot       string   // workspace root; the store lives at <root>/.ploinky/blobs
	ComponentTokens ComponentTokens
	BrowserClientJS []byte // MCPBrowserClient.js asset contents
}

// Server is the single HTTP listener of spec §4.11.
type Server struct {
	cfg        Config
	Aggregator *aggregator.Aggregator
	PTY        *pty.Broker

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
	pid        int
	blobs      *blobs.Store
}

// New builds a Server; call Start to bind and serve.
func New(cfg Config) *Server {
	s := &Server{
		cfg:        cfg,
		Aggregator: cfg.Aggregator,
		PTY:        cfg.PTY,
		startedAt:  time.Now(),
		pid:        os.Getpid(),
	}
	if cfg.BlobsRoot != "" {
		s.blobs = blobs.Open(cfg.BlobsRoot)
	}
	return s
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/webtty/", s.handleWebtty)
	mux.HandleFunc("/webchat/", s.handleWebchat)
	mux.HandleFunc("/dashboard/", s.handleDashboard)
	mux.HandleFunc("/webmeet/", s.handleWebmeet)
	if s.blobs != nil {
		mux.HandleFunc("/blobs/", s.handleBlobs)
	}
	if s.cfg.BrowserClientJS != nil {
		mux.HandleFunc("/MCPBrowserClient.js", s.handleBrowserClientJS)
	}

	mux.HandleFunc("/mcps/", s.handleAgentMCP)
	mux.HandleFunc("/mcp", s.handleAggregatedMCP)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return withUser(s.cfg.Auth)(mux)
}

// Start binds the listener and serves until ctx is cancelled, then performs
// the bounded graceful shutdown described in spec §4.11.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.buildMux(),
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	serveErr := make(chan error, 1)
	go func() {
		plog.Infof("router listening on %s", s.cfg.Addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			plog.Errorf("router: serve error: %v", err)
		}
		return err
	}

	s.Aggregator.CloseAllSessions()
	s.PTY.DisposeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		plog.Errorf("router: graceful shutdown exceeded deadline: %v", err)
		os.Exit(1)
	}
	return nil
}

func (s *Server) handleWebtty(w http.ResponseWriter, r *http.Request) {
	s.serveComponent(w, r, "webtty")
}

func (s *Server) handleWebchat(w http.ResponseWriter, r *http.Request) {
	s.serveComponent(w, r, "webchat")
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.serveComponent(w, r, "dashboard")
}

func (s *Server) handleWebmeet(w http.ResponseWriter, r *http.Request) {
	s.serveComponent(w, r, "webmeet")
}

// serveComponent dispatches a component route's five standard sub-paths
// (spec §4.13/§6): SSE tab entry (stream), input, resize, and the legacy
// token auth/whoami pair. Any other path under the component returns 404.
func (s *Server) serveComponent(w http.ResponseWriter, r *http.Request, app string) {
	switch {
	case r.URL.Path == "/"+app+"/input":
		s.PTY.ServeInput(w, r)
	case r.URL.Path == "/"+app+"/resize":
		s.PTY.ServeResize(w, r)
	case r.URL.Path == "/"+app+"/auth":
		s.handleComponentAuth(w, r, app)
	case r.URL.Path == "/"+app+"/whoami":
		s.handleComponentWhoami(w, r, app)
	case r.URL.Path == "/"+app+"/stream" && r.Method == http.MethodGet:
		s.serveTabEntry(w, r, app)
	default:
		http.NotFound(w, r)
	}
}

// handleBlobs serves GET/POST /blobs/<agent>[/<id>] (spec §6).
func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/blobs/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	agentName := parts[0]
	id := ""
	if len(parts) == 2 {
		id = parts[1]
	}
	blobs.ServeHTTP(s.blobs, w, r, agentName, id)
}

// handleBrowserClientJS serves the static browser MCP client asset with a
// stable content-type (spec §6).
func (s *Server) handleBrowserClientJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(s.cfg.BrowserClientJS)
}

func (s *Server) serveTabEntry(w http.ResponseWriter, r *http.Request, app string) {
	tabID := r.URL.Query().Get("tabId")
	sessionID := r.URL.Query().Get("sessionId")
	shell := r.URL.Query().Get("shell")
	if shell == "" {
		shell = "/bin/sh"
	}
	container := r.URL.Query().Get("container")

	s.PTY.ServeTab(w, r, sessionID, tabID, func() (*pty.Tab, error) {
		if container != "" {
			return s.PTY.AllocateContainer(sessionID, tabID, container, shell, 80, 24)
		}
		return s.PTY.AllocateLocal(sessionID, tabID, shell, 80, 24)
	})
}
