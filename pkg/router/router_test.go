package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ploinky/ploinky/pkg/aggregator"
	"github.com/ploinky/ploinky/pkg/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nilResolver struct{}

func (nilResolver) Endpoints() ([]aggregator.AgentEndpoint, error) { return nil, nil }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Aggregator == nil {
		cfg.Aggregator = aggregator.New(nilResolver{}, time.Minute)
	}
	if cfg.PTY == nil {
		cfg.PTY = pty.New("docker")
	}
	return New(cfg)
}

func TestHandleHealthReportsStatusHealthy(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)

	s.handleHealth(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["liveSessions"])
}

func TestBuildMuxServesHealthEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestBuildMuxOmitsBlobsRouteWhenBlobsRootUnset(t *testing.T) {
	s := newTestServer(t, Config{})
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/blobs/simulator/abc", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestBuildMuxServesBlobsRouteWhenConfigured(t *testing.T) {
	s := newTestServer(t, Config{BlobsRoot: t.TempDir()})
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	body := strings.NewReader("payload")
	req := httptest.NewRequest("POST", "/blobs/simulator", body)
	mux.ServeHTTP(rec, req)
	assert.Equal(t, 201, rec.Code)
}

func TestHandleBrowserClientJSServesConfiguredAsset(t *testing.T) {
	s := newTestServer(t, Config{BrowserClientJS: []byte("window.MCPBrowserClient = {};")})
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/MCPBrowserClient.js", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, rec.Body.String(), "MCPBrowserClient")
}

func TestHandleBrowserClientJSRouteAbsentWhenUnconfigured(t *testing.T) {
	s := newTestServer(t, Config{})
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/MCPBrowserClient.js", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestComponentAuthRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, Config{ComponentTokens: ComponentTokens{"webtty": "secret"}})
	rec := httptest.NewRecorder()
	form := url.Values{"token": {"wrong"}}
	req := httptest.NewRequest("POST", "/webtty/auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	s.serveComponent(rec, req, "webtty")
	assert.Equal(t, 403, rec.Code)
}

func TestComponentAuthAcceptsCorrectTokenAndSetsCookie(t *testing.T) {
	s := newTestServer(t, Config{ComponentTokens: ComponentTokens{"webtty": "secret"}})
	rec := httptest.NewRecorder()
	form := url.Values{"token": {"secret"}}
	req := httptest.NewRequest("POST", "/webtty/auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	s.serveComponent(rec, req, "webtty")
	assert.Equal(t, 200, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "secret", cookies[0].Value)
}

func TestComponentAuthRejectsNonPost(t *testing.T) {
	s := newTestServer(t, Config{ComponentTokens: ComponentTokens{"webtty": "secret"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/webtty/auth", nil)

	s.serveComponent(rec, req, "webtty")
	assert.Equal(t, 405, rec.Code)
}

func TestComponentWhoamiUnauthenticatedWithoutCookie(t *testing.T) {
	s := newTestServer(t, Config{ComponentTokens: ComponentTokens{"webtty": "secret"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/webtty/whoami", nil)

	s.serveComponent(rec, req, "webtty")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, "webtty", body["app"])
}

func TestComponentWhoamiAuthenticatedWithMatchingCookie(t *testing.T) {
	s := newTestServer(t, Config{ComponentTokens: ComponentTokens{"webtty": "secret"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/webtty/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "ploinky_session_webtty", Value: "secret"})

	s.serveComponent(rec, req, "webtty")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
}

func TestComponentWhoamiAlwaysAuthenticatedWhenNoTokenConfigured(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/webtty/whoami", nil)

	s.serveComponent(rec, req, "webtty")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
}

func TestTokenProviderIdentifiesMatchingCookie(t *testing.T) {
	p := NewTokenProvider("secret")
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: defaultCookieName, Value: "secret"})

	user, err := p.Identify(req)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "token-holder", user.ID)
}

func TestTokenProviderUnauthenticatedWithoutCookie(t *testing.T) {
	p := NewTokenProvider("secret")
	req := httptest.NewRequest("GET", "/", nil)

	user, err := p.Identify(req)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestTokenProviderEmptyTokenDisablesAuth(t *testing.T) {
	p := NewTokenProvider("")
	req := httptest.NewRequest("GET", "/", nil)

	user, err := p.Identify(req)
	require.NoError(t, err)
	assert.Nil(t, user)
}
