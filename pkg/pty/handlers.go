package pty

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/ploinky/ploinky/pkg/perr"
)

// ServeTab handles the SSE GET entry flow for one tab (spec §4.13): it
// allocates (or attaches to) a PTY and streams output until the client
// disconnects, at which point the tab is disposed.
func (b *Broker) ServeTab(w http.ResponseWriter, r *http.Request, sessionID, tabID string, newTab func() (*Tab, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	tab, existing := b.Get(tabID)
	if !existing {
		created, err := newTab()
		if err != nil {
			writePTYError(w, err)
			return
		}
		tab = created
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = tab.StreamSSE(r.Context(), w, flusher.Flush)
	b.Dispose(tabID)
}

// ServeInput handles POST /<app>/input?tabId=<id>: the raw body is piped to
// the PTY's stdin.
func (b *Broker) ServeInput(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tabId")
	tab, ok := b.Get(tabID)
	if !ok {
		http.Error(w, "tab not found", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := tab.Write(data); err != nil {
		http.Error(w, "write to pty", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ServeResize handles POST /<app>/resize with {cols,rows}.
func (b *Broker) ServeResize(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tabId")
	tab, ok := b.Get(tabID)
	if !ok {
		http.Error(w, "tab not found", http.StatusNotFound)
		return
	}
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed resize body", http.StatusBadRequest)
		return
	}
	if err := tab.Resize(uint16(req.Cols), uint16(req.Rows)); err != nil {
		http.Error(w, "resize failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writePTYError(w http.ResponseWriter, err error) {
	switch perr.As(err) {
	case perr.Capacity:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case perr.RateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(1))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
