// Package pty implements the PTY session broker (C13) backing the browser
// terminal and chat: bounded pools of local-shell and in-container tabs,
// each streamed to its client over SSE.
package pty

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/ploinky/ploinky/pkg/metrics"
	"github.com/ploinky/ploinky/pkg/perr"
)

const (
	globalMaxTabs       = 20
	perSessionMaxTabs   = 3
	minReconnectInterval = 1 * time.Second
	killGrace           = 2 * time.Second
)

// Kind distinguishes a local-shell tab from an in-container exec tab.
type Kind string

const (
	Local     Kind = "local"
	Container Kind = "container"
)

// Tab is one live PTY-backed terminal; its output is fanned out to every
// subscribed SSE stream.
type Tab struct {
	ID        string
	SessionID string
	Kind      Kind

	cmd  *exec.Cmd
	file *os.File // the PTY's controlling end

	mu          sync.Mutex
	disposed    bool
	subscribers []chan frame
}

type frame struct {
	data []byte
	err  error
}

// Broker owns every live Tab, enforcing the global/per-session caps and
// reconnect debounce of spec §4.13.
type Broker struct {
	mu          sync.Mutex
	tabs        map[string]*Tab
	sessionTabs map[string]map[string]bool

	// lastConnect records each tab id's most recent connect attempt,
	// independent of whether a Tab is currently live. It survives Dispose so
	// the reconnect debounce still applies across a real disconnect/
	// reconnect cycle, not just a duplicate connect to a still-live tab.
	lastConnect map[string]time.Time

	// runtimeBin is the container CLI binary ("docker" or "podman") used to
	// exec into container tabs; it tracks whichever runtime was detected/
	// configured, so podman hosts don't shell out to a missing "docker".
	runtimeBin string
}

// New builds an empty Broker. runtimeBin selects the CLI binary
// AllocateContainer execs into ("docker" or "podman"); it defaults to
// "docker" when empty.
func New(runtimeBin string) *Broker {
	if runtimeBin == "" {
		runtimeBin = "docker"
	}
	return &Broker{
		tabs:        make(map[string]*Tab),
		sessionTabs: make(map[string]map[string]bool),
		lastConnect: make(map[string]time.Time),
		runtimeBin:  runtimeBin,
	}
}

// LiveTabCount returns the number of currently allocated tabs, for /health.
func (b *Broker) LiveTabCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}

// AllocateLocal starts a local shell PTY for tabID within sessionID.
func (b *Broker) AllocateLocal(sessionID, tabID, shell string, cols, rows uint16) (*Tab, error) {
	return b.allocate(sessionID, tabID, Local, func() (*exec.Cmd, *os.File, error) {
		cmd := exec.Command(shell)
		f, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
		return cmd, f, err
	})
}

// AllocateContainer starts an interactive exec into containerName, running
// shell, for tabID within sessionID.
func (b *Broker) AllocateContainer(sessionID, tabID, containerName, shell string, cols, rows uint16) (*Tab, error) {
	return b.allocate(sessionID, tabID, Container, func() (*exec.Cmd, *os.File, error) {
		cmd := exec.Command(b.runtimeBin, "exec", "-i", containerName, shell)
		f, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
		return cmd, f, err
	})
}

func (b *Broker) allocate(sessionID, tabID string, kind Kind, start func() (*exec.Cmd, *os.File, error)) (*Tab, error) {
	b.mu.Lock()
	if last, ok := b.lastConnect[tabID]; ok && time.Since(last) < minReconnectInterval {
		b.mu.Unlock()
		return nil, perr.New(perr.RateLimited, "reconnect too soon for tab %s", tabID)
	}
	if len(b.tabs) >= globalMaxTabs {
		b.mu.Unlock()
		return nil, perr.New(perr.Capacity, "global PTY tab limit reached")
	}
	sessTabs := b.sessionTabs[sessionID]
	if sessTabs == nil {
		sessTabs = make(map[string]bool)
		b.sessionTabs[sessionID] = sessTabs
	}
	if !sessTabs[tabID] && len(sessTabs) >= perSessionMaxTabs {
		b.mu.Unlock()
		return nil, perr.New(perr.RateLimited, "session %s already holds %d tabs", sessionID, perSessionMaxTabs)
	}
	b.mu.Unlock()

	cmd, file, err := start()
	if err != nil {
		return nil, perr.Wrap(perr.ContainerExec, err, "allocate pty for tab %s", tabID)
	}

	tab := &Tab{ID: tabID, SessionID: sessionID, Kind: kind, cmd: cmd, file: file}

	b.mu.Lock()
	b.tabs[tabID] = tab
	b.sessionTabs[sessionID][tabID] = true
	b.lastConnect[tabID] = time.Now()
	b.mu.Unlock()
	metrics.PTYTabsLive.Inc()

	go tab.pump()

	return tab, nil
}

// pump reads from the PTY and fans the bytes out to every subscriber until
// the PTY closes.
func (t *Tab) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.broadcast(frame{data: data})
		}
		if err != nil {
			t.broadcast(frame{err: err})
			return
		}
	}
}

func (t *Tab) broadcast(f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- f:
		default: // slow subscriber: drop the frame rather than block the pump
		}
	}
}

// subscribe registers a channel to receive this tab's output frames.
// unsubscribe must be called when the caller's SSE stream ends.
func (t *Tab) subscribe() chan frame {
	ch := make(chan frame, 64)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	return ch
}

func (t *Tab) unsubscribe(ch chan frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subscribers {
		if s == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
}

// Write pipes data to the PTY's stdin (spec §4.13: POST .../input).
func (t *Tab) Write(data []byte) error {
	_, err := t.file.Write(data)
	return err
}

// Resize applies a new terminal size (spec §4.13: POST .../resize).
func (t *Tab) Resize(cols, rows uint16) error {
	return creackpty.Setsize(t.file, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Get returns the tab with the given id, if live.
func (b *Broker) Get(tabID string) (*Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	return t, ok
}

// Dispose closes tab's PTY and, if the underlying process is still alive
// after killGrace, sends SIGKILL (spec §4.13: "schedule a SIGKILL after 2s
// if the process is still alive").
func (b *Broker) Dispose(tabID string) {
	b.mu.Lock()
	tab, ok := b.tabs[tabID]
	if ok {
		delete(b.tabs, tabID)
		if sess := b.sessionTabs[tab.SessionID]; sess != nil {
			delete(sess, tabID)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	metrics.PTYTabsLive.Dec()

	tab.mu.Lock()
	tab.disposed = true
	tab.mu.Unlock()

	_ = tab.file.Close()
	if tab.cmd.Process != nil {
		_ = tab.cmd.Process.Signal(os.Interrupt)
		time.AfterFunc(killGrace, func() {
			if tab.cmd.ProcessState == nil {
				_ = tab.cmd.Process.Kill()
			}
		})
	}
}

// DisposeAll tears down every live tab, for router shutdown.
func (b *Broker) DisposeAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.tabs))
	for id := range b.tabs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Dispose(id)
	}
}

// StreamSSE writes tab's output as Server-Sent Events with a 15s keepalive
// comment, until ctx is cancelled or the PTY closes.
func (t *Tab) StreamSSE(ctx context.Context, w io.Writer, flush func()) error {
	ch := t.subscribe()
	defer t.unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return err
			}
			flush()
		case f := <-ch:
			if f.err != nil {
				return f.err
			}
			payload, err := json.Marshal(sseFrame{Data: string(f.data)})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			flush()
		}
	}
}

// sseFrame is the JSON data frame shape sent over SSE (spec §4.13).
type sseFrame struct {
	Data string `json:"data"`
}
