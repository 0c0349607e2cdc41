// Package supervisor implements the bootstrap commands of C15: spawning the
// router process, managing its PID file (with stale-PID recovery), and
// appending structured crash/lifecycle records to a JSON-lines log.
//
// PID-file sequencing is grounded on the teacher's cmd/warren/main.go daemon
// startup idiom; the crash/lifecycle log is an adaptation of the teacher's
// pkg/events/events.go Broker — the in-memory pub/sub shape is kept for
// in-process subscribers, but Broker now flushes every event to disk as a
// JSON line instead of only fanning it out to in-process subscribers (spec
// Non-goal: "log shipping/observability beyond appending JSON lines").
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ploinky/ploinky/pkg/perr"
)

// EventType names one lifecycle record kind.
type EventType string

const (
	EventRouterStarted EventType = "router.started"
	EventRouterStopped EventType = "router.stopped"
	EventRouterCrashed EventType = "router.crashed"
	EventContainerRestarted EventType = "container.restarted"
	EventCircuitBroken      EventType = "container.circuit_broken"
)

// Event is one structured lifecycle/crash record, appended as a JSON line.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives events fanned out by Broker, in addition to the
// durable JSON-lines log every event is always appended to.
type Subscriber chan *Event

// Broker appends lifecycle/crash events to a JSON-lines file and fans them
// out to any in-process subscribers (e.g. a dashboard SSE stream).
type Broker struct {
	logPath     string
	subscribers map[Subscriber]bool
}

// NewBroker builds a Broker appending to logPath (created on first Publish).
func NewBroker(logPath string) *Broker {
	return &Broker{logPath: logPath, subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a channel for live event fan-out.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	delete(b.subscribers, sub)
	close(sub)
}

// Publish appends event to the JSON-lines log and fans it out to
// subscribers. Log write failures are logged but never block the caller.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := b.append(event); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: failed to append event: %v\n", err)
	}
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *Broker) append(event *Event) error {
	if err := os.MkdirAll(filepath.Dir(b.logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(b.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// WritePID writes pid to path atomically, recovering from a stale PID file
// left by a crashed process (spec §4.15: "stale PID files (process not
// alive) are silently replaced").
func WritePID(path string, pid int) error {
	if err := checkStalePID(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.Internal, err, "create dir for pid file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return perr.Wrap(perr.Internal, err, "write pid file")
	}
	return os.Rename(tmp, path)
}

// checkStalePID returns nil when path is absent or names a process that is
// no longer alive (stale — safe to overwrite); returns an error only when a
// live router is already bound to path.
func checkStalePID(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perr.Wrap(perr.Internal, err, "read existing pid file")
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return nil // unparsable contents: treat as stale
	}
	if isProcessAlive(pid) {
		return perr.New(perr.RouterListen, "router already running with pid %d", pid)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ReadPID reads the PID recorded at path, or 0 if absent.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// RemovePID deletes the PID file, tolerating its absence.
func RemovePID(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SpawnRouter starts the ploinky-router binary as a detached background
// process, writes its PID to pidFile, and returns once the PID file is
// written (spec §4.15: "start <agent> <port>... spawns the router process,
// and writes its PID").
func SpawnRouter(binary string, args []string, pidFile string) (int, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, perr.Wrap(perr.Internal, err, "spawn router process")
	}
	if err := WritePID(pidFile, cmd.Process.Pid); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

// StopRouter sends SIGTERM to the router process recorded in pidFile, then
// removes the PID file.
func StopRouter(pidFile string) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return perr.Wrap(perr.Internal, err, "read pid file")
	}
	if pid == 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	return RemovePID(pidFile)
}
