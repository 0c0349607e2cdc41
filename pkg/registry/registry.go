// Package registry implements the persisted agent registry and routing
// table (C14): atomic JSON read/write, crash-safe on missing files.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ploinky/ploinky/pkg/perr"
)

// RunMode is the agent's materialisation mode.
type RunMode string

const (
	ModeIsolated RunMode = "isolated"
	ModeGlobal   RunMode = "global"
	ModeDevel    RunMode = "devel"
)

// Bind is one computed container mount.
type Bind struct {
	Source string `json:"source"`
	Target string `json:"target"`
	RO     bool   `json:"ro"`
}

// EnvVar is one computed container environment entry.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Port is one computed published port.
type Port struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	HostIP        string `json:"hostIp"`
}

// ProbeSpec is one persisted liveness/readiness probe declaration, copied
// from the manifest at EnsureAgentService time so the router (C8/C9) never
// needs to re-parse the manifest to supervise an already-materialised
// agent.
type ProbeSpec struct {
	Script           string `json:"script"`
	IntervalSeconds  int    `json:"intervalSeconds"`
	TimeoutSeconds   int    `json:"timeoutSeconds"`
	FailureThreshold int    `json:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold"`
}

// HealthSpec groups the two independent probes a record may carry.
type HealthSpec struct {
	Liveness  *ProbeSpec `json:"liveness,omitempty"`
	Readiness *ProbeSpec `json:"readiness,omitempty"`
}

// RestartState tracks C9's per-record circuit-breaker bookkeeping.
type RestartState struct {
	CurrentBackoffMS  int       `json:"currentBackoffMs"`
	RestartHistory    []int64   `json:"restartHistory"` // unix millis
	CircuitBroken     bool      `json:"circuitBroken"`
	LastSeenRunningAt time.Time `json:"lastSeenRunningAt"`
}

// Record is the persisted representation of one materialised agent,
// keyed by its deterministic container name (spec §3).
type Record struct {
	ContainerName string        `json:"containerName"`
	AgentName     string        `json:"agentName"`
	RepoName      string        `json:"repoName"`
	Image         string        `json:"image"`
	CreatedAt     time.Time     `json:"createdAt"`
	ProjectPath   string        `json:"projectPath"`
	RunMode       RunMode       `json:"runMode"`
	Profile       string        `json:"profile"`
	Binds         []Bind        `json:"binds"`
	Env           []EnvVar      `json:"env"`
	Ports         []Port        `json:"ports"`
	Status        string        `json:"status"` // "ready", "failed", "creating", ...
	Unhealthy     bool          `json:"unhealthy"` // set by C8 when the readiness probe is failing
	Health        HealthSpec    `json:"health,omitempty"`
	SpecHash      string        `json:"specHash"`
	Restart       RestartState  `json:"restart"`
}

// StaticConfig is the `_config` entry recorded alongside agent records:
// the static agent bound to the router's own port, if any.
type StaticConfig struct {
	StaticAgent string `json:"staticAgent,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// agentsFile is the on-disk shape of .ploinky/agents.
type agentsFile struct {
	Config  StaticConfig       `json:"_config"`
	Records map[string]*Record `json:"records"`
}

// Registry owns .ploinky/agents. Single writer (CLI or router
// reconciliation); readers copy into memory (spec §5).
type Registry struct {
	path string
	mu   sync.Mutex
}

// Open binds a Registry to .ploinky/agents under root. No I/O happens until
// Load/Save is called.
func Open(root string) *Registry {
	return &Registry{path: filepath.Join(root, ".ploinky", "agents")}
}

// Load reads the registry. A missing file yields an empty registry, not an
// error (C14's "readers tolerate missing files" rule).
func (r *Registry) Load() (map[string]*Record, StaticConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, StaticConfig{}, nil
		}
		return nil, StaticConfig{}, perr.Wrap(perr.RegistryIO, err, "read %s", r.path)
	}

	var f agentsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, StaticConfig{}, perr.Wrap(perr.RegistryIO, err, "parse %s", r.path)
	}
	if f.Records == nil {
		f.Records = map[string]*Record{}
	}
	return f.Records, f.Config, nil
}

// Save atomically writes records and cfg via temp-file + rename.
func (r *Registry) Save(records map[string]*Record, cfg StaticConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := agentsFile{Config: cfg, Records: records}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return perr.Wrap(perr.RegistryIO, err, "marshal %s", r.path)
	}
	return atomicWrite(r.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create temp file for %s", path)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "write temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "rename into %s", path)
	}
	return nil
}
