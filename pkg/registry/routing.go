package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ploinky/ploinky/pkg/perr"
)

// Route is one entry in the routing table: the ports an agent's container
// is reachable on.
type Route struct {
	ContainerPort int `json:"containerPort"`
	HostPort      int `json:"hostPort"`
}

// RoutingTable is the persisted .ploinky/routing.json shape.
type RoutingTable struct {
	StaticAgent string           `json:"staticAgent"`
	Port        int              `json:"port"`
	Routes      map[string]Route `json:"routes"`
}

// RoutingFile owns .ploinky/routing.json.
type RoutingFile struct {
	path string
}

// OpenRouting binds a RoutingFile to .ploinky/routing.json under root.
func OpenRouting(root string) *RoutingFile {
	return &RoutingFile{path: filepath.Join(root, ".ploinky", "routing.json")}
}

// Load reads the routing table, returning an empty table when the file is
// absent.
func (f *RoutingFile) Load() (RoutingTable, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RoutingTable{Routes: map[string]Route{}}, nil
		}
		return RoutingTable{}, perr.Wrap(perr.RegistryIO, err, "read %s", f.path)
	}
	var rt RoutingTable
	if err := json.Unmarshal(data, &rt); err != nil {
		return RoutingTable{}, perr.Wrap(perr.RegistryIO, err, "parse %s", f.path)
	}
	if rt.Routes == nil {
		rt.Routes = map[string]Route{}
	}
	return rt, nil
}

// Save atomically persists the routing table.
func (f *RoutingFile) Save(rt RoutingTable) error {
	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return perr.Wrap(perr.RegistryIO, err, "marshal %s", f.path)
	}
	return atomicWrite(f.path, data)
}

// Rebuild regenerates the routing table from the current registry records
// and their recorded host-port mappings (the first port of each record), per spec §4.14: the routing table is
// regenerated on every router start, never hand-edited.
func Rebuild(records map[string]*Record, staticAgent string, port int) RoutingTable {
	rt := RoutingTable{StaticAgent: staticAgent, Port: port, Routes: map[string]Route{}}
	for _, rec := range records {
		if len(rec.Ports) == 0 {
			continue
		}
		p := rec.Ports[0]
		rt.Routes[rec.AgentName] = Route{ContainerPort: p.ContainerPort, HostPort: p.HostPort}
	}
	return rt
}
