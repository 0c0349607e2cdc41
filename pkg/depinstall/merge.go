package depinstall

import (
	"encoding/json"
	"os"
)

// mergePackageJSON merges corePath's and agentPath's "dependencies" maps,
// core winning on version conflict (spec §4.5 / Design Notes §9:
// merge(core, agent) = agent ∪ core with core overriding). Where core and
// agent name different versions of the same dependency, core's version
// replaces the agent's; that is not reported as a conflict, so the conflict
// result is always false.
func mergePackageJSON(corePath, agentPath string) (merged []byte, conflict bool, err error) {
	core, err := readPackageJSON(corePath)
	if err != nil {
		return nil, false, err
	}
	agent, err := readPackageJSON(agentPath)
	if err != nil {
		return nil, false, err
	}

	deps := map[string]string{}
	for k, v := range agent.Dependencies {
		deps[k] = v
	}
	for k, v := range core.Dependencies {
		deps[k] = v // core always takes precedence
	}

	out := agent
	if out.Name == "" {
		out.Name = core.Name
	}
	out.Dependencies = deps

	data, err := json.MarshalIndent(out, "", "  ")
	return data, false, err
}

type packageJSON struct {
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func readPackageJSON(path string) (packageJSON, error) {
	var pj packageJSON
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pj, nil
		}
		return pj, err
	}
	err = json.Unmarshal(data, &pj)
	return pj, err
}
