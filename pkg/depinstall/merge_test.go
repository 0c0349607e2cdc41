package depinstall

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackageJSON(t *testing.T, dir, name string, pj packageJSON) string {
	t.Helper()
	data, err := json.Marshal(pj)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestMergePackageJSONCoreWinsOnConflict(t *testing.T) {
	dir := t.TempDir()
	core := writePackageJSON(t, dir, "core.json", packageJSON{Name: "core", Dependencies: map[string]string{"express": "4.0.0"}})
	agent := writePackageJSON(t, dir, "agent.json", packageJSON{Name: "agent", Dependencies: map[string]string{"express": "3.0.0", "lodash": "1.0.0"}})

	merged, conflict, err := mergePackageJSON(core, agent)
	require.NoError(t, err)
	assert.False(t, conflict)

	var out packageJSON
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Equal(t, "4.0.0", out.Dependencies["express"], "core's version must win")
	assert.Equal(t, "1.0.0", out.Dependencies["lodash"], "agent-only deps must be kept")
}

func TestMergePackageJSONKeepsAgentNameWhenSet(t *testing.T) {
	dir := t.TempDir()
	core := writePackageJSON(t, dir, "core.json", packageJSON{Name: "core"})
	agent := writePackageJSON(t, dir, "agent.json", packageJSON{Name: "simulator"})

	merged, _, err := mergePackageJSON(core, agent)
	require.NoError(t, err)
	var out packageJSON
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Equal(t, "simulator", out.Name)
}

func TestMergePackageJSONMissingCoreYieldsAgentOnly(t *testing.T) {
	dir := t.TempDir()
	agent := writePackageJSON(t, dir, "agent.json", packageJSON{Name: "agent", Dependencies: map[string]string{"lodash": "1.0.0"}})

	merged, conflict, err := mergePackageJSON(filepath.Join(dir, "missing.json"), agent)
	require.NoError(t, err)
	assert.False(t, conflict)
	var out packageJSON
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Equal(t, "1.0.0", out.Dependencies["lodash"])
}

func TestMergePackageJSONIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	core := writePackageJSON(t, dir, "core.json", packageJSON{Name: "core", Dependencies: map[string]string{"express": "4.0.0"}})
	agent := writePackageJSON(t, dir, "agent.json", packageJSON{Name: "agent", Dependencies: map[string]string{"express": "3.0.0"}})

	first, _, err := mergePackageJSON(core, agent)
	require.NoError(t, err)

	mergedPath := filepath.Join(dir, "merged.json")
	require.NoError(t, os.WriteFile(mergedPath, first, 0o644))

	second, _, err := mergePackageJSON(core, mergedPath)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}
