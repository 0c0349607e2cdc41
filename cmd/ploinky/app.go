package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ploinky/ploinky/pkg/manifest"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/ploinky/ploinky/pkg/secrets"
)

// app bundles the per-invocation state every subcommand needs: the project
// root, the persisted registry, the secret store, and a detected container
// runtime. Built once per command in cobra's RunE.
type app struct {
	root    string
	reg     *registry.Registry
	routing *registry.RoutingFile
	store   *secrets.Store
	runtime runtime.Adapter
}

func newApp() (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "resolve working directory")
	}
	store, err := secrets.Open(root)
	if err != nil {
		return nil, err
	}
	return &app{
		root:    root,
		reg:     registry.Open(root),
		routing: registry.OpenRouting(root),
		store:   store,
	}, nil
}

// rt lazily detects the container runtime, since commands that never touch
// containers (vars, profile, list repos) shouldn't fail on a missing docker.
func (a *app) rt() (runtime.Adapter, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	rt, err := runtime.Detect(os.Getenv("PLOINKY_RUNTIME"))
	if err != nil {
		return nil, err
	}
	a.runtime = rt
	return rt, nil
}

func (a *app) installRoot() string {
	if v := os.Getenv("PLOINKY_INSTALL_ROOT"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

func (a *app) reposDir() string { return filepath.Join(a.root, ".ploinky", "repos") }

func (a *app) repoDir(repo string) string { return filepath.Join(a.reposDir(), repo) }

func (a *app) agentDir(repo, agentName string) string { return filepath.Join(a.repoDir(repo), agentName) }

// enabledReposPath is spec §6's `.ploinky/enabled_repos.json`.
func (a *app) enabledReposPath() string { return filepath.Join(a.root, ".ploinky", "enabled_repos.json") }

func (a *app) loadEnabledRepos() ([]string, error) {
	data, err := os.ReadFile(a.enabledReposPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.RegistryIO, err, "read %s", a.enabledReposPath())
	}
	var repos []string
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, perr.Wrap(perr.RegistryIO, err, "parse %s", a.enabledReposPath())
	}
	return repos, nil
}

func (a *app) saveEnabledRepos(repos []string) error {
	path := a.enabledReposPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create dir for %s", path)
	}
	data, err := json.MarshalIndent(repos, "", "  ")
	if err != nil {
		return perr.Wrap(perr.RegistryIO, err, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perr.Wrap(perr.RegistryIO, err, "write %s", tmp)
	}
	return os.Rename(tmp, path)
}

// profilePath is spec §6's `.ploinky/profile`: a single line naming the
// active profile, defaulting to "default" when absent.
func (a *app) profilePath() string { return filepath.Join(a.root, ".ploinky", "profile") }

func (a *app) loadProfile() string {
	data, err := os.ReadFile(a.profilePath())
	if err != nil {
		return "default"
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	if name == "" {
		return "default"
	}
	return name
}

func (a *app) saveProfile(name string) error {
	path := a.profilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create dir for %s", path)
	}
	return os.WriteFile(path, []byte(name+"\n"), 0o644)
}

// parseAgentRef splits "name" or "repo/name" as spec §6 accepts for `enable
// agent`.
func parseAgentRef(ref string) (repo, name string, hasRepo bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", ref, false
}

// resolveAgentManifest finds the manifest for ref across repo (if given
// explicitly) or every enabled repo otherwise, returning the owning repo
// name, the manifest path, and the parsed manifest.
func (a *app) resolveAgentManifest(ref string) (repoName, path string, man *manifest.Manifest, err error) {
	repo, name, hasRepo := parseAgentRef(ref)

	candidates := []string{repo}
	if !hasRepo {
		candidates, err = a.loadEnabledRepos()
		if err != nil {
			return "", "", nil, err
		}
	}

	for _, r := range candidates {
		p := a.manifestPath(r, name)
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		m, loadErr := manifest.Load(p)
		if loadErr != nil {
			return "", "", nil, loadErr
		}
		return r, p, m, nil
	}
	return "", "", nil, perr.New(perr.ManifestParse, "no manifest found for agent %q in enabled repos", ref)
}

// manifestPath returns the conventional manifest location for repo/agent,
// preferring manifest.json over manifest.yaml when both exist.
func (a *app) manifestPath(repo, agentName string) string {
	dir := a.agentDir(repo, agentName)
	jsonPath := filepath.Join(dir, "manifest.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return filepath.Join(dir, "manifest.yaml")
}

// printJSON is the shared pretty-printer for commands whose output is
// consumed by scripts as well as humans (status, list, client).
func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
