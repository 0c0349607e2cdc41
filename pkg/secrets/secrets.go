// Package secrets implements the secret & variable store (C3): precedence
// resolution across the process environment, .env, and .ploinky/.secrets,
// plus atomic writes to .ploinky/.secrets.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ploinky/ploinky/pkg/perr"
)

// Store resolves variables with precedence env > .env > .ploinky/.secrets
// and persists new values atomically to .ploinky/.secrets.
type Store struct {
	root        string // cwd
	secretsPath string // .ploinky/.secrets
	dotenv      map[string]string
	fileSecrets map[string]string
}

// Open loads .env and .ploinky/.secrets under root (the project cwd).
// Missing files are treated as empty, per C14's "readers tolerate missing
// files" rule applied here to the secrets store.
func Open(root string) (*Store, error) {
	s := &Store{
		root:        root,
		secretsPath: filepath.Join(root, ".ploinky", ".secrets"),
	}

	dotenvPath := filepath.Join(root, ".env")
	if env, err := godotenv.Read(dotenvPath); err == nil {
		s.dotenv = env
	} else {
		s.dotenv = map[string]string{}
	}

	fileSecrets, err := parseSecretsFile(s.secretsPath)
	if err != nil {
		return nil, err
	}
	s.fileSecrets = fileSecrets

	return s, nil
}

// ResolveVarValue returns the first non-empty value found, in precedence
// order: process environment, .env, .ploinky/.secrets.
func (s *Store) ResolveVarValue(name string) (string, bool) {
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	if v, ok := s.dotenv[name]; ok && v != "" {
		return v, true
	}
	if v, ok := s.fileSecrets[name]; ok && v != "" {
		return v, true
	}
	return "", false
}

// RequireVarValue resolves name, returning a secret_missing error naming the
// files searched when the value is absent or empty.
func (s *Store) RequireVarValue(name string) (string, error) {
	if v, ok := s.ResolveVarValue(name); ok {
		return v, nil
	}
	return "", perr.New(perr.SecretMissing,
		"missing required secret %q (searched: environment, .env, .ploinky/.secrets)", name)
}

// Names returns every variable name known to .env or .ploinky/.secrets,
// deduplicated. The process environment is not enumerated: it is almost
// entirely unrelated to the workspace, only consulted for precedence.
func (s *Store) Names() []string {
	seen := make(map[string]bool, len(s.dotenv)+len(s.fileSecrets))
	for k := range s.dotenv {
		seen[k] = true
	}
	for k := range s.fileSecrets {
		seen[k] = true
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	return names
}

// SetEnvVar writes name=value into .ploinky/.secrets atomically (temp-file +
// rename) and updates the in-memory view so the next ResolveVarValue call in
// this process observes it immediately.
func (s *Store) SetEnvVar(name, value string) error {
	s.fileSecrets[name] = value
	return s.persist()
}

func (s *Store) persist() error {
	dir := filepath.Dir(s.secretsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create %s", dir)
	}

	var b strings.Builder
	for k, v := range s.fileSecrets {
		fmt.Fprintf(&b, "%s=%s\n", k, quoteIfNeeded(v))
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return perr.Wrap(perr.RegistryIO, err, "create temp secrets file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "write temp secrets file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "close temp secrets file")
	}
	if err := os.Rename(tmpPath, s.secretsPath); err != nil {
		os.Remove(tmpPath)
		return perr.Wrap(perr.RegistryIO, err, "rename into %s", s.secretsPath)
	}
	return nil
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " #\"'\\") {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
		return `"` + escaped + `"`
	}
	return v
}

// parseSecretsFile parses KEY=value lines, accepting '#' comments and
// quoted values with backslash escapes, per spec §4.3. A missing file
// yields an empty map, not an error.
func parseSecretsFile(path string) (map[string]string, error) {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, perr.Wrap(perr.RegistryIO, err, "open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		out[key] = unquote(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, perr.Wrap(perr.RegistryIO, err, "read %s", path)
	}
	return out, nil
}

// unquote strips a single layer of matching quotes and resolves backslash
// escapes (\\ and \") inside them. Unquoted values pass through verbatim.
func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	q := v[0]
	if (q != '"' && q != '\'') || v[len(v)-1] != q {
		return v
	}
	inner := v[1 : len(v)-1]
	if q == '\'' {
		return inner
	}
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}
