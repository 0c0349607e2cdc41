package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWorkspace(t *testing.T, dotenv, secretsFile string) string {
	t.Helper()
	root := t.TempDir()
	if dotenv != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte(dotenv), 0o644))
	}
	if secretsFile != "" {
		dir := filepath.Join(root, ".ploinky")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".secrets"), []byte(secretsFile), 0o644))
	}
	return root
}

func TestResolveVarValuePrecedence(t *testing.T) {
	root := setupWorkspace(t, "API_KEY=env\n", "API_KEY=file\n")
	t.Setenv("API_KEY", "override")

	store, err := Open(root)
	require.NoError(t, err)

	v, ok := store.ResolveVarValue("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "override", v, "process env must win over .env and .ploinky/.secrets")
}

func TestResolveVarValueFallsBackToDotenvThenFile(t *testing.T) {
	root := setupWorkspace(t, "ONLY_DOTENV=fromenv\n", "ONLY_FILE=fromfile\n")
	store, err := Open(root)
	require.NoError(t, err)

	v, ok := store.ResolveVarValue("ONLY_DOTENV")
	require.True(t, ok)
	assert.Equal(t, "fromenv", v)

	v, ok = store.ResolveVarValue("ONLY_FILE")
	require.True(t, ok)
	assert.Equal(t, "fromfile", v)
}

func TestRequireVarValueMissing(t *testing.T) {
	root := setupWorkspace(t, "", "")
	store, err := Open(root)
	require.NoError(t, err)

	_, err = store.RequireVarValue("NOPE")
	require.Error(t, err)
}

func TestSetEnvVarIsObservableImmediatelyAndAfterReload(t *testing.T) {
	root := setupWorkspace(t, "", "")
	store, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, store.SetEnvVar("NEW_KEY", "newval"))

	v, ok := store.ResolveVarValue("NEW_KEY")
	require.True(t, ok)
	assert.Equal(t, "newval", v, "must be observable in the same process immediately")

	reopened, err := Open(root)
	require.NoError(t, err)
	v, ok = reopened.ResolveVarValue("NEW_KEY")
	require.True(t, ok)
	assert.Equal(t, "newval", v, "must be observable after a fresh Open")
}

func TestParseSecretsFileCommentsAndQuoting(t *testing.T) {
	body := "# a comment\nPLAIN=value\nQUOTED=\"has space\"\nESCAPED=\"a\\\"b\"\nSINGLE='literal $no expand'\n"
	root := setupWorkspace(t, "", body)
	store, err := Open(root)
	require.NoError(t, err)

	cases := map[string]string{
		"PLAIN":   "value",
		"QUOTED":  "has space",
		"ESCAPED": `a"b`,
		"SINGLE":  "literal $no expand",
	}
	for name, want := range cases {
		v, ok := store.ResolveVarValue(name)
		require.True(t, ok, name)
		assert.Equal(t, want, v, name)
	}
}

func TestOpenMissingFilesYieldsEmptyNotError(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	_, ok := store.ResolveVarValue("ANYTHING")
	assert.False(t, ok)
}
