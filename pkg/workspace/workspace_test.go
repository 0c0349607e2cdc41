package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCreatesAllDirsAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root))
	for _, d := range Dirs {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	require.NoError(t, Init(root), "second Init on an existing workspace must be a no-op")
}

func TestCreateAgentSymlinksPointIntoRepo(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "code"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "skills"), 0o755))

	require.NoError(t, CreateAgentSymlinks(root, "simulator", repo))

	codeLink := filepath.Join(root, "code", "simulator")
	info, err := os.Lstat(codeLink)
	require.NoError(t, err)
	assert.True(t, info.Mode()&os.ModeSymlink != 0)

	resolved, err := filepath.EvalSymlinks(codeLink)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(filepath.Join(repo, "code"))
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}

func TestCreateAgentSymlinksIsIdempotent(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "code"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "skills"), 0o755))

	require.NoError(t, CreateAgentSymlinks(root, "simulator", repo))
	require.NoError(t, CreateAgentSymlinks(root, "simulator", repo), "re-running on a valid symlink must be a no-op")
}

func TestCreateAgentSymlinksRefusesToReplaceRegularFile(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.WriteFile(filepath.Join(root, "code", "simulator"), []byte("not a symlink"), 0o644))

	err := CreateAgentSymlinks(root, "simulator", repo)
	require.Error(t, err)
}

func TestCreateAgentSymlinksReplacesDanglingLink(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "code"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "skills"), 0o755))

	require.NoError(t, os.Symlink(filepath.Join(repo, "does-not-exist"), filepath.Join(root, "code", "simulator")))

	require.NoError(t, CreateAgentSymlinks(root, "simulator", repo))
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "code", "simulator"))
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(filepath.Join(repo, "code"))
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}

func TestVerifyReportsMissingDirectories(t *testing.T) {
	root := t.TempDir()
	issues := Verify(root)
	assert.Len(t, issues, len(Dirs))
}

func TestVerifyReportsBrokenSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.Symlink(filepath.Join(root, "nope"), filepath.Join(root, "code", "orphan")))

	issues := Verify(root)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].String(), "broken symlink")
}

func TestVerifyCleanWorkspaceHasNoIssues(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root))
	assert.Empty(t, Verify(root))
}

func TestTeardownRemovesSymlinksButKeepsAgentsDir(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, Init(root))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "code"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "skills"), 0o755))
	require.NoError(t, CreateAgentSymlinks(root, "simulator", repo))

	agentsDir := filepath.Join(root, "agents", "simulator")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))

	require.NoError(t, Teardown(root, "simulator"))

	_, err := os.Lstat(filepath.Join(root, "code", "simulator"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(agentsDir)
	assert.NoError(t, err, "agents/<agent> must survive teardown")
}
