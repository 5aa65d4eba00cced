package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func TestDiscoverFolders_SkipsEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "albumA", "track1.mp3"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	folders, err := DiscoverFolders(root, []string{".mp3"})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "albumA", folders[0].RelPath)
	assert.Equal(t, 1, folders[0].FileCount)
}

func TestDiscoverFolders_RootItselfCounted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "track1.mp3"))

	folders, err := DiscoverFolders(root, []string{".mp3"})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "", folders[0].RelPath)
}

func TestPlanFull_ScansEverything(t *testing.T) {
	all := []FolderMeta{
		{RelPath: "a", FileCount: 2, MTimeMs: 100},
		{RelPath: "b", FileCount: 3, MTimeMs: 200},
	}
	plan := PlanFull(all)
	assert.Len(t, plan.FoldersToScan, 2)
	assert.Empty(t, plan.FoldersSkipped)
	assert.Equal(t, 5, plan.TotalFilesToScan)
}

func TestPlanIncremental_SkipsUnchangedFolders(t *testing.T) {
	all := []FolderMeta{
		{RelPath: "a", FileCount: 2, MTimeMs: 100},
		{RelPath: "b", FileCount: 3, MTimeMs: 200},
	}
	cached := map[string]CachedFolder{
		"a": {MTimeMs: 100, FileCount: 2},
		"b": {MTimeMs: 150, FileCount: 3}, // mtime changed -> must rescan
	}
	plan := PlanIncremental(all, cached)
	require.Len(t, plan.FoldersSkipped, 1)
	assert.Equal(t, "a", plan.FoldersSkipped[0].RelPath)
	require.Len(t, plan.FoldersToScan, 1)
	assert.Equal(t, "b", plan.FoldersToScan[0].RelPath)
}

func TestPlanIncremental_NewFolderAlwaysScanned(t *testing.T) {
	all := []FolderMeta{{RelPath: "new", FileCount: 1, MTimeMs: 100}}
	plan := PlanIncremental(all, map[string]CachedFolder{})
	require.Len(t, plan.FoldersToScan, 1)
	assert.Empty(t, plan.FoldersSkipped)
}
