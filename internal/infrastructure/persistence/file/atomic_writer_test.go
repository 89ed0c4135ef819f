package file

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_CreatesParentDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join("/var/caseflow", "sessions", "s1", "checkpoints", "draft.json")

	require.NoError(t, WriteFileAtomic(fs, path, []byte(`{"ok":true}`)))

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteFileAtomic_OverwritesExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/var/caseflow/resume.yml"

	require.NoError(t, WriteFileAtomic(fs, path, []byte("resumable: true")))
	require.NoError(t, WriteFileAtomic(fs, path, []byte("resumable: false")))

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "resumable: false", string(data))
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/var/caseflow"

	require.NoError(t, WriteFileAtomic(fs, filepath.Join(dir, "metadata.yml"), []byte("case_id: CASE-001")))

	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "metadata.yml", entries[0].Name())
}
