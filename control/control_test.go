package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm/common"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtm.control")
	fs := NewFileStore(path)

	require.NoError(t, fs.SaveControlGXID(8192))
	gxid, err := fs.LoadControlGXID()
	require.NoError(t, err)
	assert.Equal(t, common.GXID(8192), gxid)

	// Overwrites replace the record.
	require.NoError(t, fs.SaveControlGXID(16384))
	gxid, err = fs.LoadControlGXID()
	require.NoError(t, err)
	assert.Equal(t, common.GXID(16384), gxid)
}

func TestLoadMissingFile(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "absent.control"))
	_, err := fs.LoadControlGXID()
	assert.ErrorIs(t, err, ErrNoControlFile)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtm.control")
	require.NoError(t, os.WriteFile(path, []byte("not a control file"), 0o644))

	_, err := NewFileStore(path).LoadControlGXID()
	assert.ErrorIs(t, err, ErrCorruptControl)
}

func TestLoadTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtm.control")
	fs := NewFileStore(path)
	require.NoError(t, fs.SaveControlGXID(42))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = fs.LoadControlGXID()
	assert.ErrorIs(t, err, ErrCorruptControl)
}
