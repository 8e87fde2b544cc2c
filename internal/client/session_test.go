package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFile(t *testing.T) {
	f := SessionFile{Path: filepath.Join(t.TempDir(), "nested", "session.json")}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tok, err := f.Load(now)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, f.Save("tok", now.Add(time.Hour)))
	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err = f.Load(now)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	tok, err = f.Load(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tok, "expired token is ignored")

	require.NoError(t, f.Clear())
	require.NoError(t, f.Clear())
	_, err = os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
}
