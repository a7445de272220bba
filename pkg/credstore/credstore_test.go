package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "credentials.txt"))

	creds, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestAppendThenLoad(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "credentials.txt"))

	require.NoError(t, store.Append("alice", "pw1"))
	require.NoError(t, store.Append("bob", "pw2"))

	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "pw1", "bob": "pw2"}, creds)
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	content := "alice pw1\n\nnotapair\nbob pw2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	creds, err := New(path).Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "pw1", "bob": "pw2"}, creds)
}

func TestPasswordMayContainSpaces(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "credentials.txt"))
	require.NoError(t, store.Append("alice", "pw with spaces"))

	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "pw with spaces", creds["alice"])
}
