package files

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndOpenRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	n, err := m.Save("bin-1", strings.NewReader("wrapped artifact bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(22), n)
	assert.True(t, m.Exists("bin-1"))

	r, size, err := m.Open("bin-1")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(22), size)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "wrapped artifact bytes", string(data))
}

func TestSaveOverwritesExisting(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Save("bin-1", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = m.Save("bin-1", strings.NewReader("second version"))
	require.NoError(t, err)

	r, size, err := m.Open("bin-1")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len("second version")), size)
}

func TestRemove(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Save("bin-1", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, m.Remove("bin-1"))
	assert.False(t, m.Exists("bin-1"))

	// Removing twice is not an error.
	require.NoError(t, m.Remove("bin-1"))
}

func TestRejectsPathEscapingIDs(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../etc", "a/b", `a\b`, ".."} {
		_, err := m.Save(id, strings.NewReader("x"))
		assert.Error(t, err, "id %q", id)
		assert.False(t, m.Exists(id))
	}
}
