package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- username: bot-worker-0
  uid: 90000
  gid: 90000
- username: bot-worker-1
  uid: 90001
- username: bot-worker-2
`), 0o644))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, 3, registry.Len())
	assert.Equal(t, "bot-worker-0", registry.At(0).Name)
	require.NotNil(t, registry.At(0).UID)
	assert.Equal(t, 90000, *registry.At(0).UID)
	assert.Nil(t, registry.At(1).GID)
	assert.Nil(t, registry.At(2).UID)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Identity{
		{Name: "bot-worker-0"},
		{Name: "bot-worker-0"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewRegistryRejectsEmpty(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)
}

func TestNewRegistryRejectsMissingName(t *testing.T) {
	_, err := NewRegistry([]Identity{{}})
	require.Error(t, err)
}

func TestIdentitiesReturnsCopy(t *testing.T) {
	registry, err := NewRegistry([]Identity{{Name: "bot-worker-0"}})
	require.NoError(t, err)

	ids := registry.Identities()
	ids[0].Name = "mutated"
	assert.Equal(t, "bot-worker-0", registry.At(0).Name)
}
