package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deed:
  template: deed_v2
  letterhead: true
affidavit:
  template: affidavit_default
`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"template": "deed_v2", "letterhead": true}, p.Options("deed"))
	require.Equal(t, map[string]any{"template": "affidavit_default"}, p.Options("affidavit"))
	require.Nil(t, p.Options("unknown"))
}

func TestLoadEmptyPath(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Nil(t, p.Options("deed"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deed: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
