package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestPackAndReadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		ManifestName: `
workflows:
  - name: load
    type: pg
    config:
      query_file: queries/load.sql
      strict_transaction: false
  - name: ping
    type: http
    config:
      url: https://example.com/health
`,
		"queries/load.sql": "INSERT INTO t SELECT 1",
		".git/HEAD":        "ref: refs/heads/main",
	})

	archive, err := Pack(dir)
	require.NoError(t, err)

	m, err := ReadManifest(archive)
	require.NoError(t, err)
	require.Len(t, m.Workflows, 2)
	assert.Equal(t, "load", m.Workflows[0].Name)
	assert.Equal(t, "pg", m.Workflows[0].Type)
	assert.Equal(t, "queries/load.sql", m.Workflows[0].Config["query_file"])
	assert.Equal(t, false, m.Workflows[0].Config["strict_transaction"])

	assert.Len(t, Checksum(archive), 32)
	assert.Equal(t, Checksum(archive), Checksum(archive))
}

func TestReadManifest_Errors(t *testing.T) {
	pack := func(files map[string]string) []byte {
		dir := t.TempDir()
		writeFiles(t, dir, files)
		data, err := Pack(dir)
		require.NoError(t, err)
		return data
	}

	_, err := ReadManifest(pack(map[string]string{"a.sql": "SELECT 1"}))
	assert.ErrorIs(t, err, ErrNoManifest)

	_, err = ReadManifest([]byte("not gzip"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = ReadManifest(pack(map[string]string{ManifestName: "workflows: [oops"}))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "workflows: []"},
		{"missing name", "workflows:\n  - type: pg"},
		{"missing type", "workflows:\n  - name: a"},
		{"duplicate", "workflows:\n  - {name: a, type: pg}\n  - {name: a, type: mysql}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}
