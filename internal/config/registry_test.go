package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniface360/sentinel/internal/camera"
	"github.com/uniface360/sentinel/internal/detect"
)

func TestOpenRegistryMissingFileStartsEmpty(t *testing.T) {
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	assert.Empty(t, r.Cameras())
	assert.Empty(t, r.Assignments())
	assert.Empty(t, r.Subjects())
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := OpenRegistry(path)
	require.NoError(t, err)

	cams := []camera.Handle{
		{ID: 1, URI: "rtsp://cam/1", Name: "front", Enabled: true},
		{ID: 2, URI: "rtsp://cam/2", Name: "yard"},
	}
	require.NoError(t, r.SaveCameras(cams))

	assignments := []detect.Assignment{
		{CameraID: 1, Category: detect.CategoryIdentity, Enabled: true},
	}
	require.NoError(t, r.SetAssignments(assignments))

	reopened, err := OpenRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, cams, reopened.Cameras())
	assert.Equal(t, assignments, reopened.Assignments())
}

func TestRegistryAuthorized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistryFile(t, path, `{
		"cameras": [],
		"assignments": [],
		"subjects": [
			{"key": "alice", "authorized": true, "embeddings": [[0.1, 0.2]]},
			{"key": "mallory", "authorized": false, "embeddings": [[0.3, 0.4]]}
		]
	}`)

	r, err := OpenRegistry(path)
	require.NoError(t, err)

	assert.True(t, r.Authorized("alice"))
	assert.False(t, r.Authorized("mallory"))
	assert.False(t, r.Authorized("nobody"))

	subjects := r.Subjects()
	require.Len(t, subjects, 2)
	assert.Equal(t, "alice", subjects[0].ID)
	assert.Equal(t, [][]float32{{0.1, 0.2}}, subjects[0].Embeddings)
}

func TestRegistryReloadSubjectsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := OpenRegistry(path)
	require.NoError(t, err)

	cams := []camera.Handle{{ID: 1, URI: "rtsp://cam/1", Name: "front"}}
	require.NoError(t, r.SaveCameras(cams))

	// An operator edits the file on disk, adding a subject.
	writeRegistryFile(t, path, `{
		"cameras": [{"id": 1, "uri": "rtsp://cam/99", "name": "changed", "enabled": true}],
		"assignments": [],
		"subjects": [{"key": "alice", "authorized": true, "embeddings": []}]
	}`)

	n, err := r.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.Authorized("alice"))

	// Cameras in memory are untouched by a subject reload.
	assert.Equal(t, cams, r.Cameras())
}

func TestRegistrySaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r, err := OpenRegistry(path)
	require.NoError(t, err)

	require.NoError(t, r.SaveCameras([]camera.Handle{{ID: 1, URI: "u", Name: "n"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "registry.json", entries[0].Name())
}

func writeRegistryFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, 1000, cfg.Store.RetentionCap)
	assert.Equal(t, "local", cfg.Evidence.Backend)
	assert.False(t, cfg.Notify.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
log_level: debug
sampling:
  interval: 2s
  cooldown: 10s
store:
  driver: postgres
  dsn: "host=db user=app dbname=sentinel"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10, int(cfg.Sampling.Cooldown.Seconds()))
}
