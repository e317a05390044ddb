package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncbridge/internal/syncerr"
)

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validSource = `{
	"client_id": "1000.ABC",
	"client_secret": "secret",
	"refresh_token": "1000.refresh",
	"accounts_url": "https://accounts.zoho.com",
	"api_base_url": "https://www.zohoapis.com"
}`

const validDatastore = `{
	"api_token": "patXYZ",
	"base_id": "appBase"
}`

func TestLoadValidDocuments(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", validSource)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	cfg, err := Load(src, ds)
	require.NoError(t, err)

	assert.Equal(t, "1000.ABC", cfg.Source.ClientID)
	assert.Equal(t, "patXYZ", cfg.Datastore.APIToken)

	// Defaults kick in for omitted fields.
	assert.Equal(t, "https://api.airtable.com", cfg.Datastore.APIBaseURL)
	assert.Equal(t, "Sync Modules", cfg.Datastore.ModulesTable)
	assert.Equal(t, "Sync Fields", cfg.Datastore.FieldsTable)
	assert.Equal(t, "source_token.json", cfg.Source.TokenFile)
	assert.Equal(t, time.Minute, cfg.Runtime.PollInterval)
}

func TestLoadMissingDocument(t *testing.T) {
	dir := t.TempDir()
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	_, err := Load(filepath.Join(dir, "nope.json"), ds)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConfigMissing))
	assert.Equal(t, 2, syncerr.ExitCode(err))
}

func TestLoadMalformedDocument(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", "{broken")
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	_, err := Load(src, ds)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConfigInvalid))
}

func TestLoadRejectsIncompleteCredentials(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", `{"client_id": "1000.ABC"}`)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	_, err := Load(src, ds)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConfigInvalid))
}

func TestLoadEnvOverridesDocument(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", validSource)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	t.Setenv("DATASTORE_API_TOKEN", "patFromEnv")
	t.Setenv("SOURCE_CLIENT_SECRET", "envsecret")
	t.Setenv("POLL_INTERVAL", "30s")

	cfg, err := Load(src, ds)
	require.NoError(t, err)
	assert.Equal(t, "patFromEnv", cfg.Datastore.APIToken)
	assert.Equal(t, "envsecret", cfg.Source.ClientSecret)
	assert.Equal(t, 30*time.Second, cfg.Runtime.PollInterval)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", validSource)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	cfg, err := Load(src, ds)
	require.NoError(t, err)

	w, err := NewWatcher(cfg, src, ds, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) { changed <- c })

	writeDoc(t, dir, "datastore.json", `{"api_token": "patNew", "base_id": "appBase"}`)

	select {
	case c := <-changed:
		assert.Equal(t, "patNew", c.Datastore.APIToken)
		assert.Equal(t, "patNew", w.Current().Datastore.APIToken)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherNotifiesEveryCallback(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", validSource)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	cfg, err := Load(src, ds)
	require.NoError(t, err)

	w, err := NewWatcher(cfg, src, ds, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	first := make(chan *Config, 1)
	second := make(chan *Config, 1)
	w.OnChange(func(c *Config) { first <- c })
	w.OnChange(func(c *Config) { second <- c })

	writeDoc(t, dir, "datastore.json", `{"api_token": "patNew", "base_id": "appBase"}`)

	for _, ch := range []chan *Config{first, second} {
		select {
		case c := <-ch:
			assert.Equal(t, "patNew", c.Datastore.APIToken)
		case <-time.After(5 * time.Second):
			t.Fatal("reload callback never fired")
		}
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	src := writeDoc(t, dir, "source.json", validSource)
	ds := writeDoc(t, dir, "datastore.json", validDatastore)

	cfg, err := Load(src, ds)
	require.NoError(t, err)

	w, err := NewWatcher(cfg, src, ds, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	writeDoc(t, dir, "datastore.json", "{broken")

	// Give the watcher a moment to observe the bad write.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "patXYZ", w.Current().Datastore.APIToken)
}
