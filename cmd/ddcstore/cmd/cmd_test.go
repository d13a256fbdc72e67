package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/ddc"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
catalog:
  backend: badger
blobs:
  backend: fs
refs:
  inline_threshold: 16
gc:
  last_access_cutoff: 48h
  namespace_policies:
    game:
      disabled: true
api:
  listen: 127.0.0.1:9999
  max_inflight_writes: 8
  tokens:
    secret: [game]
`

func run(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), "ddcstore %v", args)
}

func TestCommands(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	dataDir := filepath.Join(tmp, "data")
	cfgPath := filepath.Join(tmp, "ddcstore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYAML), 0o644))

	payload := []byte(`{"shader":"abc"}`)
	payloadPath := filepath.Join(tmp, "payload.json")
	require.NoError(t, os.WriteFile(payloadPath, payload, 0o644))
	conv, err := cbobject.ToObject(cbobject.KindJSON, payload)
	require.NoError(t, err)

	global := []string{"--config", cfgPath, "--dir", dataDir, "--log-level", "error"}
	run(t, append(global, "ref", "put", "--content-type", cbobject.MediaTypeJSON, "game", "shaders", "abc", payloadPath)...)
	run(t, append(global, "ref", "finalize", "game", "shaders", "abc", conv.Object.Hash().String())...)
	run(t, append(global, "blob", "put", "--compress", "game", payloadPath)...)
	run(t, append(global, "gc")...)

	cfg := loadConfig()
	assert.Equal(t, dataDir, cfg.Dir)
	assert.Equal(t, core.CatalogBadger, cfg.Catalog.Backend)
	assert.Equal(t, core.BlobsFS, cfg.Blobs.Backend)
	assert.Equal(t, 16, cfg.Refs.InlineThreshold)
	assert.Equal(t, 48*time.Hour, cfg.GC.LastAccessCutoff)
	assert.True(t, cfg.GC.PolicyFor("game").Disabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.Equal(t, []string{"game"}, cfg.API.Tokens["secret"])
	assert.Equal(t, int64(8), cfg.API.MaxInFlightWrites)

	store, err := ddc.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
	ref, err := store.Refs().Get(context.Background(), "game", "shaders", "abc", refs.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, conv.Object.Hash(), ref.Record.BlobIdentifier)
	c, err := store.Blobs().Get(context.Background(), "game", conv.BlobID)
	require.NoError(t, err)
	assert.Equal(t, payload, c.Data)
}
