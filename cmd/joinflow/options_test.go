package main

import (
	"testing"

	"github.com/joinflow/joinflow/types/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Options {
	t.Helper()
	opts := NewOptions()
	fs := pflag.NewFlagSet("joinflow", pflag.ContinueOnError)
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return opts
}

func TestOptions_Defaults(t *testing.T) {
	opts := parse(t)
	assert.Equal(t, "joinflow.yaml", opts.ConfigPath)
	assert.NoError(t, opts.Validate())
	assert.Empty(t, opts.Overrides())
}

func TestOptions_OverridesWinOverFile(t *testing.T) {
	opts := parse(t, "-c", "/etc/joinflow.yaml", "--instance", "node-b", "--workers", "4", "--log-level", "debug", "--ops-listen", ":9090")
	assert.Equal(t, "/etc/joinflow.yaml", opts.ConfigPath)

	doc := []byte(`
instance: node-a
storage:
  driver: memory
capacity:
  source: file
  path: capacity.yaml
log:
  level: info
  format: json
`)
	cfg, err := config.Parse(doc, opts.Overrides()...)
	require.NoError(t, err)

	assert.Equal(t, "node-b", cfg.Instance)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, config.LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, ":9090", cfg.Ops.Listen)
}

func TestOptions_Validate(t *testing.T) {
	opts := parse(t, "--config", "")
	assert.ErrorContains(t, opts.Validate(), "--config is required")

	opts = parse(t, "--workers", "-1")
	assert.ErrorContains(t, opts.Validate(), "--workers")
}
