package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/health"
	"github.com/c360/qollective/registry"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseFlags([]string{
		"--config=base.yaml", "--config", "prod.json",
		"--log-level=debug", "--shutdown-timeout=3s", "--validate",
	}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, []string{"base.yaml", "prod.json"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Validate)
}

func TestParseFlags_ConfigFromEnv(t *testing.T) {
	t.Setenv("QOLLECTIVE_CONFIG", "a.yaml,b.yaml")
	cfg, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ConfigPaths)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr string
	}{
		{"defaults", CLIConfig{ShutdownTimeout: time.Second}, ""},
		{"missing file", CLIConfig{ConfigPaths: []string{"nope.yaml"}, ShutdownTimeout: time.Second}, "config file not found"},
		{"bad level", CLIConfig{LogLevel: "loud", ShutdownTimeout: time.Second}, "invalid log level"},
		{"bad format", CLIConfig{LogFormat: "xml", ShutdownTimeout: time.Second}, "invalid log format"},
		{"zero timeout", CLIConfig{}, "invalid shutdown timeout"},
		{"version skips checks", CLIConfig{ShowVersion: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &stdout, &bytes.Buffer{}))
	assert.Equal(t, appName+" version "+Version+"\n", stdout.String())
}

func TestRun_Help(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, run([]string{"--help"}, &bytes.Buffer{}, &stderr))
	assert.Contains(t, stderr.String(), "Qollective agent registry")
}

func TestRun_ValidateOnly(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(good, []byte("registry:\n  ttl: 20s\n  cleanup_interval: 2s\nlogging:\n  level: error\n"), 0o600))
	require.NoError(t, run([]string{"--config", good, "--validate"}, &bytes.Buffer{}, &bytes.Buffer{}))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("registry:\n  ttl: 1s\n  cleanup_interval: 5s\n"), 0o600))
	err := run([]string{"--config", bad, "--validate"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRegistryStatus(t *testing.T) {
	s := registryStatus(nil)
	assert.Equal(t, health.Healthy, s.State)
	assert.Equal(t, "0 agents", s.Message)

	s = registryStatus([]registry.AgentInfo{
		{ID: "a", Health: registry.Healthy},
		{ID: "b", Health: registry.Degraded},
		{ID: "c", Health: registry.Unresponsive},
	})
	assert.Equal(t, health.Degraded, s.State)
	assert.Equal(t, "1 of 3 agents unresponsive", s.Message)
	assert.Equal(t, 1, s.Details["degraded"])
}
