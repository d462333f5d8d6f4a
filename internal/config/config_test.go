package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Lines.BackgroundThreshold)
	assert.Contains(t, cfg.Index.ExcludeDirs, "node_modules")
	assert.NotEmpty(t, cfg.Index.Rules)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	tmp := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Lines.BackgroundThreshold, cfg.Lines.BackgroundThreshold)
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, lserrors.ErrCodeConfigNotFound, lserrors.GetCode(err))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := `
version: 1
index:
  rules:
    - pattern: txt
      match: extension
    - pattern: "_test.go"
      match: suffix
      exclude: true
  exclude_dirs: ["bin"]
lines:
  background_threshold: 500
watch:
  debounce: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Lines.BackgroundThreshold)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, []string{"bin"}, cfg.Index.ExcludeDirs)
	require.Len(t, cfg.Index.Rules, 2)
	assert.True(t, cfg.Index.Rules[1].Exclude)
}

func TestValidateRejectsBadRule(t *testing.T) {
	cfg := Default()
	cfg.Index.Rules = append(cfg.Index.Rules, Rule{Pattern: "x", Match: "glob"})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, lserrors.ErrCodeInvalidRule, lserrors.GetCode(err))
}
