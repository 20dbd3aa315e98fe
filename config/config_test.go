package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddress)
	assert.Equal(t, ":8008", cfg.GRPCAddress)
	assert.Equal(t, 10, cfg.UploadLimit)
	assert.Equal(t, "onnx", cfg.ModelBackend)
	assert.Equal(t, []string{"waste"}, cfg.Classes)
	assert.Equal(t, 640, cfg.InputSize)
	assert.Equal(t, 30*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "sqlite", cfg.DBDriver)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("WASTE_MODEL_BACKEND", "remote")
	t.Setenv("WASTE_REMOTE_URL", "http://yolo:9000")
	t.Setenv("WASTE_MODEL_CLASSES", "waste,bottle")

	cfg, err := Load([]string{"--http-address", ":9999"})
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.ModelBackend)
	assert.Equal(t, "http://yolo:9000", cfg.RemoteURL)
	assert.Equal(t, []string{"waste", "bottle"}, cfg.Classes)
	assert.Equal(t, ":9999", cfg.HTTPAddress)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load([]string{"--model-backend", "tensorflow"})
	assert.Error(t, err)

	_, err = Load([]string{"--input-size", "100"})
	assert.Error(t, err)

	_, err = Load([]string{"--conf-threshold", "1.5"})
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("WASTE_TEST_ONLY_KEY=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WASTE_TEST_ONLY_KEY") })

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), file))
	assert.Equal(t, "loaded", os.Getenv("WASTE_TEST_ONLY_KEY"))
}
