package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/pt2onnx/internal/testutil"
	"github.com/zerfoo/pt2onnx/pkg/converter"
)

func testConfig() config {
	return config{ModelType: converter.DefaultModelType, Seed: 7}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig()
	assert.Equal(t, "pt2onnx.log", cfg.LogFile)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, converter.DefaultModelType, cfg.ModelType)
	assert.False(t, cfg.EmitZMF)
	assert.Zero(t, cfg.Seed)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PT2ONNX_LOG_FILE", "/tmp/convert.log")
	t.Setenv("PT2ONNX_LOG_LEVEL", "DEBUG")
	t.Setenv("PT2ONNX_MODEL_TYPE", "models.other.Net")
	t.Setenv("PT2ONNX_EMIT_ZMF", "true")
	t.Setenv("PT2ONNX_SEED", "42")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/convert.log", cfg.LogFile)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "models.other.Net", cfg.ModelType)
	assert.True(t, cfg.EmitZMF)
	assert.Equal(t, int64(42), cfg.Seed)
}

func TestReadLine(t *testing.T) {
	for in, want := range map[string]string{
		"  model.pt \n":   "model.pt",
		"dir/model.pt":    "dir/model.pt",
		"first\nsecond\n": "first",
	} {
		got, err := readLine(strings.NewReader(in))
		require.NoError(t, err, "readLine(%q)", in)
		assert.Equal(t, want, got)
	}

	_, err := readLine(strings.NewReader(""))
	assert.Error(t, err)
}

func TestCompletePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.pt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "models"), 0o755))

	got := completePath(dir + string(filepath.Separator) + "mod")
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "model.pt"),
		filepath.Join(dir, "models") + string(filepath.Separator),
	}, got)

	assert.Nil(t, completePath(filepath.Join(dir, "missing", "x")))
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteCheckpoint(t, dir, "model.pt", testutil.SmallDetector())

	var out bytes.Buffer
	run(context.Background(), &out, testConfig(), path)

	output := out.String()
	assert.Contains(t, output, fmt.Sprintf("ONNX file saved: %s", filepath.Join(dir, "model.onnx")))
	assert.Contains(t, output, "Opset version: 11")
	assert.Contains(t, output, "Input: input [1 3 224 224]")
	assert.FileExists(t, filepath.Join(dir, "model.onnx"))
}

func TestRunWithZMF(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteCheckpoint(t, dir, "model.pt", testutil.SmallDetector())

	cfg := testConfig()
	cfg.EmitZMF = true
	var out bytes.Buffer
	run(context.Background(), &out, cfg, path)

	assert.Contains(t, out.String(), "ZMF file saved: "+filepath.Join(dir, "model.zmf"))
	assert.FileExists(t, filepath.Join(dir, "model.zmf"))
}

func TestRunFailuresPrintOneLine(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pt")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))
	mismatched := testutil.WriteCheckpoint(t, dir, "bad.pt", testutil.MismatchedDetector())

	missingDep := testConfig()
	missingDep.ModelType = "models.other.Net"

	tests := []struct {
		name string
		cfg  config
		path string
		want string
	}{
		{"missing file", testConfig(), filepath.Join(dir, "missing.pt"), "The specified file was not found."},
		{"missing dependency", missingDep, mismatched, "Could not import the required model definition"},
		{"load error", testConfig(), garbage, "An error occurred while loading the model"},
		{"export error", testConfig(), mismatched, "An error occurred during ONNX conversion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			run(context.Background(), &out, tt.cfg, tt.path)
			assert.Contains(t, out.String(), tt.want)
			assert.Equal(t, 1, strings.Count(out.String(), "\n"), "output: %q", out.String())
		})
	}
}

func TestSetupLogging(t *testing.T) {
	cfg := testConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "pt2onnx.log")
	cfg.LogLevel = "bogus"

	closer, err := setupLogging(cfg)
	require.NoError(t, err)
	logger.Infof("hello from the test")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from the test")

	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "pt2onnx.log")
	_, err = setupLogging(cfg)
	assert.Error(t, err)
}
