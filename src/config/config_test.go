package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvModelDir, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "models/7B-chat", cfg.Model.Dir)
	assert.True(t, cfg.Model.UseMemoryMapping)
	assert.Equal(t, 512, cfg.Generation.SequenceLength)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv(EnvModelDir, "")
	path := writeConfigFile(t, `
model:
  dir: /opt/llama/8B-instruct
  use_memory_mapping: false
  quantization: q8_0
generation:
  temperature: 0.9
  do_sample: true
server:
  listen: 0.0.0.0:9090
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/llama/8B-instruct", cfg.Model.Dir)
	assert.False(t, cfg.Model.UseMemoryMapping)
	assert.Equal(t, "q8_0", cfg.Model.Quantization)
	assert.InDelta(t, 0.9, cfg.Generation.Temperature, 1e-6)
	assert.True(t, cfg.Generation.DoSample)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Absent keys keep their defaults.
	assert.Equal(t, 512, cfg.Generation.SequenceLength)
	assert.Equal(t, 40, cfg.Generation.TopK)
	assert.Equal(t, "debug.log", cfg.Log.File)
	assert.Equal(t, pipeline.DefaultChunkWindowWords, cfg.Pipeline.ChunkWindowWords)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfigFile(t, "server:\n  listen: 0.0.0.0:7000\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvModelDir, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
}

func TestLoadModelDirFromEnv(t *testing.T) {
	path := writeConfigFile(t, "model:\n  dir: /from/file\n")
	t.Setenv(EnvModelDir, "/from/env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Model.Dir, "the environment must win over the file")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "model: [not: a mapping\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestGenerationToInferenceArgs(t *testing.T) {
	generation := GenerationConfig{
		SequenceLength: 128,
		MaxNewTokens:   32,
		Temperature:    0.7,
		TopK:           20,
		TopP:           0.8,
		DoSample:       true,
		Seed:           99,
	}
	args := generation.ToInferenceArgs()
	assert.Equal(t, 128, args.SequenceLength)
	assert.Equal(t, 32, args.MaxNewTokens)
	assert.InDelta(t, 0.7, args.Temperature, 1e-6)
	assert.Equal(t, 20, args.TopK)
	assert.InDelta(t, 0.8, args.TopP, 1e-6)
	assert.True(t, args.DoSample)
	assert.Equal(t, int64(99), args.Seed)
}

func TestPipelineConversions(t *testing.T) {
	pipelineConfig := PipelineConfig{
		ChunkWindowWords:  32,
		ChunkOverlapWords: 8,
		TopChunks:         2,
		MaxAnswerTokens:   16,
		FetchTimeoutSecs:  10,
		CacheTTLMinutes:   3,
		MaxDocumentBytes:  1024,
	}

	fetcherOptions := pipelineConfig.ToFetcherOptions()
	assert.Equal(t, 10*time.Second, fetcherOptions.Timeout)
	assert.Equal(t, 3*time.Minute, fetcherOptions.CacheTTL)
	assert.Equal(t, int64(1024), fetcherOptions.MaxBodyBytes)

	qaOptions := pipelineConfig.ToQuestionAnsweringOptions()
	assert.Equal(t, 32, qaOptions.ChunkWindowWords)
	assert.Equal(t, 8, qaOptions.ChunkOverlapWords)
	assert.Equal(t, 2, qaOptions.TopChunks)
	assert.Equal(t, 16, qaOptions.MaxAnswerTokens)
}

func TestModelToLoadOptions(t *testing.T) {
	options := ModelConfig{UseMemoryMapping: true, Quantization: "q8_0"}.ToLoadOptions()
	assert.True(t, options.UseMemoryMapping)
	assert.Equal(t, "q8_0", options.Quantization)
}

func TestLogDebugEnabled(t *testing.T) {
	assert.True(t, LogConfig{Level: "debug", File: "debug.log"}.DebugEnabled())
	assert.False(t, LogConfig{Level: "info", File: "debug.log"}.DebugEnabled())
	assert.False(t, LogConfig{Level: "debug", File: ""}.DebugEnabled())
}
