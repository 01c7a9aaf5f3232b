// Package config holds the YAML configuration shared by the CLI commands
// and the HTTP server. Values absent from the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

const (
	// EnvConfigPath overrides where the config file is read from.
	EnvConfigPath = "VQA_CONFIG"
	// EnvModelDir overrides the model directory, above the config file.
	EnvModelDir = "VQA_MODEL_DIR"
)

type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Generation GenerationConfig `yaml:"generation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type ModelConfig struct {
	// Dir contains consolidated.00.pth, params.json and the tokenizer
	// model file.
	Dir              string `yaml:"dir"`
	UseMemoryMapping bool   `yaml:"use_memory_mapping"`
	// Quantization is the target datatype for the linear weights,
	// e.g. "q8_0". Empty keeps the checkpoint datatype.
	Quantization string `yaml:"quantization"`
}

type GenerationConfig struct {
	SequenceLength int     `yaml:"sequence_length"`
	MaxNewTokens   int     `yaml:"max_new_tokens"`
	Temperature    float32 `yaml:"temperature"`
	TopK           int     `yaml:"top_k"`
	TopP           float32 `yaml:"top_p"`
	DoSample       bool    `yaml:"do_sample"`
	Seed           int64   `yaml:"seed"`
}

type PipelineConfig struct {
	ChunkWindowWords  int   `yaml:"chunk_window_words"`
	ChunkOverlapWords int   `yaml:"chunk_overlap_words"`
	TopChunks         int   `yaml:"top_chunks"`
	MaxAnswerTokens   int   `yaml:"max_answer_tokens"`
	FetchTimeoutSecs  int   `yaml:"fetch_timeout_secs"`
	CacheTTLMinutes   int   `yaml:"cache_ttl_minutes"`
	MaxDocumentBytes  int64 `yaml:"max_document_bytes"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	// Level "debug" writes a debug log to File, anything else only logs
	// to the console.
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Dir:              "models/7B-chat",
			UseMemoryMapping: true,
		},
		Generation: GenerationConfig{
			SequenceLength: 512,
			MaxNewTokens:   256,
			Temperature:    0.6,
			TopK:           40,
			TopP:           0.9,
			DoSample:       false,
			Seed:           -1,
		},
		Pipeline: PipelineConfig{
			ChunkWindowWords:  pipeline.DefaultChunkWindowWords,
			ChunkOverlapWords: pipeline.DefaultChunkOverlapWords,
			TopChunks:         pipeline.DefaultTopChunks,
			MaxAnswerTokens:   pipeline.DefaultMaxAnswerTokens,
			FetchTimeoutSecs:  30,
			CacheTTLMinutes:   5,
			MaxDocumentBytes:  8 << 20,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
			File:  "debug.log",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path falls
// back to $VQA_CONFIG; when that is empty too, only the defaults apply.
// $VQA_MODEL_DIR overrides the model directory either way.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	result := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if dir := os.Getenv(EnvModelDir); dir != "" {
		result.Model.Dir = dir
	}
	return result, nil
}

func (c GenerationConfig) ToInferenceArgs() common.InferenceArgs {
	return common.InferenceArgs{
		Seed:           c.Seed,
		SequenceLength: c.SequenceLength,
		MaxNewTokens:   c.MaxNewTokens,
		Temperature:    c.Temperature,
		TopK:           c.TopK,
		TopP:           c.TopP,
		DoSample:       c.DoSample,
	}
}

func (c ModelConfig) ToLoadOptions() model.LoadOptions {
	return model.LoadOptions{
		UseMemoryMapping: c.UseMemoryMapping,
		Quantization:     c.Quantization,
	}
}

func (c PipelineConfig) ToFetcherOptions() pipeline.FetcherOptions {
	return pipeline.FetcherOptions{
		Timeout:      time.Duration(c.FetchTimeoutSecs) * time.Second,
		CacheTTL:     time.Duration(c.CacheTTLMinutes) * time.Minute,
		MaxBodyBytes: c.MaxDocumentBytes,
	}
}

func (c PipelineConfig) ToQuestionAnsweringOptions() pipeline.QuestionAnsweringOptions {
	return pipeline.QuestionAnsweringOptions{
		ChunkWindowWords:  c.ChunkWindowWords,
		ChunkOverlapWords: c.ChunkOverlapWords,
		TopChunks:         c.TopChunks,
		MaxAnswerTokens:   c.MaxAnswerTokens,
	}
}

// DebugEnabled reports whether a debug log file should be opened.
func (c LogConfig) DebugEnabled() bool {
	return c.Level == "debug" && c.File != ""
}
