// Package config loads service configuration from an optional YAML file
// and VALET_-prefixed environment variables, env winning. Nested keys
// use a double underscore in the environment: VALET_OPENAI__API_KEY maps
// to openai.api_key.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	OpenAI     OpenAIConfig     `koanf:"openai"`
	Perplexity PerplexityConfig `koanf:"perplexity"`
	Cache      CacheConfig      `koanf:"cache"`
	Facts      FactsConfig      `koanf:"facts"`
	Heartbeat  HeartbeatConfig  `koanf:"heartbeat"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Transcript TranscriptConfig `koanf:"transcript"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeoutSeconds bounds one synchronous HTTP turn.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds"`
	MaxRestarts           int `koanf:"max_restarts"`
}

type OpenAIConfig struct {
	APIKey       string `koanf:"api_key"`
	BaseURL      string `koanf:"base_url"`
	Model        string `koanf:"model"`
	SpeechModel  string `koanf:"speech_model"`
	SpeechVoice  string `koanf:"speech_voice"`
	SystemPrompt string `koanf:"system_prompt"`
	// VoiceSystemPrompt overrides SystemPrompt for voice turns.
	VoiceSystemPrompt  string `koanf:"voice_system_prompt"`
	HistoryTokenBudget int    `koanf:"history_token_budget"`
	// Tools is a JSON array of extra tool definitions (e.g. MCP
	// servers) added to every request alongside the speech tool.
	Tools string `koanf:"tools"`
}

type PerplexityConfig struct {
	APIKey             string `koanf:"api_key"`
	BaseURL            string `koanf:"base_url"`
	Model              string `koanf:"model"`
	SystemPrompt       string `koanf:"system_prompt"`
	HistoryTokenBudget int    `koanf:"history_token_budget"`
}

type CacheConfig struct {
	// BaseKey namespaces chat conversation history.
	BaseKey    string `koanf:"base_key"`
	TTLSeconds int    `koanf:"ttl_seconds"`

	// Voice conversations get their own namespace and TTL.
	VoiceBaseKey    string `koanf:"voice_base_key"`
	VoiceTTLSeconds int    `koanf:"voice_ttl_seconds"`
}

type FactsConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	TTLSeconds int    `koanf:"ttl_seconds"`
}

type HeartbeatConfig struct {
	IntervalMillis int `koanf:"interval_millis"`
	// Style selects the frame set: "dots" or "braille".
	Style string `koanf:"style"`
}

type PipelineConfig struct {
	// ReplyChunkSize caps one chat reply message; longer answers split.
	ReplyChunkSize int `koanf:"reply_chunk_size"`
}

type TranscriptConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Load reads configuration. path may be empty or point at a YAML file;
// a missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"server.port":                    8080,
		"server.request_timeout_seconds": 30,
		"server.max_restarts":            3,
		"openai.model":                   "gpt-4o",
		"openai.speech_model":            "tts-1",
		"openai.speech_voice":            "alloy",
		"perplexity.model":               "sonar",
		"perplexity.base_url":            "https://api.perplexity.ai",
		"cache.base_key":                 "chat-history",
		"cache.ttl_seconds":              900,
		"cache.voice_base_key":           "voice-history",
		"cache.voice_ttl_seconds":        600,
		"heartbeat.interval_millis":      2000,
		"heartbeat.style":                "dots",
		"pipeline.reply_chunk_size":      2000,
		"transcript.path":                "valet.db",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("VALET_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VALET_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
