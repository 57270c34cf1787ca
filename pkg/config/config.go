package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Store     StoreConfig     `json:"store"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Summary   SummaryConfig   `json:"summary"`
	Composer  ComposerConfig  `json:"composer"`
	Engine    EngineConfig    `json:"engine"`
	Generator GeneratorConfig `json:"generator"`
	Quota     QuotaConfig     `json:"quota"`
	Channels  ChannelsConfig  `json:"channels"`
	mu        sync.RWMutex
}

// StoreConfig bounds the memory tier and the durable flush behavior.
type StoreConfig struct {
	DataDir               string `json:"data_dir" env:"VENDABOT_STORE_DATA_DIR"`
	CacheTTLHours         int    `json:"cache_ttl_hours" env:"VENDABOT_STORE_CACHE_TTL_HOURS"`
	CacheMaxConversations int    `json:"cache_max_conversations" env:"VENDABOT_STORE_CACHE_MAX_CONVERSATIONS"`
	CacheMessagesPerConv  int    `json:"cache_messages_per_conversation" env:"VENDABOT_STORE_CACHE_MESSAGES_PER_CONVERSATION"`
	SweepIntervalSeconds  int    `json:"sweep_interval_seconds" env:"VENDABOT_STORE_SWEEP_INTERVAL_SECONDS"`
	DedupWindowSeconds    int    `json:"dedup_window_seconds" env:"VENDABOT_STORE_DEDUP_WINDOW_SECONDS"`
	FlushTimeoutSeconds   int    `json:"flush_timeout_seconds" env:"VENDABOT_STORE_FLUSH_TIMEOUT_SECONDS"`
	ReconcileSchedule     string `json:"reconcile_schedule" env:"VENDABOT_STORE_RECONCILE_SCHEDULE"`
}

// KnowledgeConfig holds the retrieval scoring weights and excerpt bounds.
// These encode product tuning, not algorithmic necessities.
type KnowledgeConfig struct {
	KBID          string `json:"kb_id" env:"VENDABOT_KNOWLEDGE_KB_ID"`
	TitleWeight   int    `json:"title_weight" env:"VENDABOT_KNOWLEDGE_TITLE_WEIGHT"`
	ContentWeight int    `json:"content_weight" env:"VENDABOT_KNOWLEDGE_CONTENT_WEIGHT"`
	KeywordWeight int    `json:"keyword_weight" env:"VENDABOT_KNOWLEDGE_KEYWORD_WEIGHT"`
	MaxExcerpts   int    `json:"max_excerpts" env:"VENDABOT_KNOWLEDGE_MAX_EXCERPTS"`
	ExcerptChars  int    `json:"excerpt_chars" env:"VENDABOT_KNOWLEDGE_EXCERPT_CHARS"`
	FallbackDocs  int    `json:"fallback_docs" env:"VENDABOT_KNOWLEDGE_FALLBACK_DOCS"`
	FallbackChars int    `json:"fallback_chars" env:"VENDABOT_KNOWLEDGE_FALLBACK_CHARS"`
}

type SummaryConfig struct {
	TriggerTurns    int `json:"trigger_turns" env:"VENDABOT_SUMMARY_TRIGGER_TURNS"`
	KeepRecentTurns int `json:"keep_recent_turns" env:"VENDABOT_SUMMARY_KEEP_RECENT_TURNS"`
	RefreshTurns    int `json:"refresh_turns" env:"VENDABOT_SUMMARY_REFRESH_TURNS"`
	MaxTokens       int `json:"max_tokens" env:"VENDABOT_SUMMARY_MAX_TOKENS"`
}

type ComposerConfig struct {
	RecentTurns int `json:"recent_turns" env:"VENDABOT_COMPOSER_RECENT_TURNS"`
}

type EngineConfig struct {
	Workers                 int `json:"workers" env:"VENDABOT_ENGINE_WORKERS"`
	GeneratorTimeoutSeconds int `json:"generator_timeout_seconds" env:"VENDABOT_ENGINE_GENERATOR_TIMEOUT_SECONDS"`
	DispatchTimeoutSeconds  int `json:"dispatch_timeout_seconds" env:"VENDABOT_ENGINE_DISPATCH_TIMEOUT_SECONDS"`
}

type GeneratorConfig struct {
	APIKey      string  `json:"api_key" env:"VENDABOT_GENERATOR_API_KEY"`
	APIBase     string  `json:"api_base" env:"VENDABOT_GENERATOR_API_BASE"`
	Model       string  `json:"model" env:"VENDABOT_GENERATOR_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"VENDABOT_GENERATOR_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"VENDABOT_GENERATOR_TEMPERATURE"`
}

type QuotaConfig struct {
	Endpoint       string `json:"endpoint" env:"VENDABOT_QUOTA_ENDPOINT"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"VENDABOT_QUOTA_TIMEOUT_SECONDS"`
	StaticLimit    int    `json:"static_limit" env:"VENDABOT_QUOTA_STATIC_LIMIT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"VENDABOT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"VENDABOT_CHANNELS_DISCORD_ALLOW_FROM"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:               "~/.vendabot/state",
			CacheTTLHours:         24,
			CacheMaxConversations: 500,
			CacheMessagesPerConv:  100,
			SweepIntervalSeconds:  300,
			DedupWindowSeconds:    5,
			FlushTimeoutSeconds:   10,
			ReconcileSchedule:     "*/10 * * * *",
		},
		Knowledge: KnowledgeConfig{
			KBID:          "default",
			TitleWeight:   10,
			ContentWeight: 2,
			KeywordWeight: 5,
			MaxExcerpts:   5,
			ExcerptChars:  800,
			FallbackDocs:  3,
			FallbackChars: 500,
		},
		Summary: SummaryConfig{
			TriggerTurns:    30,
			KeepRecentTurns: 10,
			RefreshTurns:    10,
			MaxTokens:       400,
		},
		Composer: ComposerConfig{
			RecentTurns: 15,
		},
		Engine: EngineConfig{
			Workers:                 8,
			GeneratorTimeoutSeconds: 60,
			DispatchTimeoutSeconds:  10,
		},
		Generator: GeneratorConfig{
			APIBase:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-5.2",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Quota: QuotaConfig{
			TimeoutSeconds: 5,
			StaticLimit:    0, // 0 means unlimited when no endpoint is configured
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.DataDir)
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Store.CacheTTLHours) * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Store.SweepIntervalSeconds) * time.Second
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Store.DedupWindowSeconds) * time.Second
}

func (c *Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Engine.GeneratorTimeoutSeconds) * time.Second
}

func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Engine.DispatchTimeoutSeconds) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
