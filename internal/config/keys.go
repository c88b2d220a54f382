package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ENGRAM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ENGRAM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ENGRAM_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ENGRAM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ENGRAM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "memory.vector_top_k", typ: kInt, env: "ENGRAM_MEMORY_VECTOR_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Memory.VectorTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.VectorTopK },
	},
	{
		key: "memory.hybrid_alpha", typ: kFloat, env: "ENGRAM_MEMORY_HYBRID_ALPHA",
		apply:   func(cfg *Config, v any) { cfg.Memory.HybridAlpha = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.HybridAlpha },
	},
	{
		key: "memory.context_token_budget", typ: kInt, env: "ENGRAM_MEMORY_CONTEXT_TOKEN_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Memory.ContextTokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.ContextTokenBudget },
	},
	{
		key: "memory.forced_recent", typ: kInt, env: "ENGRAM_MEMORY_FORCED_RECENT",
		apply:   func(cfg *Config, v any) { cfg.Memory.ForcedRecent = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.ForcedRecent },
	},
	{
		key: "memory.initial_score", typ: kFloat, env: "ENGRAM_MEMORY_INITIAL_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Memory.InitialScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.InitialScore },
	},
	{
		key: "memory.reward_score", typ: kFloat, env: "ENGRAM_MEMORY_REWARD_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Memory.RewardScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.RewardScore },
	},
	{
		key: "memory.decay_score", typ: kFloat, env: "ENGRAM_MEMORY_DECAY_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Memory.DecayScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.DecayScore },
	},
	{
		key: "memory.topic_decay_modifier", typ: kFloat, env: "ENGRAM_MEMORY_TOPIC_DECAY_MODIFIER",
		apply:   func(cfg *Config, v any) { cfg.Memory.TopicDecayModifier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.TopicDecayModifier },
	},
	{
		key: "memory.novelty_bonus", typ: kFloat, env: "ENGRAM_MEMORY_NOVELTY_BONUS",
		apply:   func(cfg *Config, v any) { cfg.Memory.NoveltyBonus = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.NoveltyBonus },
	},
	{
		key: "memory.relationship_increment", typ: kFloat, env: "ENGRAM_MEMORY_RELATIONSHIP_INCREMENT",
		apply:   func(cfg *Config, v any) { cfg.Memory.RelationshipIncrement = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.RelationshipIncrement },
	},
	{
		key: "memory.pruning_threshold", typ: kInt, env: "ENGRAM_MEMORY_PRUNING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Memory.PruningThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.PruningThreshold },
	},
	{
		key: "memory.embed_timeout_seconds", typ: kInt, env: "ENGRAM_MEMORY_EMBED_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Memory.EmbedTimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.EmbedTimeoutSeconds },
	},
	{
		key: "memory.embed_cache_bytes", typ: kInt, env: "ENGRAM_MEMORY_EMBED_CACHE_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Memory.EmbedCacheBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.EmbedCacheBytes },
	},
	{
		key: "memory.default_user", typ: kString, env: "ENGRAM_MEMORY_DEFAULT_USER",
		apply:   func(cfg *Config, v any) { cfg.Memory.DefaultUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.DefaultUser },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
