// Package config loads engram configuration from a JSON file backend at
// $XDG_CONFIG_HOME/engram/config.json with ENGRAM_* environment overrides.
package config

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Log     LogConfig
	Memory  MemoryConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// MemoryConfig holds the tuning knobs of the retrieval and feedback engines.
type MemoryConfig struct {
	VectorTopK            int
	HybridAlpha           float64
	ContextTokenBudget    int
	ForcedRecent          int
	InitialScore          float64
	RewardScore           float64
	DecayScore            float64
	TopicDecayModifier    float64
	NoveltyBonus          float64
	RelationshipIncrement float64
	PruningThreshold      int
	EmbedTimeoutSeconds   int
	EmbedCacheBytes       int
	DefaultUser           string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Memory: MemoryConfig{
			VectorTopK:            10,
			HybridAlpha:           0.7,
			ContextTokenBudget:    800,
			ForcedRecent:          3,
			InitialScore:          1.0,
			RewardScore:           0.5,
			DecayScore:            0.02,
			TopicDecayModifier:    0.25,
			NoveltyBonus:          0.3,
			RelationshipIncrement: 0.1,
			PruningThreshold:      1000,
			EmbedTimeoutSeconds:   10,
			EmbedCacheBytes:       16 << 20,
			DefaultUser:           "default",
		},
	}
}

// Load reads configuration from the JSON file backend, then applies ENGRAM_*
// environment overrides.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
