package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Media       MediaConfig               `json:"media"`
}

// ProviderConfig holds connection details for one diagnostic AI provider.
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// DatabaseConfig describes one database target from the databases map.
type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// RedisConfig describes the cache/invalidation backend.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MediaConfig points at the OpenAI-compatible backend serving transcription,
// speech synthesis and image analysis.
type MediaConfig struct {
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	SpeechModel     string `json:"speech_model"`
	TranscribeModel string `json:"transcribe_model"`
	VisionModel     string `json:"vision_model"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	FileBaseDir          string `json:"file_base_dir"`
	MinWorkers           int    `json:"min_workers"`
	MaxWorkers           int    `json:"max_workers"`
	QueueSize            int    `json:"queue_size"`
	WorkerIdleTimeout    int    `json:"worker_idle_timeout_minutes"`
	AttachmentTTL        int    `json:"attachment_ttl_minutes"`
	AttachmentCleanEvery int    `json:"attachment_clean_interval_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
