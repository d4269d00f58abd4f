// Package config builds the module's immutable Config value.
//
// Layering follows the teacher's own config package: built-in defaults,
// then a user config file, then a project-local override file, then
// environment variables, each layer overriding only the keys it sets.
// The result is constructed once in main and passed down explicitly;
// nothing here is a package-level singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, immutable configuration for one process.
type Config struct {
	DBPath  string `yaml:"db_path"`
	Host    string `yaml:"host"`
	Workers int    `yaml:"workers"`

	VectorIndexDir string `yaml:"vector_index_dir"`

	Chunk   ChunkConfig   `yaml:"chunk"`
	Embed   EmbedConfig   `yaml:"embed"`
	Search  SearchConfig  `yaml:"search"`
	Watch   WatchConfig   `yaml:"watch"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type ChunkConfig struct {
	TargetTokens int `yaml:"target_tokens"`
	MaxTokens    int `yaml:"max_tokens"`
	MinTokens    int `yaml:"min_tokens"`
}

type EmbedConfig struct {
	ModelName string `yaml:"model_name"`
	Dim       int    `yaml:"dim"`
}

type SearchConfig struct {
	KDense        int     `yaml:"k_dense"`
	JSparse       int     `yaml:"j_sparse"`
	MRerank       int     `yaml:"m_rerank"`
	RRFConstant   int     `yaml:"rrf_constant"`
	MMRLambda     float64 `yaml:"mmr_lambda"`
	SoftDeleteTTL string  `yaml:"soft_delete_ttl"`
}

type WatchConfig struct {
	DebounceMillis  int      `yaml:"debounce_millis"`
	IncludeGlobs    []string `yaml:"include_globs"`
	ExcludeGlobs    []string `yaml:"exclude_globs"`
	QueueSoftCap    int      `yaml:"queue_soft_cap"`
}

// PrivacyConfig governs what ambient logging is allowed to record.
// Carried regardless of the spec's Non-goals around outer observability
// surfaces: logging itself is never out of scope, only what it may log.
type PrivacyConfig struct {
	LogQueryText bool `yaml:"log_query_text"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBPath:         filepath.Join(home, ".context-cache", "cc.db"),
		Host:           "127.0.0.1:5173",
		Workers:        0, // resolved to runtime.NumCPU() by the caller when zero
		VectorIndexDir: filepath.Join(home, ".context-cache", "vectors"),
		Chunk: ChunkConfig{
			TargetTokens: 512,
			MaxTokens:    768,
			MinTokens:    120,
		},
		Embed: EmbedConfig{
			ModelName: "hashed-feature-v1",
			Dim:       256,
		},
		Search: SearchConfig{
			KDense:        100,
			JSparse:       100,
			MRerank:       50,
			RRFConstant:   60,
			MMRLambda:     0.5,
			SoftDeleteTTL: "720h", // 30 days
		},
		Watch: WatchConfig{
			DebounceMillis: 500,
			QueueSoftCap:   1000,
		},
		Privacy: PrivacyConfig{
			LogQueryText: false,
		},
	}
}

// DefaultUserConfigPath returns ~/.config/context-cache/config.yaml.
func DefaultUserConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "context-cache", "config.yaml")
}

// Load resolves the layered configuration: defaults -> user config file
// (if present) -> project config file (if present) -> environment
// variables. Missing files are not an error; a malformed file is.
func Load(userConfigPath, projectConfigPath string) (Config, error) {
	cfg := defaults()

	for _, path := range []string{userConfigPath, projectConfigPath} {
		if path == "" {
			continue
		}
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if cfg.Workers <= 0 {
		cfg.Workers = numCPU()
	}

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CTXC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CTXC_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CTXC_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
}

// SoftDeleteTTLDuration parses Search.SoftDeleteTTL, defaulting to 30 days on error.
func (c Config) SoftDeleteTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.Search.SoftDeleteTTL)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}
