package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/xueanxi/sharebook/pkg/retry"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// Config holds all configuration for sharebook.
// Values come from an optional YAML file; environment variables override them.
// API keys are only read from the environment.
type Config struct {
	NovelDir     string `yaml:"novel_dir" env:"SHAREBOOK_NOVEL_DIR" env-default:"data/novel"`
	RosterPath   string `yaml:"roster_path" env:"SHAREBOOK_ROSTER" env-default:"data/roster.csv"`
	CardsDir     string `yaml:"cards_dir" env:"SHAREBOOK_CARDS_DIR" env-default:"data/cards"`
	ProgressPath string `yaml:"progress_path" env:"SHAREBOOK_PROGRESS" env-default:"data/progress.yaml"`
	ReportPath   string `yaml:"report_path" env:"SHAREBOOK_REPORT" env-default:"data/report.json"`
	BackupKeep   int    `yaml:"backup_keep" env:"SHAREBOOK_BACKUP_KEEP" env-default:"5"`

	LLM LLMConfig `yaml:"llm"`

	Workers    int `yaml:"workers" env:"SHAREBOOK_WORKERS" env-default:"6"`
	ChunkLimit int `yaml:"chunk_limit" env:"SHAREBOOK_CHUNK_LIMIT" env-default:"6000"`

	ServerAddr string `yaml:"server_addr" env:"SHAREBOOK_ADDR" env-default:"127.0.0.1:8080"`
	ImageDir   string `yaml:"image_dir" env:"SHAREBOOK_IMAGE_DIR" env-default:"data/images"`
	BatchSize  int    `yaml:"batch_size" env:"SHAREBOOK_BATCH_SIZE" env-default:"1"`

	PromptCacheTTL time.Duration `yaml:"prompt_cache_ttl" env:"SHAREBOOK_PROMPT_CACHE_TTL" env-default:"1h"`

	ComfyUIURL      string `yaml:"comfyui_url" env:"COMFYUI_URL" env-default:"http://127.0.0.1:8188"`
	// ComfyUIWorkflow is an API-format workflow export; empty uses the bundled SDXL graph.
	ComfyUIWorkflow string `yaml:"comfyui_workflow" env:"COMFYUI_WORKFLOW"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

type LLMConfig struct {
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"moonshot"`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:""`
	BaseURL  string `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"`

	RetryAttempts int           `yaml:"retry_attempts" env:"LLM_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"LLM_RETRY_DELAY" env-default:"2s"`
	Interval      time.Duration `yaml:"interval" env:"LLM_INTERVAL" env-default:"0s"`
}

const (
	ProviderMoonshot = "moonshot"
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
)

// Load reads path when it exists and applies environment overrides. An empty path
// or a missing file means environment and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" && utils.Exists(path) {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case ProviderMoonshot, ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.LLM.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry_attempts must be positive, got %d", c.LLM.RetryAttempts))
	}
	if c.BackupKeep <= 0 {
		errs = append(errs, fmt.Errorf("backup_keep must be positive, got %d", c.BackupKeep))
	}
	if c.ChunkLimit <= 0 {
		errs = append(errs, fmt.Errorf("chunk_limit must be positive, got %d", c.ChunkLimit))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Retry is the retry policy for model calls: fixed delay between attempts.
func (c *Config) Retry() *retry.Config {
	p := retry.DefaultConfig()
	p.Attempts = c.LLM.RetryAttempts
	p.InitialDelay = c.LLM.RetryDelay
	p.MaxDelay = c.LLM.RetryDelay
	return p
}

func (c *Config) Backups() store.Backups {
	b := store.DefaultBackups()
	b.Keep = c.BackupKeep
	return b
}

func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return l
}
