// Package config loads the service configuration from YAML with defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"moodvoice/ai"
)

// Config represents the application configuration
type Config struct {
	// Server settings
	Server struct {
		Port            int           `yaml:"port"`
		Host            string        `yaml:"host"`
		GRPCAddr        string        `yaml:"grpc_addr"` // unix:/path, npipe:name, host:port; empty disables
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Model settings
	Model struct {
		ID          string `yaml:"id"`
		Path        string `yaml:"path"`    // explicit artifact path, overrides id
		Backend     string `yaml:"backend"` // native | onnx
		ModelsDir   string `yaml:"models_dir"`
		ONNXLibrary string `yaml:"onnx_library"`
		URL         string `yaml:"url"`
		SHA256      string `yaml:"sha256"`

		DownloadTimeout time.Duration `yaml:"download_timeout"` // 0 disables
	} `yaml:"model"`

	// Audio / feature settings
	Audio struct {
		SampleRate        int      `yaml:"sample_rate"`
		SegmentSeconds    float64  `yaml:"segment_seconds"`
		NFFT              int      `yaml:"n_fft"`
		HopLength         int      `yaml:"hop_length"`
		WinLength         int      `yaml:"win_length"`
		NMels             int      `yaml:"n_mels"`
		TargetSize        int      `yaml:"target_size"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
		MaxBytes          int64    `yaml:"max_bytes"`
	} `yaml:"audio"`

	// ClassLabels maps class index to label
	ClassLabels map[int]string `yaml:"class_labels"`

	// Inference executor settings
	Inference struct {
		Workers          int           `yaml:"workers"`
		QueueSize        int           `yaml:"queue_size"`
		Timeout          time.Duration `yaml:"timeout"`
		DegeneratePolicy string        `yaml:"degenerate_policy"`
	} `yaml:"inference"`

	// History settings
	History struct {
		Enabled    bool `yaml:"enabled"`
		InMemory   bool `yaml:"in_memory"`
		WindowDays int  `yaml:"window_days"`
	} `yaml:"history"`

	// Auth settings
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	// Log settings
	Log struct {
		Level       string `yaml:"level"`
		Environment string `yaml:"environment"`
		Output      string `yaml:"output"`
	} `yaml:"log"`

	DataDir string `yaml:"data_dir"`
	TempDir string `yaml:"temp_dir"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	p := ai.DefaultPipelineConfig()

	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Model.ID = "depression-cnn-v1"
	cfg.Model.Backend = string(ai.BackendNative)
	cfg.Model.ModelsDir = "data/models"
	cfg.Model.DownloadTimeout = 30 * time.Minute

	cfg.Audio.SampleRate = p.SampleRate
	cfg.Audio.SegmentSeconds = p.SegmentSeconds
	cfg.Audio.NFFT = p.NFFT
	cfg.Audio.HopLength = p.HopLength
	cfg.Audio.WinLength = p.WinLength
	cfg.Audio.NMels = p.NMels
	cfg.Audio.TargetSize = p.TargetSize
	cfg.Audio.AllowedExtensions = p.AllowedExtensions
	cfg.Audio.MaxBytes = p.MaxBytes

	cfg.ClassLabels = make(map[int]string, len(p.Labels))
	for i, l := range p.Labels {
		cfg.ClassLabels[i] = l
	}

	cfg.Inference.Workers = 2
	cfg.Inference.QueueSize = 32
	cfg.Inference.Timeout = 30 * time.Second
	cfg.Inference.DegeneratePolicy = string(ai.DegenerateReject)

	cfg.History.Enabled = true
	cfg.History.WindowDays = 30

	cfg.Auth.Issuer = "moodvoice"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.Log.Level = "info"
	cfg.Log.Environment = "production"

	cfg.DataDir = "data"
	return cfg
}

// Load loads configuration from file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadWithFallback attempts to load configuration from multiple locations
// Priority: explicit path > ./moodvoice.yaml > ~/.config/moodvoice/config.yaml > defaults
func LoadWithFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	candidates := []string{"moodvoice.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "moodvoice", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides secrets from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("MOODVOICE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); v != "" && c.Model.ONNXLibrary == "" {
		c.Model.ONNXLibrary = v
	}
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Labels converts the label map into an index-ordered slice
func (c *Config) Labels() (ai.ClassLabels, error) {
	indices := make([]int, 0, len(c.ClassLabels))
	for i := range c.ClassLabels {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	labels := make(ai.ClassLabels, len(indices))
	for pos, i := range indices {
		if i != pos {
			return nil, fmt.Errorf("class labels must cover 0..%d without gaps, missing %d", len(indices)-1, pos)
		}
		labels[pos] = c.ClassLabels[i]
	}
	return labels, nil
}

// Pipeline projects the configuration onto the pipeline config
func (c *Config) Pipeline() (ai.PipelineConfig, error) {
	labels, err := c.Labels()
	if err != nil {
		return ai.PipelineConfig{}, err
	}
	return ai.PipelineConfig{
		SampleRate:        c.Audio.SampleRate,
		SegmentSeconds:    c.Audio.SegmentSeconds,
		NFFT:              c.Audio.NFFT,
		HopLength:         c.Audio.HopLength,
		WinLength:         c.Audio.WinLength,
		NMels:             c.Audio.NMels,
		TargetSize:        c.Audio.TargetSize,
		Labels:            labels,
		AllowedExtensions: c.Audio.AllowedExtensions,
		MaxBytes:          c.Audio.MaxBytes,
		DegeneratePolicy:  ai.DegeneratePolicy(c.Inference.DegeneratePolicy),
	}, nil
}

// HistoryDir returns the on-disk location of the history database
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, "history")
}

// HistoryWindow returns the default history lookback
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.History.WindowDays) * 24 * time.Hour
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch ai.Backend(c.Model.Backend) {
	case ai.BackendNative, ai.BackendONNX:
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	if c.Model.ID == "" && c.Model.Path == "" {
		return fmt.Errorf("either model.id or model.path is required")
	}
	if c.Model.DownloadTimeout < 0 {
		return fmt.Errorf("model.download_timeout must not be negative")
	}
	if c.Inference.Workers <= 0 {
		return fmt.Errorf("inference.workers must be positive, got %d", c.Inference.Workers)
	}
	if c.Inference.QueueSize < 0 {
		return fmt.Errorf("inference.queue_size must not be negative, got %d", c.Inference.QueueSize)
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be positive")
	}
	if c.History.WindowDays <= 0 {
		return fmt.Errorf("history.window_days must be positive")
	}

	p, err := c.Pipeline()
	if err != nil {
		return err
	}
	return p.Validate()
}
