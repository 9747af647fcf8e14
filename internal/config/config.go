package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "VOXSCRIBE_"

// Config holds all transcription settings. Flags override environment
// variables, which override the config file, which overrides Default.
type Config struct {
	Engine               string  `yaml:"engine"`
	Model                string  `yaml:"model"`
	ModelDir             string  `yaml:"model_dir"`
	// ModelSHA256URL points at a sha256sum-style list that replaces the
	// pinned registry checksums.
	ModelSHA256URL       string  `yaml:"model_sha256_url"`
	Device               string  `yaml:"device"`
	ComputeType          string  `yaml:"compute_type"`
	Language             string  `yaml:"language"`
	Threads              int     `yaml:"threads"`
	AutoDownload         bool    `yaml:"auto_download"`
	TrailingSpace        bool    `yaml:"trailing_space"`
	SilenceGate          bool    `yaml:"silence_gate"`
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"`
	WhisperPath          string  `yaml:"whisper_path"`
	Python               string  `yaml:"python"`
	LogLevel             string  `yaml:"log_level"`
	JSONLogs             bool    `yaml:"json_logs"`
	NoProgress           bool    `yaml:"no_progress"`
}

// Default mirrors the fixed settings voxscribe always ran with: the small
// model on CPU with int8 weights.
func Default() *Config {
	return &Config{
		Engine:               "auto",
		Model:                "small",
		Device:               "cpu",
		ComputeType:          "int8",
		Language:             "auto",
		AutoDownload:         true,
		SilenceThresholdDBFS: -65,
		Python:               "python3",
		LogLevel:             "info",
	}
}

// Load reads a YAML config file on top of Default. A missing file is only an
// error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.ModelDir = expandTilde(cfg.ModelDir)
	cfg.WhisperPath = expandTilde(cfg.WhisperPath)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without replacing variables that are already set.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from VOXSCRIBE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	strs := map[string]*string{
		"ENGINE":           &c.Engine,
		"MODEL":            &c.Model,
		"MODEL_DIR":        &c.ModelDir,
		"MODEL_SHA256_URL": &c.ModelSHA256URL,
		"DEVICE":           &c.Device,
		"COMPUTE_TYPE":     &c.ComputeType,
		"LANGUAGE":         &c.Language,
		"WHISPER_PATH":     &c.WhisperPath,
		"PYTHON":           &c.Python,
		"LOG_LEVEL":        &c.LogLevel,
	}
	for key, dst := range strs {
		if value, ok := lookup(envPrefix + key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}

	if value, ok := lookup(envPrefix + "THREADS"); ok && strings.TrimSpace(value) != "" {
		threads, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%sTHREADS must be an integer, got %q", envPrefix, value)
		}
		c.Threads = threads
	}

	bools := map[string]*bool{
		"AUTO_DOWNLOAD":  &c.AutoDownload,
		"TRAILING_SPACE": &c.TrailingSpace,
		"SILENCE_GATE":   &c.SilenceGate,
		"JSON_LOGS":      &c.JSONLogs,
		"NO_PROGRESS":    &c.NoProgress,
	}
	for key, dst := range bools {
		value, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s%s must be a boolean, got %q", envPrefix, key, value)
		}
		*dst = enabled
	}

	if value, ok := lookup(envPrefix + "SILENCE_THRESHOLD_DBFS"); ok && strings.TrimSpace(value) != "" {
		threshold, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%sSILENCE_THRESHOLD_DBFS must be a number, got %q", envPrefix, value)
		}
		c.SilenceThresholdDBFS = threshold
	}

	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Engine {
	case "auto", "whisper-cpp", "faster-whisper":
	default:
		return fmt.Errorf("engine must be auto, whisper-cpp, or faster-whisper, got %q", c.Engine)
	}

	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must not be empty")
	}

	switch c.Device {
	case "cpu", "cuda", "auto":
	default:
		return fmt.Errorf("device must be cpu, cuda, or auto, got %q", c.Device)
	}

	switch c.ComputeType {
	case "int8", "int8_float16", "int8_float32", "float16", "float32", "default":
	default:
		return fmt.Errorf("compute_type %q is not supported", c.ComputeType)
	}

	if c.Threads < 0 {
		return fmt.Errorf("threads must be >= 0, got %d", c.Threads)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
