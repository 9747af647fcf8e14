package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultMatchesFixedModelSettings(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Equal(t, "small", cfg.Model)
	require.Equal(t, "cpu", cfg.Device)
	require.Equal(t, "int8", cfg.ComputeType)
	require.Equal(t, "auto", cfg.Engine)
	require.Equal(t, "auto", cfg.Language)
	require.True(t, cfg.AutoDownload)
	require.False(t, cfg.TrailingSpace)
	require.False(t, cfg.SilenceGate)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yamlContent := `
engine: faster-whisper
model: medium
device: cuda
compute_type: float16
language: de
threads: 4
trailing_space: true
log_level: debug
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0o644))

	cfg, err := Load(cfgPath, true)
	require.NoError(t, err)
	require.Equal(t, "faster-whisper", cfg.Engine)
	require.Equal(t, "medium", cfg.Model)
	require.Equal(t, "cuda", cfg.Device)
	require.Equal(t, "float16", cfg.ComputeType)
	require.Equal(t, "de", cfg.Language)
	require.Equal(t, 4, cfg.Threads)
	require.True(t, cfg.TrailingSpace)
	require.Equal(t, "debug", cfg.LogLevel)

	// Fields absent from the file keep their defaults.
	require.True(t, cfg.AutoDownload)
	require.Equal(t, "python3", cfg.Python)
	require.InDelta(t, -65.0, cfg.SilenceThresholdDBFS, 0.0001)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := Load(missing, false)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(missing, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("model: [unclosed"), 0o644))

	_, err := Load(cfgPath, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing config file")
}

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	t.Parallel()

	data, err := yaml.Marshal(Default())
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	cfg, err := Load(cfgPath, true)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"VOXSCRIBE_MODEL":         "tiny",
		"VOXSCRIBE_ENGINE":        "whisper-cpp",
		"VOXSCRIBE_THREADS":       "2",
		"VOXSCRIBE_AUTO_DOWNLOAD": "false",
		"VOXSCRIBE_LANGUAGE":      "  ",
		"VOXSCRIBE_WHISPER_PATH":  "/opt/whisper-cli",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.Equal(t, "tiny", cfg.Model)
	require.Equal(t, "whisper-cpp", cfg.Engine)
	require.Equal(t, 2, cfg.Threads)
	require.False(t, cfg.AutoDownload)
	require.Equal(t, "auto", cfg.Language, "blank values are ignored")
	require.Equal(t, "/opt/whisper-cli", cfg.WhisperPath)
}

func TestApplyEnvCoversOutputAndLoggingSettings(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"VOXSCRIBE_TRAILING_SPACE":         "true",
		"VOXSCRIBE_SILENCE_GATE":           "1",
		"VOXSCRIBE_SILENCE_THRESHOLD_DBFS": "-50.5",
		"VOXSCRIBE_JSON_LOGS":              "TRUE",
		"VOXSCRIBE_NO_PROGRESS":            "t",
		"VOXSCRIBE_MODEL_SHA256_URL":       "https://mirror.example/SHA256SUMS",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.True(t, cfg.TrailingSpace)
	require.True(t, cfg.SilenceGate)
	require.InDelta(t, -50.5, cfg.SilenceThresholdDBFS, 1e-9)
	require.True(t, cfg.JSONLogs)
	require.True(t, cfg.NoProgress)
	require.Equal(t, "https://mirror.example/SHA256SUMS", cfg.ModelSHA256URL)
}

func TestApplyEnvOverridesConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trailing_space: true\nsilence_gate: true\njson_logs: true\n"), 0o644))

	cfg, err := Load(path, true)
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyEnv(func(key string) (string, bool) {
		switch key {
		case "VOXSCRIBE_TRAILING_SPACE", "VOXSCRIBE_SILENCE_GATE", "VOXSCRIBE_JSON_LOGS":
			return "false", true
		}
		return "", false
	}))
	require.False(t, cfg.TrailingSpace)
	require.False(t, cfg.SilenceGate)
	require.False(t, cfg.JSONLogs)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == "VOXSCRIBE_THREADS" {
			return "many", true
		}
		return "", false
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "VOXSCRIBE_THREADS")

	for _, key := range []string{"VOXSCRIBE_SILENCE_GATE", "VOXSCRIBE_SILENCE_THRESHOLD_DBFS", "VOXSCRIBE_NO_PROGRESS"} {
		cfg := Default()
		err := cfg.ApplyEnv(func(k string) (string, bool) {
			if k == key {
				return "loud", true
			}
			return "", false
		})
		require.Error(t, err, key)
		require.Contains(t, err.Error(), key)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("VOXSCRIBE_TEST_A=fromfile\nVOXSCRIBE_TEST_B=fromfile\n"), 0o644))

	t.Setenv("VOXSCRIBE_TEST_A", "preset")
	t.Setenv("VOXSCRIBE_TEST_B", "")
	require.NoError(t, os.Unsetenv("VOXSCRIBE_TEST_B"))

	require.NoError(t, LoadDotEnv(envPath))
	require.Equal(t, "preset", os.Getenv("VOXSCRIBE_TEST_A"))
	require.Equal(t, "fromfile", os.Getenv("VOXSCRIBE_TEST_B"))
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Parallel()

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown engine", mutate: func(c *Config) { c.Engine = "vosk" }, wantErr: "engine must be"},
		{name: "empty model", mutate: func(c *Config) { c.Model = " " }, wantErr: "model must not be empty"},
		{name: "bad device", mutate: func(c *Config) { c.Device = "tpu" }, wantErr: "device must be"},
		{name: "bad compute type", mutate: func(c *Config) { c.ComputeType = "int4" }, wantErr: "compute_type"},
		{name: "negative threads", mutate: func(c *Config) { c.Threads = -1 }, wantErr: "threads must be"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "log_level must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
