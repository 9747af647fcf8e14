package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/version"
	"github.com/fmueller/voxscribe/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

// flagValues holds raw flag targets. Only flags the user actually set are
// copied onto the resolved config.
type flagValues struct {
	configPath string
	dotEnvPath string
	printText  bool
	verbose    bool
	cfg        config.Config
}

type appState struct {
	flags flagValues
	cfg   *config.Config

	logger *zap.Logger
	out    io.Writer
	lookup func(string) (string, bool)

	engineFn     func() (whisper.Engine, error)
	downloadFn   func(ctx context.Context, opts download.Options) error
	progressFn   func() bool
	configPathFn func() (string, error)
	loggerFn     func(logging.Options) (*zap.Logger, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	return &appState{
		flags: flagValues{cfg: *config.Default(), dotEnvPath: ".env"},
		out:   os.Stdout,
	}
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voxscribe <audio-file> <output-file>",
		Short: "Transcribe an audio file to a JSON transcript with a local Whisper model",
		Long: "Transcribe an audio file with a local Whisper model and write the full text plus\n" +
			"timed segments to <output-file> as a single JSON document.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app.out = cmd.OutOrStdout()
			return app.run(cmd.Context(), args[0], args[1])
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindConfigFlags(cmd, app)
	bindLoggingFlags(cmd, app)
	bindModelFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindTranscribeFlags(cmd, app)

	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindConfigFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.flags.configPath, "config", "", "Path to a YAML config file (default: platform config dir)")
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.flags.cfg.JSONLogs, "json", app.flags.cfg.JSONLogs, "Enable JSON logging")
	cmd.PersistentFlags().BoolVar(&app.flags.verbose, "verbose", false, "Enable verbose logs")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.flags.cfg.NoProgress, "no-progress", app.flags.cfg.NoProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	f := &app.flags.cfg
	cmd.PersistentFlags().StringVar(&f.Model, "model", f.Model, "Model name or ggml model file path")
	cmd.PersistentFlags().StringVar(&f.ModelDir, "model-dir", f.ModelDir, "Directory where models are stored")
	cmd.PersistentFlags().StringVar(&f.Engine, "engine", f.Engine, "Inference engine: auto|faster-whisper|whisper-cpp")
	cmd.PersistentFlags().StringVar(&f.ModelSHA256URL, "model-sha256-url", f.ModelSHA256URL, "sha256sum-style checksum list used instead of the pinned model checksums")
}

func bindTranscribeFlags(cmd *cobra.Command, app *appState) {
	f := &app.flags.cfg
	cmd.Flags().StringVar(&f.Device, "device", f.Device, "Execution device: cpu|cuda|auto")
	cmd.Flags().StringVar(&f.ComputeType, "compute-type", f.ComputeType, "Compute precision for faster-whisper, e.g. int8|float16|float32")
	cmd.Flags().StringVar(&f.Language, "language", f.Language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().IntVar(&f.Threads, "threads", f.Threads, "CPU threads for inference; 0 lets the engine decide")
	cmd.Flags().BoolVar(&f.AutoDownload, "auto-download", f.AutoDownload, "Automatically download missing models")
	cmd.Flags().BoolVar(&f.TrailingSpace, "trailing-space", f.TrailingSpace, "Follow every segment's text with a space in the joined text")
	cmd.Flags().BoolVar(&f.SilenceGate, "silence-gate", f.SilenceGate, "Write an empty transcript for near-silent WAV audio without running the model")
	cmd.Flags().Float64Var(&f.SilenceThresholdDBFS, "silence-threshold-dbfs", f.SilenceThresholdDBFS, "Silence gate threshold in dBFS")
	cmd.Flags().BoolVar(&app.flags.printText, "stdout", false, "Also print the transcript text to stdout")
}

// prepare resolves configuration (flags > env > file > defaults) and builds
// the logger.
func (a *appState) prepare(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.flags.dotEnvPath); err != nil {
		return err
	}

	cfgPath, required := a.flags.configPath, true
	if cfgPath == "" {
		required = false
		resolve := a.configPathFn
		if resolve == nil {
			resolve = platform.ResolveConfigPath
		}
		if p, err := resolve(); err == nil {
			cfgPath = p
		}
	}

	cfg, err := config.Load(cfgPath, required)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(a.lookup); err != nil {
		return err
	}
	a.applyFlagOverrides(cmd, cfg)
	cfg.Language = sanitizeLanguage(cfg.Language)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	newLogger := a.loggerFn
	if newLogger == nil {
		newLogger = logging.New
	}
	logger, err := newLogger(logging.Options{Verbose: a.flags.verbose, JSON: cfg.JSONLogs, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.log().Debug("configuration resolved",
		zap.String("config_file", cfgPath),
		zap.String("engine", cfg.Engine),
		zap.String("model", cfg.Model),
		zap.String("device", cfg.Device),
		zap.String("compute_type", cfg.ComputeType),
	)
	return nil
}

func (a *appState) applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := a.flags.cfg
	overrides := map[string]func(){
		"engine":                 func() { cfg.Engine = f.Engine },
		"model":                  func() { cfg.Model = f.Model },
		"model-dir":              func() { cfg.ModelDir = f.ModelDir },
		"model-sha256-url":       func() { cfg.ModelSHA256URL = f.ModelSHA256URL },
		"device":                 func() { cfg.Device = f.Device },
		"compute-type":           func() { cfg.ComputeType = f.ComputeType },
		"language":               func() { cfg.Language = f.Language },
		"threads":                func() { cfg.Threads = f.Threads },
		"auto-download":          func() { cfg.AutoDownload = f.AutoDownload },
		"trailing-space":         func() { cfg.TrailingSpace = f.TrailingSpace },
		"silence-gate":           func() { cfg.SilenceGate = f.SilenceGate },
		"silence-threshold-dbfs": func() { cfg.SilenceThresholdDBFS = f.SilenceThresholdDBFS },
		"json":                   func() { cfg.JSONLogs = f.JSONLogs },
		"no-progress":            func() { cfg.NoProgress = f.NoProgress },
	}

	for name, apply := range overrides {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			apply()
		}
	}
}

func (a *appState) settings() *config.Config {
	if a.cfg == nil {
		return config.Default()
	}
	return a.cfg
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.progressFn != nil {
		return a.progressFn()
	}
	if a.settings().NoProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.settings().ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}
