package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fmueller/voxscribe/internal/transcript"
	"go.uber.org/zap"
)

const (
	EngineAuto          = "auto"
	EngineCpp           = "whisper-cpp"
	EngineFasterWhisper = "faster-whisper"
)

var ErrEngineNotFound = errors.New("whisper engine not found")

type TranscriptionRequest struct {
	AudioPath string
	// ModelPath is the ggml weights file used by whisper-cpp.
	ModelPath string
	// ModelName is passed to faster-whisper, which manages its own weights.
	ModelName   string
	Language    string
	Device      string
	ComputeType string
	Threads     int
}

type Info struct {
	Language string
	Duration float64
}

type Result struct {
	Info     Info
	Segments transcript.Source
}

type Engine interface {
	Name() string
	Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error)
}

type EngineOptions struct {
	WhisperPath string
	Python      string
	Logger      *zap.Logger
}

// SelectEngine builds the named engine. "auto" prefers faster-whisper, which
// honours compute_type, and falls back to whisper-cpp when the faster_whisper
// package cannot be imported.
func SelectEngine(name string, opts EngineOptions) (Engine, error) {
	switch name {
	case EngineCpp:
		return NewCppEngine(opts.WhisperPath, opts.Logger)
	case EngineFasterWhisper:
		return NewFasterWhisperEngine(opts.Python, opts.Logger)
	case EngineAuto, "":
		fw, fwErr := NewFasterWhisperEngine(opts.Python, opts.Logger)
		if fwErr == nil {
			fwErr = fw.CheckInstalled(context.Background())
		}
		if fwErr == nil {
			return fw, nil
		}
		if !errors.Is(fwErr, ErrEngineNotFound) {
			return nil, fwErr
		}

		cpp, cppErr := NewCppEngine(opts.WhisperPath, opts.Logger)
		if cppErr != nil {
			return nil, fmt.Errorf("no usable engine: %w; %w", fwErr, cppErr)
		}
		if opts.Logger != nil {
			opts.Logger.Debug("faster-whisper unavailable, using whisper-cpp", zap.Error(fwErr))
		}
		return cpp, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (known engines: %s, %s, %s)", name, EngineAuto, EngineFasterWhisper, EngineCpp)
	}
}

func isAutoLanguage(lang string) bool {
	return lang == "" || lang == "auto"
}

// stderrTail returns the last non-empty line a subprocess wrote to stderr.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
