package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/transcript"
	"go.uber.org/zap"
)

// CppEngine runs a whisper.cpp whisper-cli executable and reads its JSON
// output.
type CppEngine struct {
	Executable string
	Logger     *zap.Logger
}

type cppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func NewCppEngine(override string, logger *zap.Logger) (*CppEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override = strings.TrimSpace(override); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("whisper path %s is not executable: %w", override, err)
		}
		return &CppEngine{Executable: override, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxscribe executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}

	return &CppEngine{Executable: whisperExe, Logger: logger}, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	if onPath, err := exec.LookPath(engineBinaryName()); err == nil {
		return onPath, nil
	}

	return "", fmt.Errorf("%w: no %s near %s or on PATH; set VOXSCRIBE_WHISPER_PATH", ErrEngineNotFound, engineBinaryName(), selfExecutable)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	host := platform.CurrentRuntime()
	hostTarget := fmt.Sprintf("%s_%s", host.OS, host.Arch)

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *CppEngine) Name() string {
	return EngineCpp
}

func (e *CppEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return Result{}, errors.New("model path is required")
	}

	if err := ensureExecutable(e.Executable); err != nil {
		return Result{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	workDir, err := os.MkdirTemp("", "voxscribe-*")
	if err != nil {
		return Result{}, fmt.Errorf("create whisper work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	outBase := filepath.Join(workDir, "transcript")
	args := cppArgs(req, outBase)

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if ct := strings.TrimSpace(req.ComputeType); ct != "" && ct != "default" {
		e.log().Warn("whisper-cpp ignores compute_type; precision comes from the ggml model file",
			zap.String("compute_type", ct), zap.String("model", req.ModelPath))
	}

	e.log().Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return Result{}, diagnoseEngineFailure(e.Executable, err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		if errText := stderrTail(stderr.String()); errText != "" {
			return Result{}, fmt.Errorf("read whisper output: %w (%s)", err, errText)
		}
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	return parseCppOutput(raw)
}

func (e *CppEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func cppArgs(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-oj", "-of", outBase, "-np"}

	lang := strings.TrimSpace(req.Language)
	if isAutoLanguage(lang) {
		args = append(args, "-l", "auto")
	} else {
		args = append(args, "-l", lang)
	}

	if req.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(req.Threads))
	}

	if req.Device == "cpu" {
		args = append(args, "-ng")
	}

	return args
}

// parseCppOutput converts whisper-cli millisecond offsets to seconds. Text is
// kept as emitted, including leading spaces.
func parseCppOutput(raw []byte) (Result, error) {
	var out cppOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("parse whisper output: %w", err)
	}

	segments := make([]transcript.Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		segments = append(segments, transcript.Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  item.Text,
		})
	}

	info := Info{Language: out.Result.Language}
	if n := len(segments); n > 0 {
		info.Duration = segments[n-1].End
	}

	return Result{Info: info, Segments: transcript.FromSlice(segments)}, nil
}

func diagnoseEngineFailure(executable string, runErr error, errText string) error {
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", executable, errText)
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(runErr.Error()) {
		return fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
			"your CPU may lack required instruction set extensions; " +
			"set VOXSCRIBE_WHISPER_PATH to a whisper-cli binary built for your CPU")
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", runErr, errText)
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
