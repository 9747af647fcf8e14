package whisper

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/transcript"
	"go.uber.org/zap"
)

//go:embed assets/faster_whisper.py
var fasterWhisperScript []byte

const (
	maxHelperLine   = 1 << 20
	helperWaitDelay = 2 * time.Second
	importTimeout   = 30 * time.Second
)

// FasterWhisperEngine drives the faster-whisper Python package through an
// embedded helper that prints one JSON record per line.
type FasterWhisperEngine struct {
	Python string
	Logger *zap.Logger
}

type helperRecord struct {
	Type     string  `json:"type"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Text     string  `json:"text"`
}

func NewFasterWhisperEngine(python string, logger *zap.Logger) (*FasterWhisperEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	python = strings.TrimSpace(python)
	if python == "" {
		python = "python3"
	}

	resolved, err := exec.LookPath(python)
	if err != nil {
		return nil, fmt.Errorf("%w: python interpreter %q: %v", ErrEngineNotFound, python, err)
	}

	return &FasterWhisperEngine{Python: resolved, Logger: logger}, nil
}

// CheckInstalled reports ErrEngineNotFound when the interpreter cannot import
// the faster_whisper package.
func (e *FasterWhisperEngine) CheckInstalled(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Python, "-c", "import faster_whisper")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s cannot import faster_whisper: %v (%s)", ErrEngineNotFound, e.Python, err, stderrTail(stderr.String()))
	}
	return nil
}

func (e *FasterWhisperEngine) Name() string {
	return EngineFasterWhisper
}

// Transcribe starts the helper and blocks until the model is loaded and the
// info record is read. Segments are then read from the helper as it decodes.
// Stopping iteration early kills the helper.
func (e *FasterWhisperEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	workDir, err := os.MkdirTemp("", "voxscribe-fw-*")
	if err != nil {
		return Result{}, fmt.Errorf("create helper directory: %w", err)
	}

	scriptPath := filepath.Join(workDir, "faster_whisper.py")
	if err := os.WriteFile(scriptPath, fasterWhisperScript, 0o644); err != nil {
		os.RemoveAll(workDir)
		return Result{}, fmt.Errorf("write helper script: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	args := append([]string{scriptPath}, fasterWhisperArgs(req)...)
	cmd := exec.CommandContext(ctx, e.Python, args...)
	cmd.WaitDelay = helperWaitDelay
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		os.RemoveAll(workDir)
		return Result{}, fmt.Errorf("attach helper stdout: %w", err)
	}

	e.log().Debug("running faster-whisper helper", zap.String("python", e.Python), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		cancel()
		os.RemoveAll(workDir)
		return Result{}, fmt.Errorf("start faster-whisper helper: %w", err)
	}

	h := &helperProcess{
		cmd:     cmd,
		cancel:  cancel,
		workDir: workDir,
		stderr:  &stderr,
		scanner: bufio.NewScanner(stdout),
	}
	h.scanner.Buffer(make([]byte, 0, 64*1024), maxHelperLine)

	first, ok, err := h.next()
	if err != nil {
		return Result{}, h.finish(err)
	}
	if !ok {
		if err := h.finish(nil); err != nil {
			return Result{}, err
		}
		return Result{}, errors.New("faster-whisper helper exited without output")
	}
	if first.Type != "info" {
		return Result{}, h.finish(fmt.Errorf("faster-whisper helper sent %q before info", first.Type))
	}

	return Result{
		Info:     Info{Language: first.Language, Duration: first.Duration},
		Segments: h.segments(),
	}, nil
}

func (e *FasterWhisperEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func fasterWhisperArgs(req TranscriptionRequest) []string {
	model := strings.TrimSpace(req.ModelName)
	if model == "" {
		model = DefaultModel
	}
	device := strings.TrimSpace(req.Device)
	if device == "" {
		device = "cpu"
	}
	computeType := strings.TrimSpace(req.ComputeType)
	if computeType == "" {
		computeType = "int8"
	}

	args := []string{
		"--audio", req.AudioPath,
		"--model", model,
		"--device", device,
		"--compute-type", computeType,
	}
	if lang := strings.TrimSpace(req.Language); !isAutoLanguage(lang) {
		args = append(args, "--language", lang)
	}
	if req.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(req.Threads))
	}
	return args
}

type helperProcess struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	workDir string
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	done    bool
}

func (h *helperProcess) next() (helperRecord, bool, error) {
	for h.scanner.Scan() {
		line := bytes.TrimSpace(h.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec helperRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return helperRecord{}, false, fmt.Errorf("parse helper output %q: %w", string(line), err)
		}
		return rec, true, nil
	}

	if err := h.scanner.Err(); err != nil {
		return helperRecord{}, false, fmt.Errorf("read helper output: %w", err)
	}
	return helperRecord{}, false, nil
}

func (h *helperProcess) segments() transcript.Source {
	return func(yield func(transcript.Segment, error) bool) {
		for {
			rec, ok, err := h.next()
			if err != nil {
				yield(transcript.Segment{}, h.finish(err))
				return
			}
			if !ok {
				if err := h.finish(nil); err != nil {
					yield(transcript.Segment{}, err)
				}
				return
			}
			if rec.Type != "segment" {
				continue
			}

			if !yield(transcript.Segment{Start: rec.Start, End: rec.End, Text: rec.Text}, nil) {
				h.abort()
				return
			}
		}
	}
}

// finish waits for the helper and folds its exit status into cause.
func (h *helperProcess) finish(cause error) error {
	if h.done {
		return cause
	}
	h.done = true

	if cause != nil {
		h.cancel()
	}
	waitErr := h.cmd.Wait()
	h.cancel()
	os.RemoveAll(h.workDir)

	if cause != nil {
		return cause
	}
	if waitErr != nil {
		return fmt.Errorf("faster-whisper failed: %w (%s)", waitErr, stderrTail(h.stderr.String()))
	}
	return nil
}

func (h *helperProcess) abort() {
	if h.done {
		return
	}
	h.cancel()
	_ = h.finish(nil)
}
