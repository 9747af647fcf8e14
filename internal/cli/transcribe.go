package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/fmueller/voxscribe/internal/whisper"
	"go.uber.org/zap"
)

// run transcribes audioPath and writes the JSON transcript to outputPath.
// Inputs are checked before the model is touched so a bad path never leaves
// an output file behind.
func (a *appState) run(ctx context.Context, audioPath, outputPath string) error {
	audioPath = filepath.Clean(audioPath)
	outputPath = filepath.Clean(outputPath)

	if err := checkAudioInput(audioPath); err != nil {
		return err
	}
	if err := transcript.CheckOutputDir(outputPath); err != nil {
		return err
	}

	result, err := a.transcribeAudio(ctx, audioPath)
	if err != nil {
		return err
	}

	if err := result.Validate(); err != nil {
		a.log().Warn("engine returned unusual segment bounds; writing them unchanged", zap.Error(err))
	}

	if err := transcript.WriteFile(outputPath, result); err != nil {
		return err
	}
	a.log().Info("transcript written", zap.String("output", outputPath), zap.Int("segments", len(result.Segments)))

	if a.flags.printText {
		fmt.Fprintln(a.outWriter(), result.Text)
	}
	return nil
}

func (a *appState) transcribeAudio(ctx context.Context, audioPath string) (transcript.Transcript, error) {
	cfg := a.settings()

	if skipped := a.silenceGateTranscript(audioPath); skipped {
		return transcript.Empty(), nil
	}
	a.logAudioInfo(audioPath)

	engine, err := a.selectEngine()
	if err != nil {
		return transcript.Transcript{}, err
	}

	req := whisper.TranscriptionRequest{
		AudioPath:   audioPath,
		ModelName:   cfg.Model,
		Language:    cfg.Language,
		Device:      cfg.Device,
		ComputeType: cfg.ComputeType,
		Threads:     cfg.Threads,
	}
	if engine.Name() == whisper.EngineCpp {
		model, err := a.ensureModelAvailable(ctx)
		if err != nil {
			return transcript.Transcript{}, err
		}
		req.ModelPath = model.Path
		req.ModelName = model.Name
	}

	a.log().Info("transcribing...",
		zap.String("audio", audioPath),
		zap.String("engine", engine.Name()),
		zap.String("model", req.ModelName),
		zap.String("device", req.Device),
		zap.String("compute_type", req.ComputeType),
		zap.String("language", req.Language),
	)
	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	defer stopSpinner()
	started := time.Now()

	res, err := engine.Transcribe(ctx, req)
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return transcript.Transcript{}, err
	}
	a.log().Debug("engine ready", zap.String("detected_language", res.Info.Language), zap.Float64("duration_seconds", res.Info.Duration))

	result, err := transcript.Collect(res.Segments, transcript.CollectOptions{TrailingSpace: cfg.TrailingSpace})
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return transcript.Transcript{}, fmt.Errorf("collect segments: %w", err)
	}

	duration := res.Info.Duration
	if duration <= 0 {
		duration = result.Duration()
	}
	a.log().Info("transcription finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("segments", len(result.Segments)),
		zap.String("language", res.Info.Language),
		zap.Float64("duration_seconds", duration),
	)
	return result, nil
}

func (a *appState) selectEngine() (whisper.Engine, error) {
	if a.engineFn != nil {
		return a.engineFn()
	}

	cfg := a.settings()
	return whisper.SelectEngine(cfg.Engine, whisper.EngineOptions{
		WhisperPath: cfg.WhisperPath,
		Python:      cfg.Python,
		Logger:      a.log(),
	})
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	cfg := a.settings()

	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(cfg.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !cfg.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxscribe setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := a.download(ctx, a.modelDownloadOptions(resolved)); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

// modelDownloadOptions verifies against the configured checksum list when
// one is set, otherwise against the pinned registry checksum.
func (a *appState) modelDownloadOptions(resolved whisper.ResolvedModel) download.Options {
	cfg := a.settings()
	opts := download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     cfg.NoProgress,
		Logger:         a.log(),
	}
	if url := strings.TrimSpace(cfg.ModelSHA256URL); url != "" {
		opts.ExpectedSHA256 = ""
		opts.ChecksumURL = url
	}
	return opts
}

// expectedModelChecksum is the checksum an installed model must match.
func (a *appState) expectedModelChecksum(ctx context.Context, resolved whisper.ResolvedModel) (string, error) {
	url := strings.TrimSpace(a.settings().ModelSHA256URL)
	if url == "" {
		return resolved.SHA256, nil
	}

	checksum, err := download.ResolveExpectedChecksum(ctx, url, filepath.Base(resolved.Path), nil)
	if err != nil {
		return "", fmt.Errorf("fetch checksum for %s: %w", resolved.Name, err)
	}
	return checksum, nil
}

func (a *appState) download(ctx context.Context, opts download.Options) error {
	if a.downloadFn != nil {
		return a.downloadFn(ctx, opts)
	}
	return download.DownloadFile(ctx, opts)
}

// silenceGateTranscript reports whether the engine can be skipped because the
// input is a near-silent WAV file. Analysis failures never block transcription.
func (a *appState) silenceGateTranscript(audioPath string) bool {
	cfg := a.settings()
	if !cfg.SilenceGate || !isWAV(audioPath) {
		return false
	}

	silent, metrics, err := audio.IsSilentWAV(audioPath, cfg.SilenceThresholdDBFS)
	if err != nil {
		a.log().Warn("silence gate analysis failed; continuing transcription", zap.Error(err), zap.String("audio", audioPath))
		return false
	}
	if !silent {
		return false
	}

	a.log().Info(
		"audio considered silent; skipping transcription",
		zap.String("audio", audioPath),
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", cfg.SilenceThresholdDBFS),
	)
	return true
}

func (a *appState) logAudioInfo(audioPath string) {
	if !isWAV(audioPath) {
		return
	}

	info, err := audio.Probe(audioPath)
	if err != nil {
		a.log().Debug("could not probe wav header", zap.String("audio", audioPath), zap.Error(err))
		return
	}
	a.log().Debug("audio input",
		zap.String("audio", audioPath),
		zap.Int("sample_rate", info.SampleRate),
		zap.Int("channels", info.Channels),
		zap.Int("bit_depth", info.BitDepth),
		zap.Duration("duration", info.Duration),
	)
}

func checkAudioInput(audioPath string) error {
	info, err := os.Stat(audioPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("audio file not found: %s", audioPath)
		}
		return fmt.Errorf("audio file not accessible: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("audio path %s is a directory", audioPath)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("audio file not readable: %w", err)
	}
	return f.Close()
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
