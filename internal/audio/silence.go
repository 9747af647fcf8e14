package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const wavFormatPCM = 1

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Probe reads the WAV header and data chunk size without decoding samples.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Info{}, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}

	bytesPerSecond := info.SampleRate * info.Channels * info.BitDepth / 8
	if bytesPerSecond > 0 {
		info.Duration = time.Duration(float64(dec.PCMSize) / float64(bytesPerSecond) * float64(time.Second))
	}

	return info, nil
}

func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := analyzeWAV(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	if metrics.Samples == 0 {
		return true, metrics, nil
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics, nil
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics, nil
}

func analyzeWAV(path string) (SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return SilenceMetrics{}, ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return SilenceMetrics{}, ErrUnsupportedWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("decode wav samples: %w", err)
	}

	fullScale, err := pcmFullScale(int(dec.BitDepth))
	if err != nil {
		return SilenceMetrics{}, err
	}

	var peak, sumSquares float64
	for _, sample := range buf.Data {
		value := normalizeSample(sample, int(dec.BitDepth), fullScale)
		abs := math.Abs(value)
		if abs > peak {
			peak = abs
		}
		sumSquares += value * value
	}

	samples := int64(len(buf.Data))
	if samples == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}, nil
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
	}, nil
}

func pcmFullScale(bitDepth int) (float64, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
		return math.Exp2(float64(bitDepth - 1)), nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

// 8-bit WAV samples are unsigned and centered on 128.
func normalizeSample(sample, bitDepth int, fullScale float64) float64 {
	if bitDepth == 8 {
		return float64(sample-128) / fullScale
	}
	return float64(sample) / fullScale
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
