package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/fmueller/voxscribe/internal/whisper"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	name      string
	info      whisper.Info
	segments  []transcript.Segment
	err       error
	streamErr error

	calls   int
	lastReq whisper.TranscriptionRequest
}

func (f *fakeEngine) Name() string {
	if f.name == "" {
		return whisper.EngineFasterWhisper
	}
	return f.name
}

func (f *fakeEngine) Transcribe(_ context.Context, req whisper.TranscriptionRequest) (whisper.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return whisper.Result{}, f.err
	}

	segments := f.segments
	streamErr := f.streamErr
	return whisper.Result{
		Info: f.info,
		Segments: func(yield func(transcript.Segment, error) bool) {
			for _, s := range segments {
				if !yield(s, nil) {
					return
				}
			}
			if streamErr != nil {
				yield(transcript.Segment{}, streamErr)
			}
		},
	}, nil
}

// newTestApp isolates the app from the user's config, environment and
// network.
func newTestApp(t *testing.T, engine whisper.Engine) *appState {
	t.Helper()

	dir := t.TempDir()
	app := newAppState()
	app.flags.dotEnvPath = filepath.Join(dir, ".env")
	app.configPathFn = func() (string, error) { return filepath.Join(dir, "config.yaml"), nil }
	app.lookup = func(string) (string, bool) { return "", false }
	app.progressFn = func() bool { return false }
	app.engineFn = func() (whisper.Engine, error) {
		if engine == nil {
			return nil, errors.New("no engine configured for test")
		}
		return engine, nil
	}
	app.downloadFn = func(context.Context, download.Options) error {
		return errors.New("unexpected download in test")
	}
	return app
}

func runApp(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runApp(t, newTestApp(t, nil), args)
}

func writeAudioFixture(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "speech.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 not really audio"), 0o644))
	return path
}

func writePCM16WAV(t *testing.T, samples []int, sampleRate int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func readTranscript(t *testing.T, path string) transcript.Transcript {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got transcript.Transcript
	require.NoError(t, json.Unmarshal(raw, &got))
	return got
}

func requireNoFile(t *testing.T, path string) {
	t.Helper()

	_, err := os.Stat(path)
	require.Truef(t, errors.Is(err, os.ErrNotExist), "expected no file at %s, stat err: %v", path, err)
}
