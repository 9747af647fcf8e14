package whisper

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const fakeCppOutput = `{
  "result": {"language": "en"},
  "transcription": [
    {"timestamps": {"from": "00:00:00,000", "to": "00:00:02,500"}, "offsets": {"from": 0, "to": 2500}, "text": " Hello there."},
    {"timestamps": {"from": "00:00:02,500", "to": "00:00:04,120"}, "offsets": {"from": 2500, "to": 4120}, "text": " General Kenobi."}
  ]
}`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
}

func TestResolveBundledEnginePathFindsLibexecSibling(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	engineDir := filepath.Join(root, "libexec", "whisper")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.MkdirAll(engineDir, 0o755))

	self := filepath.Join(binDir, "voxscribe")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	enginePath := filepath.Join(engineDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveBundledEnginePathFindsPackagingPathForLocalDev(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	self := filepath.Join(root, "voxscribe")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	host := platform.CurrentRuntime()
	targetDir := filepath.Join(root, "packaging", "whisper", host.OS+"_"+host.Arch)
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	enginePath := filepath.Join(targetDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveBundledEnginePathMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	self := filepath.Join(t.TempDir(), "bin", "voxscribe")
	require.NoError(t, os.MkdirAll(filepath.Dir(self), 0o755))
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	_, err := ResolveBundledEnginePath(self)
	require.ErrorIs(t, err, ErrEngineNotFound)
}

func TestNewCppEngineRejectsNonExecutableOverride(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := NewCppEngine(path, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not executable")
}

func TestCppArgs(t *testing.T) {
	t.Parallel()

	args := cppArgs(TranscriptionRequest{
		AudioPath: "in.wav",
		ModelPath: "ggml-small.bin",
		Language:  "de",
		Device:    "cpu",
		Threads:   4,
	}, "/tmp/out")
	require.Equal(t, []string{"-m", "ggml-small.bin", "-f", "in.wav", "-oj", "-of", "/tmp/out", "-np", "-l", "de", "-t", "4", "-ng"}, args)

	args = cppArgs(TranscriptionRequest{AudioPath: "in.wav", ModelPath: "m.bin", Device: "cuda"}, "/tmp/out")
	require.Equal(t, []string{"-m", "m.bin", "-f", "in.wav", "-oj", "-of", "/tmp/out", "-np", "-l", "auto"}, args)
}

func TestParseCppOutput(t *testing.T) {
	t.Parallel()

	result, err := parseCppOutput([]byte(fakeCppOutput))
	require.NoError(t, err)
	require.Equal(t, "en", result.Info.Language)
	require.InDelta(t, 4.12, result.Info.Duration, 1e-9)

	got, err := transcript.Collect(result.Segments, transcript.CollectOptions{})
	require.NoError(t, err)
	require.Equal(t, []transcript.Segment{
		{Start: 0, End: 2.5, Text: " Hello there."},
		{Start: 2.5, End: 4.12, Text: " General Kenobi."},
	}, got.Segments)
}

func TestParseCppOutputEmpty(t *testing.T) {
	t.Parallel()

	result, err := parseCppOutput([]byte(`{"result":{"language":"en"},"transcription":[]}`))
	require.NoError(t, err)

	got, err := transcript.Collect(result.Segments, transcript.CollectOptions{})
	require.NoError(t, err)
	require.Empty(t, got.Segments)
	require.Equal(t, "", got.Text)
}

func TestParseCppOutputMalformed(t *testing.T) {
	t.Parallel()

	_, err := parseCppOutput([]byte("not json"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse whisper output")
}

func TestCppEngineTranscribeWithFakeExecutable(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	fake := writeScript(t, dir, "whisper-cli", `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; shift; fi
  shift
done
cat > "$out.json" <<'JSON'
`+fakeCppOutput+`
JSON
`)

	engine, err := NewCppEngine(fake, nil)
	require.NoError(t, err)
	require.Equal(t, EngineCpp, engine.Name())

	result, err := engine.Transcribe(context.Background(), TranscriptionRequest{
		AudioPath: filepath.Join(dir, "in.wav"),
		ModelPath: filepath.Join(dir, "ggml-small.bin"),
		Device:    "cpu",
	})
	require.NoError(t, err)

	got, err := transcript.Collect(result.Segments, transcript.CollectOptions{})
	require.NoError(t, err)
	require.Len(t, got.Segments, 2)
	require.Equal(t, " Hello there.  General Kenobi.", got.Text)
}

func TestCppEngineTranscribeReportsStderr(t *testing.T) {
	skipOnWindows(t)

	fake := writeScript(t, t.TempDir(), "whisper-cli", "echo 'failed to open audio' >&2\nexit 3\n")
	engine, err := NewCppEngine(fake, nil)
	require.NoError(t, err)

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "a.wav", ModelPath: "m.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "whisper transcribe failed")
	require.Contains(t, err.Error(), "failed to open audio")
}

func TestCppEngineTranscribeReportsStderrWhenOutputMissing(t *testing.T) {
	skipOnWindows(t)

	fake := writeScript(t, t.TempDir(), "whisper-cli", "echo 'error: failed to read audio file' >&2\nexit 0\n")
	engine, err := NewCppEngine(fake, nil)
	require.NoError(t, err)

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "a.ogg", ModelPath: "m.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "read whisper output")
	require.Contains(t, err.Error(), "failed to read audio file")
}

func TestCppEngineWarnsThatComputeTypeIsIgnored(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	fake := writeScript(t, dir, "whisper-cli", `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; shift; fi
  shift
done
echo '{"result": {"language": "en"}, "transcription": []}' > "$out.json"
`)

	core, logs := observer.New(zap.WarnLevel)
	engine, err := NewCppEngine(fake, zap.New(core))
	require.NoError(t, err)

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "a.wav", ModelPath: "ggml-small.bin", ComputeType: "int8"})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessageSnippet("ignores compute_type").Len())

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "a.wav", ModelPath: "ggml-small.bin", ComputeType: "default"})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
}

func TestStderrTail(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", stderrTail(""))
	require.Equal(t, "last", stderrTail("first\nlast\n\n"))
	require.Equal(t, "only", stderrTail("  only  "))
}

func TestCppEngineTranscribeRequiresPaths(t *testing.T) {
	t.Parallel()

	engine := &CppEngine{Executable: "/nonexistent"}
	_, err := engine.Transcribe(context.Background(), TranscriptionRequest{ModelPath: "m.bin"})
	require.EqualError(t, err, "audio path is required")

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "a.wav"})
	require.EqualError(t, err, "model path is required")
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.False(t, isIllegalInstructionError("some other runtime error"))
	require.False(t, isIllegalInstructionError(""))
}
