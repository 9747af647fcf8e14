package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultModel is the size voxscribe always transcribes with unless told
// otherwise.
const DefaultModel = "small"

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

type Model struct {
	Name     string
	FileName string
	SHA256   string
}

func (m Model) URL() string {
	return ggmlBaseURL + m.FileName
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	IsCustomPath  bool
}

// Ordered smallest first.
var registry = []Model{
	{Name: "tiny", FileName: "ggml-tiny.bin", SHA256: "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"},
	{Name: "base", FileName: "ggml-base.bin", SHA256: "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"},
	{Name: "small", FileName: "ggml-small.bin", SHA256: "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"},
	{Name: "medium", FileName: "ggml-medium.bin", SHA256: "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"},
	{Name: "large-v3", FileName: "ggml-large-v3.bin", SHA256: "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"},
}

func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for _, model := range registry {
		names = append(names, model.Name)
	}
	return names
}

func LookupModel(name string) (Model, bool) {
	for _, model := range registry {
		if model.Name == name {
			return model, true
		}
	}
	return Model{}, false
}

// ResolveModel maps a registry name to its file under modelDir, or accepts a
// path to an existing ggml file.
func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		if strings.TrimSpace(modelDir) == "" {
			return ResolvedModel{}, errors.New("model directory must not be empty for named model")
		}

		modelPath := filepath.Join(modelDir, model.FileName)
		_, statErr := os.Stat(modelPath)
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
		}

		return ResolvedModel{
			Name:          model.Name,
			Path:          modelPath,
			URL:           model.URL(),
			SHA256:        model.SHA256,
			NeedsDownload: errors.Is(statErr, os.ErrNotExist),
		}, nil
	}

	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}

	customPath := filepath.Clean(modelRef)
	info, err := os.Stat(customPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", customPath)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}
	if info.IsDir() {
		return ResolvedModel{}, fmt.Errorf("custom model path %s is a directory; whisper-cpp needs a ggml .bin file", customPath)
	}

	return ResolvedModel{
		Name:         filepath.Base(customPath),
		Path:         customPath,
		IsCustomPath: true,
	}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
