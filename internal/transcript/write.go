package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Encode renders t as a single JSON document followed by a newline.
func Encode(t Transcript) ([]byte, error) {
	if t.Segments == nil {
		t.Segments = []Segment{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes t to path in one step. The parent directory must exist.
// The document lands under a temporary name first, so path is either the
// complete document or untouched.
func WriteFile(path string, t Transcript) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := CheckOutputDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp output file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("move transcript into place: %w", err)
	}

	success = true
	return nil
}

// CheckOutputDir fails unless the parent directory of path exists.
func CheckOutputDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("output directory does not exist: %s", dir)
		}
		return fmt.Errorf("stat output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output parent %s is not a directory", dir)
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("output path %s is a directory", path)
	}
	return nil
}
