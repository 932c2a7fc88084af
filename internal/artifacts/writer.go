// SPDX-License-Identifier: MIT

// Package artifacts writes run artifacts to disk, one directory per run.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// Writer persists artifacts under baseDir/<run_id>/<name>.
type Writer struct {
	baseDir string
}

// NewWriter creates the base directory if needed.
func NewWriter(baseDir string) (*Writer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Writer{baseDir: baseDir}, nil
}

// WriteJSON marshals content and writes it atomically, returning the path.
// Writes are atomic so a crashed worker never leaves a torn artifact behind.
func (w *Writer) WriteJSON(runID, name string, content any) (string, error) {
	if err := validName(runID); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}

	raw, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact %s: %w", name, err)
	}

	runDir := filepath.Join(w.baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run artifact dir: %w", err)
	}

	path := filepath.Join(runDir, name)
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

// Read returns the raw bytes of a previously written artifact.
func (w *Writer) Read(runID, name string) ([]byte, error) {
	if err := validName(runID); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(w.baseDir, runID, name))
}

// List returns the artifact names recorded for a run, sorted.
func (w *Writer) List(runID string) ([]string, error) {
	if err := validName(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(w.baseDir, runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// validName rejects path traversal in ids and artifact names.
func validName(s string) error {
	if s == "" || strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return fmt.Errorf("invalid artifact path element %q", s)
	}
	return nil
}
