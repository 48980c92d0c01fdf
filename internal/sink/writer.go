// Package sink writes loop snapshots and final run results as JSON files
// under a confined output root.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

// Writer emits one file per loop and a final summary per run. All paths stay
// under the configured root.
type Writer struct {
	root string
}

func NewWriter(root string) (*Writer, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	return &Writer{root: absRoot}, nil
}

func (w *Writer) WriteLoop(state domain.LoopState) error {
	rel := filepath.Join(state.RunID, fmt.Sprintf("loop_%03d.json", state.Loop))
	return w.writeJSON(rel, state)
}

type finalSnapshot struct {
	Run       domain.Run              `json:"run"`
	Top3      []domain.Pick           `json:"top3"`
	Decisions []domain.JudgeDecision  `json:"decisions,omitempty"`
	Consensus []domain.ConsensusScore `json:"consensus,omitempty"`
}

func (w *Writer) WriteFinal(run domain.Run, consensus []domain.ConsensusScore, decisions []domain.JudgeDecision) error {
	rel := filepath.Join(run.ID, "final.json")
	return w.writeJSON(rel, finalSnapshot{
		Run:       run,
		Top3:      run.FinalTop3,
		Decisions: decisions,
		Consensus: consensus,
	})
}

func (w *Writer) writeJSON(relPath string, v any) error {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (w *Writer) resolve(relPath string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", fmt.Errorf("invalid snapshot path %q", relPath)
	}
	abs := filepath.Clean(filepath.Join(w.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve snapshot path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("snapshot path escapes output root: %q", relPath)
	}
	return abs, nil
}
