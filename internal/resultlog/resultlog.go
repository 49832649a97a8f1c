// Package resultlog appends one JSON object per processed image to an
// append-only JSONL file.
package resultlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is the terminal outcome of one task. Field names are stable; the
// JSONL file is consumed by external reporting tools.
type Record struct {
	Timestamp  string `json:"timestamp"`
	Filename   string `json:"filename"`
	Data       string `json:"data"`
	SourceKind string `json:"source_kind"`
	Status     string `json:"status"` // ok|error
	LatencyMS  int64  `json:"latency_ms"`

	OkNok          string   `json:"ok_nok"`
	EvalStatus     string   `json:"eval_status"`
	ResultBool     *bool    `json:"result_bool"`
	CompleteTimeS  *float64 `json:"complete_time_s"`
	CompleteTimeMS int64    `json:"complete_time_ms"`
	DetectedCount  int      `json:"detected_count"`

	FileActionApplied   bool   `json:"file_action_applied"`
	FileActionOperation string `json:"file_action_operation"`
	FileActionTarget    string `json:"file_action_target,omitempty"`
	FileActionReason    string `json:"file_action_reason,omitempty"`

	JSONContextSaved    bool   `json:"json_context_saved"`
	JSONContextPath     string `json:"json_context_path,omitempty"`
	ProcessedImageSaved bool   `json:"processed_image_saved"`
	ProcessedImagePath  string `json:"processed_image_path,omitempty"`
	ArtifactReason      string `json:"artifact_reason,omitempty"`

	Error string `json:"error,omitempty"`
	Mode  string `json:"mode"`
}

type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(directory, filename string) (*Writer, error) {
	if err := os.MkdirAll(directory, os.ModePerm); err != nil {
		return nil, fmt.Errorf("creating result log directory: %w", err)
	}
	return &Writer{path: filepath.Join(directory, filename)}, nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Append(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding result record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing result record: %w", err)
	}
	return nil
}
