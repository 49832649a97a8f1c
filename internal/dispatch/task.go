// Package dispatch implements the ingestion pipeline: discovery state
// machines feed a bounded queue, a single worker drains it through the
// analyzer and applies the verdict side effects.
package dispatch

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	SourceKindFile      = "file"
	SourceKindSynthetic = "synthetic"
)

// ImageTask is one unit of work flowing through the queue. Tasks are
// JSON-serializable so they survive a broker round trip.
type ImageTask struct {
	ID uuid.UUID `json:"id"`

	// Path is the task's identity for logging and counters.
	Path string `json:"path"`

	// Data is the dispatch label sent alongside the image.
	Data string `json:"data"`

	// ImageBytes carries in-memory images for synthetic sources; file
	// tasks leave it nil and the analyzer reads Path.
	ImageBytes []byte `json:"image_bytes,omitempty"`

	SourceKind string `json:"source_kind"`
	LabelStem  string `json:"label_stem"`

	// SourcePath is the on-disk file that file actions operate on. Empty
	// for purely in-memory tasks.
	SourcePath string `json:"source_path,omitempty"`
}

func NewFileTask(path, data string) ImageTask {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ImageTask{
		ID:         uuid.New(),
		Path:       path,
		Data:       data,
		SourceKind: SourceKindFile,
		LabelStem:  stem,
		SourcePath: path,
	}
}
