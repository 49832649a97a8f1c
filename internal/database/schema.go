package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type InspectionResult struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreationTime time.Time `gorm:"index" json:"creation_time"`

	Filename   string `gorm:"index" json:"filename"`
	Data       string `json:"data"`
	SourceKind string `gorm:"size:20" json:"source_kind"`
	Status     string `gorm:"size:10;index" json:"status"`
	LatencyMS  int64  `json:"latency_ms"`

	OkNok          string   `gorm:"size:10;index" json:"ok_nok"`
	EvalStatus     string   `gorm:"size:10" json:"eval_status"`
	ResultBool     *bool    `json:"result_bool"`
	CompleteTimeS  *float64 `json:"complete_time_s"`
	CompleteTimeMS int64    `json:"complete_time_ms"`
	DetectedCount  int      `json:"detected_count"`

	FileActionApplied   bool   `json:"file_action_applied"`
	FileActionOperation string `gorm:"size:10" json:"file_action_operation"`
	FileActionTarget    string `json:"file_action_target"`
	FileActionReason    string `json:"file_action_reason"`

	JSONContextSaved    bool   `json:"json_context_saved"`
	JSONContextPath     string `json:"json_context_path"`
	ProcessedImageSaved bool   `json:"processed_image_saved"`
	ProcessedImagePath  string `json:"processed_image_path"`
	ArtifactReason      string `json:"artifact_reason"`

	Error string `json:"error"`
	Mode  string `gorm:"size:10" json:"mode"`

	// RawContext keeps the full analyzer response for post-hoc analysis.
	RawContext datatypes.JSON `json:"raw_context"`
}
