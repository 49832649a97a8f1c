package fileactions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vision-dispatch/internal/verdict"
)

// ArtifactPolicy controls persisting the analyzer context as JSON and the
// processed (annotated) image returned by the analyzer.
type ArtifactPolicy struct {
	SaveJSONContext    bool
	SaveProcessedImage bool
	UnknownAsNok       bool
	OK                 Target
	NOK                Target
}

// ArtifactResult reports what was persisted for one evaluation. Paths are
// empty when the corresponding artifact was skipped or failed.
type ArtifactResult struct {
	JSONSaved      bool
	JSONPath       string
	ProcessedSaved bool
	ProcessedPath  string
	Reason         string
}

// SaveArtifacts persists the JSON context and the processed image next to
// the move target for the effective verdict.
func SaveArtifacts(path string, eval verdict.Evaluation, context map[string]any, processed []byte, pol ArtifactPolicy, now time.Time) ArtifactResult {
	if !pol.SaveJSONContext && !pol.SaveProcessedImage {
		return ArtifactResult{Reason: "artifacts-disabled"}
	}

	effective := EffectiveStatus(eval, pol.UnknownAsNok)
	target := pol.OK
	if effective != verdict.StatusOK {
		target = pol.NOK
	}
	if strings.TrimSpace(target.BaseDir) == "" {
		return ArtifactResult{Reason: fmt.Sprintf("missing-target-dir-%s", strings.ToLower(string(effective)))}
	}

	targetDir := buildTargetDir(target.BaseDir, target, now)
	if err := os.MkdirAll(targetDir, os.ModePerm); err != nil {
		return ArtifactResult{Reason: fmt.Sprintf("file-action-error:%v", err)}
	}

	stem, _ := splitExt(filepath.Base(path))
	decorated := buildTargetName(stem, "", effective, target, now)

	var result ArtifactResult

	if pol.SaveJSONContext {
		jsonPath := ensureUniqueTarget(filepath.Join(targetDir, decorated+".json"))
		if err := writeJSONContext(jsonPath, context); err != nil {
			result.Reason = joinReasons(result.Reason, fmt.Sprintf("json-save-failed:%v", err))
		} else {
			result.JSONSaved = true
			result.JSONPath = jsonPath
		}
	}

	if pol.SaveProcessedImage {
		if len(processed) == 0 {
			result.Reason = joinReasons(result.Reason, "processed-image-missing")
		} else {
			// The marker goes on the stem before decoration, so a result
			// prefix ends up in front of it: OK_ANOTATED_part.png.
			processedName := buildTargetName("ANOTATED_"+stem, "", effective, target, now)
			processedPath := ensureUniqueTarget(filepath.Join(targetDir, processedName+".png"))
			if err := os.WriteFile(processedPath, processed, 0o644); err != nil {
				result.Reason = joinReasons(result.Reason, fmt.Sprintf("processed-save-failed:%v", err))
			} else {
				result.ProcessedSaved = true
				result.ProcessedPath = processedPath
			}
		}
	}

	return result
}

func writeJSONContext(path string, context map[string]any) error {
	if context == nil {
		context = map[string]any{}
	}
	payload, err := json.MarshalIndent(context, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func joinReasons(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}
