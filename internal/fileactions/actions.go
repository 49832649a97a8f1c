// Package fileactions applies the post-evaluation file transforms: moving
// or deleting the source image based on verdict and policy, and persisting
// JSON/processed-image artifacts. All failures are reported as non-applied
// outcomes with a reason; nothing here aborts the pipeline.
package fileactions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"vision-dispatch/internal/verdict"
)

type Mode string

const (
	ModeDeleteAfterEval Mode = "delete_after_eval"
	ModeMoveByResult    Mode = "move_by_result"
	ModeMoveOKDeleteNOK Mode = "move_ok_delete_nok"
	ModeDeleteOKMoveNOK Mode = "delete_ok_move_nok"
)

const (
	OpNone   = "none"
	OpDelete = "delete"
	OpMove   = "move"
)

// Target configures where moved files and artifacts land for one verdict.
type Target struct {
	BaseDir                string
	CreateDailyFolder      bool
	CreateHourlyFolder     bool
	IncludeResultPrefix    bool
	IncludeTimestampSuffix bool
	IncludeString          bool
	StringValue            string
}

type Policy struct {
	Enabled      bool
	Mode         Mode
	UnknownAsNok bool
	OK           Target
	NOK          Target
}

type Result struct {
	Applied    bool
	Operation  string
	SourcePath string
	TargetPath string
	Reason     string
	EvalStatus verdict.Status
}

var invalidFileChars = regexp.MustCompile(`[<>:"/\\|?*]+`)

// Apply resolves and executes the file action for one evaluated image.
func Apply(path string, eval verdict.Evaluation, pol Policy, now time.Time) Result {
	if !pol.Enabled {
		return Result{
			Operation:  OpNone,
			SourcePath: path,
			Reason:     "file-actions-disabled",
			EvalStatus: eval.Status,
		}
	}

	effective := EffectiveStatus(eval, pol.UnknownAsNok)
	operation := resolveOperation(pol.Mode, effective)
	if operation == OpNone {
		return Result{
			Operation:  OpNone,
			SourcePath: path,
			Reason:     "no-operation",
			EvalStatus: eval.Status,
		}
	}

	if operation == OpDelete {
		if err := os.Remove(path); err != nil {
			return failedResult(path, operation, eval.Status, err)
		}
		return Result{
			Applied:    true,
			Operation:  OpDelete,
			SourcePath: path,
			EvalStatus: eval.Status,
		}
	}

	target := pol.targetFor(effective)
	if strings.TrimSpace(target.BaseDir) == "" {
		return Result{
			Operation:  OpMove,
			SourcePath: path,
			Reason:     fmt.Sprintf("missing-target-dir-%s", strings.ToLower(string(effective))),
			EvalStatus: eval.Status,
		}
	}

	targetDir := buildTargetDir(target.BaseDir, target, now)
	if err := os.MkdirAll(targetDir, os.ModePerm); err != nil {
		return failedResult(path, operation, eval.Status, err)
	}

	stem, suffix := splitExt(filepath.Base(path))
	targetName := buildTargetName(stem, suffix, effective, target, now)
	targetPath := ensureUniqueTarget(filepath.Join(targetDir, targetName))

	if samePath(path, targetPath) {
		return Result{
			Operation:  OpMove,
			SourcePath: path,
			TargetPath: targetPath,
			Reason:     "source-equals-target",
			EvalStatus: eval.Status,
		}
	}

	if err := moveFile(path, targetPath); err != nil {
		return failedResult(path, operation, eval.Status, err)
	}

	return Result{
		Applied:    true,
		Operation:  OpMove,
		SourcePath: path,
		TargetPath: targetPath,
		EvalStatus: eval.Status,
	}
}

func failedResult(path, operation string, status verdict.Status, err error) Result {
	reason := fmt.Sprintf("file-action-error:%v", err)
	if errors.Is(err, os.ErrNotExist) {
		reason = "source-not-found"
	}
	return Result{
		Operation:  operation,
		SourcePath: path,
		Reason:     reason,
		EvalStatus: status,
	}
}

// EffectiveStatus applies the unknown-as-NOK policy to an evaluation.
func EffectiveStatus(eval verdict.Evaluation, unknownAsNok bool) verdict.Status {
	switch eval.Status {
	case verdict.StatusOK:
		return verdict.StatusOK
	case verdict.StatusNOK:
		return verdict.StatusNOK
	}
	if unknownAsNok {
		return verdict.StatusNOK
	}
	return verdict.StatusUnknown
}

func resolveOperation(mode Mode, effective verdict.Status) string {
	switch mode {
	case ModeDeleteAfterEval:
		return OpDelete
	case ModeMoveByResult:
		return OpMove
	case ModeMoveOKDeleteNOK:
		if effective == verdict.StatusOK {
			return OpMove
		}
		return OpDelete
	case ModeDeleteOKMoveNOK:
		if effective == verdict.StatusOK {
			return OpDelete
		}
		return OpMove
	}
	return OpNone
}

func (p Policy) targetFor(effective verdict.Status) Target {
	if effective == verdict.StatusOK {
		return p.OK
	}
	return p.NOK
}

func buildTargetDir(baseDir string, target Target, now time.Time) string {
	dir := baseDir
	if target.CreateDailyFolder {
		dir = filepath.Join(dir, now.Format("2006_01_02"))
	}
	if target.CreateHourlyFolder {
		dir = filepath.Join(dir, now.Format("01_02_15"))
	}
	return dir
}

func buildTargetName(stem, suffix string, effective verdict.Status, target Target, now time.Time) string {
	if target.IncludeResultPrefix {
		stem = fmt.Sprintf("%s_%s", effective, stem)
	}
	if target.IncludeTimestampSuffix {
		stem = fmt.Sprintf("%s_%s", stem, now.Format("2006_01_02_15_04_05"))
	}
	if target.IncludeString && strings.TrimSpace(target.StringValue) != "" {
		stem = fmt.Sprintf("%s_%s", stem, sanitizeFragment(strings.TrimSpace(target.StringValue)))
	}
	return stem + suffix
}

func sanitizeFragment(value string) string {
	return invalidFileChars.ReplaceAllString(value, "_")
}

// ensureUniqueTarget appends _1, _2, ... before the extension until the
// candidate does not exist.
func ensureUniqueTarget(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	dir := filepath.Dir(path)
	stem, suffix := splitExt(filepath.Base(path))
	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, index, suffix))
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func splitExt(name string) (stem, suffix string) {
	suffix = filepath.Ext(name)
	return strings.TrimSuffix(name, suffix), suffix
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

// moveFile renames, falling back to copy+remove for cross-device targets.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil || errors.Is(err, os.ErrNotExist) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
