package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vision-dispatch/internal/analyzer"
	"vision-dispatch/internal/config"
	"vision-dispatch/internal/connection"
	"vision-dispatch/internal/fileactions"
	"vision-dispatch/internal/resultlog"
	"vision-dispatch/internal/scanner"
	"vision-dispatch/internal/verdict"
)

const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
)

// ResultSink receives every terminal result, typically for database
// persistence alongside the JSONL log.
type ResultSink interface {
	SaveResult(ctx context.Context, record resultlog.Record, context map[string]any) error
}

// ArtifactMirror uploads saved artifacts to an object store.
type ArtifactMirror interface {
	Mirror(ctx context.Context, localPath string) error
}

// Runner wires the discovery state machines, the bounded queue and the
// single analyze worker together.
type Runner struct {
	cfg        *config.Config
	queue      TaskQueue
	supervisor *connection.Supervisor
	writer     *resultlog.Writer
	sink       ResultSink
	mirror     ArtifactMirror

	mu          sync.Mutex
	status      string
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	outstanding atomic.Int64

	// fileActionsEnabled is resolved at start: loop mode forces actions
	// off because re-sending the same snapshot would be non-deterministic.
	fileActionsEnabled bool
}

type RunnerOptions struct {
	Sink   ResultSink
	Mirror ArtifactMirror
}

func NewRunner(cfg *config.Config, queue TaskQueue, supervisor *connection.Supervisor, writer *resultlog.Writer, opts RunnerOptions) *Runner {
	return &Runner{
		cfg:        cfg,
		queue:      queue,
		supervisor: supervisor,
		writer:     writer,
		sink:       opts.Sink,
		mirror:     opts.Mirror,
		status:     StatusStopped,
	}
}

func (r *Runner) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) QueueLen() int {
	return r.queue.Len()
}

func (r *Runner) SentCount() int64 {
	return r.supervisor.Snapshot().TotalSent
}

// Start launches the discovery and worker goroutines. Calling Start while
// running is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusStopped {
		return
	}
	r.status = StatusStarting

	r.fileActionsEnabled = r.cfg.FileActions.Enabled
	if r.cfg.Behavior.RunMode == config.RunModeLoop && r.fileActionsEnabled {
		slog.Warn("file actions are disabled in loop mode because they would be non-deterministic")
		r.fileActionsEnabled = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.scannerLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.workerLoop(ctx)
	}()

	r.status = StatusRunning
}

// Stop signals both loops and waits up to the graceful timeout.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.Behavior.GracefulStopTimeout):
		slog.Warn("pipeline loops did not stop within the graceful timeout")
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.cancel = nil
	r.mu.Unlock()
}

func (r *Runner) scannerLoop(ctx context.Context) {
	input := r.cfg.Input

	if input.SourceType == "files" {
		if r.cfg.Behavior.RunMode == config.RunModeJustWatch {
			slog.Warn("run mode just_watch is not compatible with a fixed file list, running once")
		}
		r.enqueueFiles(ctx, input.Files, r.cfg.Behavior.RunMode == config.RunModeLoop)
		if r.cfg.Behavior.RunMode != config.RunModeLoop {
			r.finalizeOnce(ctx)
		}
		return
	}

	scan := scanner.New(input.Folder, input.IncludeSubfolders, input.Extensions, input.StabilityChecks)

	switch r.cfg.Behavior.RunMode {
	case config.RunModeLoop:
		snapshot := r.buildSnapshot(ctx, scan)
		for ctx.Err() == nil {
			r.enqueueFiles(ctx, snapshot, false)
			scan.Wait(ctx, input.PollInterval)
		}
	case config.RunModeOnce:
		r.runDrainingScan(ctx, scan, nil)
		r.finalizeOnce(ctx)
	case config.RunModeJustWatch:
		seen := scanner.ExistingPaths(input.Folder, input.IncludeSubfolders, input.Extensions)
		r.runWatch(ctx, scan, seen)
	default: // initial_then_watch
		seen := map[string]struct{}{}
		r.runDrainingScan(ctx, scan, seen)
		r.runWatch(ctx, scan, seen)
	}
}

// buildSnapshot collects the stable file set for loop mode, stopping after
// two idle scans.
func (r *Runner) buildSnapshot(ctx context.Context, scan *scanner.Scanner) []string {
	idleCycles := 0
	seen := map[string]struct{}{}
	var snapshot []string
	for ctx.Err() == nil {
		var fresh []string
		for _, path := range scan.Scan() {
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				fresh = append(fresh, path)
			}
		}
		if len(fresh) > 0 {
			snapshot = append(snapshot, fresh...)
			idleCycles = 0
		} else {
			idleCycles++
		}
		if idleCycles >= 2 {
			break
		}
		scan.Wait(ctx, r.cfg.Input.PollInterval)
	}
	return snapshot
}

// runDrainingScan enqueues newly-stable files until two consecutive scans
// find nothing new. A nil seen map allocates a fresh one.
func (r *Runner) runDrainingScan(ctx context.Context, scan *scanner.Scanner, seen map[string]struct{}) {
	if seen == nil {
		seen = map[string]struct{}{}
	}
	idleCycles := 0
	for ctx.Err() == nil && idleCycles < 2 {
		fresh := r.selectFresh(scan.Scan(), seen)
		if len(fresh) > 0 {
			r.enqueueFiles(ctx, fresh, false)
			idleCycles = 0
		} else {
			idleCycles++
		}
		scan.Wait(ctx, r.cfg.Input.PollInterval)
	}
}

func (r *Runner) runWatch(ctx context.Context, scan *scanner.Scanner, seen map[string]struct{}) {
	for ctx.Err() == nil {
		fresh := r.selectFresh(scan.Scan(), seen)
		if len(fresh) > 0 {
			r.enqueueFiles(ctx, fresh, false)
		}
		scan.Wait(ctx, r.cfg.Input.PollInterval)
	}
}

func (r *Runner) selectFresh(ready []string, seen map[string]struct{}) []string {
	var fresh []string
	for _, path := range ready {
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			fresh = append(fresh, path)
		}
	}
	return fresh
}

func (r *Runner) enqueueFiles(ctx context.Context, files []string, loop bool) {
	if len(files) == 0 {
		if loop {
			sleepCtx(ctx, r.cfg.Input.PollInterval)
		}
		return
	}

	for ctx.Err() == nil {
		for _, path := range files {
			if ctx.Err() != nil {
				return
			}
			if _, err := os.Stat(path); err != nil {
				slog.Warn("input file missing, skipping", "path", path)
				continue
			}
			task := NewFileTask(path, r.buildDataValue(path))
			r.outstanding.Add(1)
			if r.queue.Put(ctx, task) != nil {
				r.outstanding.Add(-1)
			}
		}
		if !loop {
			return
		}
		sleepCtx(ctx, r.cfg.Input.PollInterval)
	}
}

// buildDataValue concatenates the configured dispatch-label fragments:
// literal string, filename stem, timestamp, in that fixed order.
func (r *Runner) buildDataValue(path string) string {
	cfg := r.cfg.Analyzer
	var parts []string
	if cfg.DataIncludeString && cfg.DataStringValue != "" {
		parts = append(parts, cfg.DataStringValue)
	}
	if cfg.DataIncludeFilename {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		parts = append(parts, stem)
	}
	if cfg.DataIncludeTimestamp {
		parts = append(parts, time.Now().Format("_15_04_05_"))
	}
	return strings.Join(parts, "")
}

// finalizeOnce waits for the queue to drain, then stops the run.
func (r *Runner) finalizeOnce(ctx context.Context) {
	for ctx.Err() == nil {
		if r.outstanding.Load() == 0 && r.queue.Len() == 0 {
			break
		}
		sleepCtx(ctx, 100*time.Millisecond)
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if !r.supervisor.IsConnected() {
			sleepCtx(ctx, time.Second)
			continue
		}
		task, ok := r.queue.Get(ctx, 500*time.Millisecond)
		if !ok {
			continue
		}
		outcome := r.processTask(ctx, task)
		if outcome != nil {
			r.logResult(ctx, task, outcome)
		}
		r.outstanding.Add(-1)
		if delay := r.cfg.Behavior.DelayBetweenImages; delay > 0 {
			sleepCtx(ctx, delay)
		}
	}
}

// taskOutcome pairs the terminal record with the raw analyzer context so
// the sink can persist it as a JSON column.
type taskOutcome struct {
	record  resultlog.Record
	context map[string]any
}

// processTask runs one analyze cycle. A nil return means the task was
// requeued after a transient failure and nothing should be logged.
func (r *Runner) processTask(ctx context.Context, task ImageTask) *taskOutcome {
	start := time.Now()

	r.supervisor.UpdateLastData(task.Data)
	slog.Info("sending image", "path", task.Path, "data", task.Data)

	response, err := r.analyzeWithRetry(ctx, task)
	latencyMS := time.Since(start).Milliseconds()

	if err != nil {
		if analyzer.IsTransient(err) {
			// During shutdown the task is dropped without a record; only a
			// live run requeues it.
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("transient analyzer error, requeueing", "path", task.Path, "error", err)
			r.outstanding.Add(1)
			if putErr := r.queue.Requeue(ctx, task); putErr != nil {
				r.outstanding.Add(-1)
			}
			return nil
		}
		r.supervisor.RecordEvaluation(nil, "", nil, err.Error())
		return &taskOutcome{record: resultlog.Record{
			Timestamp:           time.Now().Format("2006-01-02 15:04:05"),
			Filename:            task.Path,
			Data:                task.Data,
			SourceKind:          task.SourceKind,
			Status:              "error",
			LatencyMS:           latencyMS,
			EvalStatus:          string(verdict.StatusError),
			FileActionOperation: fileactions.OpNone,
			Error:               err.Error(),
			Mode:                r.cfg.Analyzer.Mode,
		}}
	}

	r.supervisor.UpdateLastContext(response.Context)
	r.supervisor.RecordSent(task.Path)

	fallback := verdict.ExtractFallback(response.Context, r.cfg.Analyzer.ResultField)
	evaluation := verdict.Normalize(response.Context, fallback, latencyMS, r.cfg.Analyzer.OkNokSource)

	var completeTime *int64
	if response.Context != nil {
		ms := evaluation.CompleteTimeMS
		completeTime = &ms
	}
	r.supervisor.RecordEvaluation(completeTime, evaluation.OkNok, response.Context, "")

	actionResult := r.applyFileAction(task, evaluation)
	artifactResult := r.saveArtifacts(task, evaluation, response)

	record := resultlog.Record{
		Timestamp:  time.Now().Format("2006-01-02 15:04:05"),
		Filename:   task.Path,
		Data:       task.Data,
		SourceKind: task.SourceKind,
		Status:     "ok",
		LatencyMS:  latencyMS,

		OkNok:          evaluation.OkNok,
		EvalStatus:     string(evaluation.Status),
		ResultBool:     evaluation.ResultBool,
		CompleteTimeS:  evaluation.CompleteTimeS,
		CompleteTimeMS: evaluation.CompleteTimeMS,
		DetectedCount:  evaluation.DetectedCount,

		FileActionApplied:   actionResult.Applied,
		FileActionOperation: actionResult.Operation,
		FileActionTarget:    actionResult.TargetPath,
		FileActionReason:    actionResult.Reason,

		JSONContextSaved:    artifactResult.JSONSaved,
		JSONContextPath:     artifactResult.JSONPath,
		ProcessedImageSaved: artifactResult.ProcessedSaved,
		ProcessedImagePath:  artifactResult.ProcessedPath,
		ArtifactReason:      artifactResult.Reason,

		Mode: r.cfg.Analyzer.Mode,
	}
	return &taskOutcome{record: record, context: response.Context}
}

func (r *Runner) analyzeWithRetry(ctx context.Context, task ImageTask) (analyzer.Response, error) {
	cfg := r.cfg.Analyzer

	responseType := cfg.ResponseType
	if r.cfg.FileActions.SaveProcessedImage {
		responseType = analyzer.ResponseTypeAnnotated
	}

	request := analyzer.Request{
		ImagePath:     task.Path,
		ImageBytes:    task.ImageBytes,
		Data:          task.Data,
		Timeout:       cfg.Timeout,
		ResponseType:  responseType,
		ContextInBody: cfg.ContextInBody,
	}

	var lastErr error
	backoff := cfg.Retry.Backoff
	for attempt := 1; attempt <= cfg.Retry.Attempts; attempt++ {
		client := r.supervisor.Client()
		if client == nil {
			lastErr = analyzer.Transientf("not connected to analyzer")
		} else {
			response, err := client.Analyze(ctx, request)
			if err == nil {
				return response, nil
			}
			lastErr = err
		}

		if attempt == cfg.Retry.Attempts || ctx.Err() != nil {
			break
		}
		slog.Warn("analyze attempt failed", "path", task.Path, "attempt", attempt, "error", lastErr)
		sleepCtx(ctx, backoff)
		backoff *= 2
		if backoff > cfg.Retry.MaxBackoff {
			backoff = cfg.Retry.MaxBackoff
		}
	}
	return analyzer.Response{}, lastErr
}

func (r *Runner) applyFileAction(task ImageTask, evaluation verdict.Evaluation) (result fileactions.Result) {
	if task.SourcePath == "" {
		return fileactions.Result{
			Operation:  fileactions.OpNone,
			SourcePath: task.Path,
			Reason:     "no-source-file",
			EvalStatus: evaluation.Status,
		}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Warn("file action panicked", "path", task.SourcePath, "panic", recovered)
			result = fileactions.Result{
				Operation:  fileactions.OpNone,
				SourcePath: task.SourcePath,
				Reason:     fmt.Sprintf("runner-file-action-exception:%v", recovered),
				EvalStatus: evaluation.Status,
			}
		}
	}()

	policy := fileactions.Policy{
		Enabled:      r.fileActionsEnabled,
		Mode:         fileactions.Mode(r.cfg.FileActions.Mode),
		UnknownAsNok: r.cfg.FileActions.UnknownAsNok,
		OK:           targetFromConfig(r.cfg.FileActions.OK),
		NOK:          targetFromConfig(r.cfg.FileActions.NOK),
	}
	result = fileactions.Apply(task.SourcePath, evaluation, policy, time.Now())

	if r.fileActionsEnabled {
		switch {
		case result.Applied && result.Operation == fileactions.OpMove:
			slog.Info("file moved", "source", result.SourcePath, "target", result.TargetPath)
		case result.Applied && result.Operation == fileactions.OpDelete:
			slog.Info("file deleted", "source", result.SourcePath)
		case result.Reason != "" && result.Reason != "file-actions-disabled":
			slog.Warn("file action not applied", "source", result.SourcePath, "reason", result.Reason)
		}
	}
	return result
}

func (r *Runner) saveArtifacts(task ImageTask, evaluation verdict.Evaluation, response analyzer.Response) (result fileactions.ArtifactResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Warn("artifact save panicked", "path", task.Path, "panic", recovered)
			result = fileactions.ArtifactResult{
				Reason: fmt.Sprintf("artifact-save-exception:%v", recovered),
			}
		}
	}()

	policy := fileactions.ArtifactPolicy{
		SaveJSONContext:    r.cfg.FileActions.SaveJSONContext,
		SaveProcessedImage: r.cfg.FileActions.SaveProcessedImage,
		UnknownAsNok:       r.cfg.FileActions.UnknownAsNok,
		OK:                 targetFromConfig(r.cfg.FileActions.OK),
		NOK:                targetFromConfig(r.cfg.FileActions.NOK),
	}

	source := task.SourcePath
	if source == "" {
		source = task.Path
	}
	result = fileactions.SaveArtifacts(source, evaluation, response.Context, response.ImageBytes, policy, time.Now())

	if policy.SaveJSONContext || policy.SaveProcessedImage {
		if result.Reason != "" && result.Reason != "artifacts-disabled" {
			slog.Warn("artifact save incomplete", "path", source, "reason", result.Reason)
		} else {
			if result.JSONSaved {
				slog.Info("json context saved", "path", result.JSONPath)
			}
			if result.ProcessedSaved {
				slog.Info("processed image saved", "path", result.ProcessedPath)
			}
		}
	}

	r.mirrorArtifacts(result)
	return result
}

func (r *Runner) mirrorArtifacts(result fileactions.ArtifactResult) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, path := range []string{result.JSONPath, result.ProcessedPath} {
		if path == "" {
			continue
		}
		if err := r.mirror.Mirror(ctx, path); err != nil {
			slog.Warn("artifact mirror failed", "path", path, "error", err)
		}
	}
}

func (r *Runner) logResult(ctx context.Context, task ImageTask, outcome *taskOutcome) {
	if err := r.writer.Append(outcome.record); err != nil {
		slog.Error("failed to append result record", "path", task.Path, "error", err)
	}
	if r.sink != nil {
		if err := r.sink.SaveResult(ctx, outcome.record, outcome.context); err != nil {
			slog.Error("failed to persist result record", "path", task.Path, "error", err)
		}
	}
	if outcome.record.Status == "error" {
		slog.Error("analyze failed", "path", task.Path, "error", outcome.record.Error)
	} else {
		slog.Info("processed image", "path", task.Path, "latency_ms", outcome.record.LatencyMS)
	}
}

func targetFromConfig(cfg config.TargetConfig) fileactions.Target {
	return fileactions.Target{
		BaseDir:                cfg.BaseDir,
		CreateDailyFolder:      cfg.CreateDailyFolder,
		CreateHourlyFolder:     cfg.CreateHourlyFolder,
		IncludeResultPrefix:    cfg.IncludeResultPrefix,
		IncludeTimestampSuffix: cfg.IncludeTimestampSuffix,
		IncludeString:          cfg.IncludeString,
		StringValue:            cfg.StringValue,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
