// Package connection owns the lifecycle of the analyzer handle: connect,
// disconnect, periodic health checks, the auto-restart sequence driven
// through the external process manager, and the runtime statistics exposed
// by the monitoring API.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vision-dispatch/internal/analyzer"
	"vision-dispatch/internal/config"
	"vision-dispatch/internal/protocol"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

const (
	maxSentList   = 10000
	pmPollTimeout = 30 * time.Second
)

// ProjectController is the subset of the process-manager protocol the
// supervisor drives. *protocol.Controller satisfies it.
type ProjectController interface {
	Start(projectPath string) string
	Stop(projectPath string) string
	Status(projectPath string) string
}

var _ ProjectController = (*protocol.Controller)(nil)

// ClientFactory builds a fresh analyzer handle. The supervisor recreates
// the handle after every process restart.
type ClientFactory func(ctx context.Context) (analyzer.Analyzer, error)

type Settings struct {
	Policy            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ProjectPath       string
	PMEnabled         bool
}

// Snapshot is a read-only copy of the supervisor's state and counters.
type Snapshot struct {
	State              State    `json:"state"`
	StatusText         string   `json:"status_text"`
	LastData           string   `json:"last_data"`
	LastProductionMode *bool    `json:"last_production_mode"`
	TotalSent          int64    `json:"total_sent"`
	TotalEvaluated     int64    `json:"total_evaluated"`
	OKCount            int64    `json:"ok_count"`
	NOKCount           int64    `json:"nok_count"`
	LastEvalTimeMS     *int64   `json:"last_eval_time_ms"`
	AvgEvalTimeMS      *float64 `json:"avg_eval_time_ms"`
	LastResultJSON     string   `json:"last_result_json"`
	SentList           []string `json:"sent_list"`
	RestartInProgress  bool     `json:"restart_in_progress"`
}

type Supervisor struct {
	settings Settings
	factory  ClientFactory
	pm       ProjectController

	mu                sync.Mutex
	client            analyzer.Analyzer
	state             State
	statusText        string
	lastContext       map[string]any
	lastData          string
	lastProduction    *bool
	totalSent         int64
	totalEvaluated    int64
	okCount           int64
	nokCount          int64
	lastEvalTimeMS    *int64
	evalTimeSumMS     int64
	lastResultJSON    string
	sentList          []string
	restartInProgress bool

	// sleep is swapped out in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration)
}

func NewSupervisor(settings Settings, factory ClientFactory, pm ProjectController) *Supervisor {
	return &Supervisor{
		settings:       settings,
		factory:        factory,
		pm:             pm,
		state:          StateDisconnected,
		statusText:     string(StateDisconnected),
		lastResultJSON: "{}",
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Supervisor) setState(state State, statusText string) {
	s.mu.Lock()
	s.state = state
	s.statusText = statusText
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// Client returns the current analyzer handle, nil when not connected.
func (s *Supervisor) Client() analyzer.Analyzer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connect builds the analyzer handle and verifies it answers pings,
// optionally starting the managed project first. Never returns an error;
// failures surface as state transitions.
func (s *Supervisor) Connect(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return true
	}
	s.state = StateConnecting
	s.statusText = string(StateConnecting)
	s.mu.Unlock()

	if s.shouldAutoStart() {
		s.pmStart(ctx)
	}

	if s.recreateClient(ctx) && s.pingClient(ctx) {
		s.setState(StateConnected, string(StateConnected))
		return true
	}

	if s.shouldAutoRestart() {
		return s.autoRestartSequence(ctx)
	}

	s.setState(StateError, "connection error")
	return false
}

// Disconnect tears the handle down, optionally stopping the managed
// project. Client stop errors are swallowed.
func (s *Supervisor) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.statusText = string(StateDisconnecting)
	client := s.client
	s.mu.Unlock()

	if s.shouldAutoStop() {
		s.pmStop(ctx)
	}
	if client != nil {
		client.Stop(ctx)
	}

	s.mu.Lock()
	s.client = nil
	s.state = StateDisconnected
	s.statusText = string(StateDisconnected)
	s.mu.Unlock()
}

// CheckHealth pings the current handle. On failure it either runs the
// restart sequence (auto_restart policy) or just reports reconnecting.
func (s *Supervisor) CheckHealth(ctx context.Context) bool {
	if s.Client() == nil {
		s.setState(StateDisconnected, string(StateDisconnected))
		return false
	}
	if s.pingClient(ctx) {
		s.setState(StateConnected, string(StateConnected))
		return true
	}
	s.setState(StateReconnecting, string(StateReconnecting))
	if s.shouldAutoRestart() {
		return s.autoRestartSequence(ctx)
	}
	return false
}

// HealthLoop drives CheckHealth on a timer until the context is done.
func (s *Supervisor) HealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// autoRestartSequence stops and restarts the managed project up to the
// configured attempt count, recreating and pinging the handle each time.
// Only one sequence runs at a time.
func (s *Supervisor) autoRestartSequence(ctx context.Context) bool {
	s.mu.Lock()
	if s.restartInProgress {
		s.mu.Unlock()
		return false
	}
	s.restartInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.restartInProgress = false
		s.mu.Unlock()
	}()

	attempts := s.settings.ReconnectAttempts
	delaySeconds := int(s.settings.ReconnectDelay / time.Second)

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		s.setState(StateReconnecting, fmt.Sprintf("trying to reconnect (%d/%d)", attempt, attempts))
		slog.Warn("analyzer restart attempt", "attempt", attempt, "attempts", attempts)

		s.pmStop(ctx)
		s.sleep(ctx, 2*time.Second)
		s.pmStart(ctx)

		for remaining := delaySeconds; remaining > 0; remaining-- {
			s.setState(StateReconnecting,
				fmt.Sprintf("trying to reconnect (%d/%d) in %ds", attempt, attempts, remaining))
			s.sleep(ctx, time.Second)
		}

		if s.recreateClient(ctx) && s.pingClient(ctx) {
			s.setState(StateConnected, string(StateConnected))
			return true
		}
	}

	s.setState(StateError, fmt.Sprintf("fail to reconnect after %dx try", attempts))
	return false
}

func (s *Supervisor) recreateClient(ctx context.Context) bool {
	client, err := s.factory(ctx)
	if err != nil {
		slog.Warn("creating analyzer client failed", "error", err)
		client = nil
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return client != nil
}

func (s *Supervisor) pingClient(ctx context.Context) bool {
	client := s.Client()
	return client != nil && client.Ping(ctx)
}

func (s *Supervisor) pmEnabled() bool {
	return s.settings.PMEnabled && s.settings.ProjectPath != "" && s.pm != nil
}

func (s *Supervisor) shouldAutoStart() bool {
	return s.pmEnabled() &&
		(s.settings.Policy == config.PolicyAutoStart || s.settings.Policy == config.PolicyAutoStartStop)
}

func (s *Supervisor) shouldAutoStop() bool {
	return s.pmEnabled() && s.settings.Policy == config.PolicyAutoStartStop
}

func (s *Supervisor) shouldAutoRestart() bool {
	return s.pmEnabled() && s.settings.Policy == config.PolicyAutoRestart
}

func (s *Supervisor) pmStart(ctx context.Context) {
	if !s.pmEnabled() {
		slog.Warn("process manager not enabled or project path missing")
		return
	}
	response := s.pm.Start(s.settings.ProjectPath)
	if response == protocol.ResponseTimeout {
		slog.Info("process manager start pending, waiting for status")
	} else {
		slog.Info("process manager start response", "response", response)
	}
	s.waitPMStatus(ctx, "running")
}

func (s *Supervisor) pmStop(ctx context.Context) {
	if !s.pmEnabled() {
		return
	}
	response := s.pm.Stop(s.settings.ProjectPath)
	if response == protocol.ResponseTimeout {
		slog.Info("process manager stop pending, waiting for status")
	} else {
		slog.Info("process manager stop response", "response", response)
	}
	s.waitPMStatus(ctx, "stopped")
}

func (s *Supervisor) waitPMStatus(ctx context.Context, target string) {
	deadline := time.Now().Add(pmPollTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if s.pm.Status(s.settings.ProjectPath) == target {
			return
		}
		s.sleep(ctx, time.Second)
	}
}

func (s *Supervisor) UpdateLastData(data string) {
	s.mu.Lock()
	s.lastData = data
	s.mu.Unlock()
}

// UpdateLastContext keeps the raw context for diagnostics and refreshes the
// production-mode flag.
func (s *Supervisor) UpdateLastContext(context map[string]any) {
	production := extractProductionMode(context)
	s.mu.Lock()
	s.lastContext = context
	s.lastProduction = production
	s.mu.Unlock()
}

// Projects publish the production flag under a handful of spellings.
var productionModeKeys = []string{
	"Production_Mode",
	"production_mode",
	"ProductionMode",
	"productionMode",
	"production mode",
}

func extractProductionMode(context map[string]any) *bool {
	if context == nil {
		return nil
	}
	for _, key := range productionModeKeys {
		value, ok := context[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case bool:
			return &v
		case float64:
			if v == 1 {
				return boolPtr(true)
			}
			if v == 0 {
				return boolPtr(false)
			}
		case int:
			if v == 1 {
				return boolPtr(true)
			}
			if v == 0 {
				return boolPtr(false)
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "on":
				return boolPtr(true)
			case "false", "0", "off":
				return boolPtr(false)
			}
		}
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

func (s *Supervisor) RecordSent(path string) {
	s.mu.Lock()
	s.totalSent++
	s.sentList = append(s.sentList, path)
	if len(s.sentList) > maxSentList {
		s.sentList = s.sentList[1:]
	}
	s.mu.Unlock()
}

// RecordEvaluation is called by the pipeline after each final analyze
// outcome. A nil context means the call failed terminally.
func (s *Supervisor) RecordEvaluation(completeTimeMS *int64, okNok string, context map[string]any, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if context != nil {
		s.totalEvaluated++
		if completeTimeMS != nil {
			ms := *completeTimeMS
			s.lastEvalTimeMS = &ms
			s.evalTimeSumMS += ms
		}
		switch strings.ToUpper(strings.TrimSpace(okNok)) {
		case "OK":
			s.okCount++
		case "NOK":
			s.nokCount++
		}
		if encoded, err := json.MarshalIndent(context, "", "  "); err == nil {
			s.lastResultJSON = string(encoded)
		} else {
			s.lastResultJSON = `{"status":"ERROR","error":"invalid-context"}`
		}
		return
	}

	if errText == "" {
		errText = "Unknown error"
	}
	payload := map[string]any{
		"status":    "ERROR",
		"error":     errText,
		"ok_nok":    okNok,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	}
	encoded, _ := json.MarshalIndent(payload, "", "  ")
	s.lastResultJSON = string(encoded)
}

func (s *Supervisor) ResetCounters() {
	s.mu.Lock()
	s.totalSent = 0
	s.totalEvaluated = 0
	s.okCount = 0
	s.nokCount = 0
	s.lastEvalTimeMS = nil
	s.evalTimeSumMS = 0
	s.lastResultJSON = "{}"
	s.sentList = nil
	s.mu.Unlock()
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		State:             s.state,
		StatusText:        s.statusText,
		LastData:          s.lastData,
		TotalSent:         s.totalSent,
		TotalEvaluated:    s.totalEvaluated,
		OKCount:           s.okCount,
		NOKCount:          s.nokCount,
		LastResultJSON:    s.lastResultJSON,
		SentList:          append([]string(nil), s.sentList...),
		RestartInProgress: s.restartInProgress,
	}
	if s.lastProduction != nil {
		v := *s.lastProduction
		snapshot.LastProductionMode = &v
	}
	if s.lastEvalTimeMS != nil {
		v := *s.lastEvalTimeMS
		snapshot.LastEvalTimeMS = &v
	}
	if s.lastEvalTimeMS != nil && s.totalEvaluated > 0 {
		avg := float64(s.evalTimeSumMS) / float64(s.totalEvaluated)
		snapshot.AvgEvalTimeMS = &avg
	}
	return snapshot
}
