package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision-dispatch/internal/analyzer"
	"vision-dispatch/internal/config"
)

type fakeAnalyzer struct {
	mu        sync.Mutex
	pingQueue []bool
	pings     int
	stops     int
}

func (f *fakeAnalyzer) Ping(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if len(f.pingQueue) == 0 {
		return true
	}
	next := f.pingQueue[0]
	f.pingQueue = f.pingQueue[1:]
	return next
}

func (f *fakeAnalyzer) Stop(ctx context.Context) {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (analyzer.Response, error) {
	return analyzer.Response{}, nil
}

type fakePM struct {
	mu     sync.Mutex
	calls  []string
	status string
}

func (f *fakePM) Start(projectPath string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	f.status = "running"
	return "suc"
}

func (f *fakePM) Stop(projectPath string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.status = "stopped"
	return "suc"
}

func (f *fakePM) Status(projectPath string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "status")
	return f.status
}

func (f *fakePM) startStopSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seq []string
	for _, call := range f.calls {
		if call == "start" || call == "stop" {
			seq = append(seq, call)
		}
	}
	return seq
}

func newTestSupervisor(settings Settings, fake *fakeAnalyzer, pm ProjectController) *Supervisor {
	s := NewSupervisor(settings, func(ctx context.Context) (analyzer.Analyzer, error) {
		return fake, nil
	}, pm)
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s
}

func TestConnectHappyPath(t *testing.T) {
	fake := &fakeAnalyzer{}
	s := newTestSupervisor(Settings{Policy: config.PolicyOff}, fake, nil)

	require.True(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.IsConnected())
	assert.NotNil(t, s.Client())
}

func TestConnectIsIdempotent(t *testing.T) {
	fake := &fakeAnalyzer{}
	s := newTestSupervisor(Settings{Policy: config.PolicyOff}, fake, nil)

	require.True(t, s.Connect(context.Background()))
	pingsAfterFirst := fake.pings
	require.True(t, s.Connect(context.Background()))
	assert.Equal(t, pingsAfterFirst, fake.pings)
}

func TestConnectPingFailureWithoutRestartPolicy(t *testing.T) {
	fake := &fakeAnalyzer{pingQueue: []bool{false}}
	s := newTestSupervisor(Settings{Policy: config.PolicyOff}, fake, nil)

	assert.False(t, s.Connect(context.Background()))
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, "connection error", s.Snapshot().StatusText)
}

func TestConnectAutoStartDrivesPM(t *testing.T) {
	fake := &fakeAnalyzer{}
	pm := &fakePM{status: "stopped"}
	s := newTestSupervisor(Settings{
		Policy:      config.PolicyAutoStart,
		ProjectPath: "/projects/demo",
		PMEnabled:   true,
	}, fake, pm)

	require.True(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"start"}, pm.startStopSequence())
}

func TestDisconnectAutoStopDrivesPM(t *testing.T) {
	fake := &fakeAnalyzer{}
	pm := &fakePM{status: "running"}
	s := newTestSupervisor(Settings{
		Policy:      config.PolicyAutoStartStop,
		ProjectPath: "/projects/demo",
		PMEnabled:   true,
	}, fake, pm)

	require.True(t, s.Connect(context.Background()))
	s.Disconnect(context.Background())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Nil(t, s.Client())
	assert.Equal(t, 1, fake.stops)
	assert.Equal(t, []string{"start", "stop"}, pm.startStopSequence())
}

func TestCheckHealthWithoutClient(t *testing.T) {
	s := newTestSupervisor(Settings{Policy: config.PolicyOff}, &fakeAnalyzer{}, nil)

	assert.False(t, s.CheckHealth(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestCheckHealthReconnectingWithoutRestartPolicy(t *testing.T) {
	fake := &fakeAnalyzer{pingQueue: []bool{true, false}}
	s := newTestSupervisor(Settings{Policy: config.PolicyOff}, fake, nil)

	require.True(t, s.Connect(context.Background()))
	assert.False(t, s.CheckHealth(context.Background()))
	assert.Equal(t, StateReconnecting, s.State())
}

// Restart scenario: two attempts allowed, first ping after restart fails,
// second succeeds. Exactly one full stop/start/ping-fail/stop/start/ping-ok
// cycle, final state connected, restart flag cleared.
func TestAutoRestartSecondAttemptSucceeds(t *testing.T) {
	fake := &fakeAnalyzer{pingQueue: []bool{true, false, false, true}}
	pm := &fakePM{status: "running"}
	s := newTestSupervisor(Settings{
		Policy:            config.PolicyAutoRestart,
		ReconnectAttempts: 2,
		ReconnectDelay:    2 * time.Second,
		ProjectPath:       "/projects/demo",
		PMEnabled:         true,
	}, fake, pm)

	require.True(t, s.Connect(context.Background()))

	// Health check fails, triggering the restart sequence.
	assert.True(t, s.CheckHealth(context.Background()))

	snapshot := s.Snapshot()
	assert.Equal(t, StateConnected, snapshot.State)
	assert.Equal(t, "connected", snapshot.StatusText)
	assert.False(t, snapshot.RestartInProgress)
	assert.Equal(t, []string{"stop", "start", "stop", "start"}, pm.startStopSequence())
	assert.Equal(t, 4, fake.pings)
}

func TestAutoRestartExhaustion(t *testing.T) {
	fake := &fakeAnalyzer{pingQueue: []bool{true, false, false, false}}
	pm := &fakePM{status: "running"}
	s := newTestSupervisor(Settings{
		Policy:            config.PolicyAutoRestart,
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Second,
		ProjectPath:       "/projects/demo",
		PMEnabled:         true,
	}, fake, pm)

	require.True(t, s.Connect(context.Background()))
	assert.False(t, s.CheckHealth(context.Background()))

	snapshot := s.Snapshot()
	assert.Equal(t, StateError, snapshot.State)
	assert.Equal(t, "fail to reconnect after 2x try", snapshot.StatusText)
	assert.False(t, snapshot.RestartInProgress)
}

func TestRecordSentCapsList(t *testing.T) {
	s := newTestSupervisor(Settings{}, &fakeAnalyzer{}, nil)
	for i := 0; i < maxSentList+5; i++ {
		s.RecordSent("a.png")
	}
	snapshot := s.Snapshot()
	assert.Equal(t, int64(maxSentList+5), snapshot.TotalSent)
	assert.Len(t, snapshot.SentList, maxSentList)
}

func TestRecordEvaluationCounters(t *testing.T) {
	s := newTestSupervisor(Settings{}, &fakeAnalyzer{}, nil)

	ms := int64(120)
	s.RecordEvaluation(&ms, "OK", map[string]any{"result": "OK"}, "")
	ms2 := int64(80)
	s.RecordEvaluation(&ms2, "nok", map[string]any{"result": "NOK"}, "")

	snapshot := s.Snapshot()
	assert.Equal(t, int64(2), snapshot.TotalEvaluated)
	assert.Equal(t, int64(1), snapshot.OKCount)
	assert.Equal(t, int64(1), snapshot.NOKCount)
	require.NotNil(t, snapshot.LastEvalTimeMS)
	assert.Equal(t, int64(80), *snapshot.LastEvalTimeMS)
	require.NotNil(t, snapshot.AvgEvalTimeMS)
	assert.InDelta(t, 100.0, *snapshot.AvgEvalTimeMS, 1e-9)
	assert.Contains(t, snapshot.LastResultJSON, `"result": "NOK"`)
}

func TestRecordEvaluationError(t *testing.T) {
	s := newTestSupervisor(Settings{}, &fakeAnalyzer{}, nil)

	s.RecordEvaluation(nil, "", nil, "boom")

	snapshot := s.Snapshot()
	assert.Equal(t, int64(0), snapshot.TotalEvaluated)
	assert.Contains(t, snapshot.LastResultJSON, `"boom"`)
	assert.Contains(t, snapshot.LastResultJSON, `"ERROR"`)
}

func TestResetCounters(t *testing.T) {
	s := newTestSupervisor(Settings{}, &fakeAnalyzer{}, nil)
	ms := int64(50)
	s.RecordSent("a.png")
	s.RecordEvaluation(&ms, "OK", map[string]any{}, "")

	s.ResetCounters()

	snapshot := s.Snapshot()
	assert.Equal(t, int64(0), snapshot.TotalSent)
	assert.Equal(t, int64(0), snapshot.TotalEvaluated)
	assert.Equal(t, int64(0), snapshot.OKCount)
	assert.Nil(t, snapshot.LastEvalTimeMS)
	assert.Nil(t, snapshot.AvgEvalTimeMS)
	assert.Empty(t, snapshot.SentList)
	assert.Equal(t, "{}", snapshot.LastResultJSON)
}

func TestExtractProductionModeSpellings(t *testing.T) {
	cases := []struct {
		context map[string]any
		want    *bool
	}{
		{map[string]any{"Production_Mode": true}, boolPtr(true)},
		{map[string]any{"production_mode": float64(0)}, boolPtr(false)},
		{map[string]any{"ProductionMode": "on"}, boolPtr(true)},
		{map[string]any{"productionMode": "OFF"}, boolPtr(false)},
		{map[string]any{"production mode": float64(1)}, boolPtr(true)},
		{map[string]any{"production_mode": "maybe"}, nil},
		{map[string]any{"other": true}, nil},
		{nil, nil},
	}
	for _, tc := range cases {
		got := extractProductionMode(tc.context)
		if tc.want == nil {
			assert.Nil(t, got)
		} else {
			require.NotNil(t, got)
			assert.Equal(t, *tc.want, *got)
		}
	}
}

func TestUpdateLastContextSetsProductionMode(t *testing.T) {
	s := newTestSupervisor(Settings{}, &fakeAnalyzer{}, nil)

	s.UpdateLastContext(map[string]any{"production_mode": true})
	snapshot := s.Snapshot()
	require.NotNil(t, snapshot.LastProductionMode)
	assert.True(t, *snapshot.LastProductionMode)

	s.UpdateLastContext(nil)
	assert.Nil(t, s.Snapshot().LastProductionMode)
}
