package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vision-dispatch/internal/analyzer"
	"vision-dispatch/internal/api"
	"vision-dispatch/internal/config"
	"vision-dispatch/internal/connection"
	"vision-dispatch/internal/database"
	"vision-dispatch/internal/dispatch"
	"vision-dispatch/internal/protocol"
	"vision-dispatch/internal/resultlog"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubAnalyzer struct{}

func (s *stubAnalyzer) Ping(ctx context.Context) bool { return true }

func (s *stubAnalyzer) Stop(ctx context.Context) {}

func (s *stubAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (analyzer.Response, error) {
	return analyzer.Response{Context: map[string]any{"result": true}}, nil
}

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return database.NewStore(db)
}

func newTestServer(t *testing.T, projects *protocol.ProjectLister) (*httptest.Server, *database.Store, *connection.Supervisor) {
	t.Helper()

	store := newTestStore(t)
	writer, err := resultlog.NewWriter(t.TempDir(), "results.jsonl")
	require.NoError(t, err)

	supervisor := connection.NewSupervisor(
		connection.Settings{Policy: config.PolicyOff},
		func(ctx context.Context) (analyzer.Analyzer, error) { return &stubAnalyzer{}, nil },
		nil,
	)

	cfg := &config.Config{
		Input: config.InputConfig{
			SourceType:      "folder",
			Folder:          t.TempDir(),
			Extensions:      []string{".png"},
			PollInterval:    20 * time.Millisecond,
			StabilityChecks: 1,
		},
		Behavior: config.BehaviorConfig{
			RunMode:             config.RunModeJustWatch,
			QueueCapacity:       10,
			GracefulStopTimeout: 2 * time.Second,
		},
		Analyzer: config.AnalyzerConfig{
			Mode:         "rest",
			Timeout:      time.Second,
			Retry:        config.RetryConfig{Attempts: 1, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
			ResponseType: analyzer.ResponseTypeContext,
			OkNokSource:  "context_result",
		},
	}

	queue := dispatch.NewMemoryQueue(cfg.Behavior.QueueCapacity)
	runner := dispatch.NewRunner(cfg, queue, supervisor, writer, dispatch.RunnerOptions{Sink: store})

	router := chi.NewRouter()
	service := api.NewPipelineService(store, runner, supervisor, projects)
	service.AddRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		runner.Stop()
		server.Close()
	})
	return server, store, supervisor
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	var body struct{}
	assert.Equal(t, http.StatusOK, getJSON(t, server.URL+"/health", &body))
}

func TestStatusEndpoint(t *testing.T) {
	server, _, supervisor := newTestServer(t, nil)
	require.True(t, supervisor.Connect(context.Background()))

	var status api.StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/status", &status))
	assert.Equal(t, dispatch.StatusStopped, status.Runner)
	assert.Equal(t, 0, status.QueueLen)
	assert.Equal(t, string(connection.StateConnected), string(status.Connection.State))
}

func TestListResultsFiltering(t *testing.T) {
	server, store, _ := newTestServer(t, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		record := resultlog.Record{
			Timestamp:  time.Now().Format(time.RFC3339),
			Filename:   fmt.Sprintf("part_%d.png", i),
			Status:     "ok",
			OkNok:      "OK",
			EvalStatus: "OK",
		}
		require.NoError(t, store.SaveResult(ctx, record, map[string]any{"result": true}))
	}
	require.NoError(t, store.SaveResult(ctx, resultlog.Record{
		Timestamp:  time.Now().Format(time.RFC3339),
		Filename:   "bad.png",
		Status:     "nok",
		OkNok:      "NOK",
		EvalStatus: "NOK",
	}, nil))

	var all api.ListResultsResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/results", &all))
	assert.Equal(t, int64(4), all.Total)
	assert.Len(t, all.Results, 4)

	var noks api.ListResultsResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/results?ok_nok=NOK", &noks))
	assert.Len(t, noks.Results, 1)
	assert.Equal(t, "bad.png", noks.Results[0].Filename)

	var limited api.ListResultsResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/results?limit=2", &limited))
	assert.Len(t, limited.Results, 2)
}

func TestPipelineStartStop(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	var started api.PipelineStateResponse
	require.Equal(t, http.StatusOK, postJSON(t, server.URL+"/pipeline/start", &started))
	assert.NotEqual(t, dispatch.StatusStopped, started.Runner)

	var stopped api.PipelineStateResponse
	require.Equal(t, http.StatusOK, postJSON(t, server.URL+"/pipeline/stop", &stopped))
	assert.Equal(t, dispatch.StatusStopped, stopped.Runner)
}

func TestResetCountersEndpoint(t *testing.T) {
	server, _, supervisor := newTestServer(t, nil)
	require.True(t, supervisor.Connect(context.Background()))
	supervisor.RecordSent("part.png")

	require.Equal(t, http.StatusOK, postJSON(t, server.URL+"/counters/reset", nil))
	assert.Equal(t, int64(0), supervisor.Snapshot().TotalSent)
}

func TestListProjectsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/list", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"name": "line-3", "path": "/projects/line-3"}]`)
	}))
	defer upstream.Close()

	server, _, _ := newTestServer(t, protocol.NewProjectLister(upstream.URL))

	var projects api.ListProjectsResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/projects", &projects))
	require.Len(t, projects.Projects, 1)
	assert.Equal(t, "line-3", projects.Projects[0]["name"])
}
