package api

import (
	"log/slog"
	"net/http"

	"vision-dispatch/internal/connection"
	"vision-dispatch/internal/database"
	"vision-dispatch/internal/dispatch"
	"vision-dispatch/internal/protocol"

	"github.com/go-chi/chi/v5"
)

type PipelineService struct {
	store      *database.Store
	runner     *dispatch.Runner
	supervisor *connection.Supervisor
	projects   *protocol.ProjectLister
}

func NewPipelineService(store *database.Store, runner *dispatch.Runner, supervisor *connection.Supervisor, projects *protocol.ProjectLister) *PipelineService {
	return &PipelineService{store: store, runner: runner, supervisor: supervisor, projects: projects}
}

func (s *PipelineService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/status", RestHandler(s.GetStatus))
	r.Get("/results", RestHandler(s.ListResults))
	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/start", RestHandler(s.StartPipeline))
		r.Post("/stop", RestHandler(s.StopPipeline))
	})
	r.Post("/counters/reset", RestHandler(s.ResetCounters))
	if s.projects != nil {
		r.Get("/projects", RestHandler(s.ListProjects))
	}
}

type StatusResponse struct {
	Runner     string              `json:"runner"`
	QueueLen   int                 `json:"queue_len"`
	Connection connection.Snapshot `json:"connection"`
}

func (s *PipelineService) GetStatus(r *http.Request) (any, error) {
	return StatusResponse{
		Runner:     s.runner.Status(),
		QueueLen:   s.runner.QueueLen(),
		Connection: s.supervisor.Snapshot(),
	}, nil
}

type ListResultsRequest struct {
	Status string `schema:"status"`
	OkNok  string `schema:"ok_nok"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

type ListResultsResponse struct {
	Total   int64                       `json:"total"`
	Results []database.InspectionResult `json:"results"`
}

func (s *PipelineService) ListResults(r *http.Request) (any, error) {
	req, err := ParseRequestQueryParams[ListResultsRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	ctx := r.Context()

	results, err := s.store.ListResults(ctx, database.ResultFilter{
		Status: req.Status,
		OkNok:  req.OkNok,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		slog.Error("error listing inspection results", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving inspection results")
	}

	total, err := s.store.CountResults(ctx)
	if err != nil {
		slog.Error("error counting inspection results", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving inspection results")
	}

	return ListResultsResponse{Total: total, Results: results}, nil
}

type PipelineStateResponse struct {
	Runner string `json:"runner"`
}

func (s *PipelineService) StartPipeline(r *http.Request) (any, error) {
	if !s.supervisor.Connect(r.Context()) {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "analyzer connection failed")
	}
	s.runner.Start()
	slog.Info("pipeline started via api")
	return PipelineStateResponse{Runner: s.runner.Status()}, nil
}

func (s *PipelineService) StopPipeline(r *http.Request) (any, error) {
	s.runner.Stop()
	s.supervisor.Disconnect(r.Context())
	slog.Info("pipeline stopped via api")
	return PipelineStateResponse{Runner: s.runner.Status()}, nil
}

func (s *PipelineService) ResetCounters(r *http.Request) (any, error) {
	s.supervisor.ResetCounters()
	return nil, nil
}

type ListProjectsResponse struct {
	Projects []map[string]any `json:"projects"`
}

func (s *PipelineService) ListProjects(r *http.Request) (any, error) {
	projects, err := s.projects.ListProjects(r.Context())
	if err != nil {
		slog.Error("error listing analyzer projects", "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "error retrieving project list")
	}
	return ListProjectsResponse{Projects: projects}, nil
}
