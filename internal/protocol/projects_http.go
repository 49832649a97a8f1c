package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProjectLister queries the process manager's HTTP inventory endpoint.
type ProjectLister struct {
	client *resty.Client
}

func NewProjectLister(baseURL string) *ProjectLister {
	return &ProjectLister{
		client: resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")),
	}
}

// ListProjects returns the manager's project inventory. The endpoint
// answers either a bare array or an object with a "projects" key.
func (l *ProjectLister) ListProjects(ctx context.Context) ([]map[string]any, error) {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := l.client.R().SetContext(listCtx).Get("/projects/list")
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("project listing returned status %d: %s", res.StatusCode(), res.String())
	}

	body := res.Body()

	var projects []map[string]any
	if err := json.Unmarshal(body, &projects); err == nil {
		return projects, nil
	}

	var wrapped struct {
		Projects []map[string]any `json:"projects"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing project listing: %w", err)
	}
	return wrapped.Projects, nil
}
