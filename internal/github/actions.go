package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Run is a workflow run as returned by the Actions API.
type Run struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	Event      string    `json:"event"`
	CreatedAt  time.Time `json:"created_at"`
	HTMLURL    string    `json:"html_url"`
}

type runList struct {
	WorkflowRuns []Run `json:"workflow_runs"`
}

// Dispatch triggers a workflow_dispatch event. Success means the run was
// accepted, not that it finished.
func (c *Client) Dispatch(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	if inputs == nil {
		inputs = map[string]string{}
	}
	body := struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}{ref, inputs}
	p := c.repoPath("actions", "workflows", url.PathEscape(workflow), "dispatches")
	if err := c.do(ctx, http.MethodPost, p, nil, body, nil); err != nil {
		return fmt.Errorf("dispatch %s: %w", workflow, err)
	}
	return nil
}

// Runs returns the most recent runs of workflow, newest first.
func (c *Client) Runs(ctx context.Context, workflow string, perPage int) ([]Run, error) {
	q := url.Values{"per_page": {strconv.Itoa(perPage)}}
	p := c.repoPath("actions", "workflows", url.PathEscape(workflow), "runs")
	var l runList
	if err := c.do(ctx, http.MethodGet, p, q, nil, &l); err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", workflow, err)
	}
	if l.WorkflowRuns == nil {
		return []Run{}, nil
	}
	return l.WorkflowRuns, nil
}
