package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/models"
	api "github.com/ternarybob/converge/pkg/models"
)

// runClient talks to the run API of a live converge server
type runClient struct {
	baseURL string
	http    *http.Client
}

func newRunClient(baseURL string) *runClient {
	return &runClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// eventsPage mirrors the GET /api/runs/{id}/events response body
type eventsPage struct {
	RunID  string          `json:"run_id"`
	Events []*models.Event `json:"events"`
	Count  int             `json:"count"`
}

// GetRun fetches one run by id
func (c *runClient) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListEvents fetches a page of persisted run events
func (c *runClient) ListEvents(ctx context.Context, runID string, afterID uint64, limit int, includeTokens bool) (*eventsPage, error) {
	query := url.Values{}
	if afterID > 0 {
		query.Set("after_event_id", strconv.FormatUint(afterID, 10))
	}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("include_tokens", strconv.FormatBool(includeTokens))

	var page eventsPage
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(runID)+"/events", query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// TriggerContinuation posts a worker-complete trigger for a deferred run
func (c *runClient) TriggerContinuation(ctx context.Context, runID string, trigger *api.ContinuationTrigger) (*api.ContinuationResponse, error) {
	body, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/runs/"+url.PathEscape(runID)+"/continue", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp api.ContinuationResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *runClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *runClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("converge server unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, req.URL.Path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// handleGetRunStatus implements the get_run_status tool
func handleGetRunStatus(client *runClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Parse run_id parameter (required)
		runID, err := request.RequireString("run_id")
		if err != nil || runID == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: run_id parameter is required"),
				},
			}, nil
		}

		// Fetch the run
		run, err := client.GetRun(ctx, runID)
		if err != nil {
			logger.Error().Err(err).Str("run_id", runID).Msg("GetRun failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Run lookup error: %v", err)),
				},
			}, nil
		}

		// Format as markdown
		markdown := formatRunStatus(run)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// handleListRunEvents implements the list_run_events tool
func handleListRunEvents(client *runClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Parse run_id parameter (required)
		runID, err := request.RequireString("run_id")
		if err != nil || runID == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: run_id parameter is required"),
				},
			}, nil
		}

		// Parse after_event_id cursor (default: 0, from the start)
		afterID := request.GetInt("after_event_id", 0)
		if afterID < 0 {
			afterID = 0
		}

		// Parse limit (default: 100, max: 1000)
		limit := request.GetInt("limit", 100)
		if limit > 1000 {
			limit = 1000
		}

		includeTokens := request.GetBool("include_tokens", false)

		// Fetch the event page
		page, err := client.ListEvents(ctx, runID, uint64(afterID), limit, includeTokens)
		if err != nil {
			logger.Error().Err(err).Str("run_id", runID).Msg("ListEvents failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Event listing error: %v", err)),
				},
			}, nil
		}

		// Format as markdown
		markdown := formatRunEvents(page)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// handleTriggerContinuation implements the trigger_continuation tool
func handleTriggerContinuation(client *runClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Parse required parameters
		runID, err := request.RequireString("run_id")
		if err != nil || runID == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: run_id parameter is required"),
				},
			}, nil
		}
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: job_id parameter is required"),
				},
			}, nil
		}
		workerID, err := request.RequireString("worker_id")
		if err != nil || workerID == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: worker_id parameter is required"),
				},
			}, nil
		}
		status, err := request.RequireString("status")
		if err != nil || (status != "completed" && status != "failed") {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: status parameter must be completed or failed"),
				},
			}, nil
		}

		trigger := &api.ContinuationTrigger{
			Trigger:       api.TriggerWorkerComplete,
			JobID:         jobID,
			WorkerID:      workerID,
			Status:        status,
			ResultSummary: request.GetString("result_summary", ""),
		}

		// Post the trigger
		resp, err := client.TriggerContinuation(ctx, runID, trigger)
		if err != nil {
			logger.Error().Err(err).Str("run_id", runID).Str("job_id", jobID).Msg("TriggerContinuation failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Continuation error: %v", err)),
				},
			}, nil
		}

		// Format as markdown
		markdown := formatContinuationResult(resp)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// formatRunStatus formats a single run as markdown
func formatRunStatus(run *models.Run) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Run %s\n\n", run.ID))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("**Thread:** %s\n", run.ThreadID))
	if run.TraceID != "" {
		sb.WriteString(fmt.Sprintf("**Trace:** %s\n", run.TraceID))
	}
	if run.Model != "" {
		sb.WriteString(fmt.Sprintf("**Model:** %s\n", run.Model))
	}
	if run.Profile != "" {
		sb.WriteString(fmt.Sprintf("**Profile:** %s\n", run.Profile))
	}
	if run.ContinuationOfRunID != "" {
		sb.WriteString(fmt.Sprintf("**Continues:** %s\n", run.ContinuationOfRunID))
	}
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", run.CreatedAt.Format(time.RFC3339)))
	if run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("**Completed:** %s\n", run.CompletedAt.Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	// Task preview (first 300 chars)
	task := run.Task
	if len(task) > 300 {
		task = task[:300] + "..."
	}
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n")

	if run.Output != "" {
		sb.WriteString("\n## Output\n\n")
		sb.WriteString(run.Output)
		sb.WriteString("\n")
	}
	if run.Error != "" {
		sb.WriteString("\n## Error\n\n")
		sb.WriteString(run.Error)
		sb.WriteString("\n")
	}

	if run.Status == models.RunStatusDeferred {
		sb.WriteString("\nThis run is deferred: it is waiting on external workers and will resume via trigger_continuation.\n")
	}

	return sb.String()
}

// formatRunEvents formats an event page as markdown
func formatRunEvents(page *eventsPage) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Events for %s (%d events)\n\n", page.RunID, page.Count))

	if len(page.Events) == 0 {
		sb.WriteString("No events found.\n")
		return sb.String()
	}

	for _, event := range page.Events {
		sb.WriteString(fmt.Sprintf("%d. **%s** at %s\n", event.ID, event.Type, event.CreatedAt.Format(time.RFC3339)))

		// Payload preview (first 200 chars, compacted)
		if len(event.Payload) > 0 {
			var compact bytes.Buffer
			payload := string(event.Payload)
			if err := json.Compact(&compact, event.Payload); err == nil {
				payload = compact.String()
			}
			if len(payload) > 200 {
				payload = payload[:200] + "..."
			}
			sb.WriteString(fmt.Sprintf("   Payload: `%s`\n", payload))
		}
		sb.WriteString("\n")
	}

	last := page.Events[len(page.Events)-1]
	sb.WriteString(fmt.Sprintf("Use after_event_id=%d to page further.\n", last.ID))

	return sb.String()
}

// formatContinuationResult formats a continuation outcome as markdown
func formatContinuationResult(resp *api.ContinuationResponse) string {
	var sb strings.Builder
	sb.WriteString("## Continuation Trigger\n\n")
	sb.WriteString(fmt.Sprintf("**Original Run:** %s\n", resp.OriginalRunID))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", resp.Status))

	switch resp.Status {
	case api.ContinuationTriggered:
		sb.WriteString(fmt.Sprintf("**Continuation Run:** %s\n\n", resp.ContinuationRun))
		sb.WriteString(fmt.Sprintf("A continuation run was started. Follow it with get_run_status or list_run_events on %s.\n", resp.ContinuationRun))
	case api.ContinuationSkipped:
		sb.WriteString("\nThe trigger was recorded but no continuation was needed")
		if resp.Message != "" {
			sb.WriteString(": " + resp.Message)
		}
		sb.WriteString("\n")
	default:
		if resp.Message != "" {
			sb.WriteString(fmt.Sprintf("\n%s\n", resp.Message))
		}
	}

	return sb.String()
}
