package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createGetRunStatusTool returns the get_run_status tool definition
func createGetRunStatusTool() mcp.Tool {
	return mcp.NewTool("get_run_status",
		mcp.WithDescription("Get the current status of a converge run, including output or error once finished"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID (format: run_{uuid})"),
		),
	)
}

// createListRunEventsTool returns the list_run_events tool definition
func createListRunEventsTool() mcp.Tool {
	return mcp.NewTool("list_run_events",
		mcp.WithDescription("List ledger events for a run in sequence order (supervisor rounds, job lifecycle, barrier state)"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID (format: run_{uuid})"),
		),
		mcp.WithNumber("after_event_id",
			mcp.Description("Only return events with sequence greater than this (default: 0, from the start)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events to return (default: 100, max: 1000)"),
		),
		mcp.WithBoolean("include_tokens",
			mcp.Description("Include token_delta events in the listing (default: false)"),
		),
	)
}

// createTriggerContinuationTool returns the trigger_continuation tool definition
func createTriggerContinuationTool() mcp.Tool {
	return mcp.NewTool("trigger_continuation",
		mcp.WithDescription("Report an out-of-band worker completion and start a continuation run if the original run already finished"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Original run ID the worker belonged to"),
		),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID the worker was executing"),
		),
		mcp.WithString("worker_id",
			mcp.Required(),
			mcp.Description("Worker ID reporting completion"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("Terminal worker status: completed or failed"),
		),
		mcp.WithString("result_summary",
			mcp.Description("Short summary of the worker result, passed to the continuation task"),
		),
	)
}
