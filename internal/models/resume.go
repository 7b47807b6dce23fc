package models

import "time"

// JobCompletion is the worker-completion trigger consumed by the barrier:
// a worker (local or external) reporting its outcome for one job.
type JobCompletion struct {
	WorkerID string `json:"worker_id,omitempty"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ResumeOutcome is what the supervisor-resume capability returns: either
// the run is finished with a final output, or another round of parallel
// jobs to register against the same barrier.
type ResumeOutcome struct {
	Finished  bool
	Output    string
	SpawnJobs []JobSpec
	// Deadline for the new round; zero value means the service default.
	Deadline time.Time
}
