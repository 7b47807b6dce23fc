// -----------------------------------------------------------------------
// Dispatcher - Worker pool executing queued jobs
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 500 * time.Millisecond
)

// Executor runs one claimed worker job and returns its result text. The
// emitter is bound to the job, so anything the executor emits lands in the
// owning run's ledger stamped with the job's source.
type Executor interface {
	Execute(ctx context.Context, job *models.WorkerJob, emitter *ledger.Emitter) (string, error)
}

// Dispatcher consumes queued worker jobs on a fixed pool of workers. Jobs
// are picked up by polling plus a nudge whenever a barrier round makes new
// jobs visible. External jobs are never claimed; they report back through
// the worker-completion trigger instead.
type Dispatcher struct {
	jobs     interfaces.JobStorage
	barriers interfaces.BarrierService
	ledger   interfaces.LedgerService
	bus      interfaces.EventService
	logger   arbor.ILogger

	executors map[string]Executor

	concurrency  int
	pollInterval time.Duration
	debug        bool

	nudge  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Executors are registered separately
// so callers control which job types this process serves.
func NewDispatcher(jobs interfaces.JobStorage, barriers interfaces.BarrierService, ledgerSvc interfaces.LedgerService, bus interfaces.EventService, config *common.WorkersConfig, logger arbor.ILogger) *Dispatcher {
	concurrency := defaultConcurrency
	pollInterval := defaultPollInterval
	debug := false
	if config != nil {
		if config.Concurrency > 0 {
			concurrency = config.Concurrency
		}
		if config.PollInterval != "" {
			if d, err := time.ParseDuration(config.PollInterval); err == nil && d > 0 {
				pollInterval = d
			}
		}
		debug = config.Debug
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		jobs:         jobs,
		barriers:     barriers,
		ledger:       ledgerSvc,
		bus:          bus,
		logger:       logger,
		executors:    make(map[string]Executor),
		concurrency:  concurrency,
		pollInterval: pollInterval,
		debug:        debug,
		nudge:        make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterExecutor registers an executor for a job type. Must be called
// before Start.
func (d *Dispatcher) RegisterExecutor(jobType string, executor Executor) {
	d.executors[jobType] = executor
	d.logger.Debug().Str("job_type", jobType).Msg("Executor registered")
}

// Start launches the worker pool and hooks the job-queued nudge
func (d *Dispatcher) Start() {
	if d.bus != nil {
		if err := d.bus.Subscribe(interfaces.EventJobQueued, d.onJobQueued); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to subscribe dispatcher to job-queued events")
		}
	}

	for i := 1; i <= d.concurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info().
		Int("workers", d.concurrency).
		Str("poll_interval", d.pollInterval.String()).
		Msg("Dispatch pool started")
}

// Stop signals all workers and waits for in-flight jobs to finish
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	if d.bus != nil {
		if err := d.bus.Unsubscribe(interfaces.EventJobQueued, d.onJobQueued); err != nil {
			d.logger.Debug().Err(err).Msg("Dispatcher job-queued unsubscribe failed")
		}
	}

	d.logger.Info().Msg("Dispatch pool stopped")
}

// onJobQueued wakes a worker without waiting for the next poll tick. The
// channel holds one pending nudge; the drain loop picks up everything
// visible, so coalesced nudges are not lost work.
func (d *Dispatcher) onJobQueued(ctx context.Context, event interfaces.Event) error {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	workerID := fmt.Sprintf("worker-%d", id)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Debug().Str("worker_id", workerID).Msg("Worker started")

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug().Str("worker_id", workerID).Msg("Worker stopped")
			return
		case <-d.nudge:
			d.drain(workerID)
		case <-ticker.C:
			d.drain(workerID)
		}
	}
}

// drain claims and executes jobs until the queue is empty
func (d *Dispatcher) drain(workerID string) {
	for d.ctx.Err() == nil {
		if !d.processNext(workerID) {
			return
		}
	}
}

// processNext claims one queued job and executes it. Returns false when
// nothing is left to look at.
func (d *Dispatcher) processNext(workerID string) bool {
	queued, err := d.jobs.GetQueuedJobs(d.ctx, 1)
	if err != nil {
		d.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to poll for queued jobs")
		return false
	}
	if len(queued) == 0 {
		return false
	}

	job, err := d.jobs.ClaimJob(d.ctx, queued[0].ID, workerID)
	if models.IsNotFound(err) {
		// Another worker claimed it between the poll and the claim
		return true
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("worker_id", workerID).Str("job_id", queued[0].ID).Msg("Failed to claim job")
		return false
	}

	d.execute(job, workerID)
	return true
}

// execute runs one claimed job end to end: started event, executor call,
// terminal status write, then the barrier completion check. The completion
// check may resume the run's supervisor on this goroutine.
func (d *Dispatcher) execute(job *models.WorkerJob, workerID string) {
	started := time.Now()
	emitter := ledger.NewWorkerEmitter(d.ledger, job.RunID, job.ID)

	d.emit(emitter, models.EventJobStarted, map[string]interface{}{
		"job_id":    job.ID,
		"type":      job.Type,
		"name":      job.Name,
		"worker_id": workerID,
	})
	d.publishJobStatus(job)

	d.logger.Info().
		Str("worker_id", workerID).
		Str("job_id", job.ID).
		Str("run_id", job.RunID).
		Str("type", job.Type).
		Msg("Executing job")

	result, err := d.runExecutor(job, emitter)

	completion := models.JobCompletion{WorkerID: workerID, Status: string(models.JobStatusCompleted), Result: result}
	if err != nil {
		job.MarkFailed(err.Error())
		completion.Status = string(models.JobStatusFailed)
		completion.Result = ""
		completion.Error = err.Error()

		d.logger.Warn().
			Err(err).
			Str("worker_id", workerID).
			Str("job_id", job.ID).
			Msg("Job failed")
	} else {
		job.MarkCompleted(result)
	}

	if updateErr := d.jobs.UpdateJob(d.ctx, job); updateErr != nil {
		d.logger.Error().Err(updateErr).Str("job_id", job.ID).Msg("Failed to persist job outcome")
	}
	d.publishJobStatus(job)

	if d.debug {
		d.logger.Debug().
			Str("worker_id", workerID).
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("Job finished")
	}

	outcome, checkErr := d.barriers.CheckAndResumeIfComplete(d.ctx, job.RunID, job.ID, completion)
	if checkErr != nil {
		// A resume failure has already marked the run and barrier failed;
		// nothing is retried from here.
		d.logger.Error().
			Err(checkErr).
			Str("job_id", job.ID).
			Str("run_id", job.RunID).
			Msg("Barrier completion check failed")
		return
	}

	d.logger.Debug().
		Str("job_id", job.ID).
		Str("run_id", job.RunID).
		Str("outcome", string(outcome)).
		Msg("Job completion counted")
}

func (d *Dispatcher) runExecutor(job *models.WorkerJob, emitter *ledger.Emitter) (string, error) {
	executor, ok := d.executors[job.Type]
	if !ok {
		return "", fmt.Errorf("no executor registered for job type %q", job.Type)
	}
	return executor.Execute(d.ctx, job, emitter)
}

func (d *Dispatcher) emit(emitter *ledger.Emitter, eventType string, fields map[string]interface{}) {
	if _, err := emitter.Emit(d.ctx, eventType, fields); err != nil {
		d.logger.Warn().
			Err(err).
			Str("run_id", emitter.RunID()).
			Str("event_type", eventType).
			Msg("Failed to append job event")
	}
}

func (d *Dispatcher) publishJobStatus(job *models.WorkerJob) {
	if d.bus == nil {
		return
	}
	err := d.bus.Publish(d.ctx, interfaces.Event{
		Type: interfaces.EventJobStatusChanged,
		Payload: map[string]interface{}{
			"job_id": job.ID,
			"run_id": job.RunID,
			"status": string(job.Status),
		},
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job status")
	}
}
