// -----------------------------------------------------------------------
// Supervisor Service - Runs supervisor steps: finish, fan out, or defer
// -----------------------------------------------------------------------

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
)

const defaultMaxRounds = 8

// Service drives supervisor runs. Each step sends the thread history to
// the configured LLM provider, streams the reply into the run's ledger,
// and acts on the parsed directive: finish the run, register a round of
// parallel worker jobs, or defer the run for an external trigger.
//
// The barrier invokes Resume when a round resolves, so this service and
// the barrier reference each other; the cycle is broken by injecting the
// supervisor into the barrier after construction.
type Service struct {
	runs         interfaces.RunStorage
	barrierStore interfaces.BarrierStorage
	messages     interfaces.MessageStorage
	barriers     interfaces.BarrierService
	ledger       interfaces.LedgerService
	bus          interfaces.EventService
	provider     interfaces.LLMProvider
	profiles     *ProfileStore
	logger       arbor.ILogger

	maxRounds int
}

var _ interfaces.SupervisorService = (*Service)(nil)

// stepResult is what one executed step decided
type stepResult struct {
	finished bool
	output   string
	spawned  []models.JobSpec
	deadline time.Time
}

// NewService creates a supervisor service
func NewService(
	runs interfaces.RunStorage,
	barrierStore interfaces.BarrierStorage,
	messages interfaces.MessageStorage,
	barriers interfaces.BarrierService,
	ledgerSvc interfaces.LedgerService,
	bus interfaces.EventService,
	provider interfaces.LLMProvider,
	profiles *ProfileStore,
	config *common.SupervisorConfig,
	logger arbor.ILogger,
) *Service {
	maxRounds := defaultMaxRounds
	if config != nil && config.MaxRounds > 0 {
		maxRounds = config.MaxRounds
	}

	return &Service{
		runs:         runs,
		barrierStore: barrierStore,
		messages:     messages,
		barriers:     barriers,
		ledger:       ledgerSvc,
		bus:          bus,
		provider:     provider,
		profiles:     profiles,
		logger:       logger,
		maxRounds:    maxRounds,
	}
}

// StartRun creates a run for the request and executes its first step in
// the background. The returned run is already persisted, so callers can
// hand its id to a stream subscriber before any step event exists.
func (s *Service) StartRun(ctx context.Context, req *interfaces.StartRunRequest) (*models.Run, error) {
	if req == nil || req.Task == "" {
		return nil, &models.ValidationError{Message: "task is required"}
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = models.NewThreadID()
	}

	run := models.NewRun(threadID, req.Task)
	run.Model = req.Model
	run.Profile = req.Profile

	if err := s.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	userMsg := models.NewMessage(threadID, run.ID, models.MessageRoleUser, req.Task)
	if err := s.messages.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save task message: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("thread_id", threadID).
		Str("profile", run.Profile).
		Msg("Run created")

	common.SafeGo(s.logger, "supervisorFirstStep", func() {
		if err := s.ExecuteRun(context.Background(), run); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("First supervisor step failed")
		}
	})

	return run, nil
}

// ExecuteRun executes the first step of an already-created run.
// Continuation runs re-enter the supervisor here. A step error marks the
// run failed before returning.
func (s *Service) ExecuteRun(ctx context.Context, run *models.Run) error {
	profile := s.profiles.Get(run.Profile)
	emitter := ledger.NewSupervisorEmitter(s.ledger, run.ID)

	startPayload := map[string]interface{}{
		"task":    run.Task,
		"model":   run.Model,
		"profile": profile.Name,
	}
	if run.ContinuationOfRunID != "" {
		startPayload["continuation_of_run_id"] = run.ContinuationOfRunID
	}
	s.emit(ctx, emitter, models.EventRunStarted, startPayload)
	s.publishStatus(ctx, run.ID, models.RunStatusRunning)

	result, err := s.step(ctx, run, profile, emitter)
	if err != nil {
		s.failRun(ctx, run, emitter, err)
		return err
	}

	s.logStepOutcome(run, result)
	return nil
}

// Resume is the supervisor-resume capability the barrier invokes when a
// round resolves. The round's results land in the thread as tool messages
// first, then the next step runs. A step error propagates to the barrier,
// which marks the barrier and the run failed.
func (s *Service) Resume(ctx context.Context, run *models.Run, results []models.JobResult) (*models.ResumeOutcome, error) {
	profile := s.profiles.Get(run.Profile)
	emitter := ledger.NewSupervisorEmitter(s.ledger, run.ID)

	for _, res := range results {
		msg := models.NewToolResultMessage(run.ThreadID, run.ID, res.ToolCallID, res.Result)
		if err := s.messages.SaveMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to save tool result for job %s: %w", res.JobID, err)
		}
		if _, err := emitter.EmitToolResult(ctx, res.ToolCallID, res.Result); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Str("job_id", res.JobID).Msg("Failed to append tool result event")
		}
	}

	run.MarkResumed()
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to mark run resumed: %w", err)
	}
	s.emit(ctx, emitter, models.EventRunResumed, map[string]interface{}{
		"results": len(results),
	})
	s.publishStatus(ctx, run.ID, models.RunStatusRunning)

	result, err := s.step(ctx, run, profile, emitter)
	if err != nil {
		return nil, err
	}

	s.logStepOutcome(run, result)
	return &models.ResumeOutcome{
		Finished:  result.finished,
		Output:    result.output,
		SpawnJobs: result.spawned,
		Deadline:  result.deadline,
	}, nil
}

// step executes one supervisor step: thread history in, streamed reply
// out, directive applied. The terminal run event, when there is one, is
// the last ledger append of the step.
func (s *Service) step(ctx context.Context, run *models.Run, profile *Profile, emitter *ledger.Emitter) (*stepResult, error) {
	stepNum := s.nextStepNumber(ctx, run.ID)

	model := run.Model
	if model == "" {
		model = profile.Model
	}

	s.emit(ctx, emitter, models.EventStepStarted, map[string]interface{}{
		"step":    stepNum,
		"model":   model,
		"profile": profile.Name,
	})

	history, err := s.messages.GetMessagesByThread(ctx, run.ThreadID)
	if err != nil {
		return nil, s.stepError(ctx, emitter, fmt.Errorf("failed to load thread history: %w", err))
	}

	request := &interfaces.ContentRequest{
		Messages:          buildMessages(history),
		Model:             model,
		Temperature:       profile.Temperature,
		MaxTokens:         profile.MaxTokens,
		SystemInstruction: profile.System,
		ThinkingLevel:     profile.ThinkingLevel,
		OutputSchema:      profile.OutputSchema,
	}

	response, err := s.provider.GenerateContentStream(ctx, request, func(text string) error {
		// A failed token append must not abort the stream; the full
		// response is persisted below either way
		if _, emitErr := emitter.EmitTokenDelta(ctx, text); emitErr != nil {
			s.logger.Debug().Err(emitErr).Str("run_id", run.ID).Msg("Token delta append failed")
		}
		return nil
	})
	if err != nil {
		return nil, s.stepError(ctx, emitter, fmt.Errorf("supervisor step %d failed: %w", stepNum, err))
	}

	assistantMsg := models.NewMessage(run.ThreadID, run.ID, models.MessageRoleAssistant, response.Text)
	if err := s.messages.SaveMessage(ctx, assistantMsg); err != nil {
		return nil, s.stepError(ctx, emitter, fmt.Errorf("failed to save step response: %w", err))
	}

	s.emit(ctx, emitter, models.EventStepCompleted, map[string]interface{}{
		"step":     stepNum,
		"provider": response.Provider,
		"model":    response.Model,
	})

	directive, err := ParseDirective(response.Text)
	if err != nil {
		return nil, s.stepError(ctx, emitter, fmt.Errorf("supervisor step %d produced an invalid directive: %w", stepNum, err))
	}

	switch directive.Action {
	case ActionFinish:
		return s.finishRun(ctx, run, emitter, directive.Output)
	case ActionSpawn:
		return s.spawnRound(ctx, run, profile, emitter, directive, false)
	case ActionDefer:
		return s.spawnRound(ctx, run, profile, emitter, directive, true)
	default:
		return nil, s.stepError(ctx, emitter, fmt.Errorf("supervisor step %d produced unsupported action %q", stepNum, directive.Action))
	}
}

// finishRun marks the run successful. The run.completed event is the last
// append so the stream closes only after everything else is visible.
func (s *Service) finishRun(ctx context.Context, run *models.Run, emitter *ledger.Emitter, output string) (*stepResult, error) {
	run.MarkCompleted(output)
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to mark run completed: %w", err)
	}

	s.emit(ctx, emitter, models.EventRunCompleted, map[string]interface{}{
		"output": output,
	})
	s.publishStatus(ctx, run.ID, models.RunStatusSuccess)

	return &stepResult{finished: true, output: output}, nil
}

// spawnRound registers the directive's jobs as the run's next barrier
// round. The run's status flips before the round registers: jobs become
// dispatchable only at the end of registration, and a round that resolves
// instantly must already observe a waiting run.
func (s *Service) spawnRound(ctx context.Context, run *models.Run, profile *Profile, emitter *ledger.Emitter, directive *Directive, deferred bool) (*stepResult, error) {
	if err := s.checkRoundLimit(ctx, run, profile); err != nil {
		return nil, s.stepError(ctx, emitter, err)
	}

	specs := directive.JobSpecs()
	deadline := s.roundDeadline(profile, directive)

	if deferred {
		run.MarkDeferred()
	} else {
		run.MarkWaiting()
	}
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}

	if deferred {
		s.emit(ctx, emitter, models.EventRunDeferred, map[string]interface{}{
			"jobs":   len(specs),
			"reason": directive.Reason,
		})
		s.publishStatus(ctx, run.ID, models.RunStatusDeferred)
	} else {
		s.emit(ctx, emitter, models.EventRunWaiting, map[string]interface{}{
			"jobs": len(specs),
		})
		s.publishStatus(ctx, run.ID, models.RunStatusWaiting)
	}

	if _, err := s.barriers.RegisterRound(ctx, run, specs, deadline); err != nil {
		return nil, fmt.Errorf("failed to register worker round: %w", err)
	}

	return &stepResult{spawned: specs, deadline: deadline}, nil
}

// checkRoundLimit stops a run from spawning past the configured maximum
// number of barrier rounds
func (s *Service) checkRoundLimit(ctx context.Context, run *models.Run, profile *Profile) error {
	maxRounds := s.maxRounds
	if profile.MaxRounds > 0 {
		maxRounds = profile.MaxRounds
	}

	barrier, err := s.barrierStore.GetBarrierByRun(ctx, run.ID)
	if models.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check round count: %w", err)
	}
	if barrier.Round >= maxRounds {
		return fmt.Errorf("run reached the maximum of %d worker rounds", maxRounds)
	}
	return nil
}

// roundDeadline resolves the deadline for a new round: the directive's
// explicit seconds, then the profile's configured duration, then the zero
// time (the barrier applies its own default).
func (s *Service) roundDeadline(profile *Profile, directive *Directive) time.Time {
	if directive.DeadlineSeconds > 0 {
		return time.Now().Add(time.Duration(directive.DeadlineSeconds) * time.Second)
	}
	if profile.RoundDeadline != "" {
		if d, err := time.ParseDuration(profile.RoundDeadline); err == nil && d > 0 {
			return time.Now().Add(d)
		}
	}
	return time.Time{}
}

// failRun marks the run failed. Used on the first-step path; resumes
// report failures through the barrier instead.
func (s *Service) failRun(ctx context.Context, run *models.Run, emitter *ledger.Emitter, cause error) {
	s.logger.Error().Err(cause).Str("run_id", run.ID).Msg("Supervisor run failed")

	run.MarkFailed(cause.Error())
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run failed")
	}

	// Terminal event last: the stream closes on it
	s.emit(ctx, emitter, models.EventRunFailed, map[string]interface{}{
		"error": cause.Error(),
	})
	s.publishStatus(ctx, run.ID, models.RunStatusFailed)
}

// stepError records an error event before handing the error back
func (s *Service) stepError(ctx context.Context, emitter *ledger.Emitter, err error) error {
	if _, emitErr := emitter.EmitError(ctx, err.Error()); emitErr != nil {
		s.logger.Warn().Err(emitErr).Str("run_id", emitter.RunID()).Msg("Failed to append error event")
	}
	return err
}

// nextStepNumber numbers steps from the ledger so continuations and
// resumes keep counting where the run left off
func (s *Service) nextStepNumber(ctx context.Context, runID string) int {
	count, err := s.ledger.GetEventCount(ctx, runID, models.EventStepStarted)
	if err != nil {
		return 1
	}
	return count + 1
}

func (s *Service) logStepOutcome(run *models.Run, result *stepResult) {
	if result.finished {
		s.logger.Info().
			Str("run_id", run.ID).
			Msg("Run completed")
		return
	}
	s.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("jobs", len(result.spawned)).
		Msg("Run waiting on worker round")
}

// buildMessages converts thread history to provider messages in order
func buildMessages(history []*models.Message) []interfaces.Message {
	msgs := make([]interfaces.Message, 0, len(history))
	for _, m := range history {
		content := m.Content
		if m.Role == models.MessageRoleTool && m.ToolCallID != "" {
			content = fmt.Sprintf("[%s] %s", m.ToolCallID, m.Content)
		}
		msgs = append(msgs, interfaces.Message{Role: m.Role, Content: content})
	}
	return msgs
}

func (s *Service) emit(ctx context.Context, emitter *ledger.Emitter, eventType string, payload map[string]interface{}) {
	if _, err := emitter.Emit(ctx, eventType, payload); err != nil {
		s.logger.Warn().
			Err(err).
			Str("run_id", emitter.RunID()).
			Str("event_type", eventType).
			Msg("Failed to append run event")
	}
}

func (s *Service) publishStatus(ctx context.Context, runID string, status models.RunStatus) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, interfaces.Event{
		Type: interfaces.EventRunStatusChanged,
		Payload: map[string]interface{}{
			"run_id": runID,
			"status": string(status),
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to publish run status")
	}
}
