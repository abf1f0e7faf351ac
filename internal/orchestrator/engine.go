// Package orchestrator drives the propose/plan/execute/validate loop over a
// user question and hands accumulated work to the aggregator. One query is
// one strictly sequential pass; nothing in the loop runs concurrently.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/agents"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
	"github.com/marq-ai/marq/internal/streaming"
	"github.com/marq-ai/marq/internal/tracing"
)

const apologyText = "Sorry, something went wrong while answering your question. Please try again or rephrase it."

// Gate is the receptionist surface.
type Gate interface {
	Receive(ctx context.Context, question string, history []models.Message) (agents.Reception, error)
}

// Proposer proposes the next atomic sub-task.
type Proposer interface {
	Propose(ctx context.Context, question, completedSummary string) (models.SubTask, error)
}

// Planner resolves a sub-task into an intent and action.
type Planner interface {
	Plan(ctx context.Context, task models.SubTask, priorContext string) (models.Plan, error)
}

// PlanExecutor dispatches a plan to its resolver.
type PlanExecutor interface {
	Execute(ctx context.Context, plan models.Plan) models.ExecutionResult
}

// ResultValidator scores a result against the sub-task's intent.
type ResultValidator interface {
	Validate(ctx context.Context, question string, task models.SubTask, plan models.Plan, result models.ExecutionResult, priorContext string) (models.ValidatorOpinion, error)
}

// AnswerAggregator fuses completed work into the final answer.
type AnswerAggregator interface {
	Aggregate(ctx context.Context, question string, tasks []models.CompletedTask, results []models.CompletedResult) (models.AnswerPacket, error)
}

// Engine wires the gate, the four loop agents and the aggregator together
// and owns the only mutable state of a query: the completed-task snapshot.
type Engine struct {
	gate       Gate
	proposer   Proposer
	planner    Planner
	executor   PlanExecutor
	validator  ResultValidator
	aggregator AnswerAggregator
	budgets    Budgets
	events     *streaming.Manager
	logger     *zap.Logger
}

func NewEngine(gate Gate, proposer Proposer, planner Planner, executor PlanExecutor, validator ResultValidator, aggregator AnswerAggregator, budgets Budgets, events *streaming.Manager, logger *zap.Logger) *Engine {
	if budgets.MaxTryTimes <= 0 {
		budgets.MaxTryTimes = 8
	}
	if budgets.MaxTaskTries <= 0 {
		budgets.MaxTaskTries = 3
	}
	if budgets.Threshold <= 0 {
		budgets.Threshold = 0.8
	}
	return &Engine{
		gate:       gate,
		proposer:   proposer,
		planner:    planner,
		executor:   executor,
		validator:  validator,
		aggregator: aggregator,
		budgets:    budgets,
		events:     events,
		logger:     logger,
	}
}

// HandleUserQuery answers one question end to end. It never returns an
// error to the caller: every failure path yields an apologetic
// AnswerPacket with confidence 0. The returned query ID keys the progress
// event stream.
func (e *Engine) HandleUserQuery(ctx context.Context, queryID, question string, history []models.Message) (string, models.AnswerPacket) {
	if queryID == "" {
		queryID = uuid.New().String()
	}
	start := time.Now()
	metrics.QueriesStarted.Inc()
	ctx, span := tracing.StartSpan(ctx, "orchestrator.handle_user_query")
	defer span.End()

	logger := e.logger.With(zap.String("query_id", queryID))
	logger.Info("Query received", zap.String("question", question))
	e.publish(queryID, streaming.Event{Type: streaming.EventQueryStarted, Message: question})

	reception, err := e.gate.Receive(ctx, question, history)
	if err != nil {
		logger.Error("Reception failed", zap.Error(err))
		return queryID, e.finish(queryID, "aborted", start, apology(apologyText))
	}
	if reception.NextStep == agents.NextStepFollowUp {
		logger.Info("Question needs clarification")
		e.publish(queryID, streaming.Event{Type: streaming.EventFollowUp, Message: reception.Content})
		return queryID, e.finish(queryID, "clarification", start, apology(reception.Content))
	}
	question = reception.Content

	state, packet, aborted := e.runLoop(ctx, queryID, question, logger)
	if aborted {
		return queryID, e.finish(queryID, "aborted", start, packet)
	}

	metrics.LoopIterations.Observe(float64(len(state.Completed)))

	switch state.Terminal {
	case TerminalAggregated:
		answer, err := e.aggregator.Aggregate(ctx, question, state.Completed, state.Results)
		if err != nil {
			logger.Error("Aggregation failed", zap.Error(err))
			return queryID, e.finish(queryID, "aborted", start, apology(apologyText))
		}
		return queryID, e.finish(queryID, "answered", start, answer)
	default:
		// Budget ran out or the proposer had nothing left. Aggregate what
		// was gathered, or apologize if nothing was.
		if countEvidence(state.Completed) == 0 {
			logger.Warn("Loop ended with no completed work", zap.Int("terminal", int(state.Terminal)))
			return queryID, e.finish(queryID, "exhausted", start,
				apology("Sorry, I couldn't gather enough evidence to answer that. Could you refine the question?"))
		}
		logger.Warn("Loop ended before aggregation, answering from partial results",
			zap.Int("completed", len(state.Completed)))
		answer, err := e.aggregator.Aggregate(ctx, question, state.Completed, state.Results)
		if err != nil {
			logger.Error("Aggregation of partial results failed", zap.Error(err))
			return queryID, e.finish(queryID, "aborted", start, apology(apologyText))
		}
		return queryID, e.finish(queryID, "exhausted", start, answer)
	}
}

// runLoop drives the state machine until a terminal snapshot or an abort.
func (e *Engine) runLoop(ctx context.Context, queryID, question string, logger *zap.Logger) (State, models.AnswerPacket, bool) {
	state := NewState()

	for !state.Done() {
		if err := ctx.Err(); err != nil {
			logger.Warn("Query context cancelled", zap.Error(err))
			return state, apology(apologyText), true
		}

		sctx, span := tracing.StartStageSpan(ctx, "iteration", state.Outer)
		summary := agents.CompletedSummary(state.Completed, state.Results)

		task, err := e.proposer.Propose(sctx, question, summary)
		if err != nil {
			span.End()
			logger.Error("Proposer hard failure", zap.Error(err))
			return state, apology(apologyText), true
		}
		if task.IsZero() {
			span.End()
			state = state.WithNoNextTask()
			continue
		}
		e.publish(queryID, streaming.Event{
			Type: streaming.EventTaskProposed, Message: task.Description,
			Outer: state.Outer, Attempt: state.Attempt,
		})

		if state.HasDuplicate(task.Description) {
			span.End()
			logger.Warn("Duplicate sub-task proposed, retrying", zap.String("description", task.Description))
			state = e.retry(queryID, state, "duplicate of a completed task")
			continue
		}

		plan, err := e.planner.Plan(sctx, task, summary)
		if err != nil {
			span.End()
			logger.Error("Planner hard failure", zap.Error(err))
			return state, apology(apologyText), true
		}
		e.publish(queryID, streaming.Event{
			Type: streaming.EventTaskPlanned, Intent: plan.Intent.String(),
			Message: plan.Action, Outer: state.Outer, Attempt: state.Attempt,
		})

		result := e.executor.Execute(sctx, plan)
		if result.Failed() {
			span.End()
			logger.Error("Execution hard failure",
				zap.String("intent", plan.Intent.String()),
				zap.String("error", result.Error),
			)
			return state, apology(apologyText), true
		}
		e.publish(queryID, streaming.Event{
			Type: streaming.EventTaskExecuted, Intent: plan.Intent.String(),
			Outer: state.Outer, Attempt: state.Attempt,
		})

		opinion, err := e.validator.Validate(sctx, question, task, plan, result, summary)
		span.End()
		if err != nil {
			logger.Error("Validator hard failure", zap.Error(err))
			return state, apology(apologyText), true
		}
		e.publish(queryID, streaming.Event{
			Type: streaming.EventTaskValidated, Confidence: opinion.Confidence,
			Message: opinion.Rationale, Outer: state.Outer, Attempt: state.Attempt,
		})

		if !e.budgets.Accepts(plan.Intent, opinion) {
			logger.Info("Sub-task below confidence gate",
				zap.Float64("confidence", opinion.Confidence),
				zap.Int("attempt", state.Attempt),
			)
			state = e.retry(queryID, state, opinion.Rationale)
			continue
		}

		state = state.WithAccepted(e.budgets,
			models.CompletedTask{
				Description:   task.Description,
				Intent:        plan.Intent,
				Justification: task.Justification,
				Action:        plan.Action,
			},
			models.CompletedResult{
				Result:     result.Content,
				Reference:  result.Reference,
				Confidence: opinion.Confidence,
			},
		)
		metrics.TasksAccepted.WithLabelValues(plan.Intent.String()).Inc()
		logger.Info("Sub-task accepted",
			zap.String("description", task.Description),
			zap.String("intent", plan.Intent.String()),
			zap.Float64("confidence", opinion.Confidence),
		)
		e.publish(queryID, streaming.Event{
			Type: streaming.EventTaskAccepted, Intent: plan.Intent.String(),
			Message: task.Description, Confidence: opinion.Confidence,
			Outer: state.Outer - 1,
		})
	}

	return state, models.AnswerPacket{}, false
}

func (e *Engine) retry(queryID string, state State, why string) State {
	metrics.TaskRetries.Inc()
	next := state.WithRetry(e.budgets)
	if next.Terminal == TerminalExhausted {
		metrics.TasksDropped.Inc()
	}
	e.publish(queryID, streaming.Event{
		Type: streaming.EventTaskRetried, Message: why,
		Outer: state.Outer, Attempt: state.Attempt,
	})
	return next
}

func (e *Engine) finish(queryID, outcome string, start time.Time, packet models.AnswerPacket) models.AnswerPacket {
	metrics.RecordQuery(outcome, time.Since(start).Seconds(), packet.Confidence)
	evType := streaming.EventAnswerReady
	if outcome == "aborted" {
		evType = streaming.EventQueryFailed
	}
	e.publish(queryID, streaming.Event{
		Type: evType, Message: packet.Text, Confidence: packet.Confidence,
	})
	return packet
}

func (e *Engine) publish(queryID string, ev streaming.Event) {
	if e.events != nil {
		e.events.Publish(queryID, ev)
	}
}

// countEvidence counts completed tasks that actually carry evidence.
func countEvidence(tasks []models.CompletedTask) int {
	n := 0
	for _, t := range tasks {
		if t.Intent != models.IntentAggregation {
			n++
		}
	}
	return n
}

func apology(text string) models.AnswerPacket {
	return models.AnswerPacket{
		Text:       text,
		Citations:  []models.Citation{},
		Confidence: 0.0,
	}
}
