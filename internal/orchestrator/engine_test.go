package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/agents"
	"github.com/marq-ai/marq/internal/models"
	"github.com/marq-ai/marq/internal/streaming"
)

type scriptGate struct {
	rec agents.Reception
	err error
}

func (g *scriptGate) Receive(ctx context.Context, question string, history []models.Message) (agents.Reception, error) {
	return g.rec, g.err
}

func openGate(question string) *scriptGate {
	return &scriptGate{rec: agents.Reception{NextStep: agents.NextStepStartTask, Content: question}}
}

// scriptProposer replays a fixed task sequence, then the zero sentinel.
type scriptProposer struct {
	tasks []models.SubTask
	err   error
	calls int
}

func (p *scriptProposer) Propose(ctx context.Context, question, summary string) (models.SubTask, error) {
	if p.err != nil {
		return models.SubTask{}, p.err
	}
	i := p.calls
	p.calls++
	if i >= len(p.tasks) {
		return models.SubTask{}, nil
	}
	return p.tasks[i], nil
}

// repeatProposer proposes the same task forever.
type repeatProposer struct{ task models.SubTask }

func (p *repeatProposer) Propose(ctx context.Context, question, summary string) (models.SubTask, error) {
	return p.task, nil
}

type scriptPlanner struct {
	fn  func(task models.SubTask) models.Plan
	err error
}

func (p *scriptPlanner) Plan(ctx context.Context, task models.SubTask, priorContext string) (models.Plan, error) {
	if p.err != nil {
		return models.Plan{}, p.err
	}
	return p.fn(task), nil
}

type scriptExec struct {
	fn func(plan models.Plan) models.ExecutionResult
}

func (e *scriptExec) Execute(ctx context.Context, plan models.Plan) models.ExecutionResult {
	return e.fn(plan)
}

func echoExec() *scriptExec {
	return &scriptExec{fn: func(plan models.Plan) models.ExecutionResult {
		if plan.Intent == models.IntentAggregation {
			return models.ExecutionResult{Intent: models.IntentAggregation}
		}
		return models.ExecutionResult{
			Intent:    plan.Intent,
			Content:   "result of " + plan.Action,
			Reference: "URL_REF: https://example.com | SQL_REF: " + plan.Action,
		}
	}}
}

// scriptValidator replays a score sequence; the last score repeats.
type scriptValidator struct {
	scores []float64
	err    error
	calls  int
}

func (v *scriptValidator) Validate(ctx context.Context, question string, task models.SubTask, plan models.Plan, result models.ExecutionResult, priorContext string) (models.ValidatorOpinion, error) {
	if v.err != nil {
		return models.ValidatorOpinion{}, v.err
	}
	if plan.Intent == models.IntentAggregation {
		return models.ValidatorOpinion{Confidence: 1.0, Rationale: "aggregation"}, nil
	}
	i := v.calls
	v.calls++
	if i >= len(v.scores) {
		i = len(v.scores) - 1
	}
	return models.ValidatorOpinion{Confidence: v.scores[i], Rationale: fmt.Sprintf("scripted score %d", i)}, nil
}

type scriptAggregator struct {
	packet   models.AnswerPacket
	err      error
	gotTasks []models.CompletedTask
	calls    int
}

func (a *scriptAggregator) Aggregate(ctx context.Context, question string, tasks []models.CompletedTask, results []models.CompletedResult) (models.AnswerPacket, error) {
	a.calls++
	a.gotTasks = tasks
	return a.packet, a.err
}

func intentPlanner() *scriptPlanner {
	return &scriptPlanner{fn: func(task models.SubTask) models.Plan {
		switch {
		case task.Description == "AGGREGATION":
			return models.Plan{Intent: models.IntentAggregation}
		case task.Description == "calculate the growth rate":
			return models.Plan{Intent: models.IntentCalculation, Action: "(2500 - 2200) / 2200 * 100"}
		default:
			return models.Plan{Intent: models.IntentNumeric, Action: "SELECT for " + task.Description}
		}
	}}
}

func newTestEngine(gate Gate, p Proposer, v ResultValidator, agg AnswerAggregator) *Engine {
	return NewEngine(gate, p, intentPlanner(), echoExec(), v, agg,
		Budgets{MaxTryTimes: 8, MaxTaskTries: 3, Threshold: 0.8}, nil, zap.NewNop())
}

func TestHandleUserQueryHappyPath(t *testing.T) {
	proposer := &scriptProposer{tasks: []models.SubTask{
		{Description: "query credit adv for 2024 and 2025", Justification: "needed for the comparison"},
		{Description: "calculate the growth rate", Justification: "the question asks for the change"},
		{Description: "AGGREGATION"},
	}}
	validator := &scriptValidator{scores: []float64{0.95}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{
		Text:       "Credit ADV grew 13.6% YoY.",
		Citations:  []models.Citation{{Source: "report", Reference: "URL_REF: https://example.com"}},
		Confidence: 0.93,
	}}
	engine := newTestEngine(openGate("How did credit ADV change YoY?"), proposer, validator, aggregator)

	queryID, packet := engine.HandleUserQuery(context.Background(), "", "How did credit ADV change YoY?", nil)

	assert.NotEmpty(t, queryID)
	assert.Equal(t, "Credit ADV grew 13.6% YoY.", packet.Text)
	assert.InDelta(t, 0.93, packet.Confidence, 1e-9)
	assert.Equal(t, 1, aggregator.calls)

	require.Len(t, aggregator.gotTasks, 3)
	assert.Equal(t, models.IntentNumeric, aggregator.gotTasks[0].Intent)
	assert.Equal(t, models.IntentCalculation, aggregator.gotTasks[1].Intent)
	assert.Equal(t, models.IntentAggregation, aggregator.gotTasks[2].Intent)
}

func TestHandleUserQueryClarification(t *testing.T) {
	gate := &scriptGate{rec: agents.Reception{
		NextStep: agents.NextStepFollowUp,
		Content:  "Which product do you mean?",
	}}
	aggregator := &scriptAggregator{}
	engine := newTestEngine(gate, &scriptProposer{}, &scriptValidator{scores: []float64{1}}, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "How are things?", nil)

	assert.Equal(t, "Which product do you mean?", packet.Text)
	assert.Equal(t, 0.0, packet.Confidence)
	assert.Empty(t, packet.Citations)
	assert.Zero(t, aggregator.calls, "clarification never reaches the loop")
}

func TestHandleUserQueryGateFailure(t *testing.T) {
	gate := &scriptGate{err: errors.New("llm down")}
	engine := newTestEngine(gate, &scriptProposer{}, &scriptValidator{scores: []float64{1}}, &scriptAggregator{})

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)
	assert.Equal(t, 0.0, packet.Confidence)
	assert.NotEmpty(t, packet.Text)
}

func TestHandleUserQueryThirdAttemptClearsGate(t *testing.T) {
	proposer := &repeatProposerThenAggregate{task: models.SubTask{Description: "query rates adv"}}
	validator := &scriptValidator{scores: []float64{0.5, 0.6, 0.9}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{Text: "done", Confidence: 0.9}}
	engine := newTestEngine(openGate("q"), proposer, validator, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	assert.Equal(t, "done", packet.Text)
	require.Len(t, aggregator.gotTasks, 2)
	assert.Equal(t, "query rates adv", aggregator.gotTasks[0].Description)
	assert.Equal(t, 3, validator.calls, "two rejections then one acceptance")
}

// repeatProposerThenAggregate re-proposes its task until it is accepted,
// then proposes aggregation.
type repeatProposerThenAggregate struct{ task models.SubTask }

func (p *repeatProposerThenAggregate) Propose(ctx context.Context, question, summary string) (models.SubTask, error) {
	if strings.Contains(summary, p.task.Description) {
		return models.SubTask{Description: "AGGREGATION"}, nil
	}
	return p.task, nil
}

func TestHandleUserQueryInnerExhaustionNoEvidence(t *testing.T) {
	proposer := &repeatProposer{task: models.SubTask{Description: "query something"}}
	validator := &scriptValidator{scores: []float64{0.2}}
	aggregator := &scriptAggregator{}
	engine := newTestEngine(openGate("q"), proposer, validator, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	assert.Equal(t, 0.0, packet.Confidence)
	assert.Contains(t, packet.Text, "refine")
	assert.Zero(t, aggregator.calls)
	assert.Equal(t, 3, validator.calls, "inner budget bounds the attempts")
}

func TestHandleUserQueryExhaustionAggregatesPartials(t *testing.T) {
	proposer := &scriptProposer{tasks: []models.SubTask{
		{Description: "query credit adv"},
		{Description: "query rates adv"},
		{Description: "query rates adv"},
		{Description: "query rates adv"},
		{Description: "query rates adv"},
	}}
	// first task accepted, second stuck below the gate
	validator := &scriptValidator{scores: []float64{0.9, 0.3, 0.3, 0.3}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{Text: "partial answer", Confidence: 0.4}}
	engine := newTestEngine(openGate("q"), proposer, validator, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	assert.Equal(t, "partial answer", packet.Text)
	require.Len(t, aggregator.gotTasks, 1)
	assert.Equal(t, "query credit adv", aggregator.gotTasks[0].Description)
}

func TestHandleUserQueryNoNextTaskAggregatesPartials(t *testing.T) {
	proposer := &scriptProposer{tasks: []models.SubTask{
		{Description: "query credit adv"},
	}}
	validator := &scriptValidator{scores: []float64{0.9}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{Text: "from partials", Confidence: 0.5}}
	engine := newTestEngine(openGate("q"), proposer, validator, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	assert.Equal(t, "from partials", packet.Text)
	assert.Equal(t, 1, aggregator.calls)
}

func TestHandleUserQueryDuplicateProposalBurnsRetry(t *testing.T) {
	proposer := &repeatProposer{task: models.SubTask{Description: "query credit adv"}}
	validator := &scriptValidator{scores: []float64{0.9}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{Text: "partial", Confidence: 0.5}}
	engine := newTestEngine(openGate("q"), proposer, validator, aggregator)

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	// accepted once, then re-proposed until the inner budget dropped it
	assert.Equal(t, "partial", packet.Text)
	require.Len(t, aggregator.gotTasks, 1)
	assert.Equal(t, 1, validator.calls, "duplicates are rejected before execution")
}

func TestHandleUserQueryAbortsOnExecutionFailure(t *testing.T) {
	proposer := &scriptProposer{tasks: []models.SubTask{{Description: "query credit adv"}}}
	failing := &scriptExec{fn: func(plan models.Plan) models.ExecutionResult {
		return models.ExecutionResult{Intent: plan.Intent, Error: "warehouse query failed: connection refused"}
	}}
	aggregator := &scriptAggregator{}
	engine := NewEngine(openGate("q"), proposer, intentPlanner(), failing,
		&scriptValidator{scores: []float64{1}}, aggregator,
		Budgets{MaxTryTimes: 8, MaxTaskTries: 3, Threshold: 0.8}, nil, zap.NewNop())

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)

	assert.Equal(t, 0.0, packet.Confidence)
	assert.Zero(t, aggregator.calls, "hard failure aborts without aggregation")
}

func TestHandleUserQueryAbortsOnValidatorFailure(t *testing.T) {
	proposer := &scriptProposer{tasks: []models.SubTask{{Description: "query credit adv"}}}
	validator := &scriptValidator{err: errors.New("llm down")}
	engine := newTestEngine(openGate("q"), proposer, validator, &scriptAggregator{})

	_, packet := engine.HandleUserQuery(context.Background(), "q-1", "q", nil)
	assert.Equal(t, 0.0, packet.Confidence)
}

func TestHandleUserQueryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	proposer := &repeatProposer{task: models.SubTask{Description: "query"}}
	engine := newTestEngine(openGate("q"), proposer, &scriptValidator{scores: []float64{1}}, &scriptAggregator{})

	_, packet := engine.HandleUserQuery(ctx, "q-1", "q", nil)
	assert.Equal(t, 0.0, packet.Confidence)
}

func TestHandleUserQueryPublishesProgressEvents(t *testing.T) {
	events := streaming.NewManager(32)
	proposer := &scriptProposer{tasks: []models.SubTask{
		{Description: "query credit adv"},
		{Description: "AGGREGATION"},
	}}
	validator := &scriptValidator{scores: []float64{0.9}}
	aggregator := &scriptAggregator{packet: models.AnswerPacket{Text: "done", Confidence: 0.9}}
	engine := NewEngine(openGate("q"), proposer, intentPlanner(), echoExec(), validator, aggregator,
		Budgets{MaxTryTimes: 8, MaxTaskTries: 3, Threshold: 0.8}, events, zap.NewNop())

	queryID, _ := engine.HandleUserQuery(context.Background(), "q-events", "q", nil)

	replayed := events.ReplaySince(queryID, 0)
	types := make(map[string]int, len(replayed))
	for _, ev := range replayed {
		types[ev.Type]++
	}
	assert.Equal(t, "q-events", queryID)
	assert.Equal(t, 1, types[streaming.EventQueryStarted])
	assert.Equal(t, 2, types[streaming.EventTaskProposed])
	assert.Equal(t, 2, types[streaming.EventTaskAccepted])
	assert.Equal(t, 1, types[streaming.EventAnswerReady])
}
