package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/calc"
	"github.com/marq-ai/marq/internal/models"
	"github.com/marq-ai/marq/internal/policy"
	"github.com/marq-ai/marq/internal/vectordb"
	"github.com/marq-ai/marq/internal/warehouse"
)

// ReferenceCalculated marks a value derived by arithmetic rather than
// sourced from the warehouse or the document index.
const ReferenceCalculated = "CALCULATED_FROM_TASKS"

// DataResolver runs structured queries against the activity warehouse.
type DataResolver interface {
	Query(ctx context.Context, query string) (*warehouse.Result, error)
	SourceURL() string
}

// SearchResolver runs semantic search over the press-release index.
type SearchResolver interface {
	Search(ctx context.Context, phrase string, topK int, filter map[string]interface{}) ([]vectordb.Hit, error)
}

// CalcFunc evaluates a restricted arithmetic expression.
type CalcFunc func(expression string) (float64, error)

// PolicyChecker guards generated warehouse statements.
type PolicyChecker interface {
	CheckAction(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Executor dispatches a plan to the matching resolver and normalizes the
// outcome into an ExecutionResult. Resolver errors and panics never escape;
// they are captured into the result's error field.
type Executor struct {
	data   DataResolver
	search SearchResolver
	eval   CalcFunc
	guard  PolicyChecker
	table  string
	logger *zap.Logger
}

func NewExecutor(data DataResolver, search SearchResolver, guard PolicyChecker, table string, logger *zap.Logger) *Executor {
	return &Executor{
		data:   data,
		search: search,
		eval:   calc.Evaluate,
		guard:  guard,
		table:  table,
		logger: logger,
	}
}

// Execute resolves one plan. A missing action for a non-aggregation intent
// short-circuits to an error result without touching any resolver.
func (e *Executor) Execute(ctx context.Context, plan models.Plan) (res models.ExecutionResult) {
	res = models.ExecutionResult{Intent: plan.Intent, RawAction: plan.Action}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Resolver panicked", zap.Any("panic", r), zap.String("intent", plan.Intent.String()))
			res = models.ExecutionResult{
				Intent:    plan.Intent,
				RawAction: plan.Action,
				Error:     fmt.Sprintf("resolver panic: %v", r),
			}
		}
	}()

	if plan.Intent != models.IntentAggregation && plan.Action == "" {
		res.Error = "missing action for intent " + plan.Intent.String()
		if plan.Note != "" {
			res.Error += ": " + plan.Note
		}
		return res
	}

	switch plan.Intent {
	case models.IntentNumeric:
		return e.executeNumeric(ctx, plan)
	case models.IntentSemantic:
		return e.executeSemantic(ctx, plan)
	case models.IntentCalculation:
		return e.executeCalculation(plan)
	case models.IntentAggregation:
		// Structural marker only; synthesis happens in the aggregator.
		return models.ExecutionResult{Intent: models.IntentAggregation}
	}
	res.Error = fmt.Sprintf("unknown intent %q", plan.Intent)
	return res
}

func (e *Executor) executeNumeric(ctx context.Context, plan models.Plan) models.ExecutionResult {
	res := models.ExecutionResult{Intent: plan.Intent, RawAction: plan.Action}

	if e.guard != nil {
		decision, err := e.guard.CheckAction(ctx, policy.Input{
			Query:  plan.Action,
			Intent: plan.Intent.String(),
			Table:  e.table,
		})
		if err != nil && !decision.Allow {
			res.Error = "policy check failed: " + err.Error()
			return res
		}
		if !decision.Allow {
			res.Error = "query denied by policy: " + decision.Reason
			return res
		}
	}

	rows, err := e.data.Query(ctx, plan.Action)
	if err != nil {
		res.Error = "warehouse query failed: " + err.Error()
		return res
	}
	res.Content = rows
	res.Reference = fmt.Sprintf("URL_REF: %s | SQL_REF: %s", e.data.SourceURL(), plan.Action)
	return res
}

func (e *Executor) executeSemantic(ctx context.Context, plan models.Plan) models.ExecutionResult {
	res := models.ExecutionResult{Intent: plan.Intent, RawAction: plan.Action}

	hits, err := e.search.Search(ctx, plan.Action, 0, nil)
	if err != nil {
		res.Error = "semantic search failed: " + err.Error()
		return res
	}
	if len(hits) == 0 {
		res.Error = "semantic search returned no hits"
		return res
	}
	top := hits[0]
	res.Content = top.Text
	res.Reference = fmt.Sprintf("URL_REF: %s | REPORT_NAME_REF: %s | TEXT_REF: %s", top.URL, top.ReportName, top.Text)
	return res
}

func (e *Executor) executeCalculation(plan models.Plan) models.ExecutionResult {
	res := models.ExecutionResult{Intent: plan.Intent, RawAction: plan.Action}

	value, err := e.eval(plan.Action)
	if err != nil {
		res.Error = "calculation failed: " + err.Error()
		return res
	}
	res.Content = value
	res.Reference = ReferenceCalculated
	return res
}
