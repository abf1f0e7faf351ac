package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
)

// Validator scores a produced result's adequacy against the sub-task's
// stated intent. Aggregation steps pass without inspection since there is
// nothing numeric or semantic to check yet.
type Validator struct {
	gen    Generator
	logger *zap.Logger
}

func NewValidator(gen Generator, logger *zap.Logger) *Validator {
	return &Validator{gen: gen, logger: logger}
}

var validateSchema = llm.Schema{
	Name:        "validate_result",
	Description: "Judge whether the task result satisfies the task intent and is useful for the original question.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"confidence": map[string]interface{}{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Confidence score between 0 and 1.",
			},
			"rationale": map[string]interface{}{
				"type":        "string",
				"description": "The basis for the score: completeness, relevance, or inconsistency with prior results.",
			},
		},
		"required":             []string{"confidence", "rationale"},
		"additionalProperties": false,
	},
}

// Validate returns a clamped confidence with a mandatory rationale, or an
// error on hard generation failure.
func (v *Validator) Validate(ctx context.Context, question string, task models.SubTask, plan models.Plan, result models.ExecutionResult, priorContext string) (models.ValidatorOpinion, error) {
	if plan.Intent == models.IntentAggregation {
		return models.ValidatorOpinion{
			Confidence: 1.0,
			Rationale:  "aggregation step, nothing to validate yet",
		}, nil
	}

	start := time.Now()
	system := fmt.Sprintf(`You are the validator. Judge whether the result satisfies the sub-task.

Original question:
%s

Task done:
%s

Reason for this task:
%s

Task intent:
%s

Task approach (query, search phrase, or math expression):
%s

Task result:
%s

Rules:
- Confidence is between 0.0 and 1.0.
- High confidence if the result matches the intent and seems correct.
- Lower confidence if the result is incomplete, irrelevant, or inconsistent with prior results.
- The rationale must clearly explain why the score was given.

### Previously completed tasks and results, for context ###
%s`,
		question, task.Description, task.Justification,
		plan.Intent, plan.Action, result.ContentString(), priorContext)

	var out struct {
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	err := v.gen.GenerateInto(ctx, llm.Request{
		System: system,
		User:   "Validate the task result.",
		Schema: validateSchema,
		Force:  true,
	}, &out)
	if err != nil {
		if errors.Is(err, llm.ErrNoOutput) {
			metrics.RecordAgentCall("validator", "no_output", time.Since(start).Seconds())
		} else {
			metrics.RecordAgentCall("validator", "error", time.Since(start).Seconds())
		}
		return models.ValidatorOpinion{}, fmt.Errorf("validator: %w", err)
	}

	opinion := models.ValidatorOpinion{
		Confidence: clamp01(out.Confidence),
		Rationale:  out.Rationale,
	}
	if opinion.Rationale == "" {
		opinion.Rationale = "no rationale provided"
	}
	metrics.RecordAgentCall("validator", "ok", time.Since(start).Seconds())
	v.logger.Debug("Result validated",
		zap.Float64("confidence", opinion.Confidence),
		zap.String("rationale", opinion.Rationale),
	)
	return opinion, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
