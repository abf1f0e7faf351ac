package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent classifies how a sub-task is resolved. It is a closed set: the
// Executor and Validator switch over it exhaustively, so adding a member
// requires touching every dispatch site.
type Intent string

const (
	IntentNumeric     Intent = "numeric"
	IntentSemantic    Intent = "semantic"
	IntentCalculation Intent = "calculation"
	IntentAggregation Intent = "aggregation"
)

// ParseIntent maps a generated intent string onto the closed set.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentNumeric:
		return IntentNumeric, nil
	case IntentSemantic:
		return IntentSemantic, nil
	case IntentCalculation:
		return IntentCalculation, nil
	case IntentAggregation:
		return IntentAggregation, nil
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

// Valid reports whether the intent is a member of the closed set.
func (i Intent) Valid() bool {
	switch i {
	case IntentNumeric, IntentSemantic, IntentCalculation, IntentAggregation:
		return true
	}
	return false
}

func (i Intent) String() string { return string(i) }

// SubTask is one atomic unit of work proposed toward answering the overall
// question. Immutable once produced; consumed by the planner in the same
// loop iteration.
type SubTask struct {
	Description   string `json:"description"`
	Justification string `json:"justification"`
}

// IsZero reports the "no next task" sentinel returned when the proposer
// produced no usable output.
func (s SubTask) IsZero() bool { return s.Description == "" }

// Plan is the planner's resolution of a sub-task: an intent plus the
// concrete action for it. Action is empty only for aggregation.
type Plan struct {
	Intent Intent `json:"intent"`
	// Action is a warehouse query for numeric, a search phrase for semantic,
	// a math expression for calculation, and "" for aggregation.
	Action string `json:"action,omitempty"`
	// Note carries a planner-side failure annotation when the generation
	// call produced nothing usable and the plan fell back to a safe default.
	Note string `json:"note,omitempty"`
}

// ExecutionResult is the outcome of dispatching one plan to its resolver.
// Error set with Content nil signals a hard execution failure.
type ExecutionResult struct {
	Intent    Intent      `json:"intent"`
	Content   interface{} `json:"content,omitempty"`
	RawAction string      `json:"raw_action,omitempty"`
	Reference string      `json:"reference,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Failed reports a hard execution failure for this step.
func (r ExecutionResult) Failed() bool { return r.Error != "" && r.Content == nil }

// ContentString renders the result content for prompt context.
func (r ExecutionResult) ContentString() string {
	if r.Content == nil {
		return ""
	}
	if s, ok := r.Content.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Sprintf("%v", r.Content)
	}
	return string(b)
}

// ValidatorOpinion scores a produced result's adequacy for its sub-task.
type ValidatorOpinion struct {
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// CompletedTask is the durable record of a sub-task once it has passed the
// confidence gate. Owned exclusively by the orchestrator, append-only.
type CompletedTask struct {
	Description   string `json:"description"`
	Intent        Intent `json:"intent"`
	Justification string `json:"justification"`
	Action        string `json:"action,omitempty"`
}

// CompletedResult pairs 1:1 with a CompletedTask by position.
type CompletedResult struct {
	Result     interface{} `json:"result"`
	Reference  string      `json:"reference"`
	Confidence float64     `json:"confidence"`
}

// ResultString renders the paired result for prompt context.
func (r CompletedResult) ResultString() string {
	if r.Result == nil {
		return ""
	}
	if s, ok := r.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprintf("%v", r.Result)
	}
	return string(b)
}

// Citation ties a piece of evidence in the final answer back to its source.
type Citation struct {
	Source    string `json:"source"`
	Reference string `json:"reference"`
}

// AnswerPacket is the terminal output of the whole pipeline. Nothing after
// the orchestrator mutates it.
type AnswerPacket struct {
	Text             string     `json:"text"`
	Citations        []Citation `json:"citations"`
	Confidence       float64    `json:"confidence"`
	ConfidenceReason string     `json:"confidence_reason,omitempty"`
}

// Message is one turn of conversation history handed to the receptionist.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
