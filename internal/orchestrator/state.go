package orchestrator

import "github.com/marq-ai/marq/internal/models"

// Terminal is the explicit terminal flag of the loop state machine.
type Terminal int

const (
	// TerminalNone means the loop keeps running.
	TerminalNone Terminal = iota
	// TerminalAggregated means an aggregation task was accepted; the
	// aggregator synthesizes the final answer.
	TerminalAggregated
	// TerminalExhausted means a retry budget ran out before an aggregation
	// task was accepted; completed work so far is aggregated if any exists.
	TerminalExhausted
	// TerminalNoNextTask means the proposer produced no usable next task.
	TerminalNoNextTask
)

// Budgets bounds the loop: MaxTryTimes outer positions, MaxTaskTries
// attempts per position, and the validator confidence a result must meet.
type Budgets struct {
	MaxTryTimes  int
	MaxTaskTries int
	Threshold    float64
}

// State is an immutable snapshot of the loop. Transitions return fresh
// snapshots; the completed lists are append-only and shared structurally.
type State struct {
	Completed []models.CompletedTask
	Results   []models.CompletedResult
	// Outer counts distinct sub-task positions processed so far.
	Outer int
	// Attempt counts tries of the current position, starting at 0.
	Attempt int
	Terminal Terminal
}

// NewState is the initial snapshot: empty completed lists, first position,
// first attempt.
func NewState() State { return State{} }

// Done reports whether the loop has reached a terminal state.
func (s State) Done() bool { return s.Terminal != TerminalNone }

// Accepts reports whether an opinion passes the confidence gate for the
// given intent. Aggregation always passes.
func (b Budgets) Accepts(intent models.Intent, opinion models.ValidatorOpinion) bool {
	if intent == models.IntentAggregation {
		return true
	}
	return opinion.Confidence >= b.Threshold
}

// WithAccepted appends the completed task and result and advances to the
// next outer position. Accepting an aggregation task is terminal.
func (s State) WithAccepted(b Budgets, task models.CompletedTask, result models.CompletedResult) State {
	next := State{
		Completed: append(s.Completed[:len(s.Completed):len(s.Completed)], task),
		Results:   append(s.Results[:len(s.Results):len(s.Results)], result),
		Outer:     s.Outer + 1,
		Attempt:   0,
	}
	if task.Intent == models.IntentAggregation {
		next.Terminal = TerminalAggregated
	} else if next.Outer >= b.MaxTryTimes {
		next.Terminal = TerminalExhausted
	}
	return next
}

// WithRetry burns one attempt of the current position. Exhausting the inner
// budget is terminal: a sub-task that cannot clear the gate within its
// budget is dropped rather than appended below threshold, and the loop
// stops gathering.
func (s State) WithRetry(b Budgets) State {
	next := s
	next.Attempt++
	if next.Attempt >= b.MaxTaskTries {
		next.Terminal = TerminalExhausted
	}
	return next
}

// WithNoNextTask marks the proposer's "no next task" sentinel.
func (s State) WithNoNextTask() State {
	next := s
	next.Terminal = TerminalNoNextTask
	return next
}

// HasDuplicate reports whether a description matches an accepted task.
func (s State) HasDuplicate(description string) bool {
	for _, t := range s.Completed {
		if t.Description == description {
			return true
		}
	}
	return false
}
