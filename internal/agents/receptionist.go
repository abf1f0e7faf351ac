package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/catalog"
	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
)

// Reception outcomes.
const (
	NextStepStartTask = "start_task"
	NextStepFollowUp  = "follow_up_user"
	fallbackFollowUp  = "Sorry, I couldn't process your question. Could you rephrase it?"
)

// Reception is the receptionist's verdict on an incoming question.
type Reception struct {
	NextStep string `json:"next_step"`
	// Content is the clarification message for follow_up_user, or the
	// cleaned restatement of the question for start_task.
	Content string `json:"content"`
}

// Receptionist decides whether a raw question is answerable with the
// available data or needs clarification before the loop is entered.
type Receptionist struct {
	gen     Generator
	catalog *catalog.Store
	table   string
	logger  *zap.Logger
}

func NewReceptionist(gen Generator, cat *catalog.Store, table string, logger *zap.Logger) *Receptionist {
	return &Receptionist{gen: gen, catalog: cat, table: table, logger: logger}
}

var receiveSchema = llm.Schema{
	Name:        "decide_reception",
	Description: "Decide whether to ask the user for clarification or proceed with task execution.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"next_step": map[string]interface{}{
				"type": "string",
				"enum": []string{NextStepFollowUp, NextStepStartTask},
			},
			"content": map[string]interface{}{
				"type": "string",
				"description": "If follow_up_user: a clarification question or polite refusal. " +
					"If start_task: a cleaned, precise version of the question for task planning.",
			},
		},
		"required":             []string{"next_step", "content"},
		"additionalProperties": false,
	},
}

func (r *Receptionist) systemPrompt() string {
	cat := r.catalog.Get()
	var b strings.Builder
	b.WriteString(`You are the receptionist. Decide whether a user question is clear and answerable with the available data, or whether clarification is required.

Rules:
1. If the question is unclear, incomplete, irrelevant, or outside the available data (for example pricing, forecasts, or datasets not listed below), set next_step to "follow_up_user" with a concise clarification question or polite refusal.
2. If the question is clear and supported by the activity data or press releases, set next_step to "start_task" with a cleaned, precise version of the question.
3. Responses must be professional, concise, and clear. The users are finance professionals.

Examples:
Question: "What was ADV in August?"
-> start_task: "Get ADV for all products in August 2025"

Question: "Why is trading volume dropping in China?"
-> follow_up_user: "Sorry, we don't have China-specific data. We only cover the monthly activity report and press releases. Could you reframe your question?"

Question: "Show trend?"
-> follow_up_user: "Could you clarify which product and time range you'd like the trend for?"

### AVAILABLE DATA ###
`)
	b.WriteString(catalog.SchemaPrompt(r.table))
	b.WriteString("\n")
	b.WriteString(cat.ProductsPrompt())
	b.WriteString("\n")
	b.WriteString(cat.DocumentsPrompt())
	return b.String()
}

// Receive classifies the question. Any failure of the generation call is
// softened to a follow_up_user verdict; the receptionist never aborts.
func (r *Receptionist) Receive(ctx context.Context, question string, history []models.Message) (Reception, error) {
	start := time.Now()

	user := question
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		fmt.Fprintf(&b, "\nLatest question: %s", question)
		user = b.String()
	}

	var out Reception
	err := r.gen.GenerateInto(ctx, llm.Request{
		System: r.systemPrompt(),
		User:   user,
		Schema: receiveSchema,
		Force:  true,
	}, &out)
	if err != nil {
		if errors.Is(err, llm.ErrNoOutput) {
			metrics.RecordAgentCall("receptionist", "no_output", time.Since(start).Seconds())
			return Reception{NextStep: NextStepFollowUp, Content: fallbackFollowUp}, nil
		}
		metrics.RecordAgentCall("receptionist", "error", time.Since(start).Seconds())
		return Reception{}, fmt.Errorf("receptionist: %w", err)
	}

	if out.NextStep != NextStepStartTask && out.NextStep != NextStepFollowUp {
		out = Reception{NextStep: NextStepFollowUp, Content: fallbackFollowUp}
	}
	if out.Content == "" {
		out.Content = question
		if out.NextStep == NextStepFollowUp {
			out.Content = fallbackFollowUp
		}
	}
	metrics.RecordAgentCall("receptionist", "ok", time.Since(start).Seconds())
	r.logger.Debug("Question received", zap.String("next_step", out.NextStep))
	return out, nil
}
