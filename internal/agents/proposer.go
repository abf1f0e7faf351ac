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

// TaskProposer proposes exactly one next atomic sub-task per call, reacting
// to the latest completed-task summary.
type TaskProposer struct {
	gen     Generator
	catalog *catalog.Store
	table   string
	logger  *zap.Logger
}

func NewTaskProposer(gen Generator, cat *catalog.Store, table string, logger *zap.Logger) *TaskProposer {
	return &TaskProposer{gen: gen, catalog: cat, table: table, logger: logger}
}

var proposeSchema = llm.Schema{
	Name:        "propose_next_task",
	Description: "Propose the NEXT atomic task toward answering the question (one task only).",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{
				"type":        "string",
				"description": "One minimal, self-contained action (e.g., 'Query ADV for cash in Aug 2024 & 2025').",
			},
			"justification": map[string]interface{}{
				"type":        "string",
				"description": "Why this task is needed now, and a rough idea of what comes after it.",
			},
		},
		"required":             []string{"description", "justification"},
		"additionalProperties": false,
	},
}

func (p *TaskProposer) systemPrompt(completedSummary string) string {
	cat := p.catalog.Get()
	var b strings.Builder
	b.WriteString(`You are the task proposer. Look at the user's question and the completed tasks so far, and propose the next minimal atomic task needed to answer it.

Rules:
1. Never repeat a task already listed under COMPLETED TASKS. If the needed result already exists, move on, or propose an AGGREGATION task if everything needed is present.
2. Output exactly one atomic task. Later tasks are proposed in future turns, after this one is done.
3. Prefer a single task when multiple values can be retrieved together (one query with a multi-value or multi-year filter beats several near-identical queries).
4. Split only when the next step requires a different type of resolution (data query vs document search vs arithmetic) or depends on a result not yet available.
5. When all inputs needed to answer the question are present among the completed tasks, propose an AGGREGATION task instead of further data gathering.

`)
	b.WriteString("### COMPLETED TASKS ###\n")
	b.WriteString(completedSummary)
	b.WriteString("\n\n### EXAMPLES ###\n")
	b.WriteString(breakdownExamples)
	b.WriteString("\n\n### AVAILABLE DATA ###\n")
	b.WriteString(catalog.SchemaPrompt(p.table))
	b.WriteString("\n")
	b.WriteString(cat.ProductsPrompt())
	b.WriteString("\n")
	b.WriteString(cat.DocumentsPrompt())
	return b.String()
}

// Propose returns the next sub-task, or the zero SubTask when the generation
// call produced nothing usable. A transport-level failure is returned as an
// error and aborts the query.
func (p *TaskProposer) Propose(ctx context.Context, question, completedSummary string) (models.SubTask, error) {
	start := time.Now()

	user := question
	if !strings.Contains(completedSummary, "No tasks have been completed") {
		user = fmt.Sprintf("Original question: %s\nPropose the next task for the remaining work. Never repeat a task that is already done.", question)
	}

	var out struct {
		Description   string `json:"description"`
		Justification string `json:"justification"`
	}
	err := p.gen.GenerateInto(ctx, llm.Request{
		System: p.systemPrompt(completedSummary),
		User:   user,
		Schema: proposeSchema,
		Force:  true,
	}, &out)
	if err != nil {
		if errors.Is(err, llm.ErrNoOutput) {
			metrics.RecordAgentCall("proposer", "no_output", time.Since(start).Seconds())
			p.logger.Warn("Proposer produced no usable next task")
			return models.SubTask{}, nil
		}
		metrics.RecordAgentCall("proposer", "error", time.Since(start).Seconds())
		return models.SubTask{}, fmt.Errorf("proposer: %w", err)
	}

	task := models.SubTask{
		Description:   strings.TrimSpace(out.Description),
		Justification: strings.TrimSpace(out.Justification),
	}
	if task.IsZero() {
		metrics.RecordAgentCall("proposer", "no_output", time.Since(start).Seconds())
		p.logger.Warn("Proposer returned an empty task description")
		return models.SubTask{}, nil
	}
	metrics.RecordAgentCall("proposer", "ok", time.Since(start).Seconds())
	p.logger.Debug("Sub-task proposed", zap.String("description", task.Description))
	return task, nil
}
