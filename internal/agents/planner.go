package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/catalog"
	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
)

// ActionPlanner classifies a sub-task into an intent and produces the
// concrete action for it. Generated SQL is regularized and its dimension
// filters are stripped of out-of-catalog values before the plan is returned.
type ActionPlanner struct {
	gen     Generator
	catalog *catalog.Store
	table   string
	logger  *zap.Logger
}

func NewActionPlanner(gen Generator, cat *catalog.Store, table string, logger *zap.Logger) *ActionPlanner {
	return &ActionPlanner{gen: gen, catalog: cat, table: table, logger: logger}
}

var planSchema = llm.Schema{
	Name:        "plan_action",
	Description: "Classify one task and produce the helper for its resolution.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"intent": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"numeric", "semantic", "calculation", "aggregation"},
				"description": "Resolution type: data query, document search, arithmetic, or final synthesis.",
			},
			"action": map[string]interface{}{
				"type":        []string{"string", "null"},
				"description": "SQL query for numeric; search phrase for semantic; math expression for calculation; null for aggregation.",
			},
		},
		"required":             []string{"intent", "action"},
		"additionalProperties": false,
	},
}

func (p *ActionPlanner) systemPrompt() string {
	cat := p.catalog.Get()
	var b strings.Builder
	b.WriteString(`You are the action planner. Analyze ONE task and output its intent and action.

Rules:
- numeric: generate one valid SQL SELECT against the schema below.
  * For asset_class, product_type and product filters, only use values from the product catalog.
  * All string literals lowercase, single-quoted.
- semantic: produce a precise natural-language search phrase for the press releases.
- aggregation: set action to null.
- calculation: produce an explicit arithmetic expression using concrete numbers from previous results or the task itself.
  * Good: (2500 - 2200) / 2200 * 100
  * Bad: 2500 - / 2200 (malformed operator sequence)
  * Bad: (growth_rate * revenue) (variable names instead of concrete numbers)
  * Use only *, /, +, - and parentheses. Resolve percentages into decimals (15% becomes 0.15).

`)
	b.WriteString("### SCHEMA ###\n")
	b.WriteString(catalog.SchemaPrompt(p.table))
	b.WriteString("\n\n### PRODUCT CATALOG ###\n")
	b.WriteString(cat.ProductsPrompt())
	b.WriteString("\n\n### SQL EXAMPLES ###\n")
	b.WriteString(sqlExamples(p.table))
	b.WriteString("\n\n### PRESS RELEASES ###\n")
	b.WriteString(cat.DocumentsPrompt())
	return b.String()
}

// Plan resolves a sub-task into an intent and action. A generation call
// producing nothing usable falls back to a semantic intent with no action,
// so the executor fails closed instead of running an empty data query.
func (p *ActionPlanner) Plan(ctx context.Context, task models.SubTask, priorContext string) (models.Plan, error) {
	start := time.Now()

	user := task.Description
	if task.Justification != "" {
		user = fmt.Sprintf("Task: %s\nWhy: %s", task.Description, task.Justification)
	}
	if priorContext != "" {
		user += "\n\nResults of previously completed tasks, for concrete numbers:\n" + priorContext
	}

	var out struct {
		Intent string  `json:"intent"`
		Action *string `json:"action"`
	}
	err := p.gen.GenerateInto(ctx, llm.Request{
		System: p.systemPrompt(),
		User:   user,
		Schema: planSchema,
		Force:  true,
	}, &out)
	if err != nil {
		if errors.Is(err, llm.ErrNoOutput) {
			metrics.RecordAgentCall("planner", "no_output", time.Since(start).Seconds())
			p.logger.Warn("Planner produced no usable plan, falling back to semantic")
			return models.Plan{
				Intent: models.IntentSemantic,
				Note:   "planner produced no usable output",
			}, nil
		}
		metrics.RecordAgentCall("planner", "error", time.Since(start).Seconds())
		return models.Plan{}, fmt.Errorf("planner: %w", err)
	}

	intent, perr := models.ParseIntent(normalizeIntent(out.Intent))
	if perr != nil {
		metrics.RecordAgentCall("planner", "no_output", time.Since(start).Seconds())
		p.logger.Warn("Planner emitted unknown intent", zap.String("intent", out.Intent))
		return models.Plan{
			Intent: models.IntentSemantic,
			Note:   fmt.Sprintf("planner emitted unknown intent %q", out.Intent),
		}, nil
	}

	action := ""
	if out.Action != nil {
		action = strings.TrimSpace(*out.Action)
	}
	if intent == models.IntentAggregation {
		action = ""
	}
	if intent == models.IntentNumeric && action != "" {
		action = p.regularizeSQL(action)
		action = p.stripUnknownFilters(action)
	}

	metrics.RecordAgentCall("planner", "ok", time.Since(start).Seconds())
	p.logger.Debug("Sub-task planned",
		zap.String("intent", intent.String()),
		zap.String("action", action),
	)
	return models.Plan{Intent: intent, Action: action}, nil
}

// normalizeIntent maps legacy intent spellings onto the closed set.
func normalizeIntent(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "context") {
		return string(models.IntentSemantic)
	}
	return s
}

// regularizeSQL canonicalizes the table name and quote characters of a
// generated statement.
func (p *ActionPlanner) regularizeSQL(query string) string {
	if query == "" {
		return query
	}
	if !strings.Contains(strings.ToLower(query), strings.ToLower(p.table)) {
		query = tableNameRe.ReplaceAllString(query, p.table)
	}
	if strings.Contains(query, `"`) {
		query = strings.ReplaceAll(query, `"`, `'`)
	}
	return strings.TrimSpace(query)
}

// tableNameRe matches generic spellings of the activity table the model
// sometimes invents despite the schema in the prompt.
var tableNameRe = regexp.MustCompile(`(?i)\bmar(_combined)?(_m)?\b`)

var (
	eqFilterRe = regexp.MustCompile(`(?i)\b(asset_class|product_type|product)\s*=\s*'([^']*)'`)
	inFilterRe = regexp.MustCompile(`(?i)\b(asset_class|product_type|product)\s+in\s*\(([^)]*)\)`)
	quotedRe   = regexp.MustCompile(`'([^']*)'`)
)

// stripUnknownFilters removes dimension filter values not present in the
// catalog. A fully emptied predicate is neutralized rather than deleted so
// the surrounding statement stays syntactically valid.
func (p *ActionPlanner) stripUnknownFilters(query string) string {
	cat := p.catalog.Get()

	query = inFilterRe.ReplaceAllStringFunc(query, func(match string) string {
		parts := inFilterRe.FindStringSubmatch(match)
		column := parts[1]
		kept := make([]string, 0, 4)
		for _, qv := range quotedRe.FindAllStringSubmatch(parts[2], -1) {
			if cat.HasValue(column, qv[1]) {
				kept = append(kept, "'"+qv[1]+"'")
			} else {
				p.logger.Warn("Dropped out-of-catalog filter value",
					zap.String("column", column),
					zap.String("value", qv[1]),
				)
			}
		}
		if len(kept) == 0 {
			return "1=1"
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(kept, ", "))
	})

	query = eqFilterRe.ReplaceAllStringFunc(query, func(match string) string {
		parts := eqFilterRe.FindStringSubmatch(match)
		if cat.HasValue(parts[1], parts[2]) {
			return match
		}
		p.logger.Warn("Dropped out-of-catalog filter value",
			zap.String("column", parts[1]),
			zap.String("value", parts[2]),
		)
		return "1=1"
	})

	return query
}
