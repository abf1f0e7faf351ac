// Package agents holds the five LLM-backed pipeline agents. Each agent is
// one structured-output generation call: a system prompt carrying schema and
// catalog context, a user message, and a forced output schema.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/models"
)

// Generator is the structured-output generation surface the agents call.
// Satisfied by *llm.Client; tests substitute fakes.
type Generator interface {
	GenerateInto(ctx context.Context, req llm.Request, out interface{}) error
}

// CompletedSummary renders the accumulated completed tasks and results as
// prompt context. The agents only ever see this read-only rendering, never
// the orchestrator's lists themselves.
func CompletedSummary(tasks []models.CompletedTask, results []models.CompletedResult) string {
	if len(tasks) == 0 {
		return "No tasks have been completed yet. This is the beginning of the query handling process."
	}
	var b strings.Builder
	for i, t := range tasks {
		fmt.Fprintf(&b, "Task %d: %s\n", i+1, t.Description)
		fmt.Fprintf(&b, "  intent: %s\n", t.Intent)
		if t.Action != "" {
			fmt.Fprintf(&b, "  action: %s\n", t.Action)
		}
		if i < len(results) {
			fmt.Fprintf(&b, "  result: %s\n", results[i].ResultString())
			fmt.Fprintf(&b, "  confidence: %.2f\n", results[i].Confidence)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// breakdownExamples anchors the proposer on the preferred decomposition
// shape, in particular the single combined query over year pairs.
const breakdownExamples = `Example decompositions:

Question: "What is ADV for cash products in August 2025?"
  1. Query ADV for cash products in August 2025 (one data query)
  2. AGGREGATION

Question: "Compare YoY ADV for cash products, Aug 2024 vs 2025"
  1. Query ADV for cash products for August 2024 and August 2025 in one query
  2. Calculate the percent change between the two returned values
  3. AGGREGATION

Question: "Why did rates volume move last month?"
  1. Query rates volume for the last two months
  2. Search press releases for commentary on rates volume drivers
  3. AGGREGATION`

// sqlExamples anchors the planner on the expected query shape.
func sqlExamples(table string) string {
	return fmt.Sprintf(`Example queries:

-- single product, single month
SELECT adv FROM %[1]s WHERE product = 'cash' AND year = 2025 AND month = 8;

-- one combined query over two years (preferred over two separate queries)
SELECT year, SUM(adv) AS adv FROM %[1]s
WHERE product = 'cash' AND month = 8 AND year IN (2024, 2025)
GROUP BY year ORDER BY year;

-- multi-value filter in one query
SELECT product, SUM(volume) AS volume FROM %[1]s
WHERE product IN ('cash', 'credit') AND year_month = '2025-08'
GROUP BY product;`, table)
}
