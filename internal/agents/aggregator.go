package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/metrics"
	"github.com/marq-ai/marq/internal/models"
)

// Aggregator fuses all completed tasks' results and references into the
// final cited answer. Citations are deduplicated and any citation whose
// reference does not trace back to a completed result is dropped.
type Aggregator struct {
	gen    Generator
	logger *zap.Logger
}

func NewAggregator(gen Generator, logger *zap.Logger) *Aggregator {
	return &Aggregator{gen: gen, logger: logger}
}

var aggregateSchema = llm.Schema{
	Name:        "aggregate_results",
	Description: "Fuse results from all completed tasks into a final cited answer.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{
				"type":        "string",
				"description": "The final answer text combining all task results.",
			},
			"citations": map[string]interface{}{
				"type":        "array",
				"description": "All data sources used, referencing the exact reference strings from the task results.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"source": map[string]interface{}{
							"type":        "string",
							"description": "Kind of source, e.g. 'SQL' or 'VectorDB' or 'Calculation'.",
						},
						"reference": map[string]interface{}{
							"type":        "string",
							"description": "The reference string of the task result this citation comes from, verbatim.",
						},
					},
					"required": []string{"source", "reference"},
				},
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Overall confidence for the aggregated answer.",
			},
			"confidence_reason": map[string]interface{}{
				"type":        "string",
				"description": "How the overall confidence summarizes the per-task confidences.",
			},
		},
		"required":             []string{"answer", "citations", "confidence", "confidence_reason"},
		"additionalProperties": false,
	},
}

const aggregatorSystemPrompt = `You are an expert at aggregating financial data analysis results into a clear, accurate answer.

Guidelines:
1. Ground every sentence in a completed task result. Never invent a number or a fact that is not in the results.
2. Start with the key findings and numbers, then supporting context. Use professional financial language, proper units (USD, %, bps) and sensible number formatting (millions as 'MM', billions as 'B').
3. Overall confidence must summarize the per-task confidences and the consistency of the evidence, not simply average them. State how you arrived at it in confidence_reason.
4. Cite every source used, copying the reference strings from the task results verbatim. Do not cite a source you did not use.
5. If the accumulated evidence is insufficient to answer the question, say so explicitly and invite the user to refine the question instead of fabricating an answer.`

// Aggregate builds the final AnswerPacket from the accumulated work.
func (a *Aggregator) Aggregate(ctx context.Context, question string, tasks []models.CompletedTask, results []models.CompletedResult) (models.AnswerPacket, error) {
	start := time.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\n\nCompleted tasks and results:\n", question)
	for i, t := range tasks {
		if t.Intent == models.IntentAggregation {
			continue
		}
		fmt.Fprintf(&b, "Task %d: %s\n", i+1, t.Description)
		if i < len(results) {
			fmt.Fprintf(&b, "  result: %s\n", results[i].ResultString())
			fmt.Fprintf(&b, "  reference: %s\n", results[i].Reference)
			fmt.Fprintf(&b, "  confidence: %.2f\n", results[i].Confidence)
		}
	}
	b.WriteString("\nAggregate these results into a clear, concise answer that directly addresses the original question.")

	var out struct {
		Answer           string            `json:"answer"`
		Citations        []models.Citation `json:"citations"`
		Confidence       float64           `json:"confidence"`
		ConfidenceReason string            `json:"confidence_reason"`
	}
	err := a.gen.GenerateInto(ctx, llm.Request{
		System: aggregatorSystemPrompt,
		User:   b.String(),
		Schema: aggregateSchema,
		Force:  true,
	}, &out)
	if err != nil {
		metrics.RecordAgentCall("aggregator", "error", time.Since(start).Seconds())
		return models.AnswerPacket{}, fmt.Errorf("aggregator: %w", err)
	}

	packet := models.AnswerPacket{
		Text:             out.Answer,
		Citations:        groundCitations(out.Citations, results),
		Confidence:       clamp01(out.Confidence),
		ConfidenceReason: out.ConfidenceReason,
	}
	metrics.RecordAgentCall("aggregator", "ok", time.Since(start).Seconds())
	a.logger.Info("Answer aggregated",
		zap.Float64("confidence", packet.Confidence),
		zap.Int("citations", len(packet.Citations)),
	)
	return packet, nil
}

// groundCitations deduplicates citations and keeps only those whose
// reference traces to a completed result.
func groundCitations(citations []models.Citation, results []models.CompletedResult) []models.Citation {
	seen := make(map[string]struct{}, len(citations))
	grounded := make([]models.Citation, 0, len(citations))
	for _, c := range citations {
		if c.Reference == "" {
			continue
		}
		key := c.Source + "|" + c.Reference
		if _, dup := seen[key]; dup {
			continue
		}
		if !referenceKnown(c.Reference, results) {
			continue
		}
		seen[key] = struct{}{}
		grounded = append(grounded, c)
	}
	return grounded
}

// minCitationLen keeps substring grounding from accepting fragments like a
// bare "URL_REF" marker that appear in every warehouse-backed reference.
const minCitationLen = 16

func referenceKnown(ref string, results []models.CompletedResult) bool {
	for _, r := range results {
		if r.Reference == "" {
			continue
		}
		if r.Reference == ref {
			return true
		}
		if len(ref) >= minCitationLen && strings.Contains(r.Reference, ref) {
			return true
		}
	}
	return false
}
