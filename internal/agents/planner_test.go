package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/models"
)

func newTestPlanner(t *testing.T, gen *fakeGen) *ActionPlanner {
	t.Helper()
	return NewActionPlanner(gen, newTestStore(t), testTable, zap.NewNop())
}

func TestPlannerNumericPassThrough(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "numeric",
		"action": "SELECT SUM(adv) FROM mar_combined_m WHERE asset_class = 'credit' AND year = 2025",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{
		Description:   "Find credit ADV for 2025",
		Justification: "needed for the growth rate",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, models.IntentNumeric, plan.Intent)
	assert.Equal(t, "SELECT SUM(adv) FROM mar_combined_m WHERE asset_class = 'credit' AND year = 2025", plan.Action)
}

func TestPlannerRegularizesTableAndQuotes(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "numeric",
		"action": `SELECT SUM(adv) FROM mar WHERE asset_class = "credit"`,
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "credit adv"}, "")
	require.NoError(t, err)

	assert.Equal(t, "SELECT SUM(adv) FROM mar_combined_m WHERE asset_class = 'credit'", plan.Action)
}

func TestPlannerStripsUnknownEqualityFilter(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "numeric",
		"action": "SELECT SUM(adv) FROM mar_combined_m WHERE product = 'flying carpets' AND year = 2025",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "carpet adv"}, "")
	require.NoError(t, err)

	assert.NotContains(t, plan.Action, "flying carpets")
	assert.Contains(t, plan.Action, "1=1")
	assert.Contains(t, plan.Action, "year = 2025")
}

func TestPlannerPrunesInListToKnownValues(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "numeric",
		"action": "SELECT SUM(adv) FROM mar_combined_m WHERE product IN ('cash', 'flying carpets', 'us high grade')",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "cash plus high grade adv"}, "")
	require.NoError(t, err)

	assert.Contains(t, plan.Action, "product IN ('cash', 'us high grade')")
	assert.NotContains(t, plan.Action, "flying carpets")
}

func TestPlannerNeutralizesFullyUnknownInList(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "numeric",
		"action": "SELECT SUM(adv) FROM mar_combined_m WHERE product IN ('flying carpets') AND year = 2025",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "carpet adv"}, "")
	require.NoError(t, err)

	assert.NotContains(t, plan.Action, "flying carpets")
	assert.Contains(t, plan.Action, "1=1")
}

func TestPlannerNormalizesContextIntent(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "context",
		"action": "drivers of credit volume growth in august 2025",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "why did credit grow"}, "")
	require.NoError(t, err)

	assert.Equal(t, models.IntentSemantic, plan.Intent)
	assert.Equal(t, "drivers of credit volume growth in august 2025", plan.Action)
}

func TestPlannerAggregationClearsAction(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "aggregation",
		"action": "should be ignored",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "write the final answer"}, "")
	require.NoError(t, err)

	assert.Equal(t, models.IntentAggregation, plan.Intent)
	assert.Empty(t, plan.Action)
}

func TestPlannerNoOutputFallsBackToSemantic(t *testing.T) {
	gen := &fakeGen{err: llm.ErrNoOutput}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "something"}, "")
	require.NoError(t, err)

	assert.Equal(t, models.IntentSemantic, plan.Intent)
	assert.Empty(t, plan.Action)
	assert.NotEmpty(t, plan.Note)
}

func TestPlannerUnknownIntentFallsBack(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{"intent": "teleport", "action": "x"}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(), models.SubTask{Description: "something"}, "")
	require.NoError(t, err)

	assert.Equal(t, models.IntentSemantic, plan.Intent)
	assert.NotEmpty(t, plan.Note)
}

func TestPlannerPriorContextReachesPrompt(t *testing.T) {
	gen := &fakeGen{out: map[string]interface{}{
		"intent": "calculation",
		"action": "(2500 - 2200) / 2200 * 100",
	}}
	planner := newTestPlanner(t, gen)

	plan, err := planner.Plan(context.Background(),
		models.SubTask{Description: "compute the growth rate", Justification: "last step"},
		"Task 1 result: 2200\nTask 2 result: 2500")
	require.NoError(t, err)

	assert.Equal(t, models.IntentCalculation, plan.Intent)
	assert.Equal(t, "(2500 - 2200) / 2200 * 100", plan.Action)
	assert.Contains(t, gen.lastReq.User, "Task 2 result: 2500")
	assert.Contains(t, gen.lastReq.System, "PRODUCT CATALOG")
}
