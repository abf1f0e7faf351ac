package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/llm"
	"github.com/marq-ai/marq/internal/models"
)

func TestReceptionistStartsTask(t *testing.T) {
	gen := &fakeGen{out: map[string]string{
		"next_step": "start_task",
		"content":   "What was credit ADV in august 2025?",
	}}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	rec, err := receptionist.Receive(context.Background(), "What was credit ADV in august 2025?", nil)
	require.NoError(t, err)

	assert.Equal(t, NextStepStartTask, rec.NextStep)
	assert.Equal(t, "What was credit ADV in august 2025?", rec.Content)
}

func TestReceptionistFollowsUpOnVagueQuestion(t *testing.T) {
	gen := &fakeGen{out: map[string]string{
		"next_step": "follow_up_user",
		"content":   "Which product and time range are you interested in?",
	}}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	rec, err := receptionist.Receive(context.Background(), "How are things going?", nil)
	require.NoError(t, err)

	assert.Equal(t, NextStepFollowUp, rec.NextStep)
	assert.Equal(t, "Which product and time range are you interested in?", rec.Content)
}

func TestReceptionistRendersHistory(t *testing.T) {
	gen := &fakeGen{out: map[string]string{
		"next_step": "start_task",
		"content":   "compare the same figure for 2024",
	}}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	history := []models.Message{
		{Role: "user", Content: "What was credit ADV in august 2025?"},
		{Role: "assistant", Content: "Credit ADV was 2500."},
	}
	_, err := receptionist.Receive(context.Background(), "And for 2024?", history)
	require.NoError(t, err)

	assert.Contains(t, gen.lastReq.User, "Conversation so far:")
	assert.Contains(t, gen.lastReq.User, "Credit ADV was 2500.")
	assert.Contains(t, gen.lastReq.User, "Latest question: And for 2024?")
}

func TestReceptionistNoOutputSoftensToFollowUp(t *testing.T) {
	gen := &fakeGen{err: llm.ErrNoOutput}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	rec, err := receptionist.Receive(context.Background(), "q", nil)
	require.NoError(t, err)

	assert.Equal(t, NextStepFollowUp, rec.NextStep)
	assert.NotEmpty(t, rec.Content)
}

func TestReceptionistInvalidVerdictFallsBack(t *testing.T) {
	gen := &fakeGen{out: map[string]string{"next_step": "escalate", "content": "x"}}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	rec, err := receptionist.Receive(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, NextStepFollowUp, rec.NextStep)
}

func TestReceptionistPropagatesHardErrors(t *testing.T) {
	boom := errors.New("service down")
	gen := &fakeGen{err: boom}
	receptionist := NewReceptionist(gen, newTestStore(t), testTable, zap.NewNop())

	_, err := receptionist.Receive(context.Background(), "q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
