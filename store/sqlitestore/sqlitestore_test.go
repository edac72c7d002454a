package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "reelforge.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreatePipelineWithStages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, stages, err := s.CreatePipelineWithStages(ctx, "Why cats purr", "", registry.Stages())
	require.NoError(t, err)
	assert.Equal(t, model.PipelineDraft, p.Status)
	assert.Len(t, stages, 7)

	loaded, err := s.FindPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Topic, loaded.Topic)
}

func TestSQLiteCompareAndUpdateStageAtomicity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, stages, err := s.CreatePipelineWithStages(ctx, "topic", "", registry.Stages())
	require.NoError(t, err)
	stageID := stages[0].ID

	agent := "agent-1"
	claimed := true
	applied, st, err := s.CompareAndUpdateStage(ctx, stageID, model.StagePending, store.StageFields{
		Status:    model.StageClaimed,
		AgentID:   &agent,
		ClaimedAt: &claimed,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, agent, st.AgentID)

	other := "agent-2"
	applied, st, err = s.CompareAndUpdateStage(ctx, stageID, model.StagePending, store.StageFields{
		Status:  model.StageClaimed,
		AgentID: &other,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, agent, st.AgentID)
}

func TestSQLiteCompleteStageTxAdvancesPipeline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, stages, err := s.CreatePipelineWithStages(ctx, "topic", "", registry.Stages())
	require.NoError(t, err)

	running := model.PipelineRunning
	_, err = s.UpdatePipeline(ctx, p.ID, store.PipelineFields{Status: &running})
	require.NoError(t, err)

	first := stages[0]
	agent := "agent-1"
	claimed := true
	applied, _, err := s.CompareAndUpdateStage(ctx, first.ID, model.StagePending, store.StageFields{
		Status:    model.StageClaimed,
		AgentID:   &agent,
		ClaimedAt: &claimed,
	})
	require.NoError(t, err)
	require.True(t, applied)

	started := true
	applied, _, err = s.CompareAndUpdateStage(ctx, first.ID, model.StageClaimed, store.StageFields{
		Status:    model.StageRunning,
		StartedAt: &started,
	})
	require.NoError(t, err)
	require.True(t, applied)

	next := registry.Next(first.Name)
	completed := true
	applied, st, pipeline, err := s.CompleteStageTx(ctx, first.ID,
		[]model.StageStatus{model.StageRunning},
		store.StageFields{Status: model.StageComplete, CompletedAt: &completed},
		&model.Attribution{
			PipelineID: p.ID,
			StageID:    first.ID,
			StageName:  first.Name,
			AgentID:    agent,
			AgentName:  "Agent One",
			Percentage: registry.Weight(first.Name),
		},
		&store.PipelineFields{CurrentStage: &next},
	)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StageComplete, st.Status)
	assert.Equal(t, next, pipeline.CurrentStage)

	attrs, err := s.ListAttributions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, registry.Weight(first.Name), attrs[0].Percentage)
}

func TestSQLiteAppendAttributionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, stages, err := s.CreatePipelineWithStages(ctx, "topic", "", registry.Stages())
	require.NoError(t, err)

	a1, err := s.AppendAttribution(ctx, &model.Attribution{
		PipelineID: p.ID,
		StageID:    stages[0].ID,
		StageName:  stages[0].Name,
		AgentID:    "agent-1",
		AgentName:  "Agent One",
		Percentage: registry.Weight(stages[0].Name),
	})
	require.NoError(t, err)

	a2, err := s.AppendAttribution(ctx, &model.Attribution{
		PipelineID: p.ID,
		StageID:    stages[0].ID,
		StageName:  stages[0].Name,
		AgentID:    "agent-2",
		AgentName:  "Agent Two",
		Percentage: registry.Weight(stages[0].Name),
	})
	require.NoError(t, err)
	assert.Equal(t, a1.AgentID, a2.AgentID)

	all, err := s.ListAttributions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
