package scheduler

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexxia-ai/reelforge/attribution"
	"github.com/nexxia-ai/reelforge/events"
	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/pipelineerr"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store/memstore"
	"github.com/nexxia-ai/reelforge/tracelog"
)

func newScheduler() *Scheduler {
	return New(memstore.New(), nil, nil)
}

func claimStartComplete(t *testing.T, s *Scheduler, ctx context.Context, pipelineID string, name registry.StageName, agentID, agentName string) CompleteResult {
	t.Helper()
	st, err := s.ClaimStage(ctx, pipelineID, name, agentID, agentName)
	require.NoError(t, err)
	st, err = s.StartStage(ctx, st.ID)
	require.NoError(t, err)
	res, err := s.CompleteStage(ctx, st.ID, []byte(`{}`), nil)
	require.NoError(t, err)
	return res
}

// S1 — happy path completes and attributes correctly.
func TestHappyPathCompletesAndAttributes(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "Why cats purr", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	a1, a2 := "agent-1", "agent-2"
	claimStartComplete(t, s, ctx, p.ID, registry.Research, a1, "A1")
	claimStartComplete(t, s, ctx, p.ID, registry.Script, a1, "A1")
	claimStartComplete(t, s, ctx, p.ID, registry.Voice, a1, "A1")
	claimStartComplete(t, s, ctx, p.ID, registry.Music, a2, "A2")
	claimStartComplete(t, s, ctx, p.ID, registry.Visual, a2, "A2")
	claimStartComplete(t, s, ctx, p.ID, registry.Editor, a1, "A1")
	final := claimStartComplete(t, s, ctx, p.ID, registry.Publish, a2, "A2")

	assert.Equal(t, model.PipelineComplete, final.Pipeline.Status)

	attrs, err := s.port.ListAttributions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attrs, 7)

	shares := attribution.DistributeFromAttributions(big.NewInt(1_000_000), attrs)
	assert.Equal(t, big.NewInt(700000), shares[a1])
	assert.Equal(t, big.NewInt(300000), shares[a2])
}

// S2 — race on claim: exactly one of two concurrent claimants wins.
func TestRaceOnClaimExactlyOneWins(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	stages := make([]*model.Stage, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.ClaimStage(ctx, p.ID, registry.Research, "agent-race", "Racer")
			results[i] = err
			stages[i] = st
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, err := range results {
		if err == nil {
			successCount++
		} else {
			assert.Equal(t, pipelineerr.CodePreconditionFailed, pipelineerr.CodeOf(err))
		}
	}
	assert.Equal(t, 1, successCount)

	final, err := s.port.FindStage(ctx, p.ID, registry.Research)
	require.NoError(t, err)
	assert.Equal(t, model.StageClaimed, final.Status)
}

// S3 — out-of-order claim is rejected, then succeeds once unblocked.
func TestOutOfOrderClaimRejected(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	_, err = s.ClaimStage(ctx, p.ID, registry.Script, "agent-1", "A1")
	require.Error(t, err)
	assert.Equal(t, pipelineerr.CodePreconditionFailed, pipelineerr.CodeOf(err))

	claimStartComplete(t, s, ctx, p.ID, registry.Research, "agent-1", "A1")

	_, err = s.ClaimStage(ctx, p.ID, registry.Script, "agent-1", "A1")
	require.NoError(t, err)
}

// S4 — failure stops progression; pipeline-level FAILED blocks further claims.
func TestFailureStopsProgression(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	claimStartComplete(t, s, ctx, p.ID, registry.Research, "agent-1", "A1")

	scriptStage, err := s.ClaimStage(ctx, p.ID, registry.Script, "agent-1", "A1")
	require.NoError(t, err)
	res, err := s.FailStage(ctx, scriptStage.ID, "llm_timeout")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineFailed, res.Pipeline.Status)

	_, err = s.ClaimStage(ctx, p.ID, registry.Voice, "agent-1", "A1")
	require.Error(t, err)
	assert.Equal(t, pipelineerr.CodePreconditionFailed, pipelineerr.CodeOf(err))

	_, stages, err := s.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	for _, st := range stages {
		if st.Name == registry.Script {
			assert.Equal(t, "llm_timeout", st.Error)
		}
	}
}

// S5 — ready set ordering across pipelines.
func TestReadySetOrdering(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	p1, _, err := s.CreatePipeline(ctx, "P1", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p1.ID)
	require.NoError(t, err)
	claimStartComplete(t, s, ctx, p1.ID, registry.Research, "a1", "A1")
	claimStartComplete(t, s, ctx, p1.ID, registry.Script, "a1", "A1")
	// P1 now sits at VOICE pending.

	p2, _, err := s.CreatePipeline(ctx, "P2", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p2.ID)
	require.NoError(t, err)

	p3, _, err := s.CreatePipeline(ctx, "P3", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p3.ID)
	require.NoError(t, err)

	items, err := s.ReadySet(ctx, ReadySetFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, p2.ID, items[0].Pipeline.ID)
	assert.Equal(t, registry.Research, items[0].Stage.Name)
	assert.Equal(t, p3.ID, items[1].Pipeline.ID)
	assert.Equal(t, registry.Research, items[1].Stage.Name)
	assert.Equal(t, p1.ID, items[2].Pipeline.ID)
	assert.Equal(t, registry.Voice, items[2].Stage.Name)
}

func TestDoubleClaimSameAgentThenPreconditionFailed(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()
	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	_, err = s.ClaimStage(ctx, p.ID, registry.Research, "agent-1", "A1")
	require.NoError(t, err)

	_, err = s.ClaimStage(ctx, p.ID, registry.Research, "agent-1", "A1")
	require.Error(t, err)
	assert.Equal(t, pipelineerr.CodePreconditionFailed, pipelineerr.CodeOf(err))
}

func TestCompletingTwiceIsRejected(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()
	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	res := claimStartComplete(t, s, ctx, p.ID, registry.Research, "agent-1", "A1")

	_, err = s.CompleteStage(ctx, res.Stage.ID, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.CodeInvalidState, pipelineerr.CodeOf(err))
}

func TestReaperFailsAbandonedStage(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()
	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	st, err := s.ClaimStage(ctx, p.ID, registry.Research, "agent-1", "A1")
	require.NoError(t, err)

	reaper := NewReaper(s.port, -1*time.Second) // any claim is already "past timeout"
	reaped, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Contains(t, reaped, st.ID)

	final, err := s.port.FindStageByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, final.Status)
}

func TestStageLifecyclePublishesEvents(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	s := New(memstore.New(), nil, bus)
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	st, err := s.ClaimStage(ctx, p.ID, registry.Research, "agent-1", "A1")
	require.NoError(t, err)
	requireEvent[*events.StageClaimedEvent](t, ch)

	st, err = s.StartStage(ctx, st.ID)
	require.NoError(t, err)
	requireEvent[*events.StageStartedEvent](t, ch)

	_, err = s.CompleteStage(ctx, st.ID, []byte(`{}`), nil)
	require.NoError(t, err)
	requireEvent[*events.StageCompletedEvent](t, ch)
	attr := requireEvent[*events.AttributionRecordedEvent](t, ch)
	assert.Equal(t, "agent-1", attr.AgentID)
	assert.Equal(t, registry.Weight(registry.Research), attr.Percentage)
}

func TestStageLifecycleWritesTraceFile(t *testing.T) {
	dir := t.TempDir()
	tracer := tracelog.NewTracer(tracelog.Config{Directory: dir})
	s := New(memstore.New(), nil, nil, tracer)
	ctx := context.Background()

	p, _, err := s.CreatePipeline(ctx, "topic", "")
	require.NoError(t, err)
	_, err = s.StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	res := claimStartComplete(t, s, ctx, p.ID, registry.Research, "agent-1", "A1")
	assert.Equal(t, model.StageComplete, res.Stage.Status)
	assert.Equal(t, model.PipelineRunning, res.Pipeline.Status, "pipeline has more stages left")

	s.runsMu.Lock()
	_, stillOpen := s.runs[p.ID]
	s.runsMu.Unlock()
	assert.True(t, stillOpen, "trace run stays open until the pipeline reaches a terminal status")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	contents, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "claim_stage")
	assert.Contains(t, string(contents), "complete_stage")
}

func requireEvent[T events.Event](t *testing.T, ch <-chan events.Event) T {
	t.Helper()
	select {
	case ev := <-ch:
		typed, ok := ev.(T)
		require.True(t, ok, "unexpected event type %T", ev)
		return typed
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}
