// Package scheduler implements the Pipeline Scheduler operations:
// create/start a pipeline, compute the ready set, claim/start/complete/
// fail a stage, and the read views. Every mutation goes through a
// store.Port conditional write; the scheduler itself holds no pipeline
// or stage state of its own, only the trace files it has open.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nexxia-ai/reelforge/attribution"
	"github.com/nexxia-ai/reelforge/events"
	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/pipelineerr"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store"
	"github.com/nexxia-ai/reelforge/tracelog"
)

// Scheduler is the orchestrator's public entry point.
type Scheduler struct {
	port   store.Port
	log    *slog.Logger
	bus    *events.Bus
	tracer *tracelog.Tracer
	attrib *attribution.Engine

	runsMu sync.Mutex
	runs   map[string]*tracelog.Run
}

// New builds a Scheduler over a store.Port. A nil logger falls back to
// slog's default handler. A nil bus means every transition is logged
// but nothing is published. A nil tracer means no per-pipeline trace
// file is written.
func New(port store.Port, log *slog.Logger, bus *events.Bus, tracer ...*tracelog.Tracer) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{port: port, log: log, bus: bus, attrib: attribution.New(port, bus), runs: make(map[string]*tracelog.Run)}
	if len(tracer) > 0 {
		s.tracer = tracer[0]
	}
	return s
}

// publish is a no-op when the scheduler was built without a bus.
func (s *Scheduler) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

// trace appends one line to the pipeline's trace file, lazily opening
// it on first use. A no-op when the scheduler was built without a
// tracer.
func (s *Scheduler) trace(pipelineID, op string, fields ...any) {
	if s.tracer == nil {
		return
	}
	s.runsMu.Lock()
	run, ok := s.runs[pipelineID]
	if !ok {
		run = s.tracer.Run(pipelineID)
		s.runs[pipelineID] = run
	}
	s.runsMu.Unlock()
	run.Event(op, fields...)
}

// closeTrace releases the trace file for a pipeline that has reached a
// terminal status. A no-op when the scheduler was built without a
// tracer or no trace was ever opened for that pipeline.
func (s *Scheduler) closeTrace(pipelineID string) {
	if s.tracer == nil {
		return
	}
	s.runsMu.Lock()
	run, ok := s.runs[pipelineID]
	if ok {
		delete(s.runs, pipelineID)
	}
	s.runsMu.Unlock()
	if ok {
		run.Close()
	}
}

// CreatePipeline creates a pipeline in DRAFT with seven PENDING stages.
func (s *Scheduler) CreatePipeline(ctx context.Context, topic, description string) (*model.Pipeline, []*model.Stage, error) {
	if topic == "" {
		return nil, nil, pipelineerr.New("create_pipeline", pipelineerr.CodeInvalidInput, "topic must not be empty")
	}
	p, stages, err := s.port.CreatePipelineWithStages(ctx, topic, description, registry.Stages())
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("pipeline created", "pipeline_id", p.ID, "topic", topic)
	return p, stages, nil
}

// StartPipeline transitions DRAFT -> RUNNING.
func (s *Scheduler) StartPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	p, err := s.port.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PipelineDraft {
		return nil, pipelineerr.New("start_pipeline", pipelineerr.CodeInvalidState,
			fmt.Sprintf("pipeline %s is %s, not DRAFT", pipelineID, p.Status))
	}

	running := model.PipelineRunning
	updated, err := s.port.UpdatePipeline(ctx, pipelineID, store.PipelineFields{Status: &running})
	if err != nil {
		return nil, err
	}
	s.log.Info("pipeline started", "pipeline_id", pipelineID)
	return updated, nil
}

// ReadySetFilter narrows ready_set results.
type ReadySetFilter struct {
	StageName registry.StageName // zero value means no filter
}

// ReadySet returns, for every RUNNING pipeline, the earliest PENDING
// stage whose predecessor is COMPLETE or SKIPPED (or has none). The
// result is sorted by stage order ascending, then by pipeline creation
// time ascending. The result is advisory: callers must confirm via
// ClaimStage before treating a stage as theirs.
func (s *Scheduler) ReadySet(ctx context.Context, filter ReadySetFilter) ([]model.ReadyItem, error) {
	pipelines, byPipeline, err := s.port.ListRunningPipelinesWithStages(ctx)
	if err != nil {
		return nil, err
	}

	var items []model.ReadyItem
	for _, p := range pipelines {
		stages := byPipeline[p.ID]
		stageByName := make(map[registry.StageName]*model.Stage, len(stages))
		for _, st := range stages {
			stageByName[st.Name] = st
		}

		for _, name := range registry.Stages() {
			st, ok := stageByName[name]
			if !ok || st.Status != model.StagePending {
				continue
			}
			pred := registry.Predecessor(name)
			if pred != registry.None {
				predStage, ok := stageByName[pred]
				if !ok || !(predStage.Status == model.StageComplete || predStage.Status == model.StageSkipped) {
					continue
				}
			}
			if filter.StageName != "" && name != filter.StageName {
				continue
			}
			items = append(items, model.ReadyItem{Pipeline: p, Stage: st})
			break // earliest PENDING stage only, per pipeline
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		oi, oj := registry.OrderOf(items[i].Stage.Name), registry.OrderOf(items[j].Stage.Name)
		if oi != oj {
			return oi < oj
		}
		return items[i].Pipeline.CreatedAt.Before(items[j].Pipeline.CreatedAt)
	})

	return items, nil
}

// ClaimStage performs the exclusive PENDING -> CLAIMED transition.
func (s *Scheduler) ClaimStage(ctx context.Context, pipelineID string, stageName registry.StageName, agentID, agentName string) (*model.Stage, error) {
	p, err := s.port.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	st, err := s.port.FindStage(ctx, pipelineID, stageName)
	if err != nil {
		return nil, err
	}

	if p.Status != model.PipelineRunning {
		return nil, pipelineerr.New("claim_stage", pipelineerr.CodePreconditionFailed,
			fmt.Sprintf("pipeline %s is %s, not RUNNING", pipelineID, p.Status))
	}
	pred := registry.Predecessor(stageName)
	if pred != registry.None {
		predStage, err := s.port.FindStage(ctx, pipelineID, pred)
		if err != nil {
			return nil, err
		}
		if !(predStage.Status == model.StageComplete || predStage.Status == model.StageSkipped) {
			return nil, pipelineerr.New("claim_stage", pipelineerr.CodePreconditionFailed,
				fmt.Sprintf("predecessor %s is %s", pred, predStage.Status))
		}
	}

	claimedAt := true
	applied, updated, err := s.port.CompareAndUpdateStage(ctx, st.ID, model.StagePending, store.StageFields{
		Status:    model.StageClaimed,
		AgentID:   &agentID,
		AgentName: &agentName,
		ClaimedAt: &claimedAt,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, pipelineerr.New("claim_stage", pipelineerr.CodePreconditionFailed,
			fmt.Sprintf("stage %s is %s, not PENDING", stageName, updated.Status))
	}

	s.log.Info("stage claimed", "pipeline_id", pipelineID, "stage", stageName, "agent_id", agentID)
	s.publish(&events.StageClaimedEvent{
		Pipeline: pipelineID, Stage: string(stageName), AgentID: agentID, AgentName: agentName, At: time.Now(),
	})
	s.trace(pipelineID, "claim_stage", "stage", stageName, "agent_id", agentID)
	return updated, nil
}

// StartStage performs CLAIMED -> RUNNING.
func (s *Scheduler) StartStage(ctx context.Context, stageID string) (*model.Stage, error) {
	startedAt := true
	applied, st, err := s.port.CompareAndUpdateStage(ctx, stageID, model.StageClaimed, store.StageFields{
		Status:    model.StageRunning,
		StartedAt: &startedAt,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, pipelineerr.New("start_stage", pipelineerr.CodePreconditionFailed,
			fmt.Sprintf("stage %s is %s, not CLAIMED", stageID, st.Status))
	}
	s.log.Info("stage started", "pipeline_id", st.PipelineID, "stage", st.Name, "agent_id", st.AgentID)
	s.publish(&events.StageStartedEvent{Pipeline: st.PipelineID, Stage: string(st.Name), At: time.Now()})
	s.trace(st.PipelineID, "start_stage", "stage", st.Name)
	return st, nil
}

// CompleteResult is the return value of CompleteStage.
type CompleteResult struct {
	Stage    *model.Stage
	Pipeline *model.Pipeline
}

// CompleteStage transitions {CLAIMED, RUNNING} -> COMPLETE, stamping
// completed_at. In the same atomic unit it appends an Attribution for
// this stage and either advances pipeline.current_stage or, if this
// was the terminal stage, transitions the pipeline to COMPLETE. If the
// pipeline has already transitioned to FAILED, the stage transition
// still applies but the pipeline is left untouched.
func (s *Scheduler) CompleteStage(ctx context.Context, stageID string, output json.RawMessage, artifacts []string) (CompleteResult, error) {
	st, err := s.port.FindStageByID(ctx, stageID)
	if err != nil {
		return CompleteResult{}, err
	}
	p, err := s.port.FindPipeline(ctx, st.PipelineID)
	if err != nil {
		return CompleteResult{}, err
	}

	completedAt := true
	stageFields := store.StageFields{
		Status:      model.StageComplete,
		Output:      (*[]byte)(&output),
		Artifacts:   &artifacts,
		CompletedAt: &completedAt,
	}

	attr := s.attrib.Build(st.PipelineID, st.ID, st.Name, st.AgentID, st.AgentName)

	var advance *store.PipelineFields
	if p.Status == model.PipelineRunning {
		next := registry.Next(st.Name)
		if next == registry.None {
			complete := model.PipelineComplete
			advance = &store.PipelineFields{Status: &complete}
		} else {
			running := model.PipelineRunning
			advance = &store.PipelineFields{Status: &running, CurrentStage: &next}
		}
	}

	applied, updatedStage, updatedPipeline, err := s.port.CompleteStageTx(ctx, stageID,
		[]model.StageStatus{model.StageClaimed, model.StageRunning}, stageFields, attr, advance)
	if err != nil {
		return CompleteResult{}, err
	}
	if !applied {
		return CompleteResult{}, pipelineerr.New("complete_stage", pipelineerr.CodeInvalidState,
			fmt.Sprintf("stage %s is %s, not CLAIMED/RUNNING", stageID, updatedStage.Status))
	}

	s.log.Info("stage completed", "pipeline_id", st.PipelineID, "stage", st.Name, "agent_id", st.AgentID)
	now := time.Now()
	s.publish(&events.StageCompletedEvent{Pipeline: st.PipelineID, Stage: string(st.Name), AgentID: st.AgentID, At: now})
	// attr was already written atomically inside CompleteStageTx above;
	// publish its event here rather than through attribution.Engine.Record,
	// which would re-write it.
	s.publish(&events.AttributionRecordedEvent{Pipeline: st.PipelineID, Stage: string(st.Name), AgentID: attr.AgentID, Percentage: attr.Percentage, At: now})
	s.trace(st.PipelineID, "complete_stage", "stage", st.Name, "agent_id", st.AgentID)
	if updatedPipeline.Status == model.PipelineComplete {
		s.publish(&events.PipelineCompletedEvent{Pipeline: st.PipelineID, At: now})
		s.trace(st.PipelineID, "pipeline_complete")
		s.closeTrace(st.PipelineID)
	}
	return CompleteResult{Stage: updatedStage, Pipeline: updatedPipeline}, nil
}

// FailStage transitions {CLAIMED, RUNNING} -> FAILED and the pipeline
// -> FAILED. No attribution is recorded.
func (s *Scheduler) FailStage(ctx context.Context, stageID string, errText string) (CompleteResult, error) {
	st, err := s.port.FindStageByID(ctx, stageID)
	if err != nil {
		return CompleteResult{}, err
	}

	applied, updatedStage, err := s.port.CompareAndUpdateStage(ctx, stageID, model.StageClaimed, store.StageFields{
		Status: model.StageFailed,
		Error:  &errText,
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if !applied {
		applied, updatedStage, err = s.port.CompareAndUpdateStage(ctx, stageID, model.StageRunning, store.StageFields{
			Status: model.StageFailed,
			Error:  &errText,
		})
		if err != nil {
			return CompleteResult{}, err
		}
	}
	if !applied {
		return CompleteResult{}, pipelineerr.New("fail_stage", pipelineerr.CodeInvalidState,
			fmt.Sprintf("stage %s is %s, not CLAIMED/RUNNING", stageID, updatedStage.Status))
	}

	failed := model.PipelineFailed
	updatedPipeline, err := s.port.UpdatePipeline(ctx, st.PipelineID, store.PipelineFields{Status: &failed})
	if err != nil {
		return CompleteResult{}, err
	}

	s.log.Warn("stage failed", "pipeline_id", st.PipelineID, "stage", st.Name, "error", errText)
	now := time.Now()
	s.publish(&events.StageFailedEvent{Pipeline: st.PipelineID, Stage: string(st.Name), Error: errText, At: now})
	s.publish(&events.PipelineFailedEvent{Pipeline: st.PipelineID, At: now})
	s.trace(st.PipelineID, "fail_stage", "stage", st.Name, "error", errText)
	s.closeTrace(st.PipelineID)
	return CompleteResult{Stage: updatedStage, Pipeline: updatedPipeline}, nil
}

// GetPipeline returns a pipeline and its ordered stages.
func (s *Scheduler) GetPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, []*model.Stage, error) {
	p, err := s.port.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	stages, err := s.port.ListPipelineStages(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(stages, func(i, j int) bool {
		return registry.OrderOf(stages[i].Name) < registry.OrderOf(stages[j].Name)
	})
	return p, stages, nil
}

// ListPipelines is a read view filtered by status, most recent first.
func (s *Scheduler) ListPipelines(ctx context.Context, filter model.PipelineFilter, limit int) ([]*model.Pipeline, error) {
	return s.port.ListPipelines(ctx, filter, limit)
}
