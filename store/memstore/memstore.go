// Package memstore is a process-local, mutex-guarded implementation of
// store.Port. It is the default backend for tests and examples: every
// read returns a defensive copy so callers can never mutate state out
// from under the lock.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/pipelineerr"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store"
)

// Store is an in-memory store.Port implementation.
type Store struct {
	// id identifies this store instance, e.g. for disambiguating
	// multiple in-memory stores in a process's logs; it plays no role
	// in the data it holds.
	id string

	mu sync.RWMutex

	pipelines map[string]*model.Pipeline
	stages    map[string]*model.Stage
	// stageIndex maps pipelineID -> stageName -> stageID for FindStage.
	stageIndex map[string]map[registry.StageName]string
	// attrIndex maps pipelineID -> stageName -> attribution to enforce
	// the (pipeline_id, stage_name) uniqueness constraint.
	attrIndex map[string]map[registry.StageName]*model.Attribution
}

var _ store.Port = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		id:         uuid.NewString(),
		pipelines:  make(map[string]*model.Pipeline),
		stages:     make(map[string]*model.Stage),
		stageIndex: make(map[string]map[registry.StageName]string),
		attrIndex:  make(map[string]map[registry.StageName]*model.Attribution),
	}
}

// ID identifies this store instance, useful when a process holds more
// than one (e.g. in tests).
func (s *Store) ID() string { return s.id }

func (s *Store) newID() string {
	return ulid.Make().String()
}

func (s *Store) CreatePipelineWithStages(ctx context.Context, topic, description string, stages []registry.StageName) (*model.Pipeline, []*model.Stage, error) {
	if topic == "" {
		return nil, nil, pipelineerr.New("create_pipeline", pipelineerr.CodeInvalidInput, "topic must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p := &model.Pipeline{
		ID:           s.newID(),
		Topic:        topic,
		Description:  description,
		Status:       model.PipelineDraft,
		CurrentStage: registry.First(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.pipelines[p.ID] = p
	s.stageIndex[p.ID] = make(map[registry.StageName]string)

	out := make([]*model.Stage, 0, len(stages))
	for _, name := range stages {
		st := &model.Stage{
			ID:         s.newID(),
			PipelineID: p.ID,
			Name:       name,
			Status:     model.StagePending,
			CreatedAt:  now,
		}
		s.stages[st.ID] = st
		s.stageIndex[p.ID][name] = st.ID
		out = append(out, cloneStage(st))
	}

	return clonePipeline(p), out, nil
}

func (s *Store) FindPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, pipelineerr.New("find_pipeline", pipelineerr.CodeNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
	}
	return clonePipeline(p), nil
}

func (s *Store) FindStage(ctx context.Context, pipelineID string, name registry.StageName) (*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.stageIndex[pipelineID]
	if !ok {
		return nil, pipelineerr.New("find_stage", pipelineerr.CodeNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
	}
	stageID, ok := idx[name]
	if !ok {
		return nil, pipelineerr.New("find_stage", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found in pipeline %s", name, pipelineID))
	}
	return cloneStage(s.stages[stageID]), nil
}

func (s *Store) FindStageByID(ctx context.Context, stageID string) (*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stages[stageID]
	if !ok {
		return nil, pipelineerr.New("find_stage_by_id", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found", stageID))
	}
	return cloneStage(st), nil
}

func (s *Store) ListPipelineStages(ctx context.Context, pipelineID string) ([]*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.stageIndex[pipelineID]
	if !ok {
		return nil, pipelineerr.New("list_pipeline_stages", pipelineerr.CodeNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
	}

	names := registry.Stages()
	out := make([]*model.Stage, 0, len(names))
	for _, name := range names {
		if id, ok := idx[name]; ok {
			out = append(out, cloneStage(s.stages[id]))
		}
	}
	return out, nil
}

func (s *Store) ListRunningPipelinesWithStages(ctx context.Context) ([]*model.Pipeline, map[string][]*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var running []*model.Pipeline
	for _, p := range s.pipelines {
		if p.Status == model.PipelineRunning {
			running = append(running, clonePipeline(p))
		}
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].CreatedAt.Before(running[j].CreatedAt)
	})

	byPipeline := make(map[string][]*model.Stage, len(running))
	for _, p := range running {
		idx := s.stageIndex[p.ID]
		names := registry.Stages()
		stages := make([]*model.Stage, 0, len(names))
		for _, name := range names {
			if id, ok := idx[name]; ok {
				stages = append(stages, cloneStage(s.stages[id]))
			}
		}
		byPipeline[p.ID] = stages
	}

	return running, byPipeline, nil
}

func (s *Store) ListPipelines(ctx context.Context, filter model.PipelineFilter, limit int) ([]*model.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Pipeline
	for _, p := range s.pipelines {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, clonePipeline(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CompareAndUpdateStage(ctx context.Context, stageID string, expectedStatus model.StageStatus, fields store.StageFields) (bool, *model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[stageID]
	if !ok {
		return false, nil, pipelineerr.New("compare_and_update_stage", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found", stageID))
	}
	if st.Status != expectedStatus {
		return false, cloneStage(st), nil
	}

	applyStageFields(st, fields)
	return true, cloneStage(st), nil
}

func (s *Store) UpdatePipeline(ctx context.Context, pipelineID string, fields store.PipelineFields) (*model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, pipelineerr.New("update_pipeline", pipelineerr.CodeNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
	}
	applyPipelineFields(p, fields)
	return clonePipeline(p), nil
}

func (s *Store) CompleteStageTx(ctx context.Context, stageID string, expectedStatuses []model.StageStatus, stageFields store.StageFields, attribution *model.Attribution, advancePipeline *store.PipelineFields) (bool, *model.Stage, *model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[stageID]
	if !ok {
		return false, nil, nil, pipelineerr.New("complete_stage", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found", stageID))
	}
	if !statusIn(st.Status, expectedStatuses) {
		return false, cloneStage(st), nil, nil
	}

	applyStageFields(st, stageFields)

	if attribution != nil {
		s.appendAttributionLocked(attribution)
	}

	var p *model.Pipeline
	if advancePipeline != nil {
		var ok bool
		p, ok = s.pipelines[st.PipelineID]
		if ok {
			applyPipelineFields(p, *advancePipeline)
			p = clonePipeline(p)
		}
	} else if existing, ok := s.pipelines[st.PipelineID]; ok {
		p = clonePipeline(existing)
	}

	return true, cloneStage(st), p, nil
}

func (s *Store) AppendAttribution(ctx context.Context, a *model.Attribution) (*model.Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAttributionLocked(a), nil
}

func (s *Store) appendAttributionLocked(a *model.Attribution) *model.Attribution {
	byStage, ok := s.attrIndex[a.PipelineID]
	if !ok {
		byStage = make(map[registry.StageName]*model.Attribution)
		s.attrIndex[a.PipelineID] = byStage
	}
	if existing, ok := byStage[a.StageName]; ok {
		return cloneAttribution(existing)
	}

	stored := *a
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	byStage[a.StageName] = &stored
	return cloneAttribution(&stored)
}

func (s *Store) ListAttributions(ctx context.Context, pipelineID string) ([]*model.Attribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStage := s.attrIndex[pipelineID]
	out := make([]*model.Attribution, 0, len(byStage))
	for _, name := range registry.Stages() {
		if a, ok := byStage[name]; ok {
			out = append(out, cloneAttribution(a))
		}
	}
	return out, nil
}

func statusIn(status model.StageStatus, set []model.StageStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func applyStageFields(st *model.Stage, fields store.StageFields) {
	now := time.Now()
	if fields.Status != "" {
		st.Status = fields.Status
	}
	if fields.AgentID != nil {
		st.AgentID = *fields.AgentID
	}
	if fields.AgentName != nil {
		st.AgentName = *fields.AgentName
	}
	if fields.Output != nil {
		st.Output = append([]byte(nil), *fields.Output...)
	}
	if fields.Artifacts != nil {
		st.Artifacts = append([]string(nil), *fields.Artifacts...)
	}
	if fields.Error != nil {
		st.Error = *fields.Error
	}
	if fields.ClaimedAt != nil && *fields.ClaimedAt {
		st.ClaimedAt = &now
	}
	if fields.StartedAt != nil && *fields.StartedAt {
		st.StartedAt = &now
	}
	if fields.CompletedAt != nil && *fields.CompletedAt {
		st.CompletedAt = &now
	}
}

func applyPipelineFields(p *model.Pipeline, fields store.PipelineFields) {
	if fields.Status != nil {
		p.Status = *fields.Status
	}
	if fields.CurrentStage != nil {
		p.CurrentStage = *fields.CurrentStage
	}
	p.UpdatedAt = time.Now()
}

func clonePipeline(p *model.Pipeline) *model.Pipeline {
	c := *p
	return &c
}

func cloneStage(st *model.Stage) *model.Stage {
	c := *st
	if st.Output != nil {
		c.Output = append([]byte(nil), st.Output...)
	}
	if st.Artifacts != nil {
		c.Artifacts = append([]string(nil), st.Artifacts...)
	}
	if st.ClaimedAt != nil {
		t := *st.ClaimedAt
		c.ClaimedAt = &t
	}
	if st.StartedAt != nil {
		t := *st.StartedAt
		c.StartedAt = &t
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneAttribution(a *model.Attribution) *model.Attribution {
	c := *a
	return &c
}
