// Package store declares the Persistent Store Port the scheduler and
// attribution engine depend on. Concrete adapters live in subpackages
// (memstore, sqlitestore); the core never imports an adapter directly.
package store

import (
	"context"

	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/registry"
)

// StageFields is the set of mutable Stage columns a caller may set in
// an unconditional or conditional write. Nil pointer fields and an
// empty Status are left untouched.
type StageFields struct {
	Status      model.StageStatus
	AgentID     *string
	AgentName   *string
	Output      *[]byte
	Artifacts   *[]string
	Error       *string
	ClaimedAt   *bool // true sets ClaimedAt = now
	StartedAt   *bool // true sets StartedAt = now
	CompletedAt *bool // true sets CompletedAt = now
}

// PipelineFields is the set of mutable Pipeline columns for an
// unconditional update.
type PipelineFields struct {
	Status       *model.PipelineStatus
	CurrentStage *registry.StageName
}

// Port is the abstract persistence boundary. Every method that can
// observe concurrent writes from other callers must give the
// atomicity guarantee documented on that method.
type Port interface {
	// CreatePipelineWithStages inserts a DRAFT pipeline and its seven
	// PENDING stages in a single atomic write.
	CreatePipelineWithStages(ctx context.Context, topic, description string, stages []registry.StageName) (*model.Pipeline, []*model.Stage, error)

	FindPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error)
	FindStage(ctx context.Context, pipelineID string, name registry.StageName) (*model.Stage, error)
	FindStageByID(ctx context.Context, stageID string) (*model.Stage, error)

	// ListPipelineStages returns every stage of a pipeline ordered by
	// registry order.
	ListPipelineStages(ctx context.Context, pipelineID string) ([]*model.Stage, error)

	// ListRunningPipelinesWithStages returns every RUNNING pipeline
	// together with its stages, ordered by pipeline creation time
	// ascending.
	ListRunningPipelinesWithStages(ctx context.Context) ([]*model.Pipeline, map[string][]*model.Stage, error)

	// ListPipelines is a read view filtered by status, most recent
	// first, bounded by limit (0 means no limit).
	ListPipelines(ctx context.Context, filter model.PipelineFilter, limit int) ([]*model.Pipeline, error)

	// CompareAndUpdateStage atomically applies fields to the stage
	// only if its current status equals expectedStatus. It reports
	// whether the write applied; a false, nil return means the
	// precondition did not hold (the caller should surface
	// PRECONDITION_FAILED), not that an error occurred.
	CompareAndUpdateStage(ctx context.Context, stageID string, expectedStatus model.StageStatus, fields StageFields) (applied bool, stage *model.Stage, err error)

	// UpdatePipeline is an unconditional write of pipeline fields.
	UpdatePipeline(ctx context.Context, pipelineID string, fields PipelineFields) (*model.Pipeline, error)

	// CompleteStageTx performs the composite write behind
	// complete_stage: the stage transition, the attribution insert,
	// and the pipeline update, as one atomic unit. advancePipeline is
	// nil when the pipeline must not be touched (it has already left
	// RUNNING); otherwise it carries the new status/current_stage.
	CompleteStageTx(ctx context.Context, stageID string, expectedStatuses []model.StageStatus, stageFields StageFields, attribution *model.Attribution, advancePipeline *PipelineFields) (applied bool, stage *model.Stage, pipeline *model.Pipeline, err error)

	// AppendAttribution inserts an attribution guarded by the
	// uniqueness constraint on (pipeline_id, stage_name). Inserting a
	// duplicate is a no-op that returns the existing row, not an
	// error, so callers can retry Record without checking first.
	AppendAttribution(ctx context.Context, a *model.Attribution) (*model.Attribution, error)

	ListAttributions(ctx context.Context, pipelineID string) ([]*model.Attribution, error)
}
