// Package model defines the Pipeline, Stage, and Attribution entities
// that the scheduler and store port operate on.
package model

import (
	"encoding/json"
	"time"

	"github.com/nexxia-ai/reelforge/registry"
)

// PipelineStatus is the lifecycle status of a Pipeline.
type PipelineStatus string

const (
	PipelineDraft    PipelineStatus = "DRAFT"
	PipelineRunning  PipelineStatus = "RUNNING"
	PipelineComplete PipelineStatus = "COMPLETE"
	PipelineFailed   PipelineStatus = "FAILED"
)

// Terminal reports whether a pipeline in this status admits no further
// stage transitions.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineComplete || s == PipelineFailed
}

// StageStatus is the lifecycle status of a single Stage.
type StageStatus string

const (
	StagePending  StageStatus = "PENDING"
	StageClaimed  StageStatus = "CLAIMED"
	StageRunning  StageStatus = "RUNNING"
	StageComplete StageStatus = "COMPLETE"
	StageFailed   StageStatus = "FAILED"
	StageSkipped  StageStatus = "SKIPPED"
)

// Terminal reports whether a stage in this status is immutable.
func (s StageStatus) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageSkipped
}

// Owned reports whether a stage in this status has a single claiming
// agent and may not be claimed by anyone else.
func (s StageStatus) Owned() bool {
	return s == StageClaimed || s == StageRunning
}

// Pipeline is a single run instance.
type Pipeline struct {
	ID           string
	Topic        string
	Description  string
	Status       PipelineStatus
	CurrentStage registry.StageName
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stage is one slot within a pipeline, identified by (PipelineID, Name).
type Stage struct {
	ID          string
	PipelineID  string
	Name        registry.StageName
	Status      StageStatus
	AgentID     string
	AgentName   string
	Output      json.RawMessage
	Artifacts   []string
	Error       string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Attribution is an immutable record that agent earned the weight of
// stage_name within pipeline_id.
type Attribution struct {
	ID         string
	PipelineID string
	StageID    string
	StageName  registry.StageName
	AgentID    string
	AgentName  string
	Percentage int
	CreatedAt  time.Time
}

// ReadyItem is one entry of the scheduler's ready set: a RUNNING
// pipeline paired with its earliest claimable stage.
type ReadyItem struct {
	Pipeline *Pipeline
	Stage    *Stage
}

// PipelineFilter narrows list_pipelines by status; a zero value lists
// every status.
type PipelineFilter struct {
	Status PipelineStatus
}
