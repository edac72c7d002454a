// Package stagekit realizes the Stage Contract: a Handler interface
// with a validate/execute split, a registry keyed by stage name, and
// reflection-driven schema validation over struct tags. The scheduler
// does not import this package and never knows about a handler.
package stagekit

import (
	"context"
	"encoding/json"

	"github.com/nexxia-ai/reelforge/registry"
)

// ExecContext carries everything a handler needs to execute a stage.
// PreviousOutput is nil for the pipeline's first stage.
type ExecContext struct {
	Context        context.Context
	PipelineID     string
	StageID        string
	StageName      registry.StageName
	Input          json.RawMessage
	PreviousOutput json.RawMessage
	DryRun         bool
}

// Result is the outcome of execute. Exactly one of Output or Error is
// meaningful, selected by Success.
type Result struct {
	Success   bool
	Output    json.RawMessage
	Artifacts []string
	Metadata  json.RawMessage
	Error     string
}

// Success builds a successful Result.
func Success(output any, artifacts []string, metadata any) (Result, error) {
	out, err := json.Marshal(output)
	if err != nil {
		return Result{}, err
	}
	var meta json.RawMessage
	if metadata != nil {
		meta, err = json.Marshal(metadata)
		if err != nil {
			return Result{}, err
		}
	}
	return Result{Success: true, Output: out, Artifacts: artifacts, Metadata: meta}, nil
}

// Failure builds a failed Result. execute returning a Failure result
// (as opposed to a Go error) signals a handled, expected failure the
// caller should record as the stage's error, not retry automatically.
func Failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

// ValidationResult is the outcome of validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Handler is the Stage Contract every stage implementation satisfies.
type Handler interface {
	// StageName identifies which registry stage this handler serves.
	StageName() registry.StageName

	// Validate is synchronous and pure; it never mutates state.
	Validate(input json.RawMessage) ValidationResult

	// Execute performs the stage's work. It must be side-effect-safe on
	// failure and retry-safe: rerunning after a transient failure
	// should produce a functionally equivalent output.
	Execute(ec ExecContext) (Result, error)
}
