package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/store"
)

// Reaper is the optional timeout sweep described in the concurrency
// model: a worker that abandons a CLAIMED/RUNNING stage leaves it
// stuck, and nothing in the core notices on its own. Sweep inspects
// claimed_at/started_at and fails any stage that has sat owned for
// longer than Timeout, preserving single-ownership by going through
// CompareAndUpdateStage with the owned status it last observed.
type Reaper struct {
	port    store.Port
	timeout time.Duration
}

func NewReaper(port store.Port, timeout time.Duration) *Reaper {
	return &Reaper{port: port, timeout: timeout}
}

// Sweep inspects every RUNNING pipeline's stages and fails any that
// have been owned (CLAIMED or RUNNING) longer than the reaper's
// timeout. It returns the ids of stages it failed.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	pipelines, byPipeline, err := r.port.ListRunningPipelinesWithStages(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var reaped []string

	for _, p := range pipelines {
		for _, st := range byPipeline[p.ID] {
			if !st.Status.Owned() {
				continue
			}
			ownedSince := st.ClaimedAt
			if st.Status == model.StageRunning && st.StartedAt != nil {
				ownedSince = st.StartedAt
			}
			if ownedSince == nil || now.Sub(*ownedSince) < r.timeout {
				continue
			}

			errText := fmt.Sprintf("reaped: stage owned by %s past timeout", st.AgentID)
			applied, _, err := r.port.CompareAndUpdateStage(ctx, st.ID, st.Status, store.StageFields{
				Status: model.StageFailed,
				Error:  &errText,
			})
			if err != nil {
				return reaped, err
			}
			if applied {
				failed := model.PipelineFailed
				if _, err := r.port.UpdatePipeline(ctx, p.ID, store.PipelineFields{Status: &failed}); err != nil {
					return reaped, err
				}
				reaped = append(reaped, st.ID)
			}
		}
	}

	return reaped, nil
}
