// Package attribution implements the two operations of the Attribution
// Engine: recording an immutable per-stage credit and distributing an
// arbitrary-precision total across the agents credited on a pipeline.
package attribution

import (
	"context"
	"math/big"
	"time"

	"github.com/nexxia-ai/reelforge/events"
	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store"
)

// Engine records attributions through a store.Port and computes
// distributions over an already-recorded set.
type Engine struct {
	port store.Port
	bus  *events.Bus
}

// New builds an Engine over a store.Port. A nil bus means Record never
// publishes.
func New(port store.Port, bus *events.Bus) *Engine {
	return &Engine{port: port, bus: bus}
}

// Build constructs the Attribution a completed stage earns, without
// writing it anywhere. Scheduler.CompleteStage uses this to fill the
// attribution argument of store.Port.CompleteStageTx so the attribution
// insert rides inside that method's single composite transaction,
// rather than going through Record's own, separate AppendAttribution
// call — two writes for one stage completion would break the
// all-or-nothing guarantee that transaction exists to provide.
func (e *Engine) Build(pipelineID, stageID string, stageName registry.StageName, agentID, agentName string) *model.Attribution {
	return &model.Attribution{
		PipelineID: pipelineID,
		StageID:    stageID,
		StageName:  stageName,
		AgentID:    agentID,
		AgentName:  agentName,
		Percentage: registry.Weight(stageName),
	}
}

// Record appends an Attribution with percentage = registry.Weight(stageName).
// It is idempotent on (pipeline_id, stage_name): a second call for the
// same pair returns the first recorded attribution unchanged. Unlike
// the completion path (which uses Build above), Record performs its
// own write and is for out-of-band attribution — crediting an agent
// for a stage outside the normal claim/complete flow, e.g. backfilling
// an attribution record for a stage completed before this engine
// existed.
func (e *Engine) Record(ctx context.Context, pipelineID, stageID string, stageName registry.StageName, agentID, agentName string) (*model.Attribution, error) {
	a, err := e.port.AppendAttribution(ctx, e.Build(pipelineID, stageID, stageName, agentID, agentName))
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(&events.AttributionRecordedEvent{
			Pipeline: pipelineID, Stage: string(stageName), AgentID: a.AgentID, Percentage: a.Percentage, At: time.Now(),
		})
	}
	return a, nil
}

// Contribution is one (stage, agent) pair as recorded by Record.
type Contribution struct {
	StageName registry.StageName
	AgentID   string
}

// Distribute computes, for a non-negative arbitrary-precision total and
// a set of contributions, an integer share per agent. For each
// contribution share = floor(total * weight_of(stage_name) / 100);
// shares for the same agent across different stages are summed.
//
// The multiply-before-divide order is load-bearing: dividing total by
// 100 first and then multiplying by weight would lose precision for any
// total not already a multiple of 100.
func Distribute(total *big.Int, contributions []Contribution) map[string]*big.Int {
	out := make(map[string]*big.Int)
	hundred := big.NewInt(100)

	for _, c := range contributions {
		weight := big.NewInt(int64(registry.Weight(c.StageName)))
		share := new(big.Int).Mul(total, weight)
		share.Quo(share, hundred)

		if existing, ok := out[c.AgentID]; ok {
			existing.Add(existing, share)
		} else {
			out[c.AgentID] = share
		}
	}

	return out
}

// DistributeFromAttributions is a convenience wrapper over Distribute
// for already-persisted attribution records, e.g. ones loaded via
// store.Port.ListAttributions.
func DistributeFromAttributions(total *big.Int, attrs []*model.Attribution) map[string]*big.Int {
	contributions := make([]Contribution, len(attrs))
	for i, a := range attrs {
		contributions[i] = Contribution{StageName: a.StageName, AgentID: a.AgentID}
	}
	return Distribute(total, contributions)
}
