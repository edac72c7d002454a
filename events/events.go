// Package events defines the pipeline/stage event types the
// scheduler can publish and an in-process channel-based Bus for
// delivering them: a small Event interface that subscribers switch on
// by concrete type.
package events

import "time"

// Event identifies types that can be sent on a Bus. Subscribers
// typically switch on the concrete type:
//
//	for ev := range bus.Subscribe() {
//		switch e := ev.(type) {
//		case *StageClaimedEvent:
//			...
//		case *StageCompletedEvent:
//			...
//		}
//	}
type Event interface {
	PipelineID() string
}

type StageClaimedEvent struct {
	Pipeline  string
	Stage     string
	AgentID   string
	AgentName string
	At        time.Time
}

func (e *StageClaimedEvent) PipelineID() string { return e.Pipeline }

type StageStartedEvent struct {
	Pipeline string
	Stage    string
	At       time.Time
}

func (e *StageStartedEvent) PipelineID() string { return e.Pipeline }

type StageCompletedEvent struct {
	Pipeline string
	Stage    string
	AgentID  string
	At       time.Time
}

func (e *StageCompletedEvent) PipelineID() string { return e.Pipeline }

type StageFailedEvent struct {
	Pipeline string
	Stage    string
	Error    string
	At       time.Time
}

func (e *StageFailedEvent) PipelineID() string { return e.Pipeline }

type PipelineCompletedEvent struct {
	Pipeline string
	At       time.Time
}

func (e *PipelineCompletedEvent) PipelineID() string { return e.Pipeline }

type PipelineFailedEvent struct {
	Pipeline string
	At       time.Time
}

func (e *PipelineFailedEvent) PipelineID() string { return e.Pipeline }

type AttributionRecordedEvent struct {
	Pipeline   string
	Stage      string
	AgentID    string
	Percentage int
	At         time.Time
}

func (e *AttributionRecordedEvent) PipelineID() string { return e.Pipeline }
