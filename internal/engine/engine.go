// Package engine implements the workflow sequencing and dispatch core: the
// per-step state machine, the sequencer that advances completed work along a
// batch's blueprint, the dispatcher that claims and hands off pending work,
// and the entity coalescer that deduplicates shared company/person steps.
//
// All coordination goes through conditional updates in the state store;
// ticks may overlap freely across goroutines or processes.
package engine

import (
	"context"
)

// Store combines the store slices both tick phases need.
type Store interface {
	DispatchStore
	SequenceStore
}

// Engine bundles the two tick phases behind the entry points an external
// scheduler invokes.
type Engine struct {
	sequencer  *Sequencer
	dispatcher *Dispatcher
	trigger    *Trigger
	logger     Logger
}

// New creates an Engine.
func New(store Store, registry *Registry, logger Logger) *Engine {
	return &Engine{
		sequencer:  NewSequencer(store, logger),
		dispatcher: NewDispatcher(store, registry, logger),
		trigger:    NewTrigger(),
		logger:     logger,
	}
}

// Trigger returns the advancement trigger receivers poke after completions.
func (e *Engine) Trigger() *Trigger {
	return e.trigger
}

// RunSequencerTick advances completed work.
func (e *Engine) RunSequencerTick(ctx context.Context, limit int) (AdvanceSummary, error) {
	return e.sequencer.Advance(ctx, limit)
}

// RunDispatcherTick starts new work.
func (e *Engine) RunDispatcherTick(ctx context.Context, limit int) (DispatchSummary, error) {
	return e.dispatcher.Dispatch(ctx, limit)
}

// RunTick runs one full scheduling tick: sequencer first so freshly
// completed steps spawn successors, then dispatcher so those successors are
// picked up in the same tick.
func (e *Engine) RunTick(ctx context.Context, limit int) (TickReport, error) {
	var report TickReport

	seq, err := e.RunSequencerTick(ctx, limit)
	report.Sequencer = seq
	if err != nil {
		return report, err
	}

	disp, err := e.RunDispatcherTick(ctx, limit)
	report.Dispatcher = disp
	return report, err
}
