package engine

import (
	"context"

	"enrichflow/backend/pkg/models"
)

// SequenceStore is the slice of the store the sequencer needs.
type SequenceStore interface {
	CompletedUnadvanced(ctx context.Context, limit int) ([]*models.WorkflowState, error)
	BatchBlueprint(ctx context.Context, batchID string) ([]string, error)
	SpawnStep(ctx context.Context, batchID, itemID, stepName string) (bool, error)
	MarkAdvanced(ctx context.Context, stateID string) (bool, error)
}

// Sequencer advances completed steps to their successor according to the
// owning batch's blueprint.
type Sequencer struct {
	store   SequenceStore
	logger  Logger
	metrics *metrics
}

// NewSequencer creates a Sequencer.
func NewSequencer(store SequenceStore, logger Logger) *Sequencer {
	return &Sequencer{
		store:   store,
		logger:  logger,
		metrics: newMetrics(),
	}
}

// Advance runs one sequencer tick over at most limit items.
//
// The blueprint cache is tick-scoped: lookups within one run are coalesced
// but nothing survives the tick, keeping runs independent. Spawning the
// successor is insert-if-absent, so a retried or concurrent tick is
// harmless; MarkAdvanced is the at-most-once commit of the advancement.
// One item's failure never aborts the tick.
func (s *Sequencer) Advance(ctx context.Context, limit int) (AdvanceSummary, error) {
	var summary AdvanceSummary

	completed, err := s.store.CompletedUnadvanced(ctx, limit)
	if err != nil {
		return summary, err
	}
	if len(completed) == 0 {
		s.logger.Debug("sequencer: no completed items to advance")
		return summary, nil
	}

	blueprints := make(map[string][]string)

	for _, st := range completed {
		summary.Processed++

		blueprint, ok := blueprints[st.BatchID]
		if !ok {
			blueprint, err = s.store.BatchBlueprint(ctx, st.BatchID)
			if err != nil {
				s.logger.Error("sequencer: blueprint lookup failed", "batch", st.BatchID, "error", err)
				summary.Errors++
				continue
			}
			blueprints[st.BatchID] = blueprint
		}

		idx := stepIndex(blueprint, st.StepName)
		switch {
		case idx < 0:
			// configuration drift: the step is not in the blueprint. Treat
			// as pipeline-finished so the row is not reprocessed forever.
			s.logger.Warn("sequencer: step not in blueprint", "step", st.StepName, "batch", st.BatchID)
			summary.Finished++

		case idx+1 < len(blueprint):
			next := blueprint[idx+1]
			created, err := s.store.SpawnStep(ctx, st.BatchID, st.ItemID, next)
			if err != nil {
				s.logger.Error("sequencer: spawn failed", "item", st.ItemID, "next", next, "error", err)
				summary.Errors++
				continue
			}
			if created {
				s.logger.Info("sequencer: advanced", "item", st.ItemID, "from", st.StepName, "to", next)
			} else {
				s.logger.Debug("sequencer: successor already exists", "item", st.ItemID, "next", next)
			}
			summary.Advanced++

		default:
			s.logger.Info("sequencer: pipeline complete", "item", st.ItemID, "last", st.StepName)
			summary.Finished++
		}

		if _, err := s.store.MarkAdvanced(ctx, st.ID); err != nil {
			s.logger.Error("sequencer: mark advanced failed", "state", st.ID, "error", err)
			summary.Errors++
		}
	}

	s.metrics.add(ctx, s.metrics.advanced, summary.Advanced)
	s.metrics.add(ctx, s.metrics.finished, summary.Finished)
	s.metrics.add(ctx, s.metrics.errors, summary.Errors)

	s.logger.Info("sequencer: tick complete",
		"processed", summary.Processed, "advanced", summary.Advanced,
		"finished", summary.Finished, "errors", summary.Errors)
	return summary, nil
}

func stepIndex(blueprint []string, step string) int {
	for i, s := range blueprint {
		if s == step {
			return i
		}
	}
	return -1
}
