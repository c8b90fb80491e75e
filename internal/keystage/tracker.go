// Package keystage tracks the monotonic "reached key stage" flags of a lead.
package keystage

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
)

// HistoryReader answers whether a lead ever transitioned into a position.
type HistoryReader interface {
	HasStatusEvent(ctx context.Context, leadID string, pipelineID, statusID int64) (bool, error)
}

// Input is the state the tracker needs for one lead.
type Input struct {
	LeadID     string
	PipelineID int64
	StatusID   int64
	Targets    [model.KeyStageSlots]*model.KeyStageTarget
	Reached    model.StageFlags
}

// Tracker derives newly reached key stages.
type Tracker struct {
	history HistoryReader
}

// NewTracker creates a Tracker backed by the status history.
func NewTracker(history HistoryReader) *Tracker {
	return &Tracker{history: history}
}

// Advance returns the flags that must newly become true. Already reached
// and unconfigured slots are skipped. A slot is reached when the current
// position equals its target or any past transition did.
//
// History lookup failures leave that slot unset for this pass and are
// returned joined; flags found for other slots are still returned.
func (t *Tracker) Advance(ctx context.Context, in Input) (model.StageFlags, error) {
	var newly model.StageFlags
	var errs []error

	for i, target := range in.Targets {
		if in.Reached[i] || target == nil {
			continue
		}
		if target.Matches(in.PipelineID, in.StatusID) {
			newly[i] = true
			continue
		}
		if t.history == nil {
			continue
		}
		found, err := t.history.HasStatusEvent(ctx, in.LeadID, target.PipelineID, target.StatusID)
		if err != nil {
			errs = append(errs, eris.Wrapf(err, "keystage: history for stage %d", i+1))
			continue
		}
		newly[i] = found
	}
	return newly, errors.Join(errs...)
}
