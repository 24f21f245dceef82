// Package progress defines the event stream emitted by batch runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindRunStart Kind = "RUN_START"
	KindItemDone Kind = "ITEM_DONE"
	KindRunDone  Kind = "RUN_DONE"
)

// Event captures one milestone of a stage run.
type Event struct {
	// Kind denotes the milestone.
	Kind Kind
	// RunID identifies the stage run.
	RunID uuid.UUID
	// Stage names the pipeline stage, e.g. "scrape" or "analyze".
	Stage string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Partition scopes item events to their fairness key.
	Partition string
	// Status is the item outcome, or the final run state on RUN_DONE.
	Status string
	// Cost is the amount charged for an item, or the run total on RUN_DONE.
	Cost float64
	// Tokens carries model usage.
	Tokens int64
	// Items is the batch size on RUN_START and the processed count on RUN_DONE.
	Items int
	// Dur is the item execution or whole-run duration.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate rejects events no sink could attribute.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.Stage == "" {
		return errors.New("stage is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone:
	case KindItemDone:
		if e.Status == "" {
			return errors.New("item event requires a status")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
