package pool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// Event kinds recorded in <poolPath>/events (spec.md §4.11).
const (
	EventFsck         = "fsck"
	EventRemoveUnused = "remove_unused"
)

// EventRecorder appends paired start/end PoolEvent records around a
// long-running pool maintenance operation, so an interrupted run is
// visible the next time events are read back.
type EventRecorder struct {
	path string
}

// NewEventRecorder opens the event log under poolPath.
func NewEventRecorder(poolPath string) *EventRecorder {
	return &EventRecorder{path: filepath.Join(poolPath, "events")}
}

// append rewrites the event log with e appended to its current
// contents. The log is a compressed, atomically-renamed snapshot
// rather than a true append, matching how every other pool record
// (REFCNT, unused) is persisted.
func (r *EventRecorder) append(e *wire.PoolEvent) error {
	events, err := r.All()
	if err != nil {
		return err
	}
	events = append(events, e)
	stream := func(yield func(*wire.PoolEvent) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
	if err := wire.SaveStream[*wire.PoolEvent](r.path, stream, true, true); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Start records the start of an operation (kind is one of the Event*
// constants) and returns a closure that records its end with counts.
func (r *EventRecorder) Start(kind string, now time.Time) (end func(counts map[string]int64) error, err error) {
	if err := r.append(&wire.PoolEvent{Type: kind, Phase: "start", Timestamp: now.Unix()}); err != nil {
		return nil, err
	}
	return func(counts map[string]int64) error {
		return r.append(&wire.PoolEvent{Type: kind, Phase: "end", Timestamp: now.Unix(), Counts: counts})
	}, nil
}

// All reads every recorded event, in append order. A missing log is
// treated as empty.
func (r *EventRecorder) All() ([]*wire.PoolEvent, error) {
	reader, err := wire.Open(r.path, true, func() *wire.PoolEvent { return &wire.PoolEvent{} })
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer reader.Close()
	var events []*wire.PoolEvent
	for e := range reader.All() {
		events = append(events, e)
	}
	return events, reader.Err()
}
