package history

import (
	"context"
	"time"

	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/go-logr/logr"
)

// Recorder stores pipeline events for one run. Write failures are logged and
// never interrupt the run.
type Recorder struct {
	store *Store
	runID string
	log   logr.Logger
}

// NewRecorder returns an observer that appends events of runID to store.
func NewRecorder(store *Store, runID string, log logr.Logger) *Recorder {
	return &Recorder{store: store, runID: runID, log: log}
}

// ObserveEvent implements pipeline.Observer.
func (r *Recorder) ObserveEvent(ev pipeline.Event) {
	if ev.Type == pipeline.StepLog {
		return
	}
	rec := EventRecord{
		Time:     ev.Time,
		Tier:     ev.Tier,
		Package:  ev.Package,
		Step:     string(ev.Step),
		Type:     string(ev.Type),
		Attempt:  ev.Attempt,
		Decision: string(ev.Decision),
		Message:  ev.Message,
		Duration: ev.Duration,
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.AppendEvent(ctx, r.runID, rec); err != nil {
		r.log.V(1).Info("history write failed", "run", r.runID, "error", err.Error())
	}
}
