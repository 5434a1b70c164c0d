package pipeline

import (
	"time"

	"github.com/example/tierdeploy/internal/ledger"
)

// EventType enumerates structured run events.
//
// These values are persisted by the history store and drive the console
// renderer.
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunCompleted EventType = "RUN_COMPLETED"

	TierStarted   EventType = "TIER_STARTED"
	TierCompleted EventType = "TIER_COMPLETED"

	PackageStarted   EventType = "PACKAGE_STARTED"
	PackageSucceeded EventType = "PACKAGE_SUCCEEDED"
	PackageFailed    EventType = "PACKAGE_FAILED"
	PackageExcluded  EventType = "PACKAGE_EXCLUDED"

	StepSkipped    EventType = "STEP_SKIPPED"
	StepRunning    EventType = "STEP_RUNNING"
	StepSucceeded  EventType = "STEP_SUCCEEDED"
	StepFailed     EventType = "STEP_FAILED"
	RetryScheduled EventType = "RETRY_SCHEDULED"

	// StepLog carries one line of command output. It is not stored.
	StepLog EventType = "STEP_LOG"
)

// Event is one observable transition of a run.
type Event struct {
	Type      EventType
	Time      time.Time
	Tier      int
	TierCount int
	Package   string
	Step      ledger.Step
	Attempt   int
	Decision  Decision
	Message   string
	Duration  time.Duration
	Err       error
}

// Observer receives events. Calls are serialized by the executor.
type Observer interface {
	ObserveEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveEvent(ev Event) {
	if f == nil {
		return
	}
	f(ev)
}

// Observers fans an event out to several observers.
type Observers []Observer

func (o Observers) ObserveEvent(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveEvent(ev)
		}
	}
}
