// Package events publishes run progress to live subscribers.
package events

import (
	"time"

	"cap-harness/internal/probe"
)

// EventType represents the type of event
type EventType string

const (
	// EventScenarioStart is emitted when a scenario run begins
	EventScenarioStart EventType = "scenario_start"
	// EventScenarioEnd is emitted once the scenario result is sealed
	EventScenarioEnd EventType = "scenario_end"
	// EventPhaseStart is emitted when a phase (preflight, workload, fault, recovery) begins
	EventPhaseStart EventType = "phase_start"
	// EventPhaseEnd is emitted when a phase ends
	EventPhaseEnd EventType = "phase_end"
	// EventProbe is emitted for every counted probe outcome
	EventProbe EventType = "probe"
	// EventBreakerTrip is emitted when a phase's circuit breaker trips
	EventBreakerTrip EventType = "breaker_trip"
	// EventFaultStart is emitted after a fault window has been opened
	EventFaultStart EventType = "fault_start"
	// EventFaultStop is emitted after a fault window has been closed
	EventFaultStop EventType = "fault_stop"
	// EventRecoverySuccess is emitted when the store serves writes again after a fault
	EventRecoverySuccess EventType = "recovery_success"
	// EventRecoveryFailed is emitted when the store did not recover in time
	EventRecoveryFailed EventType = "recovery_failed"
)

// Event represents a progress event of one scenario run
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Scenario  string    `json:"scenario"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Phase     string `json:"phase,omitempty"`
	Key       string `json:"key,omitempty"`
	Kind      string `json:"kind,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LagMs     int64  `json:"lag_ms,omitempty"`
	Purchase  string `json:"purchase,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newEvent(t EventType, runID, scenario string, data EventData) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		RunID:     runID,
		Scenario:  scenario,
		Data:      data,
	}
}

// NewScenarioStartEvent creates a scenario start event
func NewScenarioStartEvent(runID, scenario string) Event {
	return newEvent(EventScenarioStart, runID, scenario, EventData{})
}

// NewScenarioEndEvent creates a scenario end event
func NewScenarioEndEvent(runID, scenario, reason string, elapsed time.Duration) Event {
	return newEvent(EventScenarioEnd, runID, scenario, EventData{
		Reason:    reason,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// NewPhaseStartEvent creates a phase start event
func NewPhaseStartEvent(runID, scenario, phase string) Event {
	return newEvent(EventPhaseStart, runID, scenario, EventData{Phase: phase})
}

// NewPhaseEndEvent creates a phase end event
func NewPhaseEndEvent(runID, scenario, phase, reason string, elapsed time.Duration) Event {
	return newEvent(EventPhaseEnd, runID, scenario, EventData{
		Phase:     phase,
		Reason:    reason,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// NewProbeEvent creates an event for one probe outcome
func NewProbeEvent(runID, scenario, phase string, o probe.Outcome) Event {
	data := EventData{
		Phase:    phase,
		Key:      o.Key,
		Kind:     o.Kind.String(),
		Attempts: o.Attempts,
		LagMs:    o.Lag.Milliseconds(),
	}
	if o.Purchase != probe.PurchaseNone {
		data.Purchase = o.Purchase.String()
	}
	if o.Kind == probe.KindError {
		data.ErrorKind = o.ErrorKind.String()
		if o.Err != nil {
			data.Error = o.Err.Error()
		}
	}
	return newEvent(EventProbe, runID, scenario, data)
}

// NewBreakerTripEvent creates a breaker trip event
func NewBreakerTripEvent(runID, scenario, phase, reason string) Event {
	return newEvent(EventBreakerTrip, runID, scenario, EventData{Phase: phase, Reason: reason})
}

// NewFaultStartEvent creates a fault start event
func NewFaultStartEvent(runID, scenario, mode string) Event {
	return newEvent(EventFaultStart, runID, scenario, EventData{Reason: mode})
}

// NewFaultStopEvent creates a fault stop event
func NewFaultStopEvent(runID, scenario string, err error) Event {
	data := EventData{}
	if err != nil {
		data.Error = err.Error()
	}
	return newEvent(EventFaultStop, runID, scenario, data)
}

// NewRecoverySuccessEvent creates a recovery success event
func NewRecoverySuccessEvent(runID, scenario string, attempts int, elapsed time.Duration) Event {
	return newEvent(EventRecoverySuccess, runID, scenario, EventData{
		Attempts:  attempts,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// NewRecoveryFailedEvent creates a recovery failed event
func NewRecoveryFailedEvent(runID, scenario string, attempts int, err error) Event {
	data := EventData{Attempts: attempts}
	if err != nil {
		data.Error = err.Error()
	}
	return newEvent(EventRecoveryFailed, runID, scenario, data)
}
