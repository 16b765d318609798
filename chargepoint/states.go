package chargepoint

import (
	"sync"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"
)

// Event drives the per-connector status state machine.
type Event int

const (
	EventUsageInitiated Event = iota
	EventStartCharging
	EventPauseChargingEV
	EventPauseChargingEVSE
	EventTransactionStoppedAndUserActionRequired
	EventReserveConnector
	EventBecomeAvailable
	EventChangeAvailabilityToUnavailable
	EventFaultDetected
	EventI1ReturnToAvailable
)

func (e Event) String() string {
	switch e {
	case EventUsageInitiated:
		return "UsageInitiated"
	case EventStartCharging:
		return "StartCharging"
	case EventPauseChargingEV:
		return "PauseChargingEV"
	case EventPauseChargingEVSE:
		return "PauseChargingEVSE"
	case EventTransactionStoppedAndUserActionRequired:
		return "TransactionStoppedAndUserActionRequired"
	case EventReserveConnector:
		return "ReserveConnector"
	case EventBecomeAvailable:
		return "BecomeAvailable"
	case EventChangeAvailabilityToUnavailable:
		return "ChangeAvailabilityToUnavailable"
	case EventFaultDetected:
		return "FaultDetected"
	case EventI1ReturnToAvailable:
		return "I1ReturnToAvailable"
	}
	return "Unknown"
}

// transitions for physical connectors (1..N).
var connectorTransitions = map[core.ChargePointStatus]map[Event]core.ChargePointStatus{
	core.ChargePointStatusAvailable: {
		EventUsageInitiated:                   core.ChargePointStatusPreparing,
		EventStartCharging:                    core.ChargePointStatusCharging,
		EventPauseChargingEV:                  core.ChargePointStatusSuspendedEV,
		EventPauseChargingEVSE:                core.ChargePointStatusSuspendedEVSE,
		EventReserveConnector:                 core.ChargePointStatusReserved,
		EventChangeAvailabilityToUnavailable:  core.ChargePointStatusUnavailable,
		EventFaultDetected:                    core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusPreparing: {
		EventStartCharging:     core.ChargePointStatusCharging,
		EventPauseChargingEV:   core.ChargePointStatusSuspendedEV,
		EventPauseChargingEVSE: core.ChargePointStatusSuspendedEVSE,
		EventTransactionStoppedAndUserActionRequired: core.ChargePointStatusFinishing,
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusCharging: {
		EventPauseChargingEV:   core.ChargePointStatusSuspendedEV,
		EventPauseChargingEVSE: core.ChargePointStatusSuspendedEVSE,
		EventTransactionStoppedAndUserActionRequired: core.ChargePointStatusFinishing,
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusSuspendedEV: {
		EventStartCharging:     core.ChargePointStatusCharging,
		EventPauseChargingEVSE: core.ChargePointStatusSuspendedEVSE,
		EventTransactionStoppedAndUserActionRequired: core.ChargePointStatusFinishing,
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusSuspendedEVSE: {
		EventStartCharging:   core.ChargePointStatusCharging,
		EventPauseChargingEV: core.ChargePointStatusSuspendedEV,
		EventTransactionStoppedAndUserActionRequired: core.ChargePointStatusFinishing,
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusFinishing: {
		EventUsageInitiated:                  core.ChargePointStatusPreparing,
		EventBecomeAvailable:                 core.ChargePointStatusAvailable,
		EventChangeAvailabilityToUnavailable: core.ChargePointStatusUnavailable,
		EventFaultDetected:                   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusReserved: {
		EventUsageInitiated:                  core.ChargePointStatusPreparing,
		EventBecomeAvailable:                 core.ChargePointStatusAvailable,
		EventChangeAvailabilityToUnavailable: core.ChargePointStatusUnavailable,
		EventFaultDetected:                   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusUnavailable: {
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusFaulted: {
		EventI1ReturnToAvailable:             core.ChargePointStatusAvailable,
		EventChangeAvailabilityToUnavailable: core.ChargePointStatusUnavailable,
	},
}

// connector 0 speaks a reduced alphabet.
var connectorZeroTransitions = map[core.ChargePointStatus]map[Event]core.ChargePointStatus{
	core.ChargePointStatusAvailable: {
		EventChangeAvailabilityToUnavailable: core.ChargePointStatusUnavailable,
		EventFaultDetected:                   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusUnavailable: {
		EventBecomeAvailable: core.ChargePointStatusAvailable,
		EventFaultDetected:   core.ChargePointStatusFaulted,
	},
	core.ChargePointStatusFaulted: {
		EventI1ReturnToAvailable:             core.ChargePointStatusAvailable,
		EventBecomeAvailable:                 core.ChargePointStatusAvailable,
		EventChangeAvailabilityToUnavailable: core.ChargePointStatusUnavailable,
	},
}

// chargePointStates holds one state machine per connector, connector 0
// included. Every transition is reported through onTransition, which the
// charge point debounces into StatusNotification messages.
type chargePointStates struct {
	mu           sync.Mutex
	states       []core.ChargePointStatus
	errorCodes   []core.ChargePointErrorCode
	onTransition func(connector int, errorCode core.ChargePointErrorCode, status core.ChargePointStatus)
}

func newChargePointStates(numConnectors int, onTransition func(connector int, errorCode core.ChargePointErrorCode, status core.ChargePointStatus)) *chargePointStates {
	s := &chargePointStates{
		states:       make([]core.ChargePointStatus, numConnectors+1),
		errorCodes:   make([]core.ChargePointErrorCode, numConnectors+1),
		onTransition: onTransition,
	}
	for i := range s.states {
		s.states[i] = core.ChargePointStatusAvailable
		s.errorCodes[i] = core.NoError
	}
	return s
}

// run drives every connector to its initial state from the persisted
// availability and emits the initial notifications.
func (s *chargePointStates) run(availability map[int]core.AvailabilityType) {
	s.mu.Lock()
	pending := make([]core.ChargePointStatus, len(s.states))
	for connector := range s.states {
		status := core.ChargePointStatusAvailable
		if availability[connector] == core.AvailabilityTypeInoperative {
			status = core.ChargePointStatusUnavailable
		}
		s.states[connector] = status
		s.errorCodes[connector] = core.NoError
		pending[connector] = status
	}
	onTransition := s.onTransition
	s.mu.Unlock()

	for connector, status := range pending {
		onTransition(connector, core.NoError, status)
	}
}

func (s *chargePointStates) submitEvent(connector int, event Event) {
	s.submit(connector, event, core.NoError)
}

func (s *chargePointStates) submitFault(connector int, errorCode core.ChargePointErrorCode) {
	s.submit(connector, EventFaultDetected, errorCode)
}

func (s *chargePointStates) submit(connector int, event Event, errorCode core.ChargePointErrorCode) {
	s.mu.Lock()
	if connector < 0 || connector >= len(s.states) {
		s.mu.Unlock()
		return
	}
	table := connectorTransitions
	if connector == 0 {
		table = connectorZeroTransitions
	}
	current := s.states[connector]
	next, ok := table[current][event]
	if !ok {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{"connector": connector, "state": current, "event": event}).
			Warn("illegal state transition requested")
		return
	}
	s.states[connector] = next
	if event == EventFaultDetected {
		s.errorCodes[connector] = errorCode
	} else {
		s.errorCodes[connector] = core.NoError
	}
	onTransition := s.onTransition
	s.mu.Unlock()

	onTransition(connector, errorCode, next)
}

func (s *chargePointStates) state(connector int) core.ChargePointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connector < 0 || connector >= len(s.states) {
		return core.ChargePointStatusUnavailable
	}
	return s.states[connector]
}
