package chargepoint

import (
	"sync"
	"testing"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionRecord struct {
	connector int
	errorCode core.ChargePointErrorCode
	status    core.ChargePointStatus
}

type transitionRecorder struct {
	mu      sync.Mutex
	records []transitionRecord
}

func (r *transitionRecorder) record(connector int, errorCode core.ChargePointErrorCode, status core.ChargePointStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, transitionRecord{connector, errorCode, status})
}

func (r *transitionRecorder) all() []transitionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transitionRecord, len(r.records))
	copy(out, r.records)
	return out
}

func TestChargingSessionStateFlow(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(2, rec.record)

	s.submitEvent(1, EventUsageInitiated)
	assert.Equal(t, core.ChargePointStatusPreparing, s.state(1))

	s.submitEvent(1, EventStartCharging)
	assert.Equal(t, core.ChargePointStatusCharging, s.state(1))

	s.submitEvent(1, EventPauseChargingEV)
	assert.Equal(t, core.ChargePointStatusSuspendedEV, s.state(1))

	s.submitEvent(1, EventStartCharging)
	assert.Equal(t, core.ChargePointStatusCharging, s.state(1))

	s.submitEvent(1, EventTransactionStoppedAndUserActionRequired)
	assert.Equal(t, core.ChargePointStatusFinishing, s.state(1))

	s.submitEvent(1, EventBecomeAvailable)
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(1))

	// the sibling connector never moved
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(2))
}

func TestIllegalTransitionIsIgnored(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(2, rec.record)

	s.submitEvent(1, EventTransactionStoppedAndUserActionRequired)
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(1))
	assert.Empty(t, rec.all())
}

func TestFaultCarriesErrorCode(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(2, rec.record)

	s.submitFault(1, core.GroundFailure)
	assert.Equal(t, core.ChargePointStatusFaulted, s.state(1))

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.GroundFailure, records[0].errorCode)

	s.submitEvent(1, EventI1ReturnToAvailable)
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(1))
}

func TestConnectorZeroReducedAlphabet(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(2, rec.record)

	// session events mean nothing on the virtual connector
	s.submitEvent(0, EventUsageInitiated)
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(0))

	s.submitEvent(0, EventChangeAvailabilityToUnavailable)
	assert.Equal(t, core.ChargePointStatusUnavailable, s.state(0))

	s.submitEvent(0, EventBecomeAvailable)
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(0))
}

func TestRunAppliesPersistedAvailability(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(2, rec.record)

	s.run(map[int]core.AvailabilityType{
		0: core.AvailabilityTypeOperative,
		1: core.AvailabilityTypeInoperative,
		2: core.AvailabilityTypeOperative,
	})

	assert.Equal(t, core.ChargePointStatusAvailable, s.state(0))
	assert.Equal(t, core.ChargePointStatusUnavailable, s.state(1))
	assert.Equal(t, core.ChargePointStatusAvailable, s.state(2))
	// one notification per connector, connector 0 included
	assert.Len(t, rec.all(), 3)
}

func TestReservationFlow(t *testing.T) {
	rec := &transitionRecorder{}
	s := newChargePointStates(1, rec.record)

	s.submitEvent(1, EventReserveConnector)
	assert.Equal(t, core.ChargePointStatusReserved, s.state(1))

	s.submitEvent(1, EventUsageInitiated)
	assert.Equal(t, core.ChargePointStatusPreparing, s.state(1))
}
