package chargepoint

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/common"
	"charge_point/store"
)

// OnSessionStarted is called by the EVSE when a user plugs in or authorizes.
func (cp *ChargePoint) OnSessionStarted(connector int, sessionID string, reason common.SessionStartedReason) {
	cp.log.Debugf("session on connector %d started with reason %v", connector, reason)
	state := cp.states.state(connector)
	// a reservation holds its state until the reserving user authorizes
	if state != core.ChargePointStatusReserved || reason == common.SessionStartedAuthorized {
		cp.states.submitEvent(connector, EventUsageInitiated)
	}
}

// OnSessionStopped is called when the EV is unplugged without or after a
// transaction.
func (cp *ChargePoint) OnSessionStopped(connector int) {
	switch cp.states.state(connector) {
	case core.ChargePointStatusFaulted:
		cp.states.submitEvent(connector, EventI1ReturnToAvailable)
	case core.ChargePointStatusReserved, core.ChargePointStatusUnavailable:
	default:
		cp.states.submitEvent(connector, EventBecomeAvailable)
	}
}

// OnTransactionStarted begins a charging session: it registers the
// transaction, persists it, arms the periodic meter sampler and queues
// StartTransaction.
func (cp *ChargePoint) OnTransactionStarted(connector int, sessionID, idToken string, meterStartWh float64, reservationID *int, timestamp time.Time) {
	if cp.states.state(connector) == core.ChargePointStatusReserved {
		cp.states.submitEvent(connector, EventUsageInitiated)
	}

	t := newTransaction(connector, sessionID, idToken, common.StampedEnergyWh{Timestamp: timestamp, EnergyWh: meterStartWh}, reservationID)
	if err := cp.txns.addTransaction(t); err != nil {
		cp.log.WithError(err).Error("starting transaction")
		return
	}
	if err := cp.st.InsertTransaction(store.TransactionRecord{
		SessionID:      sessionID,
		TransactionID:  -1,
		ConnectorID:    connector,
		IDTag:          idToken,
		StartTimestamp: timestamp,
		MeterStart:     round(meterStartWh),
	}); err != nil {
		cp.log.WithError(err).Error("persisting transaction")
	}
	t.startSampling(cp.cfg.MeterValueSampleInterval(), cp.sampleConnector(connector))
	cp.startTransaction(t)
	cp.notify("transaction.started", map[string]interface{}{
		"connectorId": connector,
		"sessionId":   sessionID,
		"idTag":       idToken,
	})
}

func (cp *ChargePoint) startTransaction(t *Transaction) {
	req := core.NewStartTransactionRequest(t.Connector(), t.IDTag(), round(t.StartEnergyWh().EnergyWh), types.NewDateTime(t.StartEnergyWh().Timestamp))
	if t.ReservationID() != nil {
		req.ReservationId = t.ReservationID()
	}
	messageID := cp.q.CreateMessageID()
	t.setStartMessageID(messageID)
	cp.sendWithID(messageID, core.StartTransactionFeatureName, req)
}

// OnTransactionStopped finishes the session on a connector and queues
// StopTransaction.
func (cp *ChargePoint) OnTransactionStopped(connector int, sessionID string, reason core.Reason, timestamp time.Time, energyWhImport float64, idTagEnd string) {
	t := cp.txns.transaction(connector)
	if t == nil {
		cp.log.Warnf("no active transaction on connector %d to stop", connector)
		return
	}
	t.SetStopEnergyWh(common.StampedEnergyWh{Timestamp: timestamp, EnergyWh: energyWhImport})

	cp.states.submitEvent(connector, EventTransactionStoppedAndUserActionRequired)
	cp.stopTransaction(connector, reason, idTagEnd)
	if err := cp.st.CloseTransaction(sessionID, round(energyWhImport), timestamp, idTagEnd, string(reason)); err != nil {
		cp.log.WithError(err).Error("closing persisted transaction")
	}
	t.stopSampling()
	cp.txns.removeActiveTransaction(connector)
	purpose := types.ChargingProfilePurposeTxProfile
	cp.smartCharging.clearProfilesWithFilter(nil, &connector, nil, &purpose)
	cp.notify("transaction.stopped", map[string]interface{}{
		"connectorId": connector,
		"sessionId":   sessionID,
		"reason":      string(reason),
	})
}

func (cp *ChargePoint) stopTransaction(connector int, reason core.Reason, idTagEnd string) {
	t := cp.txns.transaction(connector)
	if t == nil {
		return
	}
	stop := t.StopEnergyWh()
	if stop == nil {
		cp.log.Warnf("stopping transaction on connector %d without stop meter value", connector)
		stop = &common.StampedEnergyWh{Timestamp: time.Now(), EnergyWh: t.StartEnergyWh().EnergyWh}
	}

	if reason == core.ReasonEVDisconnected && cp.cfg.UnlockConnectorOnEVSideDisconnect() && cp.callbacks.UnlockConnector != nil {
		cp.callbacks.UnlockConnector(connector)
	}

	req := core.NewStopTransactionRequest(round(stop.EnergyWh), types.NewDateTime(stop.Timestamp), t.TransactionID())
	req.Reason = reason
	if idTagEnd != "" {
		req.IdTag = idTagEnd
		t.setIDTagEnd(idTagEnd)
	}
	if data := t.TransactionData(); len(data) > 0 {
		req.TransactionData = data
	}

	messageID := cp.q.CreateMessageID()
	t.setStopMessageID(messageID)
	t.setFinished()
	cp.txns.addStoppedTransaction(t)

	cp.stopTransactionMu.Lock()
	cp.sendWithID(messageID, core.StopTransactionFeatureName, req)
	cp.stopTransactionMu.Unlock()
}

// stopPendingTransactions closes sessions that were interrupted by a power
// loss. The last durably known meter value is the start value, so that is
// what goes out as meterStop.
func (cp *ChargePoint) stopPendingTransactions() {
	pending, err := cp.st.PendingTransactions()
	if err != nil {
		cp.log.WithError(err).Error("loading pending transactions")
		return
	}
	for _, rec := range pending {
		ts := time.Now()
		req := core.NewStopTransactionRequest(rec.MeterStart, types.NewDateTime(ts), rec.TransactionID)
		req.Reason = core.ReasonPowerLoss

		cp.stopTransactionMu.Lock()
		cp.send(core.StopTransactionFeatureName, req)
		cp.stopTransactionMu.Unlock()

		if err := cp.st.CloseTransaction(rec.SessionID, rec.MeterStart, ts, "", string(core.ReasonPowerLoss)); err != nil {
			cp.log.WithError(err).Error("closing interrupted transaction")
		}
	}
}

// StopAllTransactions pushes every active transaction through the stop
// callback; the EVSE adapter answers with OnTransactionStopped.
func (cp *ChargePoint) StopAllTransactions(reason core.Reason) {
	for connector := 1; connector <= cp.cfg.NumConnectors; connector++ {
		if !cp.txns.transactionActive(connector) {
			continue
		}
		if cp.callbacks.StopTransaction == nil {
			cp.log.Warn("no stop transaction callback registered")
			return
		}
		cp.callbacks.StopTransaction(connector, reason)
	}
}

// OnSuspendChargingEV signals that the EV paused the charge.
func (cp *ChargePoint) OnSuspendChargingEV(connector int) {
	cp.states.submitEvent(connector, EventPauseChargingEV)
}

// OnSuspendChargingEVSE signals that the EVSE paused the charge.
func (cp *ChargePoint) OnSuspendChargingEVSE(connector int) {
	cp.states.submitEvent(connector, EventPauseChargingEVSE)
}

// OnResumeCharging signals that energy is flowing again.
func (cp *ChargePoint) OnResumeCharging(connector int) {
	cp.states.submitEvent(connector, EventStartCharging)
}

// OnError reports a hardware fault on a connector.
func (cp *ChargePoint) OnError(connector int, errorCode core.ChargePointErrorCode) {
	cp.states.submitFault(connector, errorCode)
}

// OnReservationStart marks a connector reserved.
func (cp *ChargePoint) OnReservationStart(connector int) {
	cp.states.submitEvent(connector, EventReserveConnector)
}

// OnReservationEnd releases a reserved connector.
func (cp *ChargePoint) OnReservationEnd(connector int) {
	cp.states.submitEvent(connector, EventBecomeAvailable)
}

func (cp *ChargePoint) waitForTransactionsStopped(budget time.Duration) {
	deadline := time.Now().Add(budget)
	wakeup := time.AfterFunc(budget, func() { cp.stopTransactionCond.Broadcast() })
	defer wakeup.Stop()

	cp.stopTransactionMu.Lock()
	for cp.txns.anyActive() && time.Now().Before(deadline) {
		cp.stopTransactionCond.Wait()
	}
	cp.stopTransactionMu.Unlock()
}
