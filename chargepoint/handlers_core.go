package chargepoint

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/config"
	"charge_point/queue"
)

func (cp *ChargePoint) handleChangeAvailability(msg queue.EnhancedMessage) {
	var req core.ChangeAvailabilityRequest
	if !cp.bind(msg, &req) {
		return
	}
	logDefault(core.ChangeAvailabilityFeatureName).Debugf("connector %d -> %v", req.ConnectorId, req.Type)

	response := core.ChangeAvailabilityConfirmation{}
	if req.ConnectorId < 0 || req.ConnectorId > cp.cfg.NumConnectors {
		response.Status = core.AvailabilityStatusRejected
		cp.sendCallResult(msg.UniqueID, &response)
		return
	}

	var connectors []int
	transactionRunning := false
	if req.ConnectorId == 0 {
		for connector := 1; connector <= cp.cfg.NumConnectors; connector++ {
			if cp.txns.transactionActive(connector) {
				transactionRunning = true
				cp.changeAvailabilityMu.Lock()
				cp.changeAvailabilityQueue[connector] = req.Type
				cp.changeAvailabilityMu.Unlock()
			} else {
				connectors = append(connectors, connector)
			}
		}
	} else if cp.txns.transactionActive(req.ConnectorId) {
		transactionRunning = true
		cp.changeAvailabilityMu.Lock()
		cp.changeAvailabilityQueue[req.ConnectorId] = req.Type
		cp.changeAvailabilityMu.Unlock()
	} else {
		connectors = append(connectors, req.ConnectorId)
	}

	if transactionRunning {
		response.Status = core.AvailabilityStatusScheduled
	} else {
		response.Status = core.AvailabilityStatusAccepted
		for _, connector := range connectors {
			cp.applyAvailability(connector, req.Type)
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) applyAvailability(connector int, availability core.AvailabilityType) {
	if err := cp.st.SetConnectorAvailability(connector, string(availability)); err != nil {
		cp.log.WithError(err).Error("persisting connector availability")
	}
	if availability == core.AvailabilityTypeOperative {
		if cp.callbacks.EnableEVSE != nil {
			cp.callbacks.EnableEVSE(connector)
		}
		cp.states.submitEvent(connector, EventBecomeAvailable)
	} else {
		if cp.callbacks.DisableEVSE != nil {
			cp.callbacks.DisableEVSE(connector)
		}
		cp.states.submitEvent(connector, EventChangeAvailabilityToUnavailable)
	}
}

func (cp *ChargePoint) handleChangeConfiguration(msg queue.EnhancedMessage) {
	var req core.ChangeConfigurationRequest
	if !cp.bind(msg, &req) {
		return
	}
	logDefault(core.ChangeConfigurationFeatureName).Debugf("key %v", req.Key)

	// the profile only becomes the configured one once a connection under it
	// succeeds, so it bypasses the generic write path
	if req.Key == config.KeySecurityProfile {
		cp.handleSecurityProfileChange(msg, req.Value)
		return
	}

	response := core.ChangeConfigurationConfirmation{Status: cp.cfg.Set(req.Key, req.Value)}
	// reconnecting keys answer before acting
	responded := false

	if response.Status == core.ConfigurationStatusAccepted {
		switch req.Key {
		case config.KeyHeartbeatInterval:
			cp.updateHeartbeatInterval()
		case config.KeyMeterValueSampleInterval:
			cp.updateMeterValuesSampleInterval()
		case config.KeyClockAlignedDataInterval:
			cp.updateClockAlignedMeterValuesInterval()
		case config.KeyConnectionTimeOut:
			if cp.callbacks.SetConnectionTimeout != nil {
				cp.callbacks.SetConnectionTimeout(cp.cfg.ConnectionTimeOut())
			}
		case config.KeyTransactionMessageAttempts:
			cp.q.UpdateTransactionMessageAttempts(cp.cfg.TransactionMessageAttempts())
		case config.KeyTransactionMessageRetryInterval:
			cp.q.UpdateTransactionMessageRetryInterval(time.Duration(cp.cfg.TransactionMessageRetryInterval()) * time.Second)
		case config.KeyAuthorizationKey:
			switch cp.cfg.SecurityProfile() {
			case 1, 2:
				cp.sendCallResult(msg.UniqueID, &response)
				responded = true
				cp.reconnect(time.Second)
			default:
				cp.log.Debug("AuthorizationKey changed outside basic-auth profiles, nothing to do")
			}
		}
	}

	if !responded {
		cp.sendCallResult(msg.UniqueID, &response)
	}
}

func (cp *ChargePoint) handleSecurityProfileChange(msg queue.EnhancedMessage, value string) {
	response := core.ChangeConfigurationConfirmation{Status: core.ConfigurationStatusRejected}
	newProfile, err := strconv.Atoi(value)
	if err != nil || newProfile < 0 || newProfile > 3 {
		cp.sendCallResult(msg.UniqueID, &response)
		return
	}
	response.Status = core.ConfigurationStatusAccepted
	cp.sendCallResult(msg.UniqueID, &response)

	cp.mu.Lock()
	cp.switchProfileCallback = func() { cp.switchSecurityProfile(newProfile) }
	cp.mu.Unlock()
	// the disconnect callback picks the switch up; transports that close
	// without reporting are swept up right after
	if ws := cp.transport(); ws != nil {
		ws.Stop()
	}
	go cp.runSwitchProfileCallback()
}

func (cp *ChargePoint) handleClearCache(msg queue.EnhancedMessage) {
	var req core.ClearCacheRequest
	if !cp.bind(msg, &req) {
		return
	}
	response := core.ClearCacheConfirmation{Status: core.ClearCacheStatusRejected}
	if cp.cfg.AuthorizationCacheEnabled() {
		if err := cp.st.ClearAuthCache(); err != nil {
			cp.log.WithError(err).Error("clearing authorization cache")
		} else {
			response.Status = core.ClearCacheStatusAccepted
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleDataTransfer(msg queue.EnhancedMessage) {
	var req core.DataTransferRequest
	if !cp.bind(msg, &req) {
		return
	}

	var callback func(data string)
	response := core.DataTransferConfirmation{}
	cp.dataTransferMu.Lock()
	byMessage, knownVendor := cp.dataTransferCallbacks[req.VendorId]
	if !knownVendor {
		response.Status = core.DataTransferStatusUnknownVendorId
	} else if cb, known := byMessage[req.MessageId]; !known {
		response.Status = core.DataTransferStatusUnknownMessageId
	} else {
		response.Status = core.DataTransferStatusAccepted
		callback = cb
	}
	cp.dataTransferMu.Unlock()

	cp.sendCallResult(msg.UniqueID, &response)

	if callback != nil {
		data, _ := req.Data.(string)
		callback(data)
	}
}

func (cp *ChargePoint) handleGetConfiguration(msg queue.EnhancedMessage) {
	var req core.GetConfigurationRequest
	if !cp.bind(msg, &req) {
		return
	}

	var configurationKey []core.ConfigurationKey
	var unknownKey []string
	if len(req.Key) == 0 {
		configurationKey = cp.cfg.GetAll()
	} else {
		for _, key := range req.Key {
			if kv, ok := cp.cfg.Get(key); ok {
				configurationKey = append(configurationKey, kv)
			} else {
				unknownKey = append(unknownKey, key)
			}
		}
	}

	response := core.GetConfigurationConfirmation{ConfigurationKey: configurationKey, UnknownKey: unknownKey}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleRemoteStartTransaction(msg queue.EnhancedMessage) {
	var req core.RemoteStartTransactionRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}
	if req.ConnectorId != nil {
		connector := *req.ConnectorId
		if connector == 0 || connector > cp.cfg.NumConnectors {
			cp.sendCallResult(msg.UniqueID, &response)
			return
		}
		availability, err := cp.st.ConnectorAvailability(connector)
		if err == nil && availability == string(core.AvailabilityTypeInoperative) {
			logDefault(core.RemoteStartTransactionFeatureName).Warn("remote start for inoperative connector")
			cp.sendCallResult(msg.UniqueID, &response)
			return
		}
		if cp.txns.transactionActive(connector) || cp.states.state(connector) == core.ChargePointStatusFinishing {
			cp.sendCallResult(msg.UniqueID, &response)
			return
		}
	}
	if req.ChargingProfile != nil {
		profile := *req.ChargingProfile
		if req.ConnectorId == nil ||
			profile.ChargingProfilePurpose != types.ChargingProfilePurposeTxProfile ||
			!cp.smartCharging.validateProfile(profile, *req.ConnectorId, cp.profileLimits()) {
			cp.sendCallResult(msg.UniqueID, &response)
			return
		}
		cp.smartCharging.addProfile(profile, *req.ConnectorId)
	}

	var referencedConnectors []int
	if req.ConnectorId == nil {
		for connector := 1; connector <= cp.cfg.NumConnectors; connector++ {
			referencedConnectors = append(referencedConnectors, connector)
		}
	} else {
		referencedConnectors = append(referencedConnectors, *req.ConnectorId)
	}

	response.Status = types.RemoteStartStopStatusAccepted
	cp.sendCallResult(msg.UniqueID, &response)

	if cp.callbacks.ProvideToken != nil {
		cp.callbacks.ProvideToken(req.IdTag, referencedConnectors, !cp.cfg.AuthorizeRemoteTxRequests())
	}
}

func (cp *ChargePoint) handleRemoteStopTransaction(msg queue.EnhancedMessage) {
	var req core.RemoteStopTransactionRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := core.RemoteStopTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}
	connector := cp.txns.connectorFromTransactionID(req.TransactionId)
	if connector > 0 {
		response.Status = types.RemoteStartStopStatusAccepted
	}
	cp.sendCallResult(msg.UniqueID, &response)

	if connector > 0 && cp.callbacks.StopTransaction != nil {
		cp.callbacks.StopTransaction(connector, core.ReasonRemote)
	}
}

func (cp *ChargePoint) handleReset(msg queue.EnhancedMessage) {
	var req core.ResetRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := core.ResetConfirmation{Status: core.ResetStatusRejected}
	if cp.callbacks.IsResetAllowed != nil && cp.callbacks.Reset != nil && cp.callbacks.IsResetAllowed(req.Type) {
		response.Status = core.ResetStatusAccepted
	}
	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status != core.ResetStatusAccepted {
		return
	}

	resetType := req.Type
	go func() {
		cp.log.Debug("waiting until all transactions are stopped")
		cp.waitForTransactionsStopped(resetWaitBudget)
		if err := cp.Stop(); err != nil {
			cp.log.WithError(err).Warn("stopping for reset")
		}
		cp.callbacks.Reset(resetType)
	}()
	if resetType == core.ResetTypeSoft {
		cp.StopAllTransactions(core.ReasonSoftReset)
	} else {
		cp.StopAllTransactions(core.ReasonHardReset)
	}
}

func (cp *ChargePoint) handleUnlockConnector(msg queue.EnhancedMessage) {
	var req core.UnlockConnectorRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := core.UnlockConnectorConfirmation{Status: core.UnlockStatusNotSupported}
	if req.ConnectorId >= 1 && req.ConnectorId <= cp.cfg.NumConnectors {
		// not meant to remotely stop a transaction, but an ongoing one is
		// stopped before the connector is released
		if cp.txns.transactionActive(req.ConnectorId) && cp.callbacks.StopTransaction != nil {
			logDefault(core.UnlockConnectorFeatureName).Info("unlock requested with active session")
			cp.callbacks.StopTransaction(req.ConnectorId, core.ReasonUnlockCommand)
		}
		if cp.callbacks.UnlockConnector != nil {
			if cp.callbacks.UnlockConnector(req.ConnectorId) {
				response.Status = core.UnlockStatusUnlocked
			} else {
				response.Status = core.UnlockStatusUnlockFailed
			}
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleHeartbeatResponse(msg queue.EnhancedMessage) {
	var conf core.HeartbeatConfirmation
	if err := json.Unmarshal(msg.Payload, &conf); err != nil {
		cp.log.WithError(err).Error("parsing HeartbeatResponse")
		return
	}
	if cp.callbacks.SetSystemTime != nil && conf.CurrentTime != nil {
		cp.callbacks.SetSystemTime(conf.CurrentTime.Time)
	}
}

func (cp *ChargePoint) handleStartTransactionResponse(msg queue.EnhancedMessage) {
	var conf core.StartTransactionConfirmation
	if err := json.Unmarshal(msg.Payload, &conf); err != nil {
		cp.log.WithError(err).Error("parsing StartTransactionResponse")
		return
	}

	t := cp.txns.transactionByStartMessageID(msg.UniqueID)
	if t == nil {
		cp.log.WithField("messageId", msg.UniqueID).Warn("StartTransactionResponse for unknown transaction")
		cp.q.NotifyStartTransactionHandled()
		return
	}

	// the charge point may have gone offline mid-session with the
	// StopTransaction already queued; patch its transaction id
	if t.Finished() {
		cp.q.AddStoppedTransactionID(t.StopMessageID(), conf.TransactionId)
	}
	cp.q.NotifyStartTransactionHandled()
	t.SetTransactionID(conf.TransactionId)

	parentIDTag := ""
	if conf.IdTagInfo != nil {
		parentIDTag = conf.IdTagInfo.ParentIdTag
	}
	if err := cp.st.UpdateTransactionID(t.SessionID(), conf.TransactionId, parentIDTag); err != nil {
		cp.log.WithError(err).Error("updating persisted transaction id")
	}
	if conf.IdTagInfo != nil {
		if err := cp.st.SetAuthCacheEntry(t.IDTag(), *conf.IdTagInfo); err != nil {
			cp.log.WithError(err).Error("caching authorization")
		}
		if conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
			if cp.callbacks.PauseCharging != nil {
				cp.callbacks.PauseCharging(t.Connector())
			}
			if cp.cfg.StopTransactionOnInvalidID() && cp.callbacks.StopTransaction != nil {
				cp.callbacks.StopTransaction(t.Connector(), core.ReasonDeAuthorized)
			}
		}
	}
}

func (cp *ChargePoint) handleStopTransactionResponse(msg queue.EnhancedMessage) {
	var conf core.StopTransactionConfirmation
	if err := json.Unmarshal(msg.Payload, &conf); err != nil {
		cp.log.WithError(err).Error("parsing StopTransactionResponse")
		return
	}

	t := cp.txns.transactionByStopMessageID(msg.UniqueID)
	if t == nil {
		cp.log.WithField("messageId", msg.UniqueID).Warn("StopTransactionResponse for unknown transaction")
		cp.stopTransactionCond.Broadcast()
		return
	}
	connector := t.Connector()

	if conf.IdTagInfo != nil && t.IDTagEnd() != "" {
		if err := cp.st.SetAuthCacheEntry(t.IDTagEnd(), *conf.IdTagInfo); err != nil {
			cp.log.WithError(err).Error("caching authorization")
		}
	}

	// apply a queued availability change now that the connector is free
	cp.changeAvailabilityMu.Lock()
	availability, changeQueued := cp.changeAvailabilityQueue[connector]
	delete(cp.changeAvailabilityQueue, connector)
	cp.changeAvailabilityMu.Unlock()
	if changeQueued {
		cp.log.Debugf("applying queued availability change of connector %d to %v", connector, availability)
		cp.applyAvailability(connector, availability)
	}

	cp.txns.eraseStoppedTransaction(msg.UniqueID)
	// a Reset waits for this signal
	cp.stopTransactionCond.Broadcast()
}
