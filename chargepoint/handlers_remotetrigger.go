package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/extendedtriggermessage"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/queue"
)

func (cp *ChargePoint) handleTriggerMessage(msg queue.EnhancedMessage) {
	var req remotetrigger.TriggerMessageRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := remotetrigger.TriggerMessageConfirmation{Status: remotetrigger.TriggerMessageStatusNotImplemented}
	switch string(req.RequestedMessage) {
	case core.BootNotificationFeatureName,
		firmware.DiagnosticsStatusNotificationFeatureName,
		firmware.FirmwareStatusNotificationFeatureName,
		core.HeartbeatFeatureName,
		core.MeterValuesFeatureName,
		core.StatusNotificationFeatureName:
		response.Status = remotetrigger.TriggerMessageStatusAccepted
	}

	connector := 0
	if req.ConnectorId != nil {
		connector = *req.ConnectorId
	}
	if connector < 0 || connector > cp.cfg.NumConnectors {
		response.Status = remotetrigger.TriggerMessageStatusRejected
	}

	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status != remotetrigger.TriggerMessageStatusAccepted {
		return
	}

	// the triggered message goes out after the response
	switch string(req.RequestedMessage) {
	case core.BootNotificationFeatureName:
		cp.bootNotification()
	case firmware.DiagnosticsStatusNotificationFeatureName:
		cp.diagnosticsStatusNotification(cp.currentDiagnosticsStatus())
	case firmware.FirmwareStatusNotificationFeatureName:
		cp.firmwareStatusNotification(cp.currentFirmwareStatus())
	case core.HeartbeatFeatureName:
		cp.heartbeat()
	case core.MeterValuesFeatureName:
		cp.sendMeterValue(connector, cp.latestMeterValue(connector, cp.cfg.MeterValuesSampledData(), types.ReadingContextTrigger))
	case core.StatusNotificationFeatureName:
		cp.statusNotification(connector, core.NoError, cp.states.state(connector))
	}
}

func (cp *ChargePoint) handleExtendedTriggerMessage(msg queue.EnhancedMessage) {
	var req extendedtriggermessage.ExtendedTriggerMessageRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := extendedtriggermessage.ExtendedTriggerMessageResponse{Status: extendedtriggermessage.ExtendedTriggerMessageStatusRejected}
	switch string(req.RequestedMessage) {
	case core.BootNotificationFeatureName,
		firmware.FirmwareStatusNotificationFeatureName,
		core.HeartbeatFeatureName,
		logging.LogStatusNotificationFeatureName,
		core.MeterValuesFeatureName,
		core.StatusNotificationFeatureName:
		response.Status = extendedtriggermessage.ExtendedTriggerMessageStatusAccepted
	case "SignChargePointCertificate":
		if cp.cfg.CpoName() != "" {
			response.Status = extendedtriggermessage.ExtendedTriggerMessageStatusAccepted
		} else {
			logDefault(extendedtriggermessage.ExtendedTriggerMessageFeatureName).
				Warn("SignChargePointCertificate requested but no CpoName is set")
		}
	}

	connector := 0
	if req.ConnectorId != nil {
		connector = *req.ConnectorId
	}
	if connector < 0 || connector > cp.cfg.NumConnectors {
		response.Status = extendedtriggermessage.ExtendedTriggerMessageStatusRejected
	}

	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status != extendedtriggermessage.ExtendedTriggerMessageStatusAccepted {
		return
	}

	switch string(req.RequestedMessage) {
	case core.BootNotificationFeatureName:
		cp.bootNotification()
	case firmware.FirmwareStatusNotificationFeatureName:
		status, requestID := cp.currentSignedFirmwareStatus()
		cp.signedFirmwareStatusNotification(status, requestID)
	case core.HeartbeatFeatureName:
		cp.heartbeat()
	case logging.LogStatusNotificationFeatureName:
		status, requestID := cp.currentLogStatus()
		cp.logStatusNotification(status, requestID)
	case core.MeterValuesFeatureName:
		cp.sendMeterValue(connector, cp.latestMeterValue(connector, cp.cfg.MeterValuesSampledData(), types.ReadingContextTrigger))
	case "SignChargePointCertificate":
		cp.signCertificate()
	case core.StatusNotificationFeatureName:
		cp.statusNotification(connector, core.NoError, cp.states.state(connector))
	}
}

func (cp *ChargePoint) currentDiagnosticsStatus() firmware.DiagnosticsStatus {
	cp.statusMu.Lock()
	defer cp.statusMu.Unlock()
	return cp.diagnosticsStatus
}

func (cp *ChargePoint) currentFirmwareStatus() firmware.FirmwareStatus {
	cp.statusMu.Lock()
	defer cp.statusMu.Unlock()
	return cp.firmwareStatus
}

func (cp *ChargePoint) currentLogStatus() (logging.UploadLogStatus, int) {
	cp.statusMu.Lock()
	defer cp.statusMu.Unlock()
	return cp.logStatus, cp.logStatusRequestID
}

func (cp *ChargePoint) currentSignedFirmwareStatus() (securefirmware.FirmwareStatus, int) {
	cp.statusMu.Lock()
	defer cp.statusMu.Unlock()
	return cp.signedFirmwareStatus, cp.signedFirmwareRequestID
}
