package chargepoint

import (
	"encoding/json"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/certificates"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/extendedtriggermessage"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/security"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"charge_point/queue"
)

func logDefault(feature string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"message": feature})
}

// supportedReceiving lists every message type this charge point dispatches,
// CALLs and the responses it awaits alike.
var supportedReceiving = map[string]bool{
	core.AuthorizeFeatureName:                       true,
	core.BootNotificationFeatureName:                true,
	core.ChangeAvailabilityFeatureName:              true,
	core.ChangeConfigurationFeatureName:             true,
	core.ClearCacheFeatureName:                      true,
	core.DataTransferFeatureName:                    true,
	core.GetConfigurationFeatureName:                true,
	core.HeartbeatFeatureName:                       true,
	core.MeterValuesFeatureName:                     true,
	core.RemoteStartTransactionFeatureName:          true,
	core.RemoteStopTransactionFeatureName:           true,
	core.ResetFeatureName:                           true,
	core.StartTransactionFeatureName:                true,
	core.StatusNotificationFeatureName:              true,
	core.StopTransactionFeatureName:                 true,
	core.UnlockConnectorFeatureName:                 true,
	smartcharging.SetChargingProfileFeatureName:     true,
	smartcharging.GetCompositeScheduleFeatureName:   true,
	smartcharging.ClearChargingProfileFeatureName:   true,
	remotetrigger.TriggerMessageFeatureName:         true,
	firmware.GetDiagnosticsFeatureName:              true,
	firmware.DiagnosticsStatusNotificationFeatureName: true,
	firmware.FirmwareStatusNotificationFeatureName:  true,
	firmware.UpdateFirmwareFeatureName:              true,
	reservation.ReserveNowFeatureName:               true,
	reservation.CancelReservationFeatureName:        true,
	localauth.SendLocalListFeatureName:              true,
	localauth.GetLocalListVersionFeatureName:        true,
	security.CertificateSignedFeatureName:           true,
	security.SignCertificateFeatureName:             true,
	security.SecurityEventNotificationFeatureName:   true,
	certificates.GetInstalledCertificateIdsFeatureName: true,
	certificates.DeleteCertificateFeatureName:       true,
	certificates.InstallCertificateFeatureName:      true,
	logging.GetLogFeatureName:                       true,
	logging.LogStatusNotificationFeatureName:        true,
	securefirmware.SignedFirmwareStatusNotificationFeatureName: true,
	securefirmware.SignedUpdateFirmwareFeatureName:  true,
	extendedtriggermessage.ExtendedTriggerMessageFeatureName:   true,
}

// messageCallback is the transport read path: correlation first, then
// state-gated dispatch.
func (cp *ChargePoint) messageCallback(data []byte) error {
	msg, err := cp.q.Receive(data)
	if err != nil {
		cp.log.WithError(err).Warn("dropping inbound frame")
		if msg.UniqueID != "" && msg.TypeID == ocppj.CALL {
			cp.sendCallError(msg.UniqueID, ocppj.FormatViolationV16, err.Error())
		}
		return nil
	}

	if !supportedReceiving[msg.Action] {
		cp.log.WithField("action", msg.Action).Warn("received an unsupported message")
		if msg.TypeID == ocppj.CALL {
			cp.sendCallError(msg.UniqueID, ocppj.NotSupported, "")
		}
		return nil
	}

	cp.mu.Lock()
	state := cp.connectionState
	registration := cp.registrationStatus
	cp.mu.Unlock()

	isBootResponse := msg.TypeID == ocppj.CALL_RESULT && msg.Action == core.BootNotificationFeatureName
	switch state {
	case ConnectionDisconnected:
		cp.log.Error("received a message in disconnected state")
	case ConnectionConnected:
		if isBootResponse {
			cp.handleBootNotificationResponse(msg.Payload)
		}
	case ConnectionRejected:
		if registration == core.RegistrationStatusRejected && isBootResponse {
			cp.handleBootNotificationResponse(msg.Payload)
		}
	case ConnectionPending:
		if isBootResponse {
			cp.handleBootNotificationResponse(msg.Payload)
		} else if registration == core.RegistrationStatusPending {
			cp.handleMessage(msg)
		}
	case ConnectionBooted:
		if isBootResponse {
			cp.handleBootNotificationResponse(msg.Payload)
		} else {
			cp.handleMessage(msg)
		}
	}
	return nil
}

func (cp *ChargePoint) handleMessage(msg queue.EnhancedMessage) {
	switch msg.TypeID {
	case ocppj.CALL:
		cp.dispatchCall(msg)
	case ocppj.CALL_RESULT:
		cp.dispatchCallResult(msg)
	case ocppj.CALL_ERROR:
		cp.log.WithFields(logrus.Fields{
			"action": msg.Action, "code": msg.CallError.Code, "description": msg.CallError.Description,
		}).Warn("received CALLERROR")
	}
}

func (cp *ChargePoint) dispatchCall(msg queue.EnhancedMessage) {
	switch msg.Action {
	case core.ChangeAvailabilityFeatureName:
		cp.handleChangeAvailability(msg)
	case core.ChangeConfigurationFeatureName:
		cp.handleChangeConfiguration(msg)
	case core.ClearCacheFeatureName:
		cp.handleClearCache(msg)
	case core.DataTransferFeatureName:
		cp.handleDataTransfer(msg)
	case core.GetConfigurationFeatureName:
		cp.handleGetConfiguration(msg)
	case core.RemoteStartTransactionFeatureName:
		cp.handleRemoteStartTransaction(msg)
	case core.RemoteStopTransactionFeatureName:
		cp.handleRemoteStopTransaction(msg)
	case core.ResetFeatureName:
		cp.handleReset(msg)
	case core.UnlockConnectorFeatureName:
		cp.handleUnlockConnector(msg)
	case smartcharging.SetChargingProfileFeatureName:
		cp.handleSetChargingProfile(msg)
	case smartcharging.GetCompositeScheduleFeatureName:
		cp.handleGetCompositeSchedule(msg)
	case smartcharging.ClearChargingProfileFeatureName:
		cp.handleClearChargingProfile(msg)
	case remotetrigger.TriggerMessageFeatureName:
		cp.handleTriggerMessage(msg)
	case firmware.GetDiagnosticsFeatureName:
		cp.handleGetDiagnostics(msg)
	case firmware.UpdateFirmwareFeatureName:
		cp.handleUpdateFirmware(msg)
	case reservation.ReserveNowFeatureName:
		cp.handleReserveNow(msg)
	case reservation.CancelReservationFeatureName:
		cp.handleCancelReservation(msg)
	case localauth.SendLocalListFeatureName:
		cp.handleSendLocalList(msg)
	case localauth.GetLocalListVersionFeatureName:
		cp.handleGetLocalListVersion(msg)
	case security.CertificateSignedFeatureName:
		cp.handleCertificateSigned(msg)
	case certificates.GetInstalledCertificateIdsFeatureName:
		cp.handleGetInstalledCertificateIds(msg)
	case certificates.DeleteCertificateFeatureName:
		cp.handleDeleteCertificate(msg)
	case certificates.InstallCertificateFeatureName:
		cp.handleInstallCertificate(msg)
	case logging.GetLogFeatureName:
		cp.handleGetLog(msg)
	case securefirmware.SignedUpdateFirmwareFeatureName:
		cp.handleSignedUpdateFirmware(msg)
	case extendedtriggermessage.ExtendedTriggerMessageFeatureName:
		cp.handleExtendedTriggerMessage(msg)
	default:
		cp.sendCallError(msg.UniqueID, ocppj.NotSupported, "")
	}
}

func (cp *ChargePoint) dispatchCallResult(msg queue.EnhancedMessage) {
	switch msg.Action {
	case core.StartTransactionFeatureName:
		cp.handleStartTransactionResponse(msg)
	case core.StopTransactionFeatureName:
		cp.handleStopTransactionResponse(msg)
	case core.HeartbeatFeatureName:
		cp.handleHeartbeatResponse(msg)
	default:
		// Authorize and DataTransfer responses complete their futures inside
		// the queue; everything else needs no side effect.
	}
}

// bind unmarshals and validates a CALL payload; on failure the matching
// CALLERROR is sent and false returned.
func (cp *ChargePoint) bind(msg queue.EnhancedMessage, request interface{}) bool {
	if err := json.Unmarshal(msg.Payload, request); err != nil {
		cp.sendCallError(msg.UniqueID, ocppj.FormatViolationV16, err.Error())
		return false
	}
	if err := cp.validate.Struct(request); err != nil {
		cp.sendCallError(msg.UniqueID, ocppj.PropertyConstraintViolation, err.Error())
		return false
	}
	return true
}

func (cp *ChargePoint) sendCallResult(messageID string, payload ocpp.Response) {
	frame, err := queue.MarshalCallResult(messageID, payload)
	if err != nil {
		cp.log.WithError(err).Error("marshalling call result")
		return
	}
	if err := cp.writeFrame(frame); err != nil {
		cp.log.WithError(err).Error("sending call result")
	}
}

func (cp *ChargePoint) sendCallError(messageID string, code ocpp.ErrorCode, description string) {
	frame, err := queue.MarshalCallError(messageID, code, description, nil)
	if err != nil {
		cp.log.WithError(err).Error("marshalling call error")
		return
	}
	if err := cp.writeFrame(frame); err != nil {
		cp.log.WithError(err).Error("sending call error")
	}
}
