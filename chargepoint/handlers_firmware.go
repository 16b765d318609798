package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"

	"charge_point/queue"
)

func (cp *ChargePoint) handleGetDiagnostics(msg queue.EnhancedMessage) {
	var req firmware.GetDiagnosticsRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := firmware.GetDiagnosticsConfirmation{}
	if cp.callbacks.UploadDiagnostics != nil {
		response.FileName = cp.callbacks.UploadDiagnostics(req)
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleUpdateFirmware(msg queue.EnhancedMessage) {
	var req firmware.UpdateFirmwareRequest
	if !cp.bind(msg, &req) {
		return
	}

	if cp.callbacks.UpdateFirmware != nil {
		cp.callbacks.UpdateFirmware(req)
	}
	cp.sendCallResult(msg.UniqueID, &firmware.UpdateFirmwareConfirmation{})
}

func (cp *ChargePoint) handleSignedUpdateFirmware(msg queue.EnhancedMessage) {
	var req securefirmware.SignedUpdateFirmwareRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := securefirmware.SignedUpdateFirmwareResponse{}
	if cp.callbacks.VerifyFirmwareSigningCert != nil &&
		!cp.callbacks.VerifyFirmwareSigningCert(req.Firmware.SigningCertificate) {
		response.Status = securefirmware.UpdateFirmwareStatusInvalidCertificate
	} else if cp.callbacks.SignedUpdateFirmware != nil {
		response.Status = cp.callbacks.SignedUpdateFirmware(req)
	} else {
		response.Status = securefirmware.UpdateFirmwareStatusRejected
	}
	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status == securefirmware.UpdateFirmwareStatusInvalidCertificate {
		cp.securityEventNotification("InvalidFirmwareSigningCertificate", "certificate is invalid")
	}
}

func (cp *ChargePoint) handleGetLog(msg queue.EnhancedMessage) {
	var req logging.GetLogRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := logging.GetLogResponse{Status: logging.LogStatusRejected}
	if cp.callbacks.UploadLogs != nil {
		status, fileName := cp.callbacks.UploadLogs(req)
		response.Status = status
		response.Filename = fileName
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

// --- status notification senders; the latest value is cached so trigger
// messages can re-emit it ---

func (cp *ChargePoint) diagnosticsStatusNotification(status firmware.DiagnosticsStatus) {
	cp.statusMu.Lock()
	cp.diagnosticsStatus = status
	cp.statusMu.Unlock()

	req := firmware.NewDiagnosticsStatusNotificationRequest(status)
	cp.send(firmware.DiagnosticsStatusNotificationFeatureName, req)
}

func (cp *ChargePoint) firmwareStatusNotification(status firmware.FirmwareStatus) {
	cp.statusMu.Lock()
	cp.firmwareStatus = status
	cp.statusMu.Unlock()

	req := firmware.NewFirmwareStatusNotificationRequest(status)
	cp.send(firmware.FirmwareStatusNotificationFeatureName, req)
}

func (cp *ChargePoint) logStatusNotification(status logging.UploadLogStatus, requestID int) {
	cp.statusMu.Lock()
	cp.logStatus = status
	cp.logStatusRequestID = requestID
	cp.statusMu.Unlock()

	req := logging.LogStatusNotificationRequest{Status: status, RequestID: requestID}
	cp.send(logging.LogStatusNotificationFeatureName, &req)
}

func (cp *ChargePoint) signedFirmwareStatusNotification(status securefirmware.FirmwareStatus, requestID int) {
	cp.statusMu.Lock()
	cp.signedFirmwareStatus = status
	cp.signedFirmwareRequestID = requestID
	cp.statusMu.Unlock()

	req := securefirmware.SignedFirmwareStatusNotificationRequest{Status: status, RequestID: &requestID}
	cp.send(securefirmware.SignedFirmwareStatusNotificationFeatureName, &req)

	if string(status) == "InvalidSignature" {
		cp.securityEventNotification("InvalidFirmwareSignature", "firmware signature verification failed")
	}
}

// OnLogStatusNotification reports upload progress from the log uploader. A
// request id of -1 marks a plain diagnostics upload.
func (cp *ChargePoint) OnLogStatusNotification(requestID int, status string) {
	if requestID != -1 {
		cp.logStatusNotification(logging.UploadLogStatus(status), requestID)
		return
	}
	// DiagnosticsStatus spells UploadFailure differently
	if status == "UploadFailure" {
		status = "UploadFailed"
	}
	cp.diagnosticsStatusNotification(firmware.DiagnosticsStatus(status))
}

// OnFirmwareUpdateStatusNotification reports firmware installation progress.
// A request id of -1 marks an unsigned legacy update.
func (cp *ChargePoint) OnFirmwareUpdateStatusNotification(requestID int, status string) {
	if requestID != -1 {
		cp.signedFirmwareStatusNotification(securefirmware.FirmwareStatus(status), requestID)
		return
	}
	cp.firmwareStatusNotification(firmware.FirmwareStatus(status))
}
