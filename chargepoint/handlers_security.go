package chargepoint

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/certificates"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/security"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/queue"
)

// signCertificate generates a CSR through the PKI seam and requests a signed
// client certificate from the central system.
func (cp *ChargePoint) signCertificate() {
	if cp.callbacks.GenerateCSR == nil {
		cp.log.Warn("no CSR generator registered")
		return
	}
	csr, err := cp.callbacks.GenerateCSR(cp.cfg.CpoName(), cp.cfg.Identity.ChargeBoxSerialNumber)
	if err != nil {
		cp.log.WithError(err).Error("generating CSR")
		return
	}
	req := security.SignCertificateRequest{CSR: csr}
	cp.send(security.SignCertificateFeatureName, &req)
}

func (cp *ChargePoint) handleCertificateSigned(msg queue.EnhancedMessage) {
	var req security.CertificateSignedRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := security.CertificateSignedResponse{Status: security.CertificateSignedStatusRejected}
	var validIn time.Duration
	if cp.callbacks.VerifyChargePointCertificate != nil {
		valid, in := cp.callbacks.VerifyChargePointCertificate(req.CertificateChain, cp.cfg.Identity.ChargeBoxSerialNumber)
		if valid {
			validIn = in
			if cp.callbacks.InstallClientCertificate != nil {
				if err := cp.callbacks.InstallClientCertificate(req.CertificateChain); err != nil {
					cp.log.WithError(err).Error("installing client certificate")
				} else {
					response.Status = security.CertificateSignedStatusAccepted
				}
			}
		}
	}

	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status == security.CertificateSignedStatusRejected {
		cp.securityEventNotification("InvalidChargePointCertificate", "certificate chain verification failed")
		return
	}
	// pick the new certificate up by reconnecting once it is valid
	if cp.cfg.SecurityProfile() == 3 {
		if validIn < 0 {
			validIn = time.Second
		}
		cp.reconnect(validIn)
	}
}

func (cp *ChargePoint) handleGetInstalledCertificateIds(msg queue.EnhancedMessage) {
	var req certificates.GetInstalledCertificateIdsRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := certificates.GetInstalledCertificateIdsResponse{Status: certificates.GetInstalledCertificateStatusNotFound}
	if cp.callbacks.InstalledRootCertificateHashes != nil {
		hashes := cp.callbacks.InstalledRootCertificateHashes(req.CertificateType)
		if len(hashes) > 0 {
			response.Status = certificates.GetInstalledCertificateStatusAccepted
			response.CertificateHashData = hashes
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleDeleteCertificate(msg queue.EnhancedMessage) {
	var req certificates.DeleteCertificateRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := certificates.DeleteCertificateResponse{Status: certificates.DeleteCertificateStatusNotFound}
	if cp.callbacks.DeleteRootCertificate != nil {
		if err := cp.callbacks.DeleteRootCertificate(req.CertificateHashData); err != nil {
			cp.log.WithError(err).Warn("deleting root certificate")
			response.Status = certificates.DeleteCertificateStatusFailed
		} else {
			response.Status = certificates.DeleteCertificateStatusAccepted
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleInstallCertificate(msg queue.EnhancedMessage) {
	var req certificates.InstallCertificateRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := certificates.InstallCertificateResponse{Status: certificates.CertificateStatusRejected}
	if cp.callbacks.InstallRootCertificate != nil {
		if err := cp.callbacks.InstallRootCertificate(req.Certificate, req.CertificateType); err != nil {
			cp.log.WithError(err).Warn("installing root certificate")
			response.Status = certificates.CertificateStatusFailed
		} else {
			response.Status = certificates.CertificateStatusAccepted
		}
	}
	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status == certificates.CertificateStatusRejected {
		cp.securityEventNotification("InvalidCentralSystemCertificate", "root certificate rejected")
	}
}

// securityEventNotification raises a security event towards the central
// system; failures here never terminate the session.
func (cp *ChargePoint) securityEventNotification(eventType, techInfo string) {
	req := security.SecurityEventNotificationRequest{
		Type:      eventType,
		Timestamp: types.NewDateTime(time.Now()),
		TechInfo:  techInfo,
	}
	cp.send(security.SecurityEventNotificationFeatureName, &req)
	cp.notify("security.event", map[string]interface{}{"type": eventType, "techInfo": techInfo})
}
