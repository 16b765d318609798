package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"

	"charge_point/queue"
	"charge_point/store"
)

func (cp *ChargePoint) handleSendLocalList(msg queue.EnhancedMessage) {
	var req localauth.SendLocalListRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := localauth.SendLocalListConfirmation{Status: localauth.UpdateStatusFailed}
	if !cp.cfg.LocalAuthListEnabled() {
		response.Status = localauth.UpdateStatusNotSupported
		cp.sendCallResult(msg.UniqueID, &response)
		return
	}

	entries := make([]store.LocalListEntry, 0, len(req.LocalAuthorizationList))
	for _, data := range req.LocalAuthorizationList {
		entries = append(entries, store.LocalListEntry{IDTag: data.IdTag, Info: data.IdTagInfo})
	}

	switch req.UpdateType {
	case localauth.UpdateTypeFull:
		if err := cp.st.ReplaceLocalList(req.ListVersion, entries); err != nil {
			cp.log.WithError(err).Error("replacing local authorization list")
		} else {
			response.Status = localauth.UpdateStatusAccepted
		}
	case localauth.UpdateTypeDifferential:
		current, err := cp.st.LocalListVersion()
		if err != nil {
			cp.log.WithError(err).Error("reading local list version")
		} else if current >= req.ListVersion {
			response.Status = localauth.UpdateStatusVersionMismatch
		} else if err := cp.st.MergeLocalList(req.ListVersion, entries); err != nil {
			cp.log.WithError(err).Error("merging local authorization list")
		} else {
			response.Status = localauth.UpdateStatusAccepted
		}
	}

	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleGetLocalListVersion(msg queue.EnhancedMessage) {
	var req localauth.GetLocalListVersionRequest
	if !cp.bind(msg, &req) {
		return
	}

	// -1 advertises that local list management is unsupported
	version := -1
	if cp.cfg.HasFeatureProfile("LocalAuthListManagement") {
		v, err := cp.st.LocalListVersion()
		if err != nil {
			cp.log.WithError(err).Error("reading local list version")
		} else {
			version = v
		}
	}

	response := localauth.GetLocalListVersionConfirmation{ListVersion: version}
	cp.sendCallResult(msg.UniqueID, &response)
}
