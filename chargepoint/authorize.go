package chargepoint

import (
	"encoding/json"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"charge_point/store"
)

// AuthorizeIDToken resolves an id tag: local list first, then cache, then an
// online Authorize round trip. Offline policy is AllowOfflineTxForUnknownId.
func (cp *ChargePoint) AuthorizeIDToken(idTag string) types.IdTagInfo {
	online := false
	if ws := cp.transport(); ws != nil {
		online = ws.IsConnected()
	}

	if (cp.cfg.LocalPreAuthorize() && online) || (cp.cfg.LocalAuthorizeOffline() && !online) {
		if cp.cfg.LocalAuthListEnabled() {
			if info, err := cp.st.LocalListEntry(idTag); err == nil {
				cp.log.WithField("idTag", idTag).Info("found id tag in local authorization list")
				return info
			}
		}
		if cp.cfg.AuthorizationCacheEnabled() && cp.validateAgainstCacheEntries(idTag) {
			info, err := cp.st.AuthCacheEntry(idTag)
			if err == nil {
				cp.log.WithField("idTag", idTag).Info("found valid id tag in authorization cache")
				return info
			}
		}
	}

	future := cp.sendAsync(core.AuthorizeFeatureName, core.NewAuthorizationRequest(idTag))
	msg := <-future

	if !msg.Offline && msg.CallError == nil {
		var conf core.AuthorizeConfirmation
		if err := json.Unmarshal(msg.Payload, &conf); err != nil || conf.IdTagInfo == nil {
			return types.IdTagInfo{Status: types.AuthorizationStatusInvalid}
		}
		if conf.IdTagInfo.Status == types.AuthorizationStatusAccepted {
			if err := cp.st.SetAuthCacheEntry(idTag, *conf.IdTagInfo); err != nil {
				cp.log.WithError(err).Error("caching authorization")
			}
		}
		return *conf.IdTagInfo
	}
	if msg.Offline && cp.cfg.AllowOfflineTxForUnknownID() {
		return types.IdTagInfo{Status: types.AuthorizationStatusAccepted}
	}
	return types.IdTagInfo{Status: types.AuthorizationStatusInvalid}
}

// validateAgainstCacheEntries checks the cache and self-heals expired
// entries: their status is rewritten to Expired and persisted.
func (cp *ChargePoint) validateAgainstCacheEntries(idTag string) bool {
	info, err := cp.st.AuthCacheEntry(idTag)
	if err != nil {
		if err != store.ErrNotFound {
			cp.log.WithError(err).Error("reading authorization cache")
		}
		return false
	}
	if info.Status != types.AuthorizationStatusAccepted {
		return false
	}
	if info.ExpiryDate != nil && info.ExpiryDate.Time.Before(time.Now()) {
		info.Status = types.AuthorizationStatusExpired
		if err := cp.st.SetAuthCacheEntry(idTag, info); err != nil {
			cp.log.WithError(err).Error("expiring authorization cache entry")
		}
		return false
	}
	return true
}

// DataTransfer sends a vendor-specific request and blocks for the response.
// Offline resolves to Rejected, the closest typed status available.
func (cp *ChargePoint) DataTransfer(vendorID, messageID, data string) core.DataTransferConfirmation {
	req := core.NewDataTransferRequest(vendorID)
	req.MessageId = messageID
	if data != "" {
		req.Data = data
	}

	future := cp.sendAsync(core.DataTransferFeatureName, req)
	msg := <-future

	if msg.Offline || msg.CallError != nil {
		return core.DataTransferConfirmation{Status: core.DataTransferStatusRejected}
	}
	var conf core.DataTransferConfirmation
	if err := json.Unmarshal(msg.Payload, &conf); err != nil {
		logrus.WithError(err).Error("parsing DataTransferResponse")
		return core.DataTransferConfirmation{Status: core.DataTransferStatusRejected}
	}
	return conf
}

// RegisterDataTransferCallback routes inbound DataTransfer requests for a
// (vendorId, messageId) pair.
func (cp *ChargePoint) RegisterDataTransferCallback(vendorID, messageID string, callback func(data string)) {
	cp.dataTransferMu.Lock()
	defer cp.dataTransferMu.Unlock()
	if cp.dataTransferCallbacks[vendorID] == nil {
		cp.dataTransferCallbacks[vendorID] = map[string]func(data string){}
	}
	cp.dataTransferCallbacks[vendorID][messageID] = callback
}
