package chargepoint

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/queue"
)

func (cp *ChargePoint) handleSetChargingProfile(msg queue.EnhancedMessage) {
	var req smartcharging.SetChargingProfileRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusRejected}
	if req.ChargingProfile == nil {
		cp.sendCallResult(msg.UniqueID, &response)
		return
	}
	profile := *req.ChargingProfile

	supported := false
	for _, purpose := range cp.cfg.SupportedChargingProfilePurposeTypes() {
		if purpose == profile.ChargingProfilePurpose {
			supported = true
		}
	}
	switch {
	case !supported:
		logDefault(smartcharging.SetChargingProfileFeatureName).
			Warnf("rejecting: purpose %v is not supported", profile.ChargingProfilePurpose)
	case cp.smartCharging.validateProfile(profile, req.ConnectorId, cp.profileLimits()):
		response.Status = smartcharging.ChargingProfileStatusAccepted
		// a profile with the same id or the same stackLevel/purpose pair
		// replaces the installed one
		cp.smartCharging.addProfile(profile, req.ConnectorId)
	}

	cp.sendCallResult(msg.UniqueID, &response)

	if response.Status == smartcharging.ChargingProfileStatusAccepted && cp.callbacks.SignalSetChargingProfiles != nil {
		cp.callbacks.SignalSetChargingProfiles()
	}
}

func (cp *ChargePoint) handleGetCompositeSchedule(msg queue.EnhancedMessage) {
	var req smartcharging.GetCompositeScheduleRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := smartcharging.GetCompositeScheduleConfirmation{Status: smartcharging.GetCompositeScheduleStatusRejected}
	allowedUnits := cp.cfg.AllowedChargingRateUnits()

	unitAllowed := req.ChargingRateUnit == ""
	for _, u := range allowedUnits {
		if u == req.ChargingRateUnit {
			unitAllowed = true
		}
	}

	if req.ConnectorId >= 0 && req.ConnectorId <= cp.cfg.NumConnectors && unitAllowed {
		duration := req.Duration
		if max := cp.cfg.MaxCompositeScheduleDuration(); duration > max {
			logDefault(smartcharging.GetCompositeScheduleFeatureName).
				Warnf("requested duration %ds capped to %ds", duration, max)
			duration = max
		}
		unit := req.ChargingRateUnit
		if unit == "" {
			unit = types.ChargingRateUnitAmperes
		}
		now := time.Now()
		schedule := cp.smartCharging.compositeSchedule(req.ConnectorId, time.Duration(duration)*time.Second, unit, now)

		response.Status = smartcharging.GetCompositeScheduleStatusAccepted
		connectorID := req.ConnectorId
		response.ConnectorId = &connectorID
		response.ScheduleStart = types.NewDateTime(now)
		response.ChargingSchedule = &schedule
	}

	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleClearChargingProfile(msg queue.EnhancedMessage) {
	var req smartcharging.ClearChargingProfileRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := smartcharging.ClearChargingProfileConfirmation{Status: smartcharging.ClearChargingProfileStatusUnknown}
	var purpose *types.ChargingProfilePurposeType
	if req.ChargingProfilePurpose != "" {
		p := req.ChargingProfilePurpose
		purpose = &p
	}

	if req.Id == nil && req.ConnectorId == nil && purpose == nil && req.StackLevel == nil {
		cp.smartCharging.clearAllProfiles()
		response.Status = smartcharging.ClearChargingProfileStatusAccepted
	} else if cp.smartCharging.clearProfilesWithFilter(req.Id, req.ConnectorId, req.StackLevel, purpose) {
		response.Status = smartcharging.ClearChargingProfileStatusAccepted
	}

	cp.sendCallResult(msg.UniqueID, &response)
}
