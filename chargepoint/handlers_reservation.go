package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"

	"charge_point/queue"
)

func (cp *ChargePoint) handleReserveNow(msg queue.EnhancedMessage) {
	var req reservation.ReserveNowRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := reservation.ReserveNowConfirmation{Status: reservation.ReservationStatusRejected}
	if cp.states.state(req.ConnectorId) == core.ChargePointStatusFaulted {
		response.Status = reservation.ReservationStatusFaulted
	} else if cp.callbacks.ReserveNow != nil && cp.cfg.HasFeatureProfile("Reservation") {
		expiry := req.ExpiryDate.Time
		response.Status = cp.callbacks.ReserveNow(req.ReservationId, req.ConnectorId, expiry, req.IdTag, req.ParentIdTag)
	}

	cp.sendCallResult(msg.UniqueID, &response)
}

func (cp *ChargePoint) handleCancelReservation(msg queue.EnhancedMessage) {
	var req reservation.CancelReservationRequest
	if !cp.bind(msg, &req) {
		return
	}

	response := reservation.CancelReservationConfirmation{Status: reservation.CancelReservationStatusRejected}
	if cp.callbacks.CancelReservation != nil && cp.callbacks.CancelReservation(req.ReservationId) {
		response.Status = reservation.CancelReservationStatusAccepted
	}

	cp.sendCallResult(msg.UniqueID, &response)
}
