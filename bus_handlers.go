package main

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"charge_point/chargepoint"
	"charge_point/common"
	"charge_point/localapi"
	notifier "charge_point/notifier/nats"
)

// chargePointView adapts the charge point to the read-only local API.
type chargePointView struct {
	cp func() *chargepoint.ChargePoint
}

func (v chargePointView) ConnectionStateValue() string {
	return string(v.cp().ConnectionStateValue())
}

func (v chargePointView) RegistrationStatusValue() string {
	return string(v.cp().RegistrationStatus())
}

func (v chargePointView) ConnectorStatuses() map[int]core.ChargePointStatus {
	return v.cp().ConnectorStatuses()
}

func (v chargePointView) ActiveTransactions() []localapi.TransactionView {
	info := v.cp().ActiveTransactionsInfo()
	out := make([]localapi.TransactionView, 0, len(info))
	for _, t := range info {
		out = append(out, localapi.TransactionView{
			ConnectorID:   t.Connector,
			SessionID:     t.SessionID,
			TransactionID: t.TransactionID,
			IDTag:         t.IDTag,
			StartTime:     t.StartTime,
			MeterStartWh:  t.MeterStartWh,
		})
	}
	return out
}

// statusHandler answers the local bus "status" command with the connector
// states and registration progress.
func statusHandler(getChargePoint func() *chargepoint.ChargePoint) notifier.Function {
	return func(payload []byte, responseChannel chan common.Response) {
		cp := getChargePoint()

		statuses := map[int]string{}
		for connector, status := range cp.ConnectorStatuses() {
			statuses[connector] = string(status)
		}
		responseChannel <- common.Response{
			Payload: map[string]interface{}{
				"connectionState":    string(cp.ConnectionStateValue()),
				"registrationStatus": string(cp.RegistrationStatus()),
				"connectors":         statuses,
			},
		}
	}
}

type stopTransactionCommand struct {
	ConnectorID int `json:"connectorId" validate:"required,min=1"`
}

// stopTransactionHandler lets the site controller end a session locally.
func stopTransactionHandler(callbacks chargepoint.Callbacks) notifier.Function {
	var Validator = validator.New()

	return func(payload []byte, responseChannel chan common.Response) {
		var command stopTransactionCommand
		json.Unmarshal(payload, &command)

		if err := Validator.Struct(&command); err != nil {
			responseChannel <- common.Response{
				Err: &common.Error{
					Code:    "command.stop.transaction.payload.not.valid",
					Message: "a connectorId >= 1 is required",
				},
			}
			return
		}

		if callbacks.StopTransaction == nil || !callbacks.StopTransaction(command.ConnectorID, core.ReasonLocal) {
			responseChannel <- common.Response{
				Err: &common.Error{
					Code:    "command.stop.transaction.no.active",
					Message: "no active transaction on that connector",
				},
			}
			return
		}
		responseChannel <- common.Response{
			Payload: map[string]interface{}{"status": "Stopped"},
		}
	}
}
