package chargepoint

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

// TransactionInfo is a read-only snapshot of an active transaction for
// operator surfaces.
type TransactionInfo struct {
	Connector     int
	SessionID     string
	TransactionID int
	IDTag         string
	StartTime     time.Time
	MeterStartWh  float64
}

// ConnectorStatuses snapshots the FSM state of every connector, connector 0
// included.
func (cp *ChargePoint) ConnectorStatuses() map[int]core.ChargePointStatus {
	out := make(map[int]core.ChargePointStatus, cp.cfg.NumConnectors+1)
	for connector := 0; connector <= cp.cfg.NumConnectors; connector++ {
		out[connector] = cp.states.state(connector)
	}
	return out
}

// ActiveTransactionsInfo snapshots the running charging sessions.
func (cp *ChargePoint) ActiveTransactionsInfo() []TransactionInfo {
	transactions := cp.txns.activeTransactions()
	out := make([]TransactionInfo, 0, len(transactions))
	for _, t := range transactions {
		start := t.StartEnergyWh()
		out = append(out, TransactionInfo{
			Connector:     t.Connector(),
			SessionID:     t.SessionID(),
			TransactionID: t.TransactionID(),
			IDTag:         t.IDTag(),
			StartTime:     start.Timestamp,
			MeterStartWh:  start.EnergyWh,
		})
	}
	return out
}
