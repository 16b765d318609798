package chargepoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/common"
)

// Transaction is one charging session on a connector. The transaction id
// stays -1 until the central system assigns one in StartTransactionResponse.
type Transaction struct {
	mu sync.Mutex

	connector     int
	sessionID     string
	idTag         string
	transactionID int
	reservationID *int

	startEnergyWh common.StampedEnergyWh
	stopEnergyWh  *common.StampedEnergyWh

	meterValues []types.MeterValue
	sampleTimer *common.Ticker

	startMessageID string
	stopMessageID  string
	idTagEnd       string
	finished       bool
}

func newTransaction(connector int, sessionID, idTag string, startEnergy common.StampedEnergyWh, reservationID *int) *Transaction {
	return &Transaction{
		connector:     connector,
		sessionID:     sessionID,
		idTag:         idTag,
		transactionID: -1,
		reservationID: reservationID,
		startEnergyWh: startEnergy,
		sampleTimer:   &common.Ticker{},
	}
}

func (t *Transaction) Connector() int        { return t.connector }
func (t *Transaction) SessionID() string     { return t.sessionID }
func (t *Transaction) IDTag() string         { return t.idTag }
func (t *Transaction) ReservationID() *int   { return t.reservationID }
func (t *Transaction) StartEnergyWh() common.StampedEnergyWh { return t.startEnergyWh }

func (t *Transaction) TransactionID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transactionID
}

// SetTransactionID records the server-assigned id; it is set exactly once.
func (t *Transaction) SetTransactionID(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transactionID == -1 {
		t.transactionID = id
	}
}

func (t *Transaction) AddMeterValue(mv types.MeterValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meterValues = append(t.meterValues, mv)
}

// TransactionData returns the sampled meter values accumulated over the
// session, for the StopTransaction payload.
func (t *Transaction) TransactionData() []types.MeterValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.MeterValue, len(t.meterValues))
	copy(out, t.meterValues)
	return out
}

func (t *Transaction) SetStopEnergyWh(e common.StampedEnergyWh) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopEnergyWh = &e
}

func (t *Transaction) StopEnergyWh() *common.StampedEnergyWh {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopEnergyWh
}

func (t *Transaction) setStartMessageID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startMessageID = id
}

func (t *Transaction) StartMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startMessageID
}

func (t *Transaction) setStopMessageID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopMessageID = id
}

func (t *Transaction) StopMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopMessageID
}

func (t *Transaction) setIDTagEnd(idTag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idTagEnd = idTag
}

func (t *Transaction) IDTagEnd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idTagEnd
}

func (t *Transaction) setFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

// Finished reports whether StopTransaction has been issued for this session.
func (t *Transaction) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// startSampling arms the periodic meter sampler; interval 0 disables it.
func (t *Transaction) startSampling(seconds int, sample func()) {
	if seconds <= 0 {
		return
	}
	t.sampleTimer.Start(time.Duration(seconds)*time.Second, sample)
}

func (t *Transaction) stopSampling() {
	t.sampleTimer.Stop()
}

// transactionHandler tracks active transactions per connector plus finished
// transactions still waiting for their StopTransactionResponse.
type transactionHandler struct {
	mu            sync.RWMutex
	numConnectors int
	active        map[int]*Transaction
	stopped       map[string]*Transaction // keyed by stop message id
}

func newTransactionHandler(numConnectors int) *transactionHandler {
	return &transactionHandler{
		numConnectors: numConnectors,
		active:        map[int]*Transaction{},
		stopped:       map[string]*Transaction{},
	}
}

func (h *transactionHandler) addTransaction(t *Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.active[t.connector]; busy {
		return fmt.Errorf("connector %d already has an active transaction", t.connector)
	}
	h.active[t.connector] = t
	return nil
}

func (h *transactionHandler) transaction(connector int) *Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[connector]
}

func (h *transactionHandler) transactionActive(connector int) bool {
	return h.transaction(connector) != nil
}

// transactionByStartMessageID resolves active and stopped-but-unconfirmed
// transactions from the StartTransaction message id.
func (h *transactionHandler) transactionByStartMessageID(messageID string) *Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.active {
		if t.StartMessageID() == messageID {
			return t
		}
	}
	for _, t := range h.stopped {
		if t.StartMessageID() == messageID {
			return t
		}
	}
	return nil
}

func (h *transactionHandler) transactionByStopMessageID(messageID string) *Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stopped[messageID]
}

// connectorFromTransactionID returns -1 when no transaction carries the id.
func (h *transactionHandler) connectorFromTransactionID(transactionID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connector, t := range h.active {
		if t.TransactionID() == transactionID {
			return connector
		}
	}
	return -1
}

func (h *transactionHandler) removeActiveTransaction(connector int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, connector)
}

// addStoppedTransaction keeps a finished transaction addressable until its
// StopTransactionResponse arrives.
func (h *transactionHandler) addStoppedTransaction(t *Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped[t.StopMessageID()] = t
}

func (h *transactionHandler) eraseStoppedTransaction(stopMessageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.stopped, stopMessageID)
}

// changeMeterValuesSampleIntervals reconfigures every active transaction's
// sampler; the new interval takes effect on the next tick.
func (h *transactionHandler) changeMeterValuesSampleIntervals(seconds int, sampleFor func(connector int) func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connector, t := range h.active {
		t.stopSampling()
		t.startSampling(seconds, sampleFor(connector))
	}
}

func (h *transactionHandler) activeTransactions() []*Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Transaction, 0, len(h.active))
	for _, t := range h.active {
		out = append(out, t)
	}
	return out
}

func (h *transactionHandler) anyActive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active) > 0
}
