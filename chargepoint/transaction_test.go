package chargepoint

import (
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/common"
)

func testTx(connector int, sessionID string) *Transaction {
	return newTransaction(connector, sessionID, "TAG01", common.StampedEnergyWh{Timestamp: time.Now(), EnergyWh: 100}, nil)
}

func TestOneActiveTransactionPerConnector(t *testing.T) {
	h := newTransactionHandler(2)

	first := testTx(1, "s1")
	require.NoError(t, h.addTransaction(first))
	assert.True(t, h.transactionActive(1))
	assert.False(t, h.transactionActive(2))

	err := h.addTransaction(testTx(1, "s2"))
	assert.Error(t, err)
	assert.Same(t, first, h.transaction(1))
}

func TestTransactionIDSetExactlyOnce(t *testing.T) {
	tx := testTx(1, "s1")
	assert.Equal(t, -1, tx.TransactionID())

	tx.SetTransactionID(42)
	assert.Equal(t, 42, tx.TransactionID())

	tx.SetTransactionID(99)
	assert.Equal(t, 42, tx.TransactionID())
}

func TestLookupByMessageIDs(t *testing.T) {
	h := newTransactionHandler(2)
	tx := testTx(1, "s1")
	tx.setStartMessageID("m-start")
	require.NoError(t, h.addTransaction(tx))

	assert.Same(t, tx, h.transactionByStartMessageID("m-start"))
	assert.Nil(t, h.transactionByStartMessageID("m-other"))

	tx.SetTransactionID(42)
	assert.Equal(t, 1, h.connectorFromTransactionID(42))
	assert.Equal(t, -1, h.connectorFromTransactionID(7))
}

func TestStoppedTransactionStaysAddressable(t *testing.T) {
	h := newTransactionHandler(2)
	tx := testTx(1, "s1")
	tx.setStartMessageID("m-start")
	require.NoError(t, h.addTransaction(tx))

	tx.setStopMessageID("m-stop")
	tx.setFinished()
	h.addStoppedTransaction(tx)
	h.removeActiveTransaction(1)

	assert.False(t, h.transactionActive(1))
	// still reachable by both message ids until StopTransactionResponse
	assert.Same(t, tx, h.transactionByStopMessageID("m-stop"))
	assert.Same(t, tx, h.transactionByStartMessageID("m-start"))

	h.eraseStoppedTransaction("m-stop")
	assert.Nil(t, h.transactionByStopMessageID("m-stop"))
}

func TestMeterValueBuffer(t *testing.T) {
	tx := testTx(1, "s1")
	tx.AddMeterValue(types.MeterValue{Timestamp: types.NewDateTime(time.Now())})
	tx.AddMeterValue(types.MeterValue{Timestamp: types.NewDateTime(time.Now())})

	data := tx.TransactionData()
	assert.Len(t, data, 2)

	// the returned slice is a copy
	data = append(data, types.MeterValue{})
	assert.Len(t, tx.TransactionData(), 2)
}

func TestChangeSampleIntervalsRestartsSamplers(t *testing.T) {
	h := newTransactionHandler(2)
	tx := testTx(1, "s1")
	require.NoError(t, h.addTransaction(tx))

	fired := make(chan int, 16)
	h.changeMeterValuesSampleIntervals(1, func(connector int) func() {
		return func() { fired <- connector }
	})

	select {
	case connector := <-fired:
		assert.Equal(t, 1, connector)
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not fire after interval change")
	}
	tx.stopSampling()
}
