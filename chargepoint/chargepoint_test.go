package chargepoint

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/common"
	"charge_point/config"
	"charge_point/queue"
	"charge_point/store"
)

type parsedFrame struct {
	TypeID  int
	ID      string
	Action  string
	Payload json.RawMessage
}

// fakeTransport records outbound frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	failStart    bool
	frames       []parsedFrame
	autoAck      map[string]bool
	msgHandler   func([]byte) error
	discHandler  func(error)
	reconHandler func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		autoAck: map[string]bool{
			core.StatusNotificationFeatureName: true,
			core.HeartbeatFeatureName:          true,
			core.MeterValuesFeatureName:        true,
		},
	}
}

func (f *fakeTransport) Start(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return fmt.Errorf("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		f.mu.Unlock()
		return err
	}
	frame := parsedFrame{}
	json.Unmarshal(fields[0], &frame.TypeID)
	json.Unmarshal(fields[1], &frame.ID)
	if frame.TypeID == int(ocppj.CALL) && len(fields) == 4 {
		json.Unmarshal(fields[2], &frame.Action)
		frame.Payload = fields[3]
	} else if len(fields) >= 3 {
		frame.Payload = fields[2]
	}
	f.frames = append(f.frames, frame)
	ack := frame.TypeID == int(ocppj.CALL) && f.autoAck[frame.Action]
	handler := f.msgHandler
	f.mu.Unlock()

	if ack && handler != nil {
		response, _ := queue.MarshalCallResult(frame.ID, map[string]interface{}{})
		go handler(response)
	}
	return nil
}

func (f *fakeTransport) SetMessageHandler(handler func([]byte) error)  { f.msgHandler = handler }
func (f *fakeTransport) SetDisconnectedHandler(handler func(err error)) { f.discHandler = handler }
func (f *fakeTransport) SetReconnectedHandler(handler func())          { f.reconHandler = handler }

func (f *fakeTransport) snapshot() []parsedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]parsedFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) calls(action string) []parsedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []parsedFrame
	for _, frame := range f.frames {
		if frame.TypeID == int(ocppj.CALL) && frame.Action == action {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeTransport) result(messageID string) *parsedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.frames {
		if f.frames[i].TypeID != int(ocppj.CALL) && f.frames[i].ID == messageID {
			return &f.frames[i]
		}
	}
	return nil
}

func (f *fakeTransport) inject(t *testing.T, data []byte) {
	t.Helper()
	require.NotNil(t, f.msgHandler)
	require.NoError(t, f.msgHandler(data))
}

func (f *fakeTransport) respond(t *testing.T, messageID string, payload interface{}) {
	t.Helper()
	frame, err := queue.MarshalCallResult(messageID, payload)
	require.NoError(t, err)
	f.inject(t, frame)
}

func (f *fakeTransport) injectCall(t *testing.T, messageID, action string, payload string) {
	t.Helper()
	frame, err := queue.MarshalCall(messageID, action, json.RawMessage(payload))
	require.NoError(t, err)
	f.inject(t, frame)
}

func (f *fakeTransport) dropLink() {
	f.mu.Lock()
	f.connected = false
	handler := f.discHandler
	f.mu.Unlock()
	if handler != nil {
		handler(fmt.Errorf("link lost"))
	}
}

func (f *fakeTransport) restoreLink() {
	f.mu.Lock()
	f.connected = true
	handler := f.reconHandler
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
}

type testHarness struct {
	cp    *ChargePoint
	ft    *fakeTransport
	st    *store.MemoryStore
	cfg   *config.Configuration
	reset chan core.ResetType
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		ft:    newFakeTransport(),
		st:    store.NewMemoryStore(),
		reset: make(chan core.ResetType, 1),
	}
	h.cfg = config.New(config.Identity{
		ChargePointID:         "CP001",
		ChargePointVendor:     "TestVendor",
		ChargePointModel:      "TestModel",
		ChargeBoxSerialNumber: "CB001",
	}, "ws://localhost:8887", 2)
	h.cfg.Set(config.KeyMinimumStatusDuration, "0")

	callbacks := Callbacks{
		StopTransaction: func(connector int, reason core.Reason) bool {
			for _, info := range h.cp.ActiveTransactionsInfo() {
				if info.Connector == connector {
					h.cp.OnTransactionStopped(connector, info.SessionID, reason, time.Now(), info.MeterStartWh+150, "")
					return true
				}
			}
			return false
		},
		IsResetAllowed: func(core.ResetType) bool { return true },
		Reset:          func(resetType core.ResetType) { h.reset <- resetType },
	}
	h.cp = New(h.cfg, h.st, func(profile int) (WebsocketClient, error) { return h.ft, nil }, callbacks)
	h.cp.q.SetMessageTimeout(300 * time.Millisecond)
	t.Cleanup(func() {
		h.cp.mu.Lock()
		stopped := h.cp.stopped
		h.cp.mu.Unlock()
		if !stopped {
			h.cp.Stop()
		}
	})
	return h
}

// boot starts the charge point and walks it through an accepted registration.
func (h *testHarness) boot(t *testing.T) {
	t.Helper()
	require.NoError(t, h.cp.Start())

	require.Eventually(t, func() bool { return len(h.ft.calls(core.BootNotificationFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	boot := h.ft.calls(core.BootNotificationFeatureName)[0]
	h.ft.respond(t, boot.ID, map[string]interface{}{
		"currentTime": types.NewDateTime(time.Now()),
		"interval":    60,
		"status":      "Accepted",
	})

	require.Eventually(t, func() bool { return h.cp.ConnectionStateValue() == ConnectionBooted },
		2*time.Second, 5*time.Millisecond)
}

func (h *testHarness) startTransaction(t *testing.T, connector int, sessionID, idTag string, meterStart float64) parsedFrame {
	t.Helper()
	before := len(h.ft.calls(core.StartTransactionFeatureName))
	h.cp.OnSessionStarted(connector, sessionID, common.SessionStartedAuthorized)
	h.cp.OnTransactionStarted(connector, sessionID, idTag, meterStart, nil, time.Now())

	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StartTransactionFeatureName)) > before
	}, 2*time.Second, 5*time.Millisecond)
	return h.ft.calls(core.StartTransactionFeatureName)[before]
}

func TestBootBeforeTraffic(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.cp.Start())

	// a fault on a connector must not produce traffic before registration
	h.cp.OnError(1, core.GroundFailure)
	time.Sleep(150 * time.Millisecond)

	for _, frame := range h.ft.snapshot() {
		if frame.TypeID == int(ocppj.CALL) {
			assert.Equal(t, core.BootNotificationFeatureName, frame.Action,
				"only BootNotification may be transmitted before registration")
		}
	}
}

func TestBootAcceptedAnnouncesAllConnectors(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StatusNotificationFeatureName)) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	seen := map[int]bool{}
	for _, frame := range h.ft.calls(core.StatusNotificationFeatureName) {
		var req core.StatusNotificationRequest
		require.NoError(t, json.Unmarshal(frame.Payload, &req))
		seen[req.ConnectorId] = true
	}
	assert.True(t, seen[0] && seen[1] && seen[2])
}

func TestHappyPathTransaction(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	start := h.startTransaction(t, 1, "s1", "TAG01", 100)
	var startReq core.StartTransactionRequest
	require.NoError(t, json.Unmarshal(start.Payload, &startReq))
	assert.Equal(t, 1, startReq.ConnectorId)
	assert.Equal(t, "TAG01", startReq.IdTag)
	assert.Equal(t, 100, startReq.MeterStart)

	h.ft.respond(t, start.ID, map[string]interface{}{
		"idTagInfo":     map[string]string{"status": "Accepted"},
		"transactionId": 42,
	})
	require.Eventually(t, func() bool {
		info := h.cp.ActiveTransactionsInfo()
		return len(info) == 1 && info[0].TransactionID == 42
	}, 2*time.Second, 5*time.Millisecond)

	h.cp.OnTransactionStopped(1, "s1", core.ReasonLocal, time.Now(), 250, "")

	require.Eventually(t, func() bool { return len(h.ft.calls(core.StopTransactionFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	var stopReq core.StopTransactionRequest
	require.NoError(t, json.Unmarshal(h.ft.calls(core.StopTransactionFeatureName)[0].Payload, &stopReq))
	assert.Equal(t, 42, stopReq.TransactionId)
	assert.Equal(t, 250, stopReq.MeterStop)
	assert.Equal(t, core.ReasonLocal, stopReq.Reason)

	assert.Empty(t, h.cp.ActiveTransactionsInfo())
}

func TestSecondTransactionOnBusyConnectorRejected(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	h.startTransaction(t, 1, "s1", "TAG01", 100)

	h.cp.OnTransactionStarted(1, "s2", "TAG02", 0, nil, time.Now())
	assert.Len(t, h.cp.ActiveTransactionsInfo(), 1)
}

func TestQueuedStopTransactionGetsPatchedID(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	// the link dies before the session begins: both calls queue up
	h.ft.dropLink()
	h.cp.OnSessionStarted(1, "s1", common.SessionStartedAuthorized)
	h.cp.OnTransactionStarted(1, "s1", "TAG01", 100, nil, time.Now())
	h.cp.OnTransactionStopped(1, "s1", core.ReasonEVDisconnected, time.Now(), 250, "")

	assert.Empty(t, h.ft.calls(core.StartTransactionFeatureName))

	h.ft.restoreLink()

	require.Eventually(t, func() bool { return len(h.ft.calls(core.StartTransactionFeatureName)) >= 1 },
		2*time.Second, 5*time.Millisecond)
	start := h.ft.calls(core.StartTransactionFeatureName)[0]
	h.ft.respond(t, start.ID, map[string]interface{}{
		"idTagInfo":     map[string]string{"status": "Accepted"},
		"transactionId": 7,
	})

	require.Eventually(t, func() bool { return len(h.ft.calls(core.StopTransactionFeatureName)) >= 1 },
		2*time.Second, 5*time.Millisecond)
	var stopReq core.StopTransactionRequest
	require.NoError(t, json.Unmarshal(h.ft.calls(core.StopTransactionFeatureName)[0].Payload, &stopReq))
	assert.Equal(t, 7, stopReq.TransactionId, "queued StopTransaction must carry the assigned transaction id")
}

func TestChangeAvailabilityDuringTransactionIsScheduled(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	start := h.startTransaction(t, 1, "s1", "TAG01", 100)
	h.ft.respond(t, start.ID, map[string]interface{}{
		"idTagInfo":     map[string]string{"status": "Accepted"},
		"transactionId": 42,
	})

	h.ft.injectCall(t, "ca-1", core.ChangeAvailabilityFeatureName, `{"connectorId":1,"type":"Inoperative"}`)

	result := h.ft.result("ca-1")
	require.NotNil(t, result)
	var conf core.ChangeAvailabilityConfirmation
	require.NoError(t, json.Unmarshal(result.Payload, &conf))
	assert.Equal(t, core.AvailabilityStatusScheduled, conf.Status)

	// availability applies once the transaction is confirmed stopped
	h.cp.OnTransactionStopped(1, "s1", core.ReasonLocal, time.Now(), 250, "")
	require.Eventually(t, func() bool { return len(h.ft.calls(core.StopTransactionFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	stop := h.ft.calls(core.StopTransactionFeatureName)[0]
	h.ft.respond(t, stop.ID, map[string]interface{}{})

	require.Eventually(t, func() bool {
		availability, _ := h.st.ConnectorAvailability(1)
		return availability == string(core.AvailabilityTypeInoperative)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.cp.ConnectorStatus(1) == core.ChargePointStatusUnavailable
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResetSoftStopsTransactionsFirst(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	start := h.startTransaction(t, 1, "s1", "TAG01", 100)
	h.ft.respond(t, start.ID, map[string]interface{}{
		"idTagInfo":     map[string]string{"status": "Accepted"},
		"transactionId": 42,
	})

	h.ft.injectCall(t, "reset-1", core.ResetFeatureName, `{"type":"Soft"}`)

	result := h.ft.result("reset-1")
	require.NotNil(t, result)
	var conf core.ResetConfirmation
	require.NoError(t, json.Unmarshal(result.Payload, &conf))
	assert.Equal(t, core.ResetStatusAccepted, conf.Status)

	require.Eventually(t, func() bool { return len(h.ft.calls(core.StopTransactionFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	stop := h.ft.calls(core.StopTransactionFeatureName)[0]
	var stopReq core.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &stopReq))
	assert.Equal(t, core.ReasonSoftReset, stopReq.Reason)
	h.ft.respond(t, stop.ID, map[string]interface{}{})

	select {
	case resetType := <-h.reset:
		assert.Equal(t, core.ResetTypeSoft, resetType)
	case <-time.After(7 * time.Second):
		t.Fatal("reset callback not invoked")
	}
}

func TestExpiredCacheEntryTurnsInvalidAndPersistsExpired(t *testing.T) {
	h := newTestHarness(t)
	h.cp.q.SetMessageTimeout(50 * time.Millisecond)

	expired := types.NewDateTime(time.Now().Add(-time.Hour))
	require.NoError(t, h.st.SetAuthCacheEntry("TAG02", types.IdTagInfo{
		Status:     types.AuthorizationStatusAccepted,
		ExpiryDate: expired,
	}))

	// offline, no transport: authorization falls back to the local data
	info := h.cp.AuthorizeIDToken("TAG02")
	assert.Equal(t, types.AuthorizationStatusInvalid, info.Status)

	cached, err := h.st.AuthCacheEntry("TAG02")
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusExpired, cached.Status)
}

func TestAuthorizeOnlineCachesAcceptedResult(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	done := make(chan types.IdTagInfo, 1)
	go func() { done <- h.cp.AuthorizeIDToken("TAG03") }()

	require.Eventually(t, func() bool { return len(h.ft.calls(core.AuthorizeFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	authorize := h.ft.calls(core.AuthorizeFeatureName)[0]
	h.ft.respond(t, authorize.ID, map[string]interface{}{
		"idTagInfo": map[string]string{"status": "Accepted"},
	})

	select {
	case info := <-done:
		assert.Equal(t, types.AuthorizationStatusAccepted, info.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("authorize did not return")
	}

	cached, err := h.st.AuthCacheEntry("TAG03")
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, cached.Status)
}

func TestReconnectWithoutReboot(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StatusNotificationFeatureName)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	bootsBefore := len(h.ft.calls(core.BootNotificationFeatureName))
	statusBefore := len(h.ft.calls(core.StatusNotificationFeatureName))

	h.ft.dropLink()
	h.ft.restoreLink()

	// exactly one StatusNotification per connector, connector 0 included
	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StatusNotificationFeatureName)) == statusBefore+3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.ft.calls(core.StatusNotificationFeatureName), statusBefore+3)
	assert.Len(t, h.ft.calls(core.BootNotificationFeatureName), bootsBefore, "no BootNotification after a reconnect in Booted state")
}

func TestRejectedRegistrationAllowsOnlyBootNotificationAfterWindow(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.cp.Start())
	require.Eventually(t, func() bool { return len(h.ft.calls(core.BootNotificationFeatureName)) == 1 },
		2*time.Second, 5*time.Millisecond)
	boot := h.ft.calls(core.BootNotificationFeatureName)[0]
	h.ft.respond(t, boot.ID, map[string]interface{}{
		"currentTime": types.NewDateTime(time.Now()),
		"interval":    3600,
		"status":      "Rejected",
	})
	require.Eventually(t, func() bool { return h.cp.ConnectionStateValue() == ConnectionRejected },
		2*time.Second, 5*time.Millisecond)

	// inside the retry window nothing goes out
	assert.False(t, h.cp.allowedToSendMessage(core.BootNotificationFeatureName))
	assert.False(t, h.cp.allowedToSendMessage(core.HeartbeatFeatureName))

	// after the window only BootNotification is allowed
	h.cp.mu.Lock()
	h.cp.bootTime = time.Now().Add(-2 * time.Hour)
	h.cp.mu.Unlock()
	assert.True(t, h.cp.allowedToSendMessage(core.BootNotificationFeatureName))
	assert.False(t, h.cp.allowedToSendMessage(core.HeartbeatFeatureName))
	assert.False(t, h.cp.allowedToSendMessage(core.StopTransactionFeatureName))
}

func TestLocalListVersionMonotonic(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "ll-1", "SendLocalList",
		`{"listVersion":5,"updateType":"Full","localAuthorizationList":[{"idTag":"A","idTagInfo":{"status":"Accepted"}}]}`)
	result := h.ft.result("ll-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")

	// a stale differential update is refused
	h.ft.injectCall(t, "ll-2", "SendLocalList",
		`{"listVersion":3,"updateType":"Differential","localAuthorizationList":[{"idTag":"B","idTagInfo":{"status":"Accepted"}}]}`)
	result = h.ft.result("ll-2")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "VersionMismatch")

	version, err := h.st.LocalListVersion()
	require.NoError(t, err)
	assert.Equal(t, 5, version)

	h.ft.injectCall(t, "ll-3", "GetLocalListVersion", `{}`)
	result = h.ft.result("ll-3")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "5")
}

func TestClearChargingProfileIdempotent(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "scp-1", "SetChargingProfile",
		`{"connectorId":1,"csChargingProfiles":{"chargingProfileId":9,"stackLevel":1,"chargingProfilePurpose":"TxDefaultProfile","chargingProfileKind":"Absolute","chargingSchedule":{"chargingRateUnit":"A","chargingSchedulePeriod":[{"startPeriod":0,"limit":16}]}}}`)
	result := h.ft.result("scp-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")

	installed, err := h.st.ChargingProfiles()
	require.NoError(t, err)
	require.Len(t, installed, 1)

	for i, id := range []string{"ccp-1", "ccp-2"} {
		h.ft.injectCall(t, id, "ClearChargingProfile", `{}`)
		result := h.ft.result(id)
		require.NotNil(t, result, "clear #%d", i+1)
		assert.Contains(t, string(result.Payload), "Accepted")
		installed, err := h.st.ChargingProfiles()
		require.NoError(t, err)
		assert.Empty(t, installed)
	}
}

func TestRemoteStartRejectedForBusyConnector(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	start := h.startTransaction(t, 1, "s1", "TAG01", 100)
	h.ft.respond(t, start.ID, map[string]interface{}{
		"idTagInfo":     map[string]string{"status": "Accepted"},
		"transactionId": 42,
	})

	h.ft.injectCall(t, "rs-1", core.RemoteStartTransactionFeatureName, `{"connectorId":1,"idTag":"TAG09"}`)
	result := h.ft.result("rs-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Rejected")

	h.ft.injectCall(t, "rs-2", core.RemoteStartTransactionFeatureName, `{"connectorId":2,"idTag":"TAG09"}`)
	result = h.ft.result("rs-2")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")
}

func TestRemoteStopUnknownTransactionRejected(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "rstp-1", core.RemoteStopTransactionFeatureName, `{"transactionId":4711}`)
	result := h.ft.result("rstp-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Rejected")
}

func TestUnsupportedCallGetsNotSupportedError(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "x-1", "GetChargingLimit", `{}`)
	result := h.ft.result("x-1")
	require.NotNil(t, result)
	assert.Equal(t, int(ocppj.CALL_ERROR), result.TypeID)
}

func TestChangeConfigurationStatuses(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "cc-1", core.ChangeConfigurationFeatureName, `{"key":"HeartbeatInterval","value":"120"}`)
	result := h.ft.result("cc-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")
	assert.Equal(t, 120, h.cfg.HeartbeatInterval())

	h.ft.injectCall(t, "cc-2", core.ChangeConfigurationFeatureName, `{"key":"NumberOfConnectors","value":"4"}`)
	result = h.ft.result("cc-2")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Rejected")

	h.ft.injectCall(t, "cc-3", core.ChangeConfigurationFeatureName, `{"key":"NoSuchKey","value":"1"}`)
	result = h.ft.result("cc-3")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "NotSupported")
}

func TestGetConfigurationReturnsAllAndUnknown(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)

	h.ft.injectCall(t, "gc-1", core.GetConfigurationFeatureName, `{}`)
	result := h.ft.result("gc-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "HeartbeatInterval")

	h.ft.injectCall(t, "gc-2", core.GetConfigurationFeatureName, `{"key":["HeartbeatInterval","Bogus"]}`)
	result = h.ft.result("gc-2")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "unknownKey")
	assert.Contains(t, string(result.Payload), "Bogus")
}

func TestSecurityProfileSwitchFallsBackOnFailure(t *testing.T) {
	transports := []*fakeTransport{newFakeTransport(), newFakeTransport(), newFakeTransport()}
	transports[1].failStart = true // the one-shot connect under the new profile fails
	next := 0

	h := &testHarness{st: store.NewMemoryStore(), reset: make(chan core.ResetType, 1)}
	h.cfg = config.New(config.Identity{
		ChargePointID:     "CP001",
		ChargePointVendor: "TestVendor",
		ChargePointModel:  "TestModel",
	}, "ws://localhost:8887", 2)
	h.cfg.Set(config.KeyMinimumStatusDuration, "0")
	h.ft = transports[0]
	h.cp = New(h.cfg, h.st, func(profile int) (WebsocketClient, error) {
		ws := transports[next]
		if next < len(transports)-1 {
			next++
		}
		return ws, nil
	}, Callbacks{})
	h.cp.q.SetMessageTimeout(300 * time.Millisecond)
	t.Cleanup(func() { h.cp.Stop() })
	h.boot(t)

	h.ft.injectCall(t, "sp-1", core.ChangeConfigurationFeatureName, `{"key":"SecurityProfile","value":"2"}`)
	result := h.ft.result("sp-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")

	// the new profile cannot connect: the previous profile is restored
	require.Eventually(t, func() bool { return transports[2].IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.cfg.SecurityProfile())
}

func TestTriggerMessageStatusNotification(t *testing.T) {
	h := newTestHarness(t)
	h.boot(t)
	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StatusNotificationFeatureName)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	before := len(h.ft.calls(core.StatusNotificationFeatureName))

	h.ft.injectCall(t, "tm-1", "TriggerMessage", `{"requestedMessage":"StatusNotification","connectorId":1}`)
	result := h.ft.result("tm-1")
	require.NotNil(t, result)
	assert.Contains(t, string(result.Payload), "Accepted")

	require.Eventually(t, func() bool {
		return len(h.ft.calls(core.StatusNotificationFeatureName)) == before+1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStatusNotificationDebounceCoalesces(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.Set(config.KeyMinimumStatusDuration, "1")
	h.boot(t)

	// both transitions land inside one debounce window
	h.cp.OnSessionStarted(1, "s1", common.SessionStartedAuthorized)
	h.cp.OnSessionStopped(1)

	time.Sleep(1500 * time.Millisecond)

	var last core.StatusNotificationRequest
	count := 0
	for _, frame := range h.ft.calls(core.StatusNotificationFeatureName) {
		var req core.StatusNotificationRequest
		require.NoError(t, json.Unmarshal(frame.Payload, &req))
		if req.ConnectorId == 1 {
			count++
			last = req
		}
	}
	assert.LessOrEqual(t, count, 2, "debounce must coalesce rapid transitions")
	assert.Equal(t, core.ChargePointStatusAvailable, last.Status)
}
