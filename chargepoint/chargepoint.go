package chargepoint

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	validatorv9 "gopkg.in/go-playground/validator.v9"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"charge_point/common"
	"charge_point/config"
	"charge_point/notifier"
	"charge_point/queue"
	"charge_point/store"
)

// ConnectionState tracks where the charge point is in the registration
// handshake. Only Booted allows full inbound dispatch.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "Disconnected"
	ConnectionConnected    ConnectionState = "Connected"
	ConnectionPending      ConnectionState = "Pending"
	ConnectionRejected     ConnectionState = "Rejected"
	ConnectionBooted       ConnectionState = "Booted"
)

// WebsocketClient is the slice of the transport the runtime depends on;
// *ws.Client satisfies it.
type WebsocketClient interface {
	Start(url string) error
	Stop()
	Write(data []byte) error
	IsConnected() bool
	SetMessageHandler(handler func(data []byte) error)
	SetDisconnectedHandler(handler func(err error))
	SetReconnectedHandler(handler func())
}

// TransportFactory builds a transport configured for a security profile.
type TransportFactory func(profile int) (WebsocketClient, error)

const resetWaitBudget = 5 * time.Second

// ChargePoint is the OCPP 1.6 protocol runtime of one physical charger.
type ChargePoint struct {
	cfg *config.Configuration
	st  store.Store
	q   *queue.MessageQueue

	newTransport TransportFactory
	wsMu         sync.Mutex
	ws           WebsocketClient

	states        *chargePointStates
	txns          *transactionHandler
	smartCharging *smartChargingHandler
	callbacks     Callbacks
	validate      *validatorv9.Validate

	heartbeatTimer    *common.Ticker
	bootTimer         *common.Timer
	clockAlignedTimer *common.Timer
	connectTimer      *common.Timer
	statusTimers      []*common.Timer

	mu                    sync.Mutex
	connectionState       ConnectionState
	registrationStatus    core.RegistrationStatus
	initialized           bool
	stopped               bool
	bootTime              time.Time
	switchProfileCallback func()

	powerMetersMu     sync.Mutex
	powerMeters       map[int]common.Powermeter
	maxCurrentOffered map[int]float64

	dataTransferMu        sync.Mutex
	dataTransferCallbacks map[string]map[string]func(data string)

	changeAvailabilityMu    sync.Mutex
	changeAvailabilityQueue map[int]core.AvailabilityType

	stopTransactionMu   sync.Mutex
	stopTransactionCond *sync.Cond

	statusMu                  sync.Mutex
	diagnosticsStatus         firmware.DiagnosticsStatus
	firmwareStatus            firmware.FirmwareStatus
	logStatus                 logging.UploadLogStatus
	logStatusRequestID        int
	signedFirmwareStatus      securefirmware.FirmwareStatus
	signedFirmwareRequestID   int

	notifications chan notifier.Notification
	log           *logrus.Entry
}

// New assembles a charge point. The transport factory is invoked lazily on
// Start and again whenever the security profile changes.
func New(cfg *config.Configuration, st store.Store, newTransport TransportFactory, callbacks Callbacks) *ChargePoint {
	cp := &ChargePoint{
		cfg:                     cfg,
		st:                      st,
		newTransport:            newTransport,
		callbacks:               callbacks,
		validate:                types.Validate,
		txns:                    newTransactionHandler(cfg.NumConnectors),
		heartbeatTimer:          &common.Ticker{},
		bootTimer:               &common.Timer{},
		clockAlignedTimer:       &common.Timer{},
		connectTimer:            &common.Timer{},
		connectionState:         ConnectionDisconnected,
		registrationStatus:      core.RegistrationStatusPending,
		stopped:                 true,
		powerMeters:             map[int]common.Powermeter{},
		maxCurrentOffered:       map[int]float64{},
		dataTransferCallbacks:   map[string]map[string]func(data string){},
		changeAvailabilityQueue: map[int]core.AvailabilityType{},
		diagnosticsStatus:       firmware.DiagnosticsStatusIdle,
		firmwareStatus:          firmware.FirmwareStatusIdle,
		logStatus:               logging.UploadLogStatusIdle,
		signedFirmwareStatus:    securefirmware.FirmwareStatusIdle,
		logStatusRequestID:      -1,
		signedFirmwareRequestID: -1,
		notifications:           make(chan notifier.Notification, 64),
		log:                     logrus.WithField("chargePointId", cfg.Identity.ChargePointID),
	}
	cp.stopTransactionCond = sync.NewCond(&cp.stopTransactionMu)
	cp.smartCharging = newSmartChargingHandler(st, callbacks.ComposeSchedule)

	cp.statusTimers = make([]*common.Timer, cfg.NumConnectors+1)
	for i := range cp.statusTimers {
		cp.statusTimers[i] = &common.Timer{}
	}
	cp.states = newChargePointStates(cfg.NumConnectors, cp.scheduleStatusNotification)

	cp.q = queue.New(cp.writeFrame, cfg.TransactionMessageAttempts(),
		time.Duration(cfg.TransactionMessageRetryInterval())*time.Second, st)
	return cp
}

// NotificationChannel exposes the event stream consumed by the notifier.
func (cp *ChargePoint) NotificationChannel() chan notifier.Notification {
	return cp.notifications
}

func (cp *ChargePoint) notify(topic string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["chargePointId"] = cp.cfg.Identity.ChargePointID
	select {
	case cp.notifications <- notifier.Notification{Topic: topic, Data: data}:
	default:
	}
}

// Start connects to the central system, begins the boot handshake and closes
// the transactions that were interrupted by a power loss.
func (cp *ChargePoint) Start() error {
	cp.mu.Lock()
	if !cp.stopped {
		cp.mu.Unlock()
		return fmt.Errorf("charge point already started")
	}
	cp.stopped = false
	cp.mu.Unlock()

	if err := cp.q.Restore(); err != nil {
		cp.log.WithError(err).Error("restoring persisted message queue")
	}
	if err := cp.initWebsocket(cp.cfg.SecurityProfile()); err != nil {
		return err
	}
	cp.connectTransport()
	cp.bootNotification()
	cp.stopPendingTransactions()
	cp.smartCharging.load(cp.profileLimits())
	return nil
}

// Restart repeats the boot sequence with a fresh queue after a Stop.
func (cp *ChargePoint) Restart() error {
	cp.mu.Lock()
	if !cp.stopped {
		cp.mu.Unlock()
		return fmt.Errorf("charge point is still running")
	}
	cp.mu.Unlock()
	cp.q = queue.New(cp.writeFrame, cp.cfg.TransactionMessageAttempts(),
		time.Duration(cp.cfg.TransactionMessageRetryInterval())*time.Second, cp.st)
	return cp.Start()
}

// Stop cancels every timer, stops all transactions, drains the queue and
// closes the transport and store.
func (cp *ChargePoint) Stop() error {
	cp.mu.Lock()
	if cp.stopped {
		cp.mu.Unlock()
		return fmt.Errorf("charge point already stopped")
	}
	cp.stopped = true
	cp.initialized = false
	cp.connectionState = ConnectionDisconnected
	cp.mu.Unlock()

	cp.bootTimer.Stop()
	cp.heartbeatTimer.Stop()
	cp.clockAlignedTimer.Stop()
	cp.connectTimer.Stop()
	for _, t := range cp.statusTimers {
		t.Stop()
	}

	cp.StopAllTransactions(core.ReasonOther)

	if ws := cp.transport(); ws != nil {
		ws.Stop()
	}
	cp.q.Stop()
	if err := cp.st.Close(); err != nil {
		cp.log.WithError(err).Error("closing store")
	}
	return nil
}

func (cp *ChargePoint) transport() WebsocketClient {
	cp.wsMu.Lock()
	defer cp.wsMu.Unlock()
	return cp.ws
}

func (cp *ChargePoint) writeFrame(data []byte) error {
	ws := cp.transport()
	if ws == nil {
		return fmt.Errorf("transport not initialized")
	}
	return ws.Write(data)
}

// ConnectionStateValue returns the registration handshake state.
func (cp *ChargePoint) ConnectionStateValue() ConnectionState {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.connectionState
}

// RegistrationStatus returns the last BootNotificationResponse status.
func (cp *ChargePoint) RegistrationStatus() core.RegistrationStatus {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.registrationStatus
}

// ConnectorStatus returns the current FSM state of a connector.
func (cp *ChargePoint) ConnectorStatus(connector int) core.ChargePointStatus {
	return cp.states.state(connector)
}

// allowedToSendMessage gates outbound Calls on the registration handshake.
// Before a BootNotificationResponse only BootNotification and StopTransaction
// may leave; in Rejected state only a BootNotification after the retry window.
func (cp *ChargePoint) allowedToSendMessage(action string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.initialized {
		return action == core.BootNotificationFeatureName || action == core.StopTransactionFeatureName
	}
	switch cp.registrationStatus {
	case core.RegistrationStatusRejected:
		retryTime := cp.bootTime.Add(time.Duration(cp.cfg.HeartbeatInterval()) * time.Second)
		if time.Now().Before(retryTime) {
			cp.log.Debugf("registration rejected, messages allowed again at %v", retryTime)
			return false
		}
		return action == core.BootNotificationFeatureName
	case core.RegistrationStatusPending:
		return action == core.BootNotificationFeatureName || action == core.StopTransactionFeatureName
	}
	return true
}

func (cp *ChargePoint) send(action string, request ocpp.Request) bool {
	if !cp.allowedToSendMessage(action) {
		return false
	}
	if _, err := cp.q.Push(action, request); err != nil {
		cp.log.WithError(err).WithField("action", action).Error("enqueueing call")
		return false
	}
	return true
}

func (cp *ChargePoint) sendWithID(messageID, action string, request ocpp.Request) bool {
	if !cp.allowedToSendMessage(action) {
		return false
	}
	if err := cp.q.PushWithID(messageID, action, request); err != nil {
		cp.log.WithError(err).WithField("action", action).Error("enqueueing call")
		return false
	}
	return true
}

func (cp *ChargePoint) sendAsync(action string, request ocpp.Request) <-chan queue.EnhancedMessage {
	future, err := cp.q.PushAsync(action, request)
	if err != nil {
		cp.log.WithError(err).WithField("action", action).Error("enqueueing call")
		offline := make(chan queue.EnhancedMessage, 1)
		offline <- queue.EnhancedMessage{Action: action, Offline: true}
		return offline
	}
	return future
}

// --- outbound notifications ---

func (cp *ChargePoint) bootNotification() {
	id := cp.cfg.Identity
	req := core.NewBootNotificationRequest(id.ChargePointModel, id.ChargePointVendor)
	req.ChargeBoxSerialNumber = id.ChargeBoxSerialNumber
	req.ChargePointSerialNumber = id.ChargePointSerialNumber
	req.FirmwareVersion = id.FirmwareVersion
	req.Iccid = id.Iccid
	req.Imsi = id.Imsi
	req.MeterSerialNumber = id.MeterSerialNumber
	req.MeterType = id.MeterType
	cp.send(core.BootNotificationFeatureName, req)
}

func (cp *ChargePoint) heartbeat() {
	cp.send(core.HeartbeatFeatureName, core.NewHeartbeatRequest())
}

func (cp *ChargePoint) updateHeartbeatInterval() {
	interval := cp.cfg.HeartbeatInterval()
	if interval <= 0 {
		cp.heartbeatTimer.Stop()
		return
	}
	cp.heartbeatTimer.Start(time.Duration(interval)*time.Second, cp.heartbeat)
}

func (cp *ChargePoint) scheduleStatusNotification(connector int, errorCode core.ChargePointErrorCode, status core.ChargePointStatus) {
	debounce := time.Duration(cp.cfg.MinimumStatusDuration()) * time.Second
	cp.statusTimers[connector].Start(debounce, func() {
		cp.statusNotification(connector, errorCode, status)
	})
}

func (cp *ChargePoint) statusNotification(connector int, errorCode core.ChargePointErrorCode, status core.ChargePointStatus) {
	req := core.NewStatusNotificationRequest(connector, errorCode, status)
	req.Timestamp = types.NewDateTime(time.Now())
	cp.send(core.StatusNotificationFeatureName, req)
	cp.notify("status.notification", map[string]interface{}{
		"connectorId": connector,
		"status":      string(status),
		"errorCode":   string(errorCode),
	})
}

// --- meter values ---

// OnMeterValues stores the latest powermeter snapshot of a connector; called
// by the EVSE hardware adapter.
func (cp *ChargePoint) OnMeterValues(connector int, pm common.Powermeter) {
	cp.powerMetersMu.Lock()
	defer cp.powerMetersMu.Unlock()
	cp.powerMeters[connector] = pm
}

// OnMaxCurrentOffered records the current offered to the EV on a connector.
func (cp *ChargePoint) OnMaxCurrentOffered(connector int, maxCurrent float64) {
	cp.powerMetersMu.Lock()
	defer cp.powerMetersMu.Unlock()
	cp.maxCurrentOffered[connector] = maxCurrent
}

func (cp *ChargePoint) latestMeterValue(connector int, measurands []types.Measurand, context types.ReadingContext) types.MeterValue {
	cp.powerMetersMu.Lock()
	defer cp.powerMetersMu.Unlock()

	mv := types.MeterValue{Timestamp: types.NewDateTime(time.Now())}
	pm, ok := cp.powerMeters[connector]
	if !ok {
		return mv
	}
	if !pm.Timestamp.IsZero() {
		mv.Timestamp = types.NewDateTime(pm.Timestamp)
	}
	for _, measurand := range measurands {
		sample := types.SampledValue{Context: context, Format: types.ValueFormatRaw, Measurand: measurand}
		switch measurand {
		case types.MeasurandEnergyActiveImportRegister:
			sample.Unit = types.UnitOfMeasureWh
			sample.Location = types.LocationOutlet
			sample.Value = formatValue(pm.EnergyWhImport.Total)
		case types.MeasurandEnergyActiveExportRegister:
			if pm.EnergyWhExport == nil {
				continue
			}
			sample.Unit = types.UnitOfMeasureWh
			sample.Value = formatValue(pm.EnergyWhExport.Total)
		case types.MeasurandPowerActiveImport:
			if pm.PowerW == nil {
				continue
			}
			sample.Unit = types.UnitOfMeasureW
			sample.Location = types.LocationOutlet
			sample.Value = formatValue(pm.PowerW.Total)
		case types.MeasurandVoltage:
			if pm.VoltageV == nil {
				continue
			}
			sample.Unit = types.UnitOfMeasureV
			sample.Location = types.LocationOutlet
			sample.Value = formatValue(pm.VoltageV.Total)
		case types.MeasurandCurrentImport:
			if pm.CurrentA == nil {
				continue
			}
			sample.Unit = types.UnitOfMeasureA
			sample.Location = types.LocationOutlet
			sample.Value = formatValue(pm.CurrentA.Total)
		case types.MeasurandFrequency:
			if pm.FrequencyHz == nil {
				continue
			}
			sample.Value = formatValue(pm.FrequencyHz.Total)
		case types.MeasurandCurrentOffered:
			sample.Unit = types.UnitOfMeasureA
			sample.Location = types.LocationOutlet
			sample.Value = formatValue(cp.maxCurrentOffered[connector])
		default:
			continue
		}
		if sample.Value != "" {
			mv.SampledValue = append(mv.SampledValue, sample)
		}
	}
	return mv
}

func formatValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

func (cp *ChargePoint) sendMeterValue(connector int, mv types.MeterValue) {
	if len(mv.SampledValue) == 0 {
		return
	}
	req := core.NewMeterValuesRequest(connector, []types.MeterValue{mv})
	if connector > 0 {
		if t := cp.txns.transaction(connector); t != nil && t.TransactionID() != -1 {
			txID := t.TransactionID()
			req.TransactionId = &txID
		}
	}
	cp.send(core.MeterValuesFeatureName, req)
}

func (cp *ChargePoint) sampleConnector(connector int) func() {
	return func() {
		mv := cp.latestMeterValue(connector, cp.cfg.MeterValuesSampledData(), types.ReadingContextSamplePeriodic)
		if t := cp.txns.transaction(connector); t != nil {
			t.AddMeterValue(mv)
		}
		cp.sendMeterValue(connector, mv)
	}
}

func (cp *ChargePoint) clockAlignedMeterValuesSample() {
	cp.mu.Lock()
	initialized := cp.initialized
	cp.mu.Unlock()
	if initialized {
		for connector := 1; connector <= cp.cfg.NumConnectors; connector++ {
			mv := cp.latestMeterValue(connector, cp.cfg.MeterValuesAlignedData(), types.ReadingContextSampleClock)
			if t := cp.txns.transaction(connector); t != nil {
				t.AddMeterValue(mv)
			}
			cp.sendMeterValue(connector, mv)
		}
	}
	cp.updateClockAlignedMeterValuesInterval()
}

func (cp *ChargePoint) updateClockAlignedMeterValuesInterval() {
	interval := time.Duration(cp.cfg.ClockAlignedDataInterval()) * time.Second
	if interval == 0 {
		cp.clockAlignedTimer.Stop()
		return
	}
	next := common.NextClockAligned(time.Now(), interval)
	cp.clockAlignedTimer.At(next, cp.clockAlignedMeterValuesSample)
}

func (cp *ChargePoint) updateMeterValuesSampleInterval() {
	cp.txns.changeMeterValuesSampleIntervals(cp.cfg.MeterValueSampleInterval(), cp.sampleConnector)
}

func (cp *ChargePoint) profileLimits() profileLimits {
	return profileLimits{
		maxStackLevel: cp.cfg.ChargeProfileMaxStackLevel(),
		maxInstalled:  cp.cfg.MaxChargingProfilesInstalled(),
		maxPeriods:    cp.cfg.ChargingScheduleMaxPeriods(),
		allowedUnits:  cp.cfg.AllowedChargingRateUnits(),
	}
}

// CompositeSchedules computes one composite schedule per connector, the
// charge-point-wide connector 0 included.
func (cp *ChargePoint) CompositeSchedules(duration time.Duration) map[int]types.ChargingSchedule {
	out := map[int]types.ChargingSchedule{}
	now := time.Now()
	for connector := 0; connector <= cp.cfg.NumConnectors; connector++ {
		out[connector] = cp.smartCharging.compositeSchedule(connector, duration, types.ChargingRateUnitAmperes, now)
	}
	return out
}

func round(v float64) int {
	return int(math.Round(v))
}
