package chargepoint

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

func (cp *ChargePoint) endpointURL() string {
	return strings.TrimRight(cp.cfg.CentralSystemURI, "/") + "/" + cp.cfg.Identity.ChargePointID
}

// initWebsocket builds a transport for the given security profile and hooks
// the queue and dispatcher to it.
func (cp *ChargePoint) initWebsocket(securityProfile int) error {
	ws, err := cp.newTransport(securityProfile)
	if err != nil {
		return err
	}
	ws.SetMessageHandler(cp.messageCallback)
	ws.SetReconnectedHandler(func() {
		if cp.callbacks.ConnectionStateChanged != nil {
			cp.callbacks.ConnectionStateChanged(true)
		}
		cp.q.Resume()
		cp.connectedCallback()
	})
	ws.SetDisconnectedHandler(func(err error) {
		if err != nil {
			cp.log.WithError(err).Info("websocket disconnected")
		}
		if cp.callbacks.ConnectionStateChanged != nil {
			cp.callbacks.ConnectionStateChanged(false)
		}
		cp.q.Pause()
		cp.runSwitchProfileCallback()
	})

	cp.wsMu.Lock()
	cp.ws = ws
	cp.wsMu.Unlock()
	return nil
}

// connectTransport keeps dialling until the transport is up or the charge
// point is stopped; once connected the transport reconnects on its own.
func (cp *ChargePoint) connectTransport() {
	ws := cp.transport()
	if ws == nil || ws.IsConnected() {
		return
	}
	if err := ws.Start(cp.endpointURL()); err != nil {
		cp.log.WithError(err).Warn("connecting to central system failed")
		cp.mu.Lock()
		stopped := cp.stopped
		cp.mu.Unlock()
		if !stopped {
			retry := time.Duration(cp.cfg.WebsocketReconnectInterval()) * time.Second
			cp.connectTimer.Start(retry, cp.connectTransport)
		}
		return
	}
	if cp.callbacks.ConnectionStateChanged != nil {
		cp.callbacks.ConnectionStateChanged(true)
	}
	cp.q.Resume()
	cp.connectedCallback()
}

// connectedCallback runs on every successful connect. A reconnect in Booted
// state re-announces every connector status but never repeats the
// BootNotification.
func (cp *ChargePoint) connectedCallback() {
	cp.mu.Lock()
	cp.switchProfileCallback = nil
	state := cp.connectionState
	if state == ConnectionDisconnected {
		cp.connectionState = ConnectionConnected
	}
	cp.mu.Unlock()

	switch state {
	case ConnectionDisconnected:
	case ConnectionBooted:
		for connector := 0; connector <= cp.cfg.NumConnectors; connector++ {
			cp.statusNotification(connector, core.NoError, cp.states.state(connector))
		}
	default:
		cp.log.WithField("state", state).Warn("connected in unexpected state")
	}
}

func (cp *ChargePoint) handleBootNotificationResponse(payload json.RawMessage) {
	var conf core.BootNotificationConfirmation
	if err := json.Unmarshal(payload, &conf); err != nil {
		cp.log.WithError(err).Error("parsing BootNotificationResponse")
		return
	}

	cp.mu.Lock()
	cp.registrationStatus = conf.Status
	cp.initialized = true
	cp.bootTime = time.Now()
	cp.mu.Unlock()

	if conf.Interval > 0 {
		cp.cfg.SetHeartbeatInterval(conf.Interval)
	}
	cp.notify("boot.notification", map[string]interface{}{"status": string(conf.Status)})

	switch conf.Status {
	case core.RegistrationStatusAccepted:
		cp.mu.Lock()
		cp.connectionState = ConnectionBooted
		cp.mu.Unlock()
		cp.updateHeartbeatInterval()
		cp.updateClockAlignedMeterValuesInterval()

		availability := map[int]core.AvailabilityType{}
		stored, err := cp.st.AllConnectorAvailability()
		if err != nil {
			cp.log.WithError(err).Error("loading connector availability")
		}
		for connector, a := range stored {
			availability[connector] = core.AvailabilityType(a)
		}
		// connector 0 stays operative; its availability is only changed
		// through ChangeAvailability on the whole charge point
		availability[0] = core.AvailabilityTypeOperative
		cp.states.run(availability)
	case core.RegistrationStatusPending:
		cp.mu.Lock()
		cp.connectionState = ConnectionPending
		cp.mu.Unlock()
		cp.bootTimer.Start(time.Duration(conf.Interval)*time.Second, cp.bootNotification)
	default:
		cp.mu.Lock()
		cp.connectionState = ConnectionRejected
		cp.mu.Unlock()
		cp.log.Debugf("registration rejected, next BootNotification in %ds", conf.Interval)
		cp.bootTimer.Start(time.Duration(conf.Interval)*time.Second, cp.bootNotification)
	}
}

// runSwitchProfileCallback takes and runs the armed profile switch, if any.
// Both the disconnect handler and the ChangeConfiguration path call it; the
// swap guarantees the switch runs once.
func (cp *ChargePoint) runSwitchProfileCallback() {
	cp.mu.Lock()
	callback := cp.switchProfileCallback
	cp.switchProfileCallback = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// switchSecurityProfile tears the connection down and reconnects once under
// the new profile. If that single attempt fails the previous profile is
// restored and the normal reconnect loop resumes.
func (cp *ChargePoint) switchSecurityProfile(newProfile int) {
	previous := cp.cfg.SecurityProfile()
	cp.log.Infof("switching security profile from %d to %d", previous, newProfile)

	if err := cp.initWebsocket(newProfile); err != nil {
		cp.log.WithError(err).Error("initializing transport for new security profile")
		cp.restoreSecurityProfile(previous)
		return
	}
	ws := cp.transport()
	if err := ws.Start(cp.endpointURL()); err != nil {
		cp.log.WithError(err).Warn("connect with new security profile failed, falling back")
		cp.restoreSecurityProfile(previous)
		return
	}
	cp.cfg.SetSecurityProfile(newProfile)
	if cp.callbacks.ConnectionStateChanged != nil {
		cp.callbacks.ConnectionStateChanged(true)
	}
	cp.q.Resume()
	cp.connectedCallback()
}

func (cp *ChargePoint) restoreSecurityProfile(profile int) {
	cp.cfg.SetSecurityProfile(profile)
	if err := cp.initWebsocket(profile); err != nil {
		cp.log.WithError(err).Error("restoring previous security profile")
		return
	}
	cp.connectTransport()
}

// reconnect closes the transport and dials again after the given delay; used
// for AuthorizationKey changes and freshly installed client certificates.
func (cp *ChargePoint) reconnect(delay time.Duration) {
	ws := cp.transport()
	if ws != nil {
		ws.Stop()
	}
	cp.connectTimer.Start(delay, cp.connectTransport)
}
