package main

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"charge_point/chargepoint"
	"charge_point/config"
	"charge_point/localapi"
	notifier "charge_point/notifier/nats"
	"charge_point/store"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/lorenzodonini/ocpp-go/ws"
)

const (
	defaultConfigPath   = "config.json"
	defaultLocalAPIAddr = ":8887"
	envVarConfigPath    = "CONFIG_PATH"
	envVarRedisAddr     = "REDIS_ADDR"
	envVarNatsURL       = "NATS_URL"
	envVarLocalAPIAddr  = "LOCAL_API_ADDR"
)

const (
	actionStatus          = "status"
	actionStopTransaction = "stop.transaction"
)

var log *logrus.Logger

func setupStore(chargePointID string) store.Store {
	redisAddr, ok := os.LookupEnv(envVarRedisAddr)
	if !ok {
		log.Infof("no %v found, using in-memory store", envVarRedisAddr)
		return store.NewMemoryStore()
	}
	st, err := store.NewRedisStore(redisAddr, chargePointID)
	if err != nil {
		log.Fatalf("couldn't open redis store: %v", err)
	}
	return st
}

func newTransportFactory(cfg *config.Configuration) chargepoint.TransportFactory {
	return func(profile int) (chargepoint.WebsocketClient, error) {
		var client *ws.Client
		switch profile {
		case 2, 3:
			tlsConfig := &tls.Config{}
			if cfg.TLSRootCA != "" {
				certPool := x509.NewCertPool()
				data, err := os.ReadFile(cfg.TLSRootCA)
				if err != nil {
					return nil, err
				}
				if !certPool.AppendCertsFromPEM(data) {
					log.Fatalf("couldn't read CA certificate from %v", cfg.TLSRootCA)
				}
				tlsConfig.RootCAs = certPool
			}
			if profile == 3 {
				certificate, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientKey)
				if err != nil {
					return nil, err
				}
				tlsConfig.Certificates = []tls.Certificate{certificate}
			}
			client = ws.NewTLSClient(tlsConfig)
			if profile == 2 {
				client.SetBasicAuth(cfg.Identity.ChargePointID, cfg.AuthorizationKey())
			}
		case 1:
			client = ws.NewClient()
			client.SetBasicAuth(cfg.Identity.ChargePointID, cfg.AuthorizationKey())
		default:
			client = ws.NewClient()
		}
		client.SetRequestedSubProtocol(types.V16Subprotocol)
		timeoutConfig := ws.NewClientTimeoutConfig()
		timeoutConfig.RetryBackOffWaitMinimum = time.Duration(cfg.WebsocketReconnectInterval()) * time.Second
		client.SetTimeoutConfig(timeoutConfig)
		return client, nil
	}
}

// evseCallbacks wires the runtime to the hardware adapter. This binary ships
// a logging adapter; a real EVSE replaces the hooks with contactor and meter
// control.
func evseCallbacks(getChargePoint func() *chargepoint.ChargePoint) chargepoint.Callbacks {
	return chargepoint.Callbacks{
		EnableEVSE: func(connector int) bool {
			log.WithField("connector", connector).Info("enabling EVSE")
			return true
		},
		DisableEVSE: func(connector int) bool {
			log.WithField("connector", connector).Info("disabling EVSE")
			return true
		},
		PauseCharging: func(connector int) bool {
			log.WithField("connector", connector).Info("pausing charging")
			return true
		},
		ResumeCharging: func(connector int) bool {
			log.WithField("connector", connector).Info("resuming charging")
			return true
		},
		ProvideToken: func(idToken string, connectors []int, prevalidated bool) {
			log.WithFields(logrus.Fields{"idToken": idToken, "connectors": connectors, "prevalidated": prevalidated}).
				Info("token provided for remote start")
		},
		StopTransaction: func(connector int, reason core.Reason) bool {
			cp := getChargePoint()
			for _, t := range cp.ActiveTransactionsInfo() {
				if t.Connector == connector {
					cp.OnTransactionStopped(connector, t.SessionID, reason, time.Now(), t.MeterStartWh, "")
					return true
				}
			}
			return false
		},
		UnlockConnector: func(connector int) bool {
			log.WithField("connector", connector).Info("unlocking connector")
			return true
		},
		IsResetAllowed: func(resetType core.ResetType) bool { return true },
		Reset: func(resetType core.ResetType) {
			log.Infof("resetting (%v), exiting for supervisor restart", resetType)
			os.Exit(0)
		},
		SetConnectionTimeout: func(seconds int) {
			log.WithField("seconds", seconds).Debug("connection timeout propagated to EVSE")
		},
		ConnectionStateChanged: func(connected bool) {
			log.WithField("connected", connected).Info("connection state changed")
		},
	}
}

func main() {
	configPath := defaultConfigPath
	if p, ok := os.LookupEnv(envVarConfigPath); ok {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	st := setupStore(cfg.Identity.ChargePointID)

	var cp *chargepoint.ChargePoint
	callbacks := evseCallbacks(func() *chargepoint.ChargePoint { return cp })
	cp = chargepoint.New(cfg, st, newTransportFactory(cfg), callbacks)

	natsNotifier := notifier.New(cfg.Identity.ChargePointID, os.Getenv(envVarNatsURL))
	natsNotifier.SetChannel(cp.NotificationChannel())
	natsNotifier.SetTimeout(30 * time.Second)
	natsNotifier.AddHandler(actionStatus, statusHandler(func() *chargepoint.ChargePoint { return cp }))
	natsNotifier.AddHandler(actionStopTransaction, stopTransactionHandler(callbacks))
	if err := natsNotifier.Start(); err != nil {
		log.Warnf("local bus unavailable: %v", err)
	}
	defer natsNotifier.Stop()

	apiAddr := defaultLocalAPIAddr
	if a, ok := os.LookupEnv(envVarLocalAPIAddr); ok {
		apiAddr = a
	}
	api := localapi.NewServer(chargePointView{cp: func() *chargepoint.ChargePoint { return cp }}, apiAddr)
	api.Start()
	defer api.Stop()

	log.Infof("starting charge point %v against %v", cfg.Identity.ChargePointID, cfg.CentralSystemURI)
	if err := cp.Start(); err != nil {
		log.Fatalf("starting charge point: %v", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if err := cp.Stop(); err != nil {
		log.Warnf("stopping charge point: %v", err)
	}
	log.Info("stopped charge point")
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Set this to DebugLevel to retrieve verbose logs from the queue and
	// websocket layers
	log.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
