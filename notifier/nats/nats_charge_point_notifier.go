package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"charge_point/common"
	"charge_point/notifier"
)

// Function handles one local bus command and answers on the response channel.
type Function func(payload []byte, responseChannel chan common.Response)

// natsChargePointNotifier publishes charge point events to a local NATS bus
// and serves a small request/reply command surface for the site controller.
type natsChargePointNotifier struct {
	chargePointID string
	notification  chan notifier.Notification
	connection    *nats.Conn
	handlers      map[string]Function
	timeout       time.Duration
	url           string
}

func New(chargePointID, url string) *natsChargePointNotifier {
	if url == "" {
		url = nats.DefaultURL
	}
	return &natsChargePointNotifier{
		chargePointID: chargePointID,
		handlers:      make(map[string]Function),
		timeout:       30 * time.Second,
		url:           url,
	}
}

func (n *natsChargePointNotifier) SetTimeout(timeout time.Duration) {
	n.timeout = timeout
}

func (n *natsChargePointNotifier) Timeout() time.Duration {
	return n.timeout
}

func (n *natsChargePointNotifier) AddHandler(action string, fn Function) {
	n.handlers[action] = fn
}

func (n *natsChargePointNotifier) SetChannel(notification chan notifier.Notification) {
	n.notification = notification
}

func (n *natsChargePointNotifier) notificationsFromChargePoint() {
	for notification := range n.notification {
		bt, err := json.Marshal(notification.Data)
		if err != nil {
			log.Error(err)
			continue
		}
		if err := n.connection.Publish(notification.Topic, bt); err != nil {
			log.WithError(err).Error("publishing notification")
		}
	}
}

func (n *natsChargePointNotifier) requestHandler() {
	var Validator = validator.New()

	subject := fmt.Sprintf("charge_point.%v.request", n.chargePointID)
	_, err := n.connection.Subscribe(subject, func(m *nats.Msg) {
		var command common.Command
		json.Unmarshal(m.Data, &command)
		log.Printf("RequestHandler, %+v", string(m.Data))

		if err := Validator.Struct(&command); err != nil {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.format.not.valid",
					Message: "the command is not valid",
				},
			})
			m.Respond(bt)
			return
		}

		fn, exists := n.handlers[command.Action]
		if !exists {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.action.not.found",
					Message: fmt.Sprintf("unknown action %q", command.Action),
				},
			})
			m.Respond(bt)
			return
		}

		responseChannel := make(chan common.Response)
		payload, _ := json.Marshal(command.Payload)

		go fn(payload, responseChannel)

		select {
		case response := <-responseChannel:
			bt, _ := json.Marshal(response)
			m.Respond(bt)
		case <-time.After(n.timeout):
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "request.timeout",
					Message: "the request timed out",
				},
			})
			m.Respond(bt)
		}
	})
	if err != nil {
		log.WithError(err).Error("subscribing to request subject")
	}
}

func (n *natsChargePointNotifier) Start() error {
	nc, err := nats.Connect(n.url)
	if err != nil {
		return err
	}
	n.connection = nc
	go n.notificationsFromChargePoint()
	n.requestHandler()
	return nil
}

func (n *natsChargePointNotifier) Stop() {
	if n.connection != nil {
		n.connection.Close()
		log.Info("NatsStopped")
	}
}
