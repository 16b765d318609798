package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/security"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"charge_point/store"
)

// EnhancedMessage is a parsed wire frame enriched with the action of the
// request it answers (for CALLRESULT/CALLERROR) and the offline marker used
// when a pending future is resolved without a response.
type EnhancedMessage struct {
	UniqueID  string
	TypeID    ocppj.MessageType
	Action    string
	Payload   json.RawMessage
	CallError *WireError
	Offline   bool
}

// WireError carries the CALLERROR fields.
type WireError struct {
	Code        ocpp.ErrorCode
	Description string
	Details     json.RawMessage
}

type envelope struct {
	messageID     string
	action        string
	payload       json.RawMessage
	transactional bool
	attempts      int
	notBefore     time.Time
	future        chan EnhancedMessage
	timeout       *time.Timer
}

// MessageQueue is the single serialization point for outbound Calls: strict
// FIFO drain, at most one Call in flight, response correlation by message id,
// retry of transaction-class messages and durable persistence of those across
// restarts.
type MessageQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	send func(data []byte) error
	st   store.Store

	queue    []*envelope
	inFlight *envelope
	paused   bool
	stopped  bool

	transactionAttempts      int
	transactionRetryInterval time.Duration
	messageTimeout           time.Duration

	// server-assigned transaction ids keyed by the StopTransaction message id
	// whose payload still carries -1
	stoppedTransactionIDs map[string]int
	// StartTransaction responses received but not yet processed by the charge
	// point; a held StopTransaction must not overtake them
	pendingStartAcks int

	bootToken string
	seq       uint64

	log *logrus.Entry
}

// DefaultMessageTimeout is how long a Call may stay unanswered before the
// retry policy kicks in.
const DefaultMessageTimeout = 30 * time.Second

var transactionActions = map[string]bool{
	core.StartTransactionFeatureName:             true,
	core.StopTransactionFeatureName:              true,
	core.MeterValuesFeatureName:                  true,
	security.SecurityEventNotificationFeatureName: true,
}

func New(send func(data []byte) error, attempts int, retryInterval time.Duration, st store.Store) *MessageQueue {
	q := &MessageQueue{
		send:                     send,
		st:                       st,
		transactionAttempts:      attempts,
		transactionRetryInterval: retryInterval,
		messageTimeout:           DefaultMessageTimeout,
		stoppedTransactionIDs:    map[string]int{},
		bootToken:                uuid.NewString()[:8],
		paused:                   true,
		log:                      logrus.WithField("component", "message_queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Restore re-hydrates persisted transaction-class envelopes, in their
// original order, in front of anything pushed afterwards.
func (q *MessageQueue) Restore() error {
	if q.st == nil {
		return nil
	}
	calls, err := q.st.PendingCalls()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := make([]*envelope, 0, len(calls))
	for _, c := range calls {
		restored = append(restored, &envelope{
			messageID:     c.MessageID,
			action:        c.Action,
			payload:       c.Payload,
			transactional: true,
		})
	}
	q.queue = append(restored, q.queue...)
	q.cond.Broadcast()
	return nil
}

// CreateMessageID returns a process-unique message id. The boot token keeps
// ids collision-free across reboots.
func (q *MessageQueue) CreateMessageID() string {
	n := atomic.AddUint64(&q.seq, 1)
	return q.bootToken + "-" + strconv.FormatUint(n, 10)
}

// Push enqueues a Call and returns its message id. Transaction-class calls
// are persisted until acknowledged.
func (q *MessageQueue) Push(action string, request ocpp.Request) (string, error) {
	return q.pushWithID(q.CreateMessageID(), action, request, nil)
}

// PushWithID enqueues a Call under a caller-chosen message id, so the caller
// can index its own state by the id before the call leaves the queue.
func (q *MessageQueue) PushWithID(messageID, action string, request ocpp.Request) error {
	_, err := q.pushWithID(messageID, action, request, nil)
	return err
}

// PushAsync enqueues a Call and returns a future completed by the matching
// CallResult/CallError, or resolved with Offline=true when no response can
// arrive in time.
func (q *MessageQueue) PushAsync(action string, request ocpp.Request) (<-chan EnhancedMessage, error) {
	future := make(chan EnhancedMessage, 1)
	if _, err := q.pushWithID(q.CreateMessageID(), action, request, future); err != nil {
		return nil, err
	}
	return future, nil
}

func (q *MessageQueue) pushWithID(messageID, action string, request ocpp.Request, future chan EnhancedMessage) (string, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshalling %v payload: %w", action, err)
	}
	env := &envelope{
		messageID:     messageID,
		action:        action,
		payload:       payload,
		transactional: transactionActions[action],
		future:        future,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.completeOffline(env)
		return env.messageID, nil
	}
	if env.transactional && q.st != nil {
		if err := q.st.SavePendingCall(store.PendingCall{MessageID: env.messageID, Action: action, Payload: payload}); err != nil {
			q.log.WithError(err).Error("persisting pending call")
		}
	}
	q.queue = append(q.queue, env)
	q.cond.Broadcast()
	q.mu.Unlock()

	if future != nil {
		// resolve waiting consumers promptly when the link is down
		time.AfterFunc(q.messageTimeout, func() { q.offlineDeadline(env) })
	}
	return env.messageID, nil
}

func (q *MessageQueue) offlineDeadline(env *envelope) {
	q.mu.Lock()
	if env.future == nil || !q.paused && !q.stopped {
		q.mu.Unlock()
		return
	}
	future := env.future
	env.future = nil
	if !env.transactional {
		q.removeLocked(env)
	}
	q.mu.Unlock()
	future <- EnhancedMessage{Action: env.action, UniqueID: env.messageID, Offline: true}
}

func (q *MessageQueue) removeLocked(env *envelope) {
	for i, e := range q.queue {
		if e == env {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

func (q *MessageQueue) worker() {
	for {
		q.mu.Lock()
		for !q.stopped && (q.paused || q.inFlight != nil || len(q.queue) == 0 || q.holdHeadLocked()) {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		env := q.queue[0]
		q.queue = q.queue[1:]
		q.patchStopTransactionLocked(env)
		q.inFlight = env
		frame, err := MarshalCall(env.messageID, env.action, env.payload)
		send := q.send
		q.mu.Unlock()

		if err != nil {
			q.log.WithError(err).WithField("action", env.action).Error("dropping unmarshallable call")
			q.failInFlight(env)
			continue
		}
		if err := send(frame); err != nil {
			q.log.WithError(err).WithField("action", env.action).Debug("send failed, rescheduling")
			q.retryOrFail(env)
			continue
		}
		env.timeout = time.AfterFunc(q.messageTimeout, func() { q.onTimeout(env) })
	}
}

// holdHeadLocked reports whether the head of the queue must wait: either a
// retry back-off has not elapsed yet, or it is a StopTransaction still
// waiting for the server-assigned transaction id of its session. Holding the
// head (rather than skipping it) preserves the per-transaction wire order.
func (q *MessageQueue) holdHeadLocked() bool {
	env := q.queue[0]
	if !env.notBefore.IsZero() && env.notBefore.After(time.Now()) {
		return true
	}
	if env.action != core.StopTransactionFeatureName {
		return false
	}
	var probe struct {
		TransactionID int `json:"transactionId"`
	}
	if err := json.Unmarshal(env.payload, &probe); err != nil || probe.TransactionID != -1 {
		return false
	}
	if _, patched := q.stoppedTransactionIDs[env.messageID]; patched {
		return false
	}
	// only hold while a StartTransaction that can still deliver the id is
	// outstanding; otherwise the call goes out with -1 and the server decides
	if q.pendingStartAcks > 0 {
		return true
	}
	for _, e := range q.queue {
		if e.action == core.StartTransactionFeatureName {
			return true
		}
	}
	return false
}

func (q *MessageQueue) patchStopTransactionLocked(env *envelope) {
	if env.action != core.StopTransactionFeatureName {
		return
	}
	txID, ok := q.stoppedTransactionIDs[env.messageID]
	if !ok {
		return
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.payload, &payload); err != nil {
		return
	}
	id, _ := json.Marshal(txID)
	payload["transactionId"] = id
	patched, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.payload = patched
	delete(q.stoppedTransactionIDs, env.messageID)
	if env.transactional && q.st != nil {
		if err := q.st.SavePendingCall(store.PendingCall{MessageID: env.messageID, Action: env.action, Payload: patched}); err != nil {
			q.log.WithError(err).Error("persisting patched call")
		}
	}
}

// AddStoppedTransactionID records the transaction id assigned by a late
// StartTransactionResponse so the queued StopTransaction is sent with the
// right id.
func (q *MessageQueue) AddStoppedTransactionID(stopMessageID string, transactionID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stoppedTransactionIDs[stopMessageID] = transactionID
	q.cond.Broadcast()
}

// NotifyStartTransactionHandled wakes the drain loop after a
// StartTransactionResponse was processed, releasing any held StopTransaction.
func (q *MessageQueue) NotifyStartTransactionHandled() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingStartAcks > 0 {
		q.pendingStartAcks--
	}
	q.cond.Broadcast()
}

func (q *MessageQueue) onTimeout(env *envelope) {
	q.mu.Lock()
	if q.inFlight != env {
		q.mu.Unlock()
		return
	}
	q.inFlight = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	q.retryOrFail(env)
}

func (q *MessageQueue) retryOrFail(env *envelope) {
	q.mu.Lock()
	if q.inFlight == env {
		q.inFlight = nil
	}
	if env.transactional && env.attempts+1 < q.transactionAttempts && !q.stopped {
		env.attempts++
		backoff := time.Duration(env.attempts) * q.transactionRetryInterval
		env.notBefore = time.Now().Add(backoff)
		// back at the head: nothing overtakes a retrying transaction call
		q.queue = append([]*envelope{env}, q.queue...)
		q.cond.Broadcast()
		q.mu.Unlock()
		time.AfterFunc(backoff+time.Millisecond, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		return
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	q.failInFlight(env)
}

func (q *MessageQueue) failInFlight(env *envelope) {
	q.mu.Lock()
	if q.inFlight == env {
		q.inFlight = nil
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	if env.transactional && q.st != nil {
		if err := q.st.DeletePendingCall(env.messageID); err != nil {
			q.log.WithError(err).Error("deleting exhausted pending call")
		}
	}
	q.completeOffline(env)
}

func (q *MessageQueue) completeOffline(env *envelope) {
	q.mu.Lock()
	future := env.future
	env.future = nil
	q.mu.Unlock()
	if future != nil {
		future <- EnhancedMessage{Action: env.action, UniqueID: env.messageID, Offline: true}
	}
}

// Receive parses an incoming frame. CALLRESULT and CALLERROR complete the
// in-flight envelope and its future; CALL frames are returned for dispatch.
func (q *MessageQueue) Receive(raw []byte) (EnhancedMessage, error) {
	msg, err := Parse(raw)
	if err != nil {
		return EnhancedMessage{}, err
	}
	if msg.TypeID == ocppj.CALL {
		return msg, nil
	}

	q.mu.Lock()
	env := q.inFlight
	if env == nil || env.messageID != msg.UniqueID {
		q.mu.Unlock()
		return msg, fmt.Errorf("no pending call for message id %v", msg.UniqueID)
	}
	if env.timeout != nil {
		env.timeout.Stop()
	}
	q.inFlight = nil
	msg.Action = env.action
	if env.action == core.StartTransactionFeatureName && msg.TypeID == ocppj.CALL_RESULT {
		q.pendingStartAcks++
	}
	future := env.future
	env.future = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	if env.transactional && q.st != nil {
		if err := q.st.DeletePendingCall(env.messageID); err != nil {
			q.log.WithError(err).Error("deleting acknowledged pending call")
		}
	}
	if future != nil {
		future <- msg
	}
	return msg, nil
}

// Pause suspends the outbound drain; called on transport disconnect.
func (q *MessageQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts the outbound drain; called on transport connect.
func (q *MessageQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Stop shuts the queue down for good. Pending futures resolve offline;
// persisted transaction-class calls stay in the store for the next boot.
func (q *MessageQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	drained := append([]*envelope{}, q.queue...)
	if q.inFlight != nil {
		drained = append(drained, q.inFlight)
		q.inFlight = nil
	}
	q.queue = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, env := range drained {
		q.completeOffline(env)
	}
}

// UpdateTransactionMessageAttempts live-applies a configuration change.
func (q *MessageQueue) UpdateTransactionMessageAttempts(attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transactionAttempts = attempts
}

// UpdateTransactionMessageRetryInterval live-applies a configuration change.
func (q *MessageQueue) UpdateTransactionMessageRetryInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transactionRetryInterval = interval
}

// SetMessageTimeout adjusts the response deadline; used by tests.
func (q *MessageQueue) SetMessageTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messageTimeout = d
}
