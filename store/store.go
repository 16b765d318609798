package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("store: not found")

// TransactionRecord is the durable shape of a charging session.
type TransactionRecord struct {
	SessionID      string     `json:"sessionId"`
	TransactionID  int        `json:"transactionId"`
	ConnectorID    int        `json:"connectorId"`
	IDTag          string     `json:"idTag"`
	ParentIDTag    string     `json:"parentIdTag,omitempty"`
	StartTimestamp time.Time  `json:"startTimestamp"`
	MeterStart     int        `json:"meterStart"`
	MeterStop      *int       `json:"meterStop,omitempty"`
	StopTimestamp  *time.Time `json:"stopTimestamp,omitempty"`
	StopReason     string     `json:"stopReason,omitempty"`
	IDTagEnd       string     `json:"idTagEnd,omitempty"`
}

// Pending reports whether the transaction has not been closed yet.
func (r TransactionRecord) Pending() bool {
	return r.StopTimestamp == nil
}

// LocalListEntry is one row of the local authorization list. A nil Info
// deletes the row on a differential update.
type LocalListEntry struct {
	IDTag string           `json:"idTag"`
	Info  *types.IdTagInfo `json:"idTagInfo,omitempty"`
}

// InstalledProfile ties a charging profile to the connector it was installed
// on.
type InstalledProfile struct {
	ConnectorID int                   `json:"connectorId"`
	Profile     types.ChargingProfile `json:"profile"`
}

// PendingCall is a queued transaction-class message that must survive a
// process restart.
type PendingCall struct {
	MessageID string          `json:"messageId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is the durable state consumed by the protocol runtime. Implementations
// serialize access internally; no locking is exposed at this layer.
type Store interface {
	SetConnectorAvailability(connectorID int, availability string) error
	ConnectorAvailability(connectorID int) (string, error)
	AllConnectorAvailability() (map[int]string, error)

	InsertTransaction(rec TransactionRecord) error
	UpdateTransactionID(sessionID string, transactionID int, parentIDTag string) error
	CloseTransaction(sessionID string, meterStop int, ts time.Time, idTagEnd string, reason string) error
	Transaction(sessionID string) (TransactionRecord, error)
	PendingTransactions() ([]TransactionRecord, error)
	DeleteTransaction(sessionID string) error

	SetAuthCacheEntry(idTag string, info types.IdTagInfo) error
	AuthCacheEntry(idTag string) (types.IdTagInfo, error)
	ClearAuthCache() error

	LocalListVersion() (int, error)
	ReplaceLocalList(version int, entries []LocalListEntry) error
	MergeLocalList(version int, entries []LocalListEntry) error
	LocalListEntry(idTag string) (types.IdTagInfo, error)

	SetChargingProfile(connectorID int, profile types.ChargingProfile) error
	DeleteChargingProfile(profileID int) error
	ChargingProfiles() ([]InstalledProfile, error)

	SavePendingCall(call PendingCall) error
	DeletePendingCall(messageID string) error
	PendingCalls() ([]PendingCall, error)

	Close() error
}
