package store

import (
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// MemoryStore keeps all state in process memory. It backs tests and charge
// points that run without an external database.
type MemoryStore struct {
	mu sync.RWMutex

	availability map[int]string
	transactions map[string]TransactionRecord
	authCache    map[string]types.IdTagInfo

	localListVersion int
	localList        map[string]types.IdTagInfo

	profiles map[int]InstalledProfile

	pendingOrder []string
	pendingCalls map[string]PendingCall
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		availability: map[int]string{},
		transactions: map[string]TransactionRecord{},
		authCache:    map[string]types.IdTagInfo{},
		localList:    map[string]types.IdTagInfo{},
		profiles:     map[int]InstalledProfile{},
		pendingCalls: map[string]PendingCall{},
	}
}

func (s *MemoryStore) SetConnectorAvailability(connectorID int, availability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[connectorID] = availability
	return nil
}

func (s *MemoryStore) ConnectorAvailability(connectorID int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.availability[connectorID]; ok {
		return a, nil
	}
	return string(availabilityOperative), nil
}

func (s *MemoryStore) AllConnectorAvailability() (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.availability))
	for k, v := range s.availability {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) InsertTransaction(rec TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[rec.SessionID] = rec
	return nil
}

func (s *MemoryStore) UpdateTransactionID(sessionID string, transactionID int, parentIDTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transactions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.TransactionID = transactionID
	rec.ParentIDTag = parentIDTag
	s.transactions[sessionID] = rec
	return nil
}

func (s *MemoryStore) CloseTransaction(sessionID string, meterStop int, ts time.Time, idTagEnd string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transactions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.MeterStop = &meterStop
	rec.StopTimestamp = &ts
	rec.IDTagEnd = idTagEnd
	rec.StopReason = reason
	s.transactions[sessionID] = rec
	return nil
}

func (s *MemoryStore) Transaction(sessionID string) (TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transactions[sessionID]
	if !ok {
		return TransactionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PendingTransactions() ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransactionRecord
	for _, rec := range s.transactions {
		if rec.Pending() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTransaction(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, sessionID)
	return nil
}

func (s *MemoryStore) SetAuthCacheEntry(idTag string, info types.IdTagInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCache[idTag] = info
	return nil
}

func (s *MemoryStore) AuthCacheEntry(idTag string) (types.IdTagInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.authCache[idTag]
	if !ok {
		return types.IdTagInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *MemoryStore) ClearAuthCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCache = map[string]types.IdTagInfo{}
	return nil
}

func (s *MemoryStore) LocalListVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localListVersion, nil
}

func (s *MemoryStore) ReplaceLocalList(version int, entries []LocalListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localList = map[string]types.IdTagInfo{}
	for _, e := range entries {
		if e.Info != nil {
			s.localList[e.IDTag] = *e.Info
		}
	}
	s.localListVersion = version
	return nil
}

func (s *MemoryStore) MergeLocalList(version int, entries []LocalListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Info == nil {
			delete(s.localList, e.IDTag)
		} else {
			s.localList[e.IDTag] = *e.Info
		}
	}
	s.localListVersion = version
	return nil
}

func (s *MemoryStore) LocalListEntry(idTag string) (types.IdTagInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.localList[idTag]
	if !ok {
		return types.IdTagInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *MemoryStore) SetChargingProfile(connectorID int, profile types.ChargingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ChargingProfileId] = InstalledProfile{ConnectorID: connectorID, Profile: profile}
	return nil
}

func (s *MemoryStore) DeleteChargingProfile(profileID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, profileID)
	return nil
}

func (s *MemoryStore) ChargingProfiles() ([]InstalledProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InstalledProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) SavePendingCall(call PendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingCalls[call.MessageID]; !ok {
		s.pendingOrder = append(s.pendingOrder, call.MessageID)
	}
	s.pendingCalls[call.MessageID] = call
	return nil
}

func (s *MemoryStore) DeletePendingCall(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingCalls[messageID]; !ok {
		return nil
	}
	delete(s.pendingCalls, messageID)
	for i, id := range s.pendingOrder {
		if id == messageID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) PendingCalls() ([]PendingCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingCall, 0, len(s.pendingOrder))
	for _, id := range s.pendingOrder {
		out = append(out, s.pendingCalls[id])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

const availabilityOperative = "Operative"
