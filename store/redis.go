package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// RedisStore persists charge point state in Redis. Every value is stored as
// JSON under a per-charge-point key prefix so several charge points can share
// one instance.
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func NewRedisStore(addr, chargePointID string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %v: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: "cp:" + chargePointID, ctx: ctx}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) SetConnectorAvailability(connectorID int, availability string) error {
	return s.client.HSet(s.ctx, s.key("availability"), strconv.Itoa(connectorID), availability).Err()
}

func (s *RedisStore) ConnectorAvailability(connectorID int) (string, error) {
	v, err := s.client.HGet(s.ctx, s.key("availability"), strconv.Itoa(connectorID)).Result()
	if err == redis.Nil {
		return availabilityOperative, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) AllConnectorAvailability() (map[int]string, error) {
	raw, err := s.client.HGetAll(s.ctx, s.key("availability")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *RedisStore) InsertTransaction(rec TransactionRecord) error {
	return s.setJSON(s.key("transactions"), rec.SessionID, rec)
}

func (s *RedisStore) UpdateTransactionID(sessionID string, transactionID int, parentIDTag string) error {
	rec, err := s.Transaction(sessionID)
	if err != nil {
		return err
	}
	rec.TransactionID = transactionID
	rec.ParentIDTag = parentIDTag
	return s.setJSON(s.key("transactions"), sessionID, rec)
}

func (s *RedisStore) CloseTransaction(sessionID string, meterStop int, ts time.Time, idTagEnd string, reason string) error {
	rec, err := s.Transaction(sessionID)
	if err != nil {
		return err
	}
	rec.MeterStop = &meterStop
	rec.StopTimestamp = &ts
	rec.IDTagEnd = idTagEnd
	rec.StopReason = reason
	return s.setJSON(s.key("transactions"), sessionID, rec)
}

func (s *RedisStore) Transaction(sessionID string) (TransactionRecord, error) {
	var rec TransactionRecord
	err := s.getJSON(s.key("transactions"), sessionID, &rec)
	return rec, err
}

func (s *RedisStore) PendingTransactions() ([]TransactionRecord, error) {
	raw, err := s.client.HGetAll(s.ctx, s.key("transactions")).Result()
	if err != nil {
		return nil, err
	}
	var out []TransactionRecord
	for _, v := range raw {
		var rec TransactionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, err
		}
		if rec.Pending() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteTransaction(sessionID string) error {
	return s.client.HDel(s.ctx, s.key("transactions"), sessionID).Err()
}

func (s *RedisStore) SetAuthCacheEntry(idTag string, info types.IdTagInfo) error {
	return s.setJSON(s.key("authcache"), idTag, info)
}

func (s *RedisStore) AuthCacheEntry(idTag string) (types.IdTagInfo, error) {
	var info types.IdTagInfo
	err := s.getJSON(s.key("authcache"), idTag, &info)
	return info, err
}

func (s *RedisStore) ClearAuthCache() error {
	return s.client.Del(s.ctx, s.key("authcache")).Err()
}

func (s *RedisStore) LocalListVersion() (int, error) {
	v, err := s.client.Get(s.ctx, s.key("locallist", "version")).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) ReplaceLocalList(version int, entries []LocalListEntry) error {
	if err := s.client.Del(s.ctx, s.key("locallist", "entries")).Err(); err != nil {
		return err
	}
	return s.MergeLocalList(version, entries)
}

func (s *RedisStore) MergeLocalList(version int, entries []LocalListEntry) error {
	for _, e := range entries {
		if e.Info == nil {
			if err := s.client.HDel(s.ctx, s.key("locallist", "entries"), e.IDTag).Err(); err != nil {
				return err
			}
			continue
		}
		if err := s.setJSON(s.key("locallist", "entries"), e.IDTag, e.Info); err != nil {
			return err
		}
	}
	return s.client.Set(s.ctx, s.key("locallist", "version"), version, 0).Err()
}

func (s *RedisStore) LocalListEntry(idTag string) (types.IdTagInfo, error) {
	var info types.IdTagInfo
	err := s.getJSON(s.key("locallist", "entries"), idTag, &info)
	return info, err
}

func (s *RedisStore) SetChargingProfile(connectorID int, profile types.ChargingProfile) error {
	installed := InstalledProfile{ConnectorID: connectorID, Profile: profile}
	return s.setJSON(s.key("profiles"), strconv.Itoa(profile.ChargingProfileId), installed)
}

func (s *RedisStore) DeleteChargingProfile(profileID int) error {
	return s.client.HDel(s.ctx, s.key("profiles"), strconv.Itoa(profileID)).Err()
}

func (s *RedisStore) ChargingProfiles() ([]InstalledProfile, error) {
	raw, err := s.client.HGetAll(s.ctx, s.key("profiles")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]InstalledProfile, 0, len(raw))
	for _, v := range raw {
		var p InstalledProfile
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) SavePendingCall(call PendingCall) error {
	exists, err := s.client.HExists(s.ctx, s.key("pending", "calls"), call.MessageID).Result()
	if err != nil {
		return err
	}
	if err := s.setJSON(s.key("pending", "calls"), call.MessageID, call); err != nil {
		return err
	}
	if !exists {
		return s.client.RPush(s.ctx, s.key("pending", "order"), call.MessageID).Err()
	}
	return nil
}

func (s *RedisStore) DeletePendingCall(messageID string) error {
	if err := s.client.HDel(s.ctx, s.key("pending", "calls"), messageID).Err(); err != nil {
		return err
	}
	return s.client.LRem(s.ctx, s.key("pending", "order"), 0, messageID).Err()
}

func (s *RedisStore) PendingCalls() ([]PendingCall, error) {
	ids, err := s.client.LRange(s.ctx, s.key("pending", "order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingCall, 0, len(ids))
	for _, id := range ids {
		var call PendingCall
		if err := s.getJSON(s.key("pending", "calls"), id, &call); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, call)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) setJSON(key, field string, v interface{}) error {
	bt, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.HSet(s.ctx, key, field, bt).Err()
}

func (s *RedisStore) getJSON(key, field string, v interface{}) error {
	raw, err := s.client.HGet(s.ctx, key, field).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}
