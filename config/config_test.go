package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{
		ChargePointID:     "CP001",
		ChargePointVendor: "TestVendor",
		ChargePointModel:  "TestModel",
	}
}

func TestSetAndGet(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)

	status := cfg.Set(KeyHeartbeatInterval, "120")
	assert.Equal(t, core.ConfigurationStatusAccepted, status)
	assert.Equal(t, 120, cfg.HeartbeatInterval())

	kv, ok := cfg.Get(KeyHeartbeatInterval)
	require.True(t, ok)
	require.NotNil(t, kv.Value)
	assert.Equal(t, "120", *kv.Value)
	assert.False(t, kv.Readonly)
}

func TestSetUnknownKey(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	assert.Equal(t, core.ConfigurationStatusNotSupported, cfg.Set("NoSuchKey", "1"))
}

func TestSetReadonlyKey(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	assert.Equal(t, core.ConfigurationStatusRejected, cfg.Set(KeyNumberOfConnectors, "4"))
}

func TestSetInvalidValue(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	assert.Equal(t, core.ConfigurationStatusRejected, cfg.Set(KeyHeartbeatInterval, "not-a-number"))
	assert.Equal(t, core.ConfigurationStatusRejected, cfg.Set(KeyLocalPreAuthorize, "yes"))
	assert.Equal(t, core.ConfigurationStatusRejected, cfg.Set(KeySecurityProfile, "7"))
}

func TestAuthorizationKeyIsWriteOnly(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	cfg.Set(KeyAuthorizationKey, "s3cret")
	assert.Equal(t, "s3cret", cfg.AuthorizationKey())

	kv, ok := cfg.Get(KeyAuthorizationKey)
	require.True(t, ok)
	assert.Equal(t, "", *kv.Value)
}

func TestGetAllContainsEveryKey(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	all := cfg.GetAll()
	assert.Greater(t, len(all), 20)
}

func TestFeatureProfiles(t *testing.T) {
	cfg := New(testIdentity(), "ws://localhost:8887", 2)
	assert.True(t, cfg.HasFeatureProfile("Reservation"))
	assert.False(t, cfg.HasFeatureProfile("NoSuchProfile"))
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	fc := map[string]interface{}{
		"identity": map[string]string{
			"chargePointId":     "CP042",
			"chargePointVendor": "TestVendor",
			"chargePointModel":  "TestModel",
		},
		"centralSystemUri":   "ws://cs.example.com:8887",
		"numberOfConnectors": 2,
		"keys": map[string]string{
			KeyHeartbeatInterval: "300",
		},
	}
	data, err := json.Marshal(fc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("CHARGE_POINT_ID", "CP-ENV")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CP-ENV", cfg.Identity.ChargePointID)
	assert.Equal(t, 300, cfg.HeartbeatInterval())
	assert.Equal(t, 2, cfg.NumConnectors)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	fc := map[string]interface{}{
		"identity": map[string]string{
			"chargePointId":     "CP042",
			"chargePointVendor": "TestVendor",
			"chargePointModel":  "TestModel",
		},
		"centralSystemUri":   "ws://cs.example.com:8887",
		"numberOfConnectors": 2,
		"keys":               map[string]string{"Bogus": "1"},
	}
	data, err := json.Marshal(fc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	assert.Error(t, err)
}
