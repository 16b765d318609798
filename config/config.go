package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Identity holds the immutable charge point identity reported in
// BootNotification.
type Identity struct {
	ChargePointID           string `json:"chargePointId" validate:"required"`
	ChargePointVendor       string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
}

type keyEntry struct {
	value    string
	readonly bool
	check    func(string) error
}

// Configuration is the charge point configuration: identity, connection
// settings and the OCPP key registry served by Get/ChangeConfiguration.
type Configuration struct {
	Identity         Identity `json:"identity"`
	CentralSystemURI string   `json:"centralSystemUri" validate:"required,url"`
	NumConnectors    int      `json:"numberOfConnectors" validate:"required,min=1"`
	TLSClientCert    string   `json:"tlsClientCert,omitempty"`
	TLSClientKey     string   `json:"tlsClientKey,omitempty"`
	TLSRootCA        string   `json:"tlsRootCa,omitempty"`

	mu   sync.RWMutex
	keys map[string]*keyEntry
}

type fileConfig struct {
	Identity         Identity          `json:"identity"`
	CentralSystemURI string            `json:"centralSystemUri"`
	NumConnectors    int               `json:"numberOfConnectors"`
	TLSClientCert    string            `json:"tlsClientCert"`
	TLSClientKey     string            `json:"tlsClientKey"`
	TLSRootCA        string            `json:"tlsRootCa"`
	Keys             map[string]string `json:"keys"`
}

const (
	envVarChargePointID    = "CHARGE_POINT_ID"
	envVarCentralSystemURI = "CENTRAL_SYSTEM_URI"
)

func checkInt(min int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < min {
			return fmt.Errorf("must be an integer >= %d", min)
		}
		return nil
	}
}

func checkBool(v string) error {
	if v != "true" && v != "false" {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func checkIntRange(min, max int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < min || n > max {
			return fmt.Errorf("must be an integer in [%d,%d]", min, max)
		}
		return nil
	}
}

// Standard OCPP 1.6 keys plus the security whitepaper additions. Defaults
// match a small dual-connector AC charger.
func defaultKeys(numConnectors int) map[string]*keyEntry {
	rw := func(value string, check func(string) error) *keyEntry {
		return &keyEntry{value: value, check: check}
	}
	ro := func(value string) *keyEntry {
		return &keyEntry{value: value, readonly: true}
	}
	return map[string]*keyEntry{
		KeyAllowOfflineTxForUnknownID:           rw("false", checkBool),
		KeyAuthorizationCacheEnabled:            rw("true", checkBool),
		KeyAuthorizeRemoteTxRequests:            rw("false", checkBool),
		KeyClockAlignedDataInterval:             rw("0", checkInt(0)),
		KeyConnectionTimeOut:                    rw("60", checkInt(0)),
		KeyHeartbeatInterval:                    rw("60", checkInt(1)),
		KeyLocalAuthorizeOffline:                rw("true", checkBool),
		KeyLocalPreAuthorize:                    rw("false", checkBool),
		KeyMeterValuesAlignedData:               rw("Energy.Active.Import.Register", nil),
		KeyMeterValuesSampledData:               rw("Energy.Active.Import.Register", nil),
		KeyMeterValueSampleInterval:             rw("60", checkInt(0)),
		KeyMinimumStatusDuration:                rw("1", checkInt(0)),
		KeyNumberOfConnectors:                   ro(strconv.Itoa(numConnectors)),
		KeyStopTransactionOnInvalidID:           rw("true", checkBool),
		KeyUnlockConnectorOnEVSideDisconnect:    rw("true", checkBool),
		KeySupportedFeatureProfiles:             ro("Core,FirmwareManagement,LocalAuthListManagement,Reservation,SmartCharging,RemoteTrigger"),
		KeyTransactionMessageAttempts:           rw("3", checkInt(1)),
		KeyTransactionMessageRetryInterval:      rw("10", checkInt(1)),
		KeyWebsocketReconnectInterval:           rw("10", checkInt(1)),
		KeyLocalAuthListEnabled:                 rw("true", checkBool),
		KeyLocalAuthListMaxLength:               ro("100"),
		KeySendLocalListMaxLength:               ro("50"),
		KeyChargeProfileMaxStackLevel:           ro("10"),
		KeyChargingScheduleAllowedChargingRateUnit: ro("Current"),
		KeyChargingScheduleMaxPeriods:           ro("50"),
		KeyMaxChargingProfilesInstalled:         ro("20"),
		KeySupportedChargingProfilePurposeTypes: ro("ChargePointMaxProfile,TxDefaultProfile,TxProfile"),
		KeyMaxCompositeScheduleDuration:         ro("86400"),
		KeySecurityProfile:                      rw("0", checkIntRange(0, 3)),
		KeyAuthorizationKey:                     rw("", nil),
		KeyCpoName:                              rw("", nil),
	}
}

// Configuration key names.
const (
	KeyAllowOfflineTxForUnknownID              = "AllowOfflineTxForUnknownId"
	KeyAuthorizationCacheEnabled               = "AuthorizationCacheEnabled"
	KeyAuthorizationKey                        = "AuthorizationKey"
	KeyAuthorizeRemoteTxRequests               = "AuthorizeRemoteTxRequests"
	KeyChargeProfileMaxStackLevel              = "ChargeProfileMaxStackLevel"
	KeyChargingScheduleAllowedChargingRateUnit = "ChargingScheduleAllowedChargingRateUnit"
	KeyChargingScheduleMaxPeriods              = "ChargingScheduleMaxPeriods"
	KeyClockAlignedDataInterval                = "ClockAlignedDataInterval"
	KeyConnectionTimeOut                       = "ConnectionTimeOut"
	KeyCpoName                                 = "CpoName"
	KeyHeartbeatInterval                       = "HeartbeatInterval"
	KeyLocalAuthListEnabled                    = "LocalAuthListEnabled"
	KeyLocalAuthListMaxLength                  = "LocalAuthListMaxLength"
	KeyLocalAuthorizeOffline                   = "LocalAuthorizeOffline"
	KeyLocalPreAuthorize                       = "LocalPreAuthorize"
	KeyMaxChargingProfilesInstalled            = "MaxChargingProfilesInstalled"
	KeyMaxCompositeScheduleDuration            = "MaxCompositeScheduleDuration"
	KeyMeterValuesAlignedData                  = "MeterValuesAlignedData"
	KeyMeterValuesSampledData                  = "MeterValuesSampledData"
	KeyMeterValueSampleInterval                = "MeterValueSampleInterval"
	KeyMinimumStatusDuration                   = "MinimumStatusDuration"
	KeyNumberOfConnectors                      = "NumberOfConnectors"
	KeySecurityProfile                         = "SecurityProfile"
	KeySendLocalListMaxLength                  = "SendLocalListMaxLength"
	KeyStopTransactionOnInvalidID              = "StopTransactionOnInvalidId"
	KeySupportedChargingProfilePurposeTypes    = "SupportedChargingProfilePurposeTypes"
	KeySupportedFeatureProfiles                = "SupportedFeatureProfiles"
	KeyTransactionMessageAttempts              = "TransactionMessageAttempts"
	KeyTransactionMessageRetryInterval         = "TransactionMessageRetryInterval"
	KeyUnlockConnectorOnEVSideDisconnect       = "UnlockConnectorOnEVSideDisconnect"
	KeyWebsocketReconnectInterval              = "WebsocketReconnectInterval"
)

// Load reads the configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %v: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config %v: %w", path, err)
	}
	if id, ok := os.LookupEnv(envVarChargePointID); ok {
		fc.Identity.ChargePointID = id
	}
	if uri, ok := os.LookupEnv(envVarCentralSystemURI); ok {
		fc.CentralSystemURI = uri
	}

	cfg := &Configuration{
		Identity:         fc.Identity,
		CentralSystemURI: fc.CentralSystemURI,
		NumConnectors:    fc.NumConnectors,
		TLSClientCert:    fc.TLSClientCert,
		TLSClientKey:     fc.TLSClientKey,
		TLSRootCA:        fc.TLSRootCA,
		keys:             defaultKeys(fc.NumConnectors),
	}
	for k, v := range fc.Keys {
		entry, ok := cfg.keys[k]
		if !ok {
			return nil, fmt.Errorf("unknown configuration key %v", k)
		}
		if entry.check != nil {
			if err := entry.check(v); err != nil {
				return nil, fmt.Errorf("configuration key %v: %w", k, err)
			}
		}
		entry.value = v
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// New builds a configuration programmatically; used by tests and embedders.
func New(identity Identity, centralSystemURI string, numConnectors int) *Configuration {
	return &Configuration{
		Identity:         identity,
		CentralSystemURI: centralSystemURI,
		NumConnectors:    numConnectors,
		keys:             defaultKeys(numConnectors),
	}
}

// Get returns the key value pair as served by GetConfiguration. The
// AuthorizationKey is write-only and never reported.
func (c *Configuration) Get(key string) (core.ConfigurationKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.keys[key]
	if !ok {
		return core.ConfigurationKey{}, false
	}
	value := entry.value
	if key == KeyAuthorizationKey {
		value = ""
	}
	return core.ConfigurationKey{Key: key, Readonly: entry.readonly, Value: &value}, true
}

// GetAll returns every reportable key, for GetConfiguration with no filter.
func (c *Configuration) GetAll() []core.ConfigurationKey {
	c.mu.RLock()
	names := make([]string, 0, len(c.keys))
	for name := range c.keys {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make([]core.ConfigurationKey, 0, len(names))
	for _, name := range names {
		if kv, ok := c.Get(name); ok {
			out = append(out, kv)
		}
	}
	return out
}

// Set applies a ChangeConfiguration write and returns the typed status.
func (c *Configuration) Set(key, value string) core.ConfigurationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.keys[key]
	if !ok {
		return core.ConfigurationStatusNotSupported
	}
	if entry.readonly {
		return core.ConfigurationStatusRejected
	}
	if entry.check != nil {
		if err := entry.check(value); err != nil {
			return core.ConfigurationStatusRejected
		}
	}
	entry.value = value
	return core.ConfigurationStatusAccepted
}

func (c *Configuration) get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.keys[key]; ok {
		return entry.value
	}
	return ""
}

func (c *Configuration) getInt(key string) int {
	n, _ := strconv.Atoi(c.get(key))
	return n
}

func (c *Configuration) getBool(key string) bool {
	return c.get(key) == "true"
}

func (c *Configuration) HeartbeatInterval() int        { return c.getInt(KeyHeartbeatInterval) }
func (c *Configuration) SetHeartbeatInterval(v int)    { c.Set(KeyHeartbeatInterval, strconv.Itoa(v)) }
func (c *Configuration) MeterValueSampleInterval() int { return c.getInt(KeyMeterValueSampleInterval) }
func (c *Configuration) ClockAlignedDataInterval() int { return c.getInt(KeyClockAlignedDataInterval) }
func (c *Configuration) MinimumStatusDuration() int    { return c.getInt(KeyMinimumStatusDuration) }
func (c *Configuration) ConnectionTimeOut() int        { return c.getInt(KeyConnectionTimeOut) }
func (c *Configuration) TransactionMessageAttempts() int {
	return c.getInt(KeyTransactionMessageAttempts)
}
func (c *Configuration) TransactionMessageRetryInterval() int {
	return c.getInt(KeyTransactionMessageRetryInterval)
}
func (c *Configuration) WebsocketReconnectInterval() int {
	return c.getInt(KeyWebsocketReconnectInterval)
}
func (c *Configuration) SecurityProfile() int          { return c.getInt(KeySecurityProfile) }
func (c *Configuration) SetSecurityProfile(profile int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[KeySecurityProfile].value = strconv.Itoa(profile)
}
func (c *Configuration) AuthorizationKey() string          { return c.get(KeyAuthorizationKey) }
func (c *Configuration) CpoName() string                   { return c.get(KeyCpoName) }
func (c *Configuration) LocalPreAuthorize() bool           { return c.getBool(KeyLocalPreAuthorize) }
func (c *Configuration) LocalAuthorizeOffline() bool       { return c.getBool(KeyLocalAuthorizeOffline) }
func (c *Configuration) LocalAuthListEnabled() bool        { return c.getBool(KeyLocalAuthListEnabled) }
func (c *Configuration) AuthorizationCacheEnabled() bool   { return c.getBool(KeyAuthorizationCacheEnabled) }
func (c *Configuration) AllowOfflineTxForUnknownID() bool  { return c.getBool(KeyAllowOfflineTxForUnknownID) }
func (c *Configuration) AuthorizeRemoteTxRequests() bool   { return c.getBool(KeyAuthorizeRemoteTxRequests) }
func (c *Configuration) StopTransactionOnInvalidID() bool  { return c.getBool(KeyStopTransactionOnInvalidID) }
func (c *Configuration) UnlockConnectorOnEVSideDisconnect() bool {
	return c.getBool(KeyUnlockConnectorOnEVSideDisconnect)
}
func (c *Configuration) ChargeProfileMaxStackLevel() int { return c.getInt(KeyChargeProfileMaxStackLevel) }
func (c *Configuration) MaxChargingProfilesInstalled() int {
	return c.getInt(KeyMaxChargingProfilesInstalled)
}
func (c *Configuration) ChargingScheduleMaxPeriods() int {
	return c.getInt(KeyChargingScheduleMaxPeriods)
}
func (c *Configuration) MaxCompositeScheduleDuration() int {
	return c.getInt(KeyMaxCompositeScheduleDuration)
}

// AllowedChargingRateUnits maps the configured unit list to wire values.
func (c *Configuration) AllowedChargingRateUnits() []types.ChargingRateUnitType {
	var out []types.ChargingRateUnitType
	for _, u := range strings.Split(c.get(KeyChargingScheduleAllowedChargingRateUnit), ",") {
		switch strings.TrimSpace(u) {
		case "Current":
			out = append(out, types.ChargingRateUnitAmperes)
		case "Power":
			out = append(out, types.ChargingRateUnitWatts)
		}
	}
	return out
}

func (c *Configuration) SupportedChargingProfilePurposeTypes() []types.ChargingProfilePurposeType {
	var out []types.ChargingProfilePurposeType
	for _, p := range strings.Split(c.get(KeySupportedChargingProfilePurposeTypes), ",") {
		out = append(out, types.ChargingProfilePurposeType(strings.TrimSpace(p)))
	}
	return out
}

func (c *Configuration) SupportedFeatureProfiles() []string {
	return strings.Split(c.get(KeySupportedFeatureProfiles), ",")
}

func (c *Configuration) HasFeatureProfile(profile string) bool {
	for _, p := range c.SupportedFeatureProfiles() {
		if strings.TrimSpace(p) == profile {
			return true
		}
	}
	return false
}

// MeterValuesSampledData returns the measurands sampled during transactions.
func (c *Configuration) MeterValuesSampledData() []types.Measurand {
	return splitMeasurands(c.get(KeyMeterValuesSampledData))
}

// MeterValuesAlignedData returns the measurands for clock-aligned samples.
func (c *Configuration) MeterValuesAlignedData() []types.Measurand {
	return splitMeasurands(c.get(KeyMeterValuesAlignedData))
}

func splitMeasurands(s string) []types.Measurand {
	var out []types.Measurand
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, types.Measurand(m))
		}
	}
	return out
}
