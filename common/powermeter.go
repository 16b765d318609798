package common

import "time"

// Phased holds a total reading with optional per-phase breakdown.
type Phased struct {
	Total float64  `json:"total"`
	L1    *float64 `json:"L1,omitempty"`
	L2    *float64 `json:"L2,omitempty"`
	L3    *float64 `json:"L3,omitempty"`
}

// Powermeter is a snapshot of the hardware meter for one connector, written
// by the EVSE adapter and read by the sampling code.
type Powermeter struct {
	Timestamp      time.Time `json:"timestamp"`
	EnergyWhImport Phased    `json:"energy_Wh_import"`
	EnergyWhExport *Phased   `json:"energy_Wh_export,omitempty"`
	PowerW         *Phased   `json:"power_W,omitempty"`
	VoltageV       *Phased   `json:"voltage_V,omitempty"`
	CurrentA       *Phased   `json:"current_A,omitempty"`
	FrequencyHz    *Phased   `json:"frequency_Hz,omitempty"`
}

// StampedEnergyWh is an energy reading bound to the moment it was taken.
type StampedEnergyWh struct {
	Timestamp time.Time
	EnergyWh  float64
}

// SessionStartedReason distinguishes a plug-in from an authorization swipe.
type SessionStartedReason string

const (
	SessionStartedEVConnected SessionStartedReason = "EVConnected"
	SessionStartedAuthorized  SessionStartedReason = "Authorized"
)
