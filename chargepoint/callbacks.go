package chargepoint

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Callbacks is the capability record wiring the protocol runtime to the EVSE
// hardware adapter and operator policy. Every hook is optional: a nil hook
// disables the corresponding feature.
type Callbacks struct {
	// EVSE control
	EnableEVSE     func(connector int) bool
	DisableEVSE    func(connector int) bool
	PauseCharging  func(connector int) bool
	ResumeCharging func(connector int) bool
	// ProvideToken hands a remote-start token to the EVSE; prevalidated means
	// no Authorize round trip is required.
	ProvideToken    func(idToken string, connectors []int, prevalidated bool)
	StopTransaction func(connector int, reason core.Reason) bool
	UnlockConnector func(connector int) bool
	SetMaxCurrent   func(connector int, maxCurrent float64) bool

	// reservations
	ReserveNow        func(reservationID, connector int, expiry time.Time, idTag, parentIDTag string) reservation.ReservationStatus
	CancelReservation func(reservationID int) bool

	// reset and platform
	IsResetAllowed       func(resetType core.ResetType) bool
	Reset                func(resetType core.ResetType)
	SetSystemTime        func(t time.Time)
	SetConnectionTimeout func(seconds int)
	// ConnectionStateChanged observes transport connects and disconnects.
	ConnectionStateChanged func(connected bool)

	// smart charging
	SignalSetChargingProfiles func()
	ComposeSchedule           ScheduleComposer

	// firmware, diagnostics and logs; orchestration only, transfers happen
	// outside the runtime
	UploadDiagnostics    func(request firmware.GetDiagnosticsRequest) (fileName string)
	UpdateFirmware       func(request firmware.UpdateFirmwareRequest)
	SignedUpdateFirmware func(request securefirmware.SignedUpdateFirmwareRequest) securefirmware.UpdateFirmwareStatus
	UploadLogs           func(request logging.GetLogRequest) (status logging.LogStatus, fileName string)

	// PKI seam (security profiles 2 and 3)
	GenerateCSR                   func(cpoName, serialNumber string) (csr string, err error)
	VerifyChargePointCertificate  func(chain, serialNumber string) (valid bool, validIn time.Duration)
	InstallClientCertificate      func(chain string) error
	VerifyFirmwareSigningCert     func(certificate string) bool
	InstallRootCertificate        func(certificate string, use types.CertificateUse) error
	DeleteRootCertificate         func(hash types.CertificateHashData) error
	InstalledRootCertificateHashes func(use types.CertificateUse) []types.CertificateHashData
}
