package chargepoint

import (
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"charge_point/store"
)

// smartChargingHandler installs, validates and clears charging profiles and
// keeps them in sync with the durable store. Schedule composition arithmetic
// is delegated to a composer so the energy manager can plug in its own.
type smartChargingHandler struct {
	mu       sync.Mutex
	st       store.Store
	profiles map[int]map[int]types.ChargingProfile // connector -> profile id -> profile
	composer ScheduleComposer
}

// ScheduleComposer folds the valid profiles of a connector into one composite
// schedule for the requested window.
type ScheduleComposer func(profiles []types.ChargingProfile, start time.Time, duration time.Duration, unit types.ChargingRateUnitType) types.ChargingSchedule

func newSmartChargingHandler(st store.Store, composer ScheduleComposer) *smartChargingHandler {
	if composer == nil {
		composer = stackLevelComposer
	}
	return &smartChargingHandler{
		st:       st,
		profiles: map[int]map[int]types.ChargingProfile{},
		composer: composer,
	}
}

// stackLevelComposer is the fallback composer: the highest stack level wins
// and its first period limit spans the whole window.
func stackLevelComposer(profiles []types.ChargingProfile, start time.Time, duration time.Duration, unit types.ChargingRateUnitType) types.ChargingSchedule {
	seconds := int(duration.Seconds())
	schedule := types.ChargingSchedule{
		Duration:         &seconds,
		StartSchedule:    types.NewDateTime(start),
		ChargingRateUnit: unit,
	}
	best := -1
	for _, p := range profiles {
		if p.StackLevel > best && p.ChargingSchedule != nil && len(p.ChargingSchedule.ChargingSchedulePeriod) > 0 {
			best = p.StackLevel
			schedule.ChargingSchedulePeriod = []types.ChargingSchedulePeriod{{
				StartPeriod: 0,
				Limit:       p.ChargingSchedule.ChargingSchedulePeriod[0].Limit,
			}}
		}
	}
	return schedule
}

type profileLimits struct {
	maxStackLevel int
	maxInstalled  int
	maxPeriods    int
	allowedUnits  []types.ChargingRateUnitType
}

func (h *smartChargingHandler) validateProfile(profile types.ChargingProfile, connectorID int, limits profileLimits) bool {
	if profile.ChargingSchedule == nil || len(profile.ChargingSchedule.ChargingSchedulePeriod) == 0 {
		return false
	}
	if profile.StackLevel < 0 || profile.StackLevel > limits.maxStackLevel {
		return false
	}
	if len(profile.ChargingSchedule.ChargingSchedulePeriod) > limits.maxPeriods {
		return false
	}
	unitOK := false
	for _, u := range limits.allowedUnits {
		if u == profile.ChargingSchedule.ChargingRateUnit {
			unitOK = true
		}
	}
	if !unitOK {
		return false
	}
	if profile.ChargingProfilePurpose == types.ChargingProfilePurposeChargePointMaxProfile && connectorID != 0 {
		return false
	}
	if profile.ChargingProfilePurpose == types.ChargingProfilePurposeTxProfile && connectorID == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.countLocked() >= limits.maxInstalled {
		if _, replacing := h.findLocked(profile.ChargingProfileId); !replacing {
			return false
		}
	}
	return true
}

func (h *smartChargingHandler) countLocked() int {
	n := 0
	for _, byID := range h.profiles {
		n += len(byID)
	}
	return n
}

func (h *smartChargingHandler) findLocked(profileID int) (int, bool) {
	for connector, byID := range h.profiles {
		if _, ok := byID[profileID]; ok {
			return connector, true
		}
	}
	return 0, false
}

// addProfile installs a profile; a profile with the same id or the same
// (stack level, purpose) pair is replaced.
func (h *smartChargingHandler) addProfile(profile types.ChargingProfile, connectorID int) {
	h.mu.Lock()
	for _, byID := range h.profiles {
		for id, p := range byID {
			if id == profile.ChargingProfileId ||
				(p.StackLevel == profile.StackLevel && p.ChargingProfilePurpose == profile.ChargingProfilePurpose) {
				delete(byID, id)
				h.deleteStored(id)
			}
		}
	}
	if h.profiles[connectorID] == nil {
		h.profiles[connectorID] = map[int]types.ChargingProfile{}
	}
	h.profiles[connectorID][profile.ChargingProfileId] = profile
	h.mu.Unlock()

	if h.st != nil {
		if err := h.st.SetChargingProfile(connectorID, profile); err != nil {
			logrus.WithError(err).Error("persisting charging profile")
		}
	}
}

func (h *smartChargingHandler) deleteStored(profileID int) {
	if h.st == nil {
		return
	}
	if err := h.st.DeleteChargingProfile(profileID); err != nil {
		logrus.WithError(err).Error("deleting charging profile")
	}
}

func (h *smartChargingHandler) clearAllProfiles() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, byID := range h.profiles {
		for id := range byID {
			h.deleteStored(id)
		}
	}
	h.profiles = map[int]map[int]types.ChargingProfile{}
}

// clearProfilesWithFilter removes matching profiles and reports whether any
// matched. A nil filter field matches everything.
func (h *smartChargingHandler) clearProfilesWithFilter(profileID, connectorID, stackLevel *int, purpose *types.ChargingProfilePurposeType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cleared := false
	for connector, byID := range h.profiles {
		if connectorID != nil && connector != *connectorID {
			continue
		}
		for id, p := range byID {
			if profileID != nil && id != *profileID {
				continue
			}
			if stackLevel != nil && p.StackLevel != *stackLevel {
				continue
			}
			if purpose != nil && p.ChargingProfilePurpose != *purpose {
				continue
			}
			delete(byID, id)
			h.deleteStored(id)
			cleared = true
		}
	}
	return cleared
}

// validProfiles returns the profiles whose validity window overlaps
// [start, end) for the given connector (ChargePointMaxProfile on connector 0
// applies everywhere).
func (h *smartChargingHandler) validProfiles(start, end time.Time, connectorID int) []types.ChargingProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.ChargingProfile
	appendValid := func(byID map[int]types.ChargingProfile) {
		for _, p := range byID {
			if p.ValidFrom != nil && p.ValidFrom.Time.After(end) {
				continue
			}
			if p.ValidTo != nil && p.ValidTo.Time.Before(start) {
				continue
			}
			out = append(out, p)
		}
	}
	appendValid(h.profiles[connectorID])
	if connectorID != 0 {
		appendValid(h.profiles[0])
	}
	return out
}

func (h *smartChargingHandler) compositeSchedule(connectorID int, duration time.Duration, unit types.ChargingRateUnitType, now time.Time) types.ChargingSchedule {
	profiles := h.validProfiles(now, now.Add(duration), connectorID)
	return h.composer(profiles, now, duration, unit)
}

// load re-installs persisted profiles, dropping the ones that no longer
// validate.
func (h *smartChargingHandler) load(limits profileLimits) {
	if h.st == nil {
		return
	}
	installed, err := h.st.ChargingProfiles()
	if err != nil {
		logrus.WithError(err).Error("loading charging profiles")
		return
	}
	logrus.Infof("found %d charging profile(s) in the store", len(installed))
	for _, ip := range installed {
		if h.validateProfile(ip.Profile, ip.ConnectorID, limits) {
			h.addProfile(ip.Profile, ip.ConnectorID)
		} else {
			h.deleteStoredLocked(ip.Profile.ChargingProfileId)
		}
	}
}

func (h *smartChargingHandler) deleteStoredLocked(profileID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteStored(profileID)
}
