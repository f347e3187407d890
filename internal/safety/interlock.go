package safety

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"xray-console/internal/metrics"
)

// Interlock identifiers. All nine conditions must hold before the engine will
// let the exposure-arming transition fire.
const (
	InterlockDoorClosed         = "DOOR_CLOSED"
	InterlockEmergencyStopClear = "EMERGENCY_STOP_CLEAR"
	InterlockThermalNormal      = "THERMAL_NORMAL"
	InterlockGeneratorReady     = "GENERATOR_READY"
	InterlockDetectorReady      = "DETECTOR_READY"
	InterlockCollimatorValid    = "COLLIMATOR_VALID"
	InterlockTableLocked        = "TABLE_LOCKED"
	InterlockDoseWithinLimits   = "DOSE_WITHIN_LIMITS"
	InterlockAecConfigured      = "AEC_CONFIGURED"
)

// InterlockNames lists the nine conditions in display order.
var InterlockNames = []string{
	InterlockDoorClosed,
	InterlockEmergencyStopClear,
	InterlockThermalNormal,
	InterlockGeneratorReady,
	InterlockDetectorReady,
	InterlockCollimatorValid,
	InterlockTableLocked,
	InterlockDoseWithinLimits,
	InterlockAecConfigured,
}

// DisplayNames maps interlock identifiers to operator-facing text.
var DisplayNames = map[string]string{
	InterlockDoorClosed:         "Exam room door closed",
	InterlockEmergencyStopClear: "Emergency stop released",
	InterlockThermalNormal:      "Tube thermal state normal",
	InterlockGeneratorReady:     "Generator ready",
	InterlockDetectorReady:      "Detector ready",
	InterlockCollimatorValid:    "Collimator position valid",
	InterlockTableLocked:        "Patient table locked",
	InterlockDoseWithinLimits:   "Dose within configured limits",
	InterlockAecConfigured:      "AEC chamber configured",
}

// InterlockStatus is one atomic snapshot of the nine hardware safety
// conditions, taken in a single collaborator round-trip.
type InterlockStatus struct {
	DoorClosed         bool `json:"door_closed"`
	EmergencyStopClear bool `json:"emergency_stop_clear"`
	ThermalNormal      bool `json:"thermal_normal"`
	GeneratorReady     bool `json:"generator_ready"`
	DetectorReady      bool `json:"detector_ready"`
	CollimatorValid    bool `json:"collimator_valid"`
	TableLocked        bool `json:"table_locked"`
	DoseWithinLimits   bool `json:"dose_within_limits"`
	AecConfigured      bool `json:"aec_configured"`
}

// Detail expands the snapshot into a per-identifier map.
func (s InterlockStatus) Detail() map[string]bool {
	return map[string]bool{
		InterlockDoorClosed:         s.DoorClosed,
		InterlockEmergencyStopClear: s.EmergencyStopClear,
		InterlockThermalNormal:      s.ThermalNormal,
		InterlockGeneratorReady:     s.GeneratorReady,
		InterlockDetectorReady:      s.DetectorReady,
		InterlockCollimatorValid:    s.CollimatorValid,
		InterlockTableLocked:        s.TableLocked,
		InterlockDoseWithinLimits:   s.DoseWithinLimits,
		InterlockAecConfigured:      s.AecConfigured,
	}
}

// AllOK reports whether every condition holds.
func (s InterlockStatus) AllOK() bool {
	for _, ok := range s.Detail() {
		if !ok {
			return false
		}
	}
	return true
}

// HardwareSafety is the hardware-safety collaborator contract. Snapshot must
// return the nine conditions from a single request so the verifier never
// observes a torn state across separate round-trips.
type HardwareSafety interface {
	Snapshot(ctx context.Context) (InterlockStatus, error)
	IsExposureBlocked(ctx context.Context) (bool, error)
	EmergencyStandby(ctx context.Context) error
}

// CheckResult is the reduced verdict of one interlock verification.
type CheckResult struct {
	AllPassed bool            `json:"all_passed"`
	Failed    []string        `json:"failed,omitempty"`
	Detail    map[string]bool `json:"detail"`
	CheckedAt time.Time       `json:"checked_at"`
	TimedOut  bool            `json:"timed_out"`
	Reason    string          `json:"reason,omitempty"`
}

// FailedDisplayNames returns operator-facing text for the failed conditions.
func (r CheckResult) FailedDisplayNames() []string {
	var names []string
	for _, id := range r.Failed {
		names = append(names, DisplayNames[id])
	}
	return names
}

// Verifier reduces the hardware snapshot to pass/fail under a hard deadline.
// Any timeout or collaborator error is a failure of every interlock: this
// gate directly precedes radiation emission, so indeterminate is never an
// answer.
type Verifier struct {
	provider HardwareSafety
	timeout  time.Duration
	logger   *zap.Logger
}

// DefaultCheckTimeout bounds the interlock snapshot round-trip.
const DefaultCheckTimeout = 10 * time.Millisecond

func NewVerifier(provider HardwareSafety, timeout time.Duration, logger *zap.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Verifier{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "interlock_verifier")),
	}
}

// CheckAllInterlocks queries the collaborator once and reduces the snapshot.
func (v *Verifier) CheckAllInterlocks(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	status, err := v.provider.Snapshot(checkCtx)
	metrics.InterlockCheckDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		v.logger.Error("interlock snapshot failed, failing all interlocks",
			zap.Error(err), zap.Duration("timeout", v.timeout))
		return v.failAll(err)
	}

	result := CheckResult{
		AllPassed: true,
		Detail:    status.Detail(),
		CheckedAt: time.Now().UTC(),
	}
	for _, id := range InterlockNames {
		if !result.Detail[id] {
			result.AllPassed = false
			result.Failed = append(result.Failed, id)
			metrics.InterlockFailuresTotal.WithLabelValues(id).Inc()
		}
	}
	if !result.AllPassed {
		v.logger.Warn("interlock check failed", zap.Strings("failed", result.Failed))
	}
	return result
}

func (v *Verifier) failAll(err error) CheckResult {
	detail := make(map[string]bool, len(InterlockNames))
	failed := make([]string, 0, len(InterlockNames))
	for _, id := range InterlockNames {
		detail[id] = false
		failed = append(failed, id)
		metrics.InterlockFailuresTotal.WithLabelValues(id).Inc()
	}
	timedOut := errors.Is(err, context.DeadlineExceeded)
	reason := err.Error()
	if timedOut {
		reason = "TIMEOUT"
	}
	return CheckResult{
		AllPassed: false,
		Failed:    failed,
		Detail:    detail,
		CheckedAt: time.Now().UTC(),
		TimedOut:  timedOut,
		Reason:    reason,
	}
}
