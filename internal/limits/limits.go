package limits

import "fmt"

// DeviceLimits holds the device-specific hard limits and the soft dose
// warning threshold. Values come from the device limits provider (the
// generator vendor table) via configuration.
type DeviceLimits struct {
	KvpMin            float64 `mapstructure:"kvp_min"`
	KvpMax            float64 `mapstructure:"kvp_max"`
	MaMin             float64 `mapstructure:"ma_min"`
	MaMax             float64 `mapstructure:"ma_max"`
	MaxExposureTimeMs float64 `mapstructure:"max_exposure_time_ms"`
	MaxMas            float64 `mapstructure:"max_mas"`
	// DoseWarningLevel is a soft threshold in mGy·cm²: exceeding it surfaces
	// a warning but never blocks exposure.
	DoseWarningLevel float64 `mapstructure:"dose_warning_level"`
}

// DefaultLimits mirrors a typical general-radiography generator.
func DefaultLimits() DeviceLimits {
	return DeviceLimits{
		KvpMin:            40,
		KvpMax:            150,
		MaMin:             1,
		MaMax:             500,
		MaxExposureTimeMs: 3000,
		MaxMas:            2000,
		DoseWarningLevel:  500,
	}
}

// ExposureParams is a proposed technique: tube voltage, tube current and
// exposure time, from which the mAs product is derived.
type ExposureParams struct {
	Kvp            float64 `json:"kvp"`
	Ma             float64 `json:"ma"`
	ExposureTimeMs float64 `json:"exposure_time_ms"`
	// DoseEstimate is the predicted dose-area product for this exposure,
	// supplied by the dose collaborator. Optional; zero means unknown.
	DoseEstimate float64 `json:"dose_estimate,omitempty"`
}

// Mas returns the derived current-time product in mAs.
func (p ExposureParams) Mas() float64 {
	return p.Ma * p.ExposureTimeMs / 1000.0
}

// Violation is a hard limit breach. Any violation blocks exposure.
type Violation struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
}

// Warning is a soft threshold exceedance. Warnings are surfaced to the
// operator but never gate a transition.
type Warning struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
}

// ValidationResult separates hard violations from soft warnings; only the
// violations list may feed a transition guard.
type ValidationResult struct {
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
}

// OK reports whether no hard limit is violated.
func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0
}

// Validator checks proposed exposure parameters against device limits.
// Pure function over its inputs; no I/O.
type Validator struct {
	limits DeviceLimits
}

func NewValidator(limits DeviceLimits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the configured device limits.
func (v *Validator) Limits() DeviceLimits {
	return v.limits
}

// Validate checks the proposed technique and the study's accumulated dose.
// accumulatedStudyDose is the dose already delivered in this study, added to
// the per-exposure estimate for the soft warning comparison.
func (v *Validator) Validate(p ExposureParams, accumulatedStudyDose float64) ValidationResult {
	var result ValidationResult
	l := v.limits

	if p.Kvp < l.KvpMin || p.Kvp > l.KvpMax {
		result.Violations = append(result.Violations, Violation{
			Parameter: "kvp",
			Value:     p.Kvp,
			Message:   fmt.Sprintf("kVp %.1f outside [%.1f, %.1f]", p.Kvp, l.KvpMin, l.KvpMax),
		})
	}
	if p.Ma < l.MaMin || p.Ma > l.MaMax {
		result.Violations = append(result.Violations, Violation{
			Parameter: "ma",
			Value:     p.Ma,
			Message:   fmt.Sprintf("mA %.1f outside [%.1f, %.1f]", p.Ma, l.MaMin, l.MaMax),
		})
	}
	if p.ExposureTimeMs <= 0 || p.ExposureTimeMs > l.MaxExposureTimeMs {
		result.Violations = append(result.Violations, Violation{
			Parameter: "exposure_time_ms",
			Value:     p.ExposureTimeMs,
			Message:   fmt.Sprintf("exposure time %.0f ms outside (0, %.0f]", p.ExposureTimeMs, l.MaxExposureTimeMs),
		})
	}
	if mas := p.Mas(); mas > l.MaxMas {
		result.Violations = append(result.Violations, Violation{
			Parameter: "mas",
			Value:     mas,
			Message:   fmt.Sprintf("mAs %.1f exceeds %.1f", mas, l.MaxMas),
		})
	}

	if projected := accumulatedStudyDose + p.DoseEstimate; l.DoseWarningLevel > 0 && projected > l.DoseWarningLevel {
		result.Warnings = append(result.Warnings, Warning{
			Parameter: "study_dose",
			Value:     projected,
			Message:   fmt.Sprintf("projected study dose %.1f exceeds warning level %.1f", projected, l.DoseWarningLevel),
		})
	}
	return result
}
