package guard

// Canonical fact names consumed by the transition guards. A fact that was
// never set is *absent*, not false: guards that reference an absent fact fail
// with a reason instead of panicking, so an upstream collaborator that was
// never consulted can never silently satisfy a safety gate.
const (
	FactWorklistServerConfigured    = "WorklistServerConfigured"
	FactWorklistResultReceived      = "WorklistResultReceived"
	FactWorklistRetryCountExceeded  = "WorklistRetryCountExceeded"
	FactIsEmergencyWorkflow         = "IsEmergencyWorkflow"
	FactPatientIDNotEmpty           = "PatientIdNotEmpty"
	FactProtocolValid               = "ProtocolValid"
	FactParametersWithinLimits      = "ParametersWithinLimits"
	FactHardwareInterlockOk         = "HardwareInterlockOk"
	FactDetectorReady               = "DetectorReady"
	FactGeneratorReady              = "GeneratorReady"
	FactDoseWithinLimits            = "DoseWithinLimits"
	FactExposureNotBlocked          = "ExposureNotBlocked"
	FactImageDataReceived           = "ImageDataReceived"
	FactRejectionRecorded           = "RejectionRecorded"
	FactRetakeAuthorized            = "RetakeAuthorized"
	FactMppsReportAccepted          = "MppsReportAccepted"
	FactStorageCommitConfirmed      = "StorageCommitConfirmed"
	FactExportFailureAcknowledged   = "ExportFailureAcknowledged"
)

// Metadata keys with meaning to the engine itself. Everything else in the
// metadata map is carried opaquely into the journal.
const (
	MetaStudyUID         = "StudyInstanceUID"
	MetaInterlockTimeout = "InterlockTimedOut"
	MetaInterlockFailed  = "InterlockFailed"
	MetaDoseWarnings     = "DoseWarnings"
)

// Context is an immutable snapshot of the named facts and open metadata a
// transition attempt is evaluated against. It is built fresh per attempt by
// the fact collector; guards read from it and never perform I/O themselves.
type Context struct {
	facts map[string]bool
	meta  map[string]interface{}
}

// Fact returns the value of a named fact and whether it was set at all.
func (c *Context) Fact(name string) (value, ok bool) {
	value, ok = c.facts[name]
	return value, ok
}

// Meta returns an open metadata value (study UID, parameter echo, ...).
func (c *Context) Meta(key string) (interface{}, bool) {
	v, ok := c.meta[key]
	return v, ok
}

// MetaAll returns a copy of the metadata map, carried verbatim into the
// journal entry for the attempt.
func (c *Context) MetaAll() map[string]interface{} {
	out := make(map[string]interface{}, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// Env materializes the expression environment the guard rules run against.
// Absent facts are simply missing keys; the evaluator turns a missing key
// into a guard failure. The returned map is a fresh copy per call.
func (c *Context) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(c.facts)+1)
	for name, v := range c.facts {
		env[name] = v
	}
	env["Meta"] = c.meta
	return env
}

// Builder assembles a Context. Not safe for concurrent use; build one per
// transition attempt and discard it.
type Builder struct {
	facts map[string]bool
	meta  map[string]interface{}
}

func NewBuilder() *Builder {
	return &Builder{
		facts: make(map[string]bool),
		meta:  make(map[string]interface{}),
	}
}

// Fact records a named boolean fact.
func (b *Builder) Fact(name string, value bool) *Builder {
	b.facts[name] = value
	return b
}

// Meta records an open metadata value carried into the journal entry.
func (b *Builder) Meta(key string, value interface{}) *Builder {
	b.meta[key] = value
	return b
}

// Build returns the immutable snapshot. The builder's maps are copied so the
// snapshot cannot be mutated through a retained builder.
func (b *Builder) Build() *Context {
	facts := make(map[string]bool, len(b.facts))
	for k, v := range b.facts {
		facts[k] = v
	}
	meta := make(map[string]interface{}, len(b.meta))
	for k, v := range b.meta {
		meta[k] = v
	}
	return &Context{facts: facts, meta: meta}
}
