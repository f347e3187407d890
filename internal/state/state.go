package state

// WorkflowState is one of the closed set of clinical workflow states. There
// is no implicit "other" value: every state the engine can occupy is listed
// here, and StateIdle is the only state considered safe to terminate in.
type WorkflowState string

const (
	StateIdle               WorkflowState = "IDLE"
	StateWorklistSync       WorkflowState = "WORKLIST_SYNC"
	StatePatientSelect      WorkflowState = "PATIENT_SELECT"
	StateProtocolSelect     WorkflowState = "PROTOCOL_SELECT"
	StatePositionAndPreview WorkflowState = "POSITION_AND_PREVIEW"
	StateExposureTrigger    WorkflowState = "EXPOSURE_TRIGGER"
	StateAcquisition        WorkflowState = "ACQUISITION"
	StateQcReview           WorkflowState = "QC_REVIEW"
	StateRejectRetake       WorkflowState = "REJECT_RETAKE"
	StateMppsComplete       WorkflowState = "MPPS_COMPLETE"
	StatePacsExport         WorkflowState = "PACS_EXPORT"
)

// AllStates lists every workflow state. The transition table validator and
// the abort-expansion logic iterate this slice, so ordering is stable.
var AllStates = []WorkflowState{
	StateIdle,
	StateWorklistSync,
	StatePatientSelect,
	StateProtocolSelect,
	StatePositionAndPreview,
	StateExposureTrigger,
	StateAcquisition,
	StateQcReview,
	StateRejectRetake,
	StateMppsComplete,
	StatePacsExport,
}

// Trigger is a named workflow event that may cause a state transition.
type Trigger string

const (
	TriggerStartWorklistSync     Trigger = "START_WORKLIST_SYNC"
	TriggerWorklistSyncCompleted Trigger = "WORKLIST_SYNC_COMPLETED"
	TriggerWorklistSyncTimeout   Trigger = "WORKLIST_SYNC_TIMEOUT"
	TriggerWorklistSyncFailed    Trigger = "WORKLIST_SYNC_FAILED"
	TriggerEmergencyStart        Trigger = "EMERGENCY_START"
	TriggerPatientConfirmed      Trigger = "PATIENT_CONFIRMED"
	TriggerProtocolConfirmed     Trigger = "PROTOCOL_CONFIRMED"
	TriggerArmExposure           Trigger = "ARM_EXPOSURE"
	TriggerDisarm                Trigger = "DISARM"
	TriggerExposureStarted       Trigger = "EXPOSURE_STARTED"
	TriggerAcquisitionCompleted  Trigger = "ACQUISITION_COMPLETED"
	TriggerQcAccepted            Trigger = "QC_ACCEPTED"
	TriggerQcRejected            Trigger = "QC_REJECTED"
	TriggerRetakeStarted         Trigger = "RETAKE_STARTED"
	TriggerRetakeDeclined        Trigger = "RETAKE_DECLINED"
	TriggerMppsReported          Trigger = "MPPS_REPORTED"
	TriggerExportCompleted       Trigger = "EXPORT_COMPLETED"
	TriggerExportFailed          Trigger = "EXPORT_FAILED"
	TriggerAbort                 Trigger = "ABORT"
	// TriggerRecoveryResume never appears in the transition table; it is the
	// trigger name journaled when an operator resumes an interrupted session.
	TriggerRecoveryResume Trigger = "RECOVERY_RESUME"
)

// AllTriggers lists every trigger the transition table may reference.
var AllTriggers = []Trigger{
	TriggerStartWorklistSync,
	TriggerWorklistSyncCompleted,
	TriggerWorklistSyncTimeout,
	TriggerWorklistSyncFailed,
	TriggerEmergencyStart,
	TriggerPatientConfirmed,
	TriggerProtocolConfirmed,
	TriggerArmExposure,
	TriggerDisarm,
	TriggerExposureStarted,
	TriggerAcquisitionCompleted,
	TriggerQcAccepted,
	TriggerQcRejected,
	TriggerRetakeStarted,
	TriggerRetakeDeclined,
	TriggerMppsReported,
	TriggerExportCompleted,
	TriggerExportFailed,
	TriggerAbort,
}

// Category classifies a transition for audit filtering.
type Category string

const (
	CategoryWorkflow Category = "WORKFLOW"
	CategorySafety   Category = "SAFETY"
	CategoryHardware Category = "HARDWARE"
	CategorySystem   Category = "SYSTEM"
)

// Valid reports whether s is a member of the closed state set.
func (s WorkflowState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Valid reports whether t is a table-visible trigger.
func (t Trigger) Valid() bool {
	for _, known := range AllTriggers {
		if t == known {
			return true
		}
	}
	return false
}

// SafetyCritical reports whether s is adjacent to radiation emission.
// Crash recovery never offers to resume into or across these states.
func (s WorkflowState) SafetyCritical() bool {
	return s == StateExposureTrigger || s == StatePositionAndPreview
}
