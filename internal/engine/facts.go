package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"xray-console/internal/guard"
	"xray-console/internal/limits"
	"xray-console/internal/report"
	"xray-console/internal/safety"
	"xray-console/internal/state"
	"xray-console/internal/study"
	"xray-console/internal/util"
)

// collaboratorTimeout bounds the reporting and dose calls made while
// collecting facts. The interlock snapshot has its own, much tighter,
// deadline inside the verifier.
const collaboratorTimeout = 2 * time.Second

// worklistRetryBudget is how many failed syncs it takes before the
// WorklistRetryCountExceeded fact turns true and manual entry opens up.
const worklistRetryBudget = 3

// Collector assembles a consistent guard context per transition attempt from
// the collaborator contracts. Guards read the snapshot; all I/O happens here,
// before the engine's critical section is entered.
type Collector struct {
	verifier  *safety.Verifier
	hardware  safety.HardwareSafety
	reporter  report.ProcedureReporter
	dose      report.DoseProvider
	validator *limits.Validator
	retakes   *study.Coordinator
	logger    *zap.Logger

	mu              sync.Mutex
	worklistRetries int
}

func NewCollector(
	verifier *safety.Verifier,
	hardware safety.HardwareSafety,
	reporter report.ProcedureReporter,
	dose report.DoseProvider,
	validator *limits.Validator,
	retakes *study.Coordinator,
	logger *zap.Logger,
) *Collector {
	return &Collector{
		verifier:  verifier,
		hardware:  hardware,
		reporter:  reporter,
		dose:      dose,
		validator: validator,
		retakes:   retakes,
		logger:    logger.With(zap.String("component", "fact_collector")),
	}
}

// Collect builds the guard context for one (trigger, study, params) attempt.
// extra carries validated operator/hardware inputs that no collaborator can
// answer for (image received, export-failure acknowledgement, ...); extra
// facts never override collaborator-derived ones.
func (c *Collector) Collect(ctx context.Context, trigger state.Trigger, st *study.Context, params *limits.ExposureParams, extra map[string]bool) *guard.Context {
	b := guard.NewBuilder()
	for name, v := range extra {
		b.Fact(name, v)
	}
	if reqID, ok := util.RequestIDFromContext(ctx); ok {
		b.Meta("RequestID", reqID)
	}
	c.baseFacts(b, st)

	switch trigger {
	case state.TriggerStartWorklistSync:
		b.Fact(guard.FactWorklistServerConfigured, c.reporter.Configured())

	case state.TriggerWorklistSyncCompleted, state.TriggerWorklistSyncTimeout:
		c.worklistFacts(ctx, b)

	case state.TriggerProtocolConfirmed, state.TriggerArmExposure:
		c.parameterFacts(ctx, b, st, params)
		if trigger == state.TriggerArmExposure {
			c.interlockFacts(ctx, b)
		}

	case state.TriggerExposureStarted:
		c.exposureBlockFacts(ctx, b)

	case state.TriggerQcRejected, state.TriggerRetakeStarted:
		c.retakeFacts(b, st)

	case state.TriggerMppsReported:
		c.mppsFacts(ctx, b, st)

	case state.TriggerExportCompleted:
		c.exportFacts(ctx, b, st)
	}

	return b.Build()
}

func (c *Collector) baseFacts(b *guard.Builder, st *study.Context) {
	if st == nil {
		return
	}
	b.Fact(guard.FactPatientIDNotEmpty, st.PatientID != "")
	b.Fact(guard.FactIsEmergencyWorkflow, st.Emergency)
	b.Fact(guard.FactProtocolValid, st.ProtocolID != "")
	b.Meta(guard.MetaStudyUID, st.StudyInstanceUID)
}

func (c *Collector) worklistFacts(ctx context.Context, b *guard.Builder) {
	callCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	items, err := c.reporter.SyncWorklist(callCtx)
	c.mu.Lock()
	if err != nil {
		c.worklistRetries++
	} else {
		c.worklistRetries = 0
	}
	retries := c.worklistRetries
	c.mu.Unlock()

	b.Fact(guard.FactWorklistResultReceived, err == nil && len(items) > 0)
	b.Fact(guard.FactWorklistRetryCountExceeded, retries >= worklistRetryBudget)
	b.Meta("WorklistItemCount", len(items))
	if err != nil {
		c.logger.Warn("worklist sync failed", zap.Error(err), zap.Int("retries", retries))
		b.Meta("WorklistError", err.Error())
	}
}

func (c *Collector) parameterFacts(ctx context.Context, b *guard.Builder, st *study.Context, params *limits.ExposureParams) {
	if params == nil {
		// No proposed technique: the fact stays absent and the guard fails.
		return
	}
	var accumulated float64
	if st != nil {
		callCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		defer cancel()
		dose, err := c.dose.AccumulatedDose(callCtx, st.StudyInstanceUID)
		if err != nil {
			c.logger.Warn("dose collaborator unavailable, accumulated dose unknown", zap.Error(err))
		} else {
			accumulated = dose
		}
		// DRL exceedance is advisory: journaled and alerted, never a hard gate.
		// Hard dose gating is the DOSE_WITHIN_LIMITS interlock.
		if exceeded, err := c.dose.DrlExceeded(callCtx, st.StudyInstanceUID); err == nil && exceeded {
			c.logger.Warn("diagnostic reference level exceeded",
				zap.String("study_uid", st.StudyInstanceUID),
				zap.Float64("accumulated_dose", accumulated))
			b.Meta("DrlExceeded", true)
		}
	}
	result := c.validator.Validate(*params, accumulated)
	b.Fact(guard.FactParametersWithinLimits, result.OK())
	if len(result.Warnings) > 0 {
		b.Meta(guard.MetaDoseWarnings, result.Warnings)
	}
	if len(result.Violations) > 0 {
		b.Meta("ParameterViolations", result.Violations)
	}
	b.Meta("ExposureParams", *params)
}

func (c *Collector) interlockFacts(ctx context.Context, b *guard.Builder) {
	check := c.verifier.CheckAllInterlocks(ctx)
	b.Fact(guard.FactHardwareInterlockOk, check.AllPassed)
	b.Fact(guard.FactDetectorReady, check.Detail[safety.InterlockDetectorReady])
	b.Fact(guard.FactGeneratorReady, check.Detail[safety.InterlockGeneratorReady])
	b.Fact(guard.FactDoseWithinLimits, check.Detail[safety.InterlockDoseWithinLimits])
	if !check.AllPassed {
		b.Meta(guard.MetaInterlockFailed, check.Failed)
	}
	if check.TimedOut {
		b.Meta(guard.MetaInterlockTimeout, true)
	}
}

func (c *Collector) exposureBlockFacts(ctx context.Context, b *guard.Builder) {
	callCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	blocked, err := c.hardware.IsExposureBlocked(callCtx)
	if err != nil {
		c.logger.Warn("exposure block query failed, treating as blocked", zap.Error(err))
		blocked = true
	}
	b.Fact(guard.FactExposureNotBlocked, !blocked)
}

func (c *Collector) retakeFacts(b *guard.Builder, st *study.Context) {
	if st == nil {
		return
	}
	auth, ok := c.retakes.LastAuthorization(st.StudyInstanceUID)
	b.Fact(guard.FactRejectionRecorded, ok)
	b.Fact(guard.FactRetakeAuthorized, ok && auth.CanRetake)
	if ok {
		b.Meta("RejectionID", auth.RejectionID)
		b.Meta("RetakesRemaining", auth.RetakesRemaining)
	}
}

func (c *Collector) mppsFacts(ctx context.Context, b *guard.Builder, st *study.Context) {
	if st == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	err := c.reporter.ReportMppsComplete(callCtx, st.StudyInstanceUID)
	b.Fact(guard.FactMppsReportAccepted, err == nil)
	if err != nil {
		c.logger.Warn("mpps report failed", zap.Error(err))
		b.Meta("MppsError", err.Error())
	}
}

func (c *Collector) exportFacts(ctx context.Context, b *guard.Builder, st *study.Context) {
	if st == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	if err := c.reporter.ExportStudy(callCtx, st.StudyInstanceUID); err != nil {
		c.logger.Warn("study export failed", zap.Error(err))
		b.Fact(guard.FactStorageCommitConfirmed, false)
		b.Meta("ExportError", err.Error())
		return
	}
	committed, err := c.reporter.ConfirmStorageCommit(callCtx, st.StudyInstanceUID)
	if err != nil {
		c.logger.Warn("storage commit confirmation failed", zap.Error(err))
		committed = false
	}
	b.Fact(guard.FactStorageCommitConfirmed, committed)
}
