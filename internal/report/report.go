// Package report holds the contracts for the procedure-reporting and dose
// collaborators. The engine calls them at well-defined transition boundaries
// and consumes their success or failure as guard facts for the next
// transition; none of their protocol logic lives in this repository.
package report

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorklistItem is one scheduled procedure returned by a worklist query.
type WorklistItem struct {
	PatientID       string `json:"patient_id"`
	PatientName     string `json:"patient_name"`
	AccessionNumber string `json:"accession_number"`
	ProcedureID     string `json:"procedure_id"`
}

// ProcedureReporter is the worklist / MPPS / storage / storage-commitment
// collaborator. Every call is bounded by its context.
type ProcedureReporter interface {
	SyncWorklist(ctx context.Context) ([]WorklistItem, error)
	ReportMppsComplete(ctx context.Context, studyUID string) error
	ExportStudy(ctx context.Context, studyUID string) error
	ConfirmStorageCommit(ctx context.Context, studyUID string) (bool, error)
	// Configured reports whether a worklist server is reachable at all; the
	// worklist-sync entry guard consumes it.
	Configured() bool
}

// DoseProvider supplies accumulated study dose and DRL-exceedance flags. The
// exceedance flag feeds the soft warning surface only; hard dose gating is an
// interlock owned by the hardware collaborator.
type DoseProvider interface {
	AccumulatedDose(ctx context.Context, studyUID string) (float64, error)
	DrlExceeded(ctx context.Context, studyUID string) (bool, error)
}

// SimReporter is an in-memory procedure-reporting collaborator for
// development and tests.
type SimReporter struct {
	mu         sync.Mutex
	items      []WorklistItem
	configured bool
	failSync   bool
	failExport bool
	mpps       map[string]time.Time
	committed  map[string]bool
	logger     *zap.Logger
}

func NewSimReporter(logger *zap.Logger) *SimReporter {
	return &SimReporter{
		configured: true,
		items: []WorklistItem{
			{PatientID: "PAT-1001", PatientName: "DOE^JANE", AccessionNumber: "ACC-1", ProcedureID: "CHEST-PA"},
			{PatientID: "PAT-1002", PatientName: "ROE^RICHARD", AccessionNumber: "ACC-2", ProcedureID: "HAND-LAT"},
		},
		mpps:      make(map[string]time.Time),
		committed: make(map[string]bool),
		logger:    logger.With(zap.String("component", "sim_reporter")),
	}
}

func (r *SimReporter) SyncWorklist(ctx context.Context) ([]WorklistItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSync {
		return nil, context.DeadlineExceeded
	}
	out := make([]WorklistItem, len(r.items))
	copy(out, r.items)
	return out, nil
}

func (r *SimReporter) ReportMppsComplete(ctx context.Context, studyUID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mpps[studyUID] = time.Now().UTC()
	r.logger.Info("mpps complete reported", zap.String("study_uid", studyUID))
	return nil
}

func (r *SimReporter) ExportStudy(ctx context.Context, studyUID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failExport {
		return context.DeadlineExceeded
	}
	r.committed[studyUID] = true
	r.logger.Info("study exported", zap.String("study_uid", studyUID))
	return nil
}

func (r *SimReporter) ConfirmStorageCommit(ctx context.Context, studyUID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed[studyUID], nil
}

func (r *SimReporter) Configured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configured
}

// SetConfigured toggles worklist server availability. Simulation only.
func (r *SimReporter) SetConfigured(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured = ok
}

// SetFailSync makes SyncWorklist fail. Simulation only.
func (r *SimReporter) SetFailSync(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSync = fail
}

// SetFailExport makes ExportStudy fail. Simulation only.
func (r *SimReporter) SetFailExport(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failExport = fail
}

// SimDoseProvider is an in-memory dose collaborator.
type SimDoseProvider struct {
	mu    sync.Mutex
	doses map[string]float64
	drl   map[string]bool
}

func NewSimDoseProvider() *SimDoseProvider {
	return &SimDoseProvider{
		doses: make(map[string]float64),
		drl:   make(map[string]bool),
	}
}

func (d *SimDoseProvider) AccumulatedDose(ctx context.Context, studyUID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doses[studyUID], nil
}

func (d *SimDoseProvider) DrlExceeded(ctx context.Context, studyUID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drl[studyUID], nil
}

// AddDose accumulates delivered dose for a study. Simulation only.
func (d *SimDoseProvider) AddDose(studyUID string, dose float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doses[studyUID] += dose
}

// SetDrlExceeded flags a study as past its diagnostic reference level.
// Simulation only.
func (d *SimDoseProvider) SetDrlExceeded(studyUID string, exceeded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drl[studyUID] = exceeded
}
