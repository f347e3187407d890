package study

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xray-console/internal/metrics"
)

// Context is the per-exam working state. It is created when a study starts
// and discarded when the workflow returns to Idle; nothing in it is persisted
// outside the journal.
type Context struct {
	StudyInstanceUID string    `json:"study_instance_uid"`
	PatientID        string    `json:"patient_id"`
	PatientName      string    `json:"patient_name"`
	AccessionNumber  string    `json:"accession_number,omitempty"`
	Emergency        bool      `json:"emergency"`
	ProtocolID       string    `json:"protocol_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	ExposureCount    int       `json:"exposure_count"`
}

// RetakeAuthorization is the verdict returned for a recorded rejection. The
// QC-reject transition guard consumes CanRetake; the coordinator itself never
// drives the state machine.
type RetakeAuthorization struct {
	RejectionID      string `json:"rejection_id"`
	CanRetake        bool   `json:"can_retake"`
	RetakesRemaining int    `json:"retakes_remaining"`
	Reason           string `json:"reason,omitempty"`
	AuthorizedBy     string `json:"authorized_by,omitempty"`
}

// RejectionRecord is one rejected exposure. Records are append-only per
// study: a rejection past the retake ceiling is still recorded, the history
// is never truncated.
type RejectionRecord struct {
	ID            string               `json:"id"`
	ExposureIndex int                  `json:"exposure_index"`
	Reason        string               `json:"reason"`
	OperatorID    string               `json:"operator_id"`
	Timestamp     time.Time            `json:"timestamp"`
	Authorization *RetakeAuthorization `json:"authorization,omitempty"`
}

// DefaultMaxRetakes bounds retakes per study unless configured otherwise.
const DefaultMaxRetakes = 3

// Coordinator owns the reject/retake sub-flow: it records rejections,
// enforces the retake ceiling, and hands out the authorization decision the
// QcReview -> RejectRetake guard consumes.
type Coordinator struct {
	mu         sync.Mutex
	maxRetakes int
	rejections map[string][]*RejectionRecord
	retakes    map[string]int
	logger     *zap.Logger
}

func NewCoordinator(maxRetakes int, logger *zap.Logger) *Coordinator {
	if maxRetakes <= 0 {
		maxRetakes = DefaultMaxRetakes
	}
	return &Coordinator{
		maxRetakes: maxRetakes,
		rejections: make(map[string][]*RejectionRecord),
		retakes:    make(map[string]int),
		logger:     logger.With(zap.String("component", "reject_retake")),
	}
}

// RecordRejection appends a rejection to the study history and returns the
// retake verdict. When the study already holds maxRetakes rejections the
// verdict is CanRetake=false with a stated reason, but the rejection is still
// recorded.
func (c *Coordinator) RecordRejection(studyUID string, exposureIndex int, reason, operatorID string) RetakeAuthorization {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior := len(c.rejections[studyUID])
	auth := RetakeAuthorization{
		RejectionID:      uuid.NewString(),
		CanRetake:        prior < c.maxRetakes,
		RetakesRemaining: c.maxRetakes - prior - 1,
	}
	if auth.RetakesRemaining < 0 {
		auth.RetakesRemaining = 0
	}
	if !auth.CanRetake {
		auth.Reason = fmt.Sprintf("retake limit reached: %d rejections already recorded (max %d)", prior, c.maxRetakes)
	}

	record := &RejectionRecord{
		ID:            auth.RejectionID,
		ExposureIndex: exposureIndex,
		Reason:        reason,
		OperatorID:    operatorID,
		Timestamp:     time.Now().UTC(),
		Authorization: &auth,
	}
	c.rejections[studyUID] = append(c.rejections[studyUID], record)

	metrics.RejectionsTotal.WithLabelValues(fmt.Sprintf("%t", auth.CanRetake)).Inc()
	c.logger.Info("rejection recorded",
		zap.String("study_uid", studyUID),
		zap.Int("exposure_index", exposureIndex),
		zap.String("reason", reason),
		zap.Bool("can_retake", auth.CanRetake),
		zap.Int("retakes_remaining", auth.RetakesRemaining))
	return auth
}

// AuthorizeRetake stamps an authorizer on a previously recorded rejection.
// Returns false if the rejection is unknown or was denied a retake.
func (c *Coordinator) AuthorizeRetake(studyUID, rejectionID, authorizerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.rejections[studyUID] {
		if r.ID != rejectionID {
			continue
		}
		if r.Authorization == nil || !r.Authorization.CanRetake {
			return false
		}
		r.Authorization.AuthorizedBy = authorizerID
		c.logger.Info("retake authorized",
			zap.String("study_uid", studyUID),
			zap.String("rejection_id", rejectionID),
			zap.String("authorizer", authorizerID))
		return true
	}
	return false
}

// CompleteRetake counts a performed retake and returns the cumulative retake
// count for the study.
func (c *Coordinator) CompleteRetake(studyUID string, exposureIndex int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retakes[studyUID]++
	count := c.retakes[studyUID]
	c.logger.Info("retake completed",
		zap.String("study_uid", studyUID),
		zap.Int("exposure_index", exposureIndex),
		zap.Int("cumulative_retakes", count))
	return count
}

// Rejections returns a copy of the study's rejection history in record order.
func (c *Coordinator) Rejections(studyUID string) []RejectionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.rejections[studyUID]
	out := make([]RejectionRecord, 0, len(records))
	for _, r := range records {
		out = append(out, *r)
	}
	return out
}

// LastAuthorization returns the verdict of the most recent rejection, used by
// the fact collector to populate the RetakeAuthorized guard fact.
func (c *Coordinator) LastAuthorization(studyUID string) (RetakeAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.rejections[studyUID]
	if len(records) == 0 {
		return RetakeAuthorization{}, false
	}
	last := records[len(records)-1]
	if last.Authorization == nil {
		return RetakeAuthorization{}, false
	}
	return *last.Authorization, true
}

// CloseStudy clears the rejection history and retake count for a study. Only
// called when the study is closed (workflow back at Idle) or aborted.
func (c *Coordinator) CloseStudy(studyUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rejections, studyUID)
	delete(c.retakes, studyUID)
}
