package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts transition attempts by audit category and
	// outcome (committed / guard_failed / invalid / error).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transitions_total",
		Help: "Workflow transition attempts by category and result",
	}, []string{"category", "result"})

	// GuardFailuresTotal counts individual guard failures by guard name.
	GuardFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_guard_failures_total",
		Help: "Failed guard evaluations by guard name",
	}, []string{"guard"})

	// InvalidTransitionsTotal counts table-mismatched requests. These are not
	// journaled, so the counter is the only audit signal for their rate.
	InvalidTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_invalid_transitions_total",
		Help: "Transition requests with no matching table entry",
	})

	// InterlockCheckDuration times the hardware interlock snapshot, which
	// sits on the critical path to exposure.
	InterlockCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interlock_check_duration_seconds",
		Help:    "Time spent taking the interlock snapshot",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
	})

	// InterlockFailuresTotal counts failed interlock conditions by name.
	InterlockFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interlock_failures_total",
		Help: "Failed interlock conditions by interlock name",
	}, []string{"interlock"})

	// JournalWriteDuration times durable journal appends.
	JournalWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_journal_write_duration_seconds",
		Help:    "Time spent durably appending a journal entry",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
	})

	// RejectionsTotal counts recorded image rejections by retake verdict.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "study_rejections_total",
		Help: "Recorded image rejections by retake verdict",
	}, []string{"can_retake"})
)
