package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xray-console/internal/event"
	"xray-console/internal/guard"
	"xray-console/internal/journal"
	"xray-console/internal/limits"
	"xray-console/internal/report"
	"xray-console/internal/safety"
	"xray-console/internal/state"
	"xray-console/internal/study"
)

func newTestEngine(t *testing.T, initial state.WorkflowState) (*Engine, *journal.Journal) {
	t.Helper()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "wf.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })
	return New(NewTable(), jnl, event.NewBus(), initial, zap.NewNop()), jnl
}

func facts(pairs ...string) *guard.Context {
	b := guard.NewBuilder()
	for _, name := range pairs {
		b.Fact(name, true)
	}
	return b.Build()
}

func TestCommitWritesJournalBeforeStateUpdate(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)

	result := eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1",
		facts(guard.FactWorklistServerConfigured))

	require.Equal(t, ResultSuccess, result.Code)
	assert.Equal(t, state.StateWorklistSync, eng.CurrentState())

	last, err := jnl.ReadLastCommitted()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, state.StateWorklistSync, last.ToState)
	assert.Equal(t, state.StateIdle, last.FromState)
	assert.Equal(t, "op-1", last.OperatorID)
	assert.True(t, last.Committed)
	assert.NotEmpty(t, last.TransitionID)
}

func TestGuardFailureMakesNoSilentProgress(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)

	ctx := guard.NewBuilder().Fact(guard.FactWorklistServerConfigured, false).Build()
	result := eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1", ctx)

	require.Equal(t, ResultGuardFailed, result.Code)
	assert.Equal(t, []string{guard.FactWorklistServerConfigured}, result.FailedGuards)
	assert.Equal(t, state.StateIdle, eng.CurrentState(), "current state must be unchanged")

	// The denied attempt is journaled with the attempted target.
	last, err := jnl.ReadLast()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.False(t, last.Committed)
	assert.Equal(t, state.StateWorklistSync, last.ToState)
	require.Len(t, last.GuardResults, 1)
	assert.False(t, last.GuardResults[0].Passed)
	assert.NotEmpty(t, last.GuardResults[0].Reason)
}

func TestAllGuardFailuresAreCollected(t *testing.T) {
	eng, _ := newTestEngine(t, state.StatePositionAndPreview)

	// Everything false or absent: all five arming guards must be reported,
	// not just the first.
	ctx := guard.NewBuilder().
		Fact(guard.FactHardwareInterlockOk, false).
		Fact(guard.FactDetectorReady, false).
		Build()
	result := eng.TryTransition(state.StateExposureTrigger, state.TriggerArmExposure, "op-1", ctx)

	require.Equal(t, ResultGuardFailed, result.Code)
	assert.Len(t, result.GuardResults, 5)
	assert.Len(t, result.FailedGuards, 5)
}

func TestInvalidTransitionIsNotJournaled(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)

	// No table entry for (Idle, QC_ACCEPTED).
	result := eng.TryTransition(state.StateMppsComplete, state.TriggerQcAccepted, "op-1", facts())
	assert.Equal(t, ResultInvalidTransition, result.Code)
	assert.Equal(t, state.StateIdle, eng.CurrentState())

	// Table entry exists for the trigger but the asked-for target mismatches.
	result = eng.TryTransition(state.StatePacsExport, state.TriggerStartWorklistSync, "op-1",
		facts(guard.FactWorklistServerConfigured))
	assert.Equal(t, ResultInvalidTransition, result.Code)

	has, err := jnl.HasEntries()
	require.NoError(t, err)
	assert.False(t, has, "purely rejected requests are not journaled")
}

// happyPath drives a complete exam, Idle to Idle, asserting journal-state
// agreement after every committed step.
func TestJournalStateAgreementAcrossFullExam(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)

	steps := []struct {
		target  state.WorkflowState
		trigger state.Trigger
		ctx     *guard.Context
	}{
		{state.StateWorklistSync, state.TriggerStartWorklistSync, facts(guard.FactWorklistServerConfigured)},
		{state.StatePatientSelect, state.TriggerWorklistSyncCompleted, facts(guard.FactWorklistResultReceived)},
		{state.StateProtocolSelect, state.TriggerPatientConfirmed, facts(guard.FactPatientIDNotEmpty)},
		{state.StatePositionAndPreview, state.TriggerProtocolConfirmed, facts(guard.FactProtocolValid, guard.FactParametersWithinLimits)},
		{state.StateExposureTrigger, state.TriggerArmExposure, facts(
			guard.FactHardwareInterlockOk, guard.FactDetectorReady, guard.FactGeneratorReady,
			guard.FactParametersWithinLimits, guard.FactDoseWithinLimits)},
		{state.StateAcquisition, state.TriggerExposureStarted, facts(guard.FactExposureNotBlocked)},
		{state.StateQcReview, state.TriggerAcquisitionCompleted, facts(guard.FactImageDataReceived)},
		{state.StateMppsComplete, state.TriggerQcAccepted, facts()},
		{state.StatePacsExport, state.TriggerMppsReported, facts(guard.FactMppsReportAccepted)},
		{state.StateIdle, state.TriggerExportCompleted, facts(guard.FactStorageCommitConfirmed)},
	}

	for _, step := range steps {
		result := eng.TryTransition(step.target, step.trigger, "op-1", step.ctx)
		require.Equal(t, ResultSuccess, result.Code, "trigger %s", step.trigger)

		last, err := jnl.ReadLastCommitted()
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, eng.CurrentState(), last.ToState, "journal and live state must agree")
	}
	assert.Equal(t, state.StateIdle, eng.CurrentState())
}

func TestAbortConvergesToIdleFromEveryState(t *testing.T) {
	for _, from := range state.AllStates {
		if from == state.StateIdle {
			continue
		}
		eng, _ := newTestEngine(t, from)
		result := eng.TryTransition(state.StateIdle, state.TriggerAbort, "op-1", facts())
		require.Equal(t, ResultSuccess, result.Code, "abort from %s", from)
		assert.Equal(t, state.StateIdle, eng.CurrentState())
	}
}

func TestJournalWriteFailureLeavesStateUnchanged(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)
	require.NoError(t, jnl.Close())

	result := eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1",
		facts(guard.FactWorklistServerConfigured))

	assert.Equal(t, ResultError, result.Code)
	assert.Error(t, result.Err)
	assert.Equal(t, state.StateIdle, eng.CurrentState(), "no state change without a durable journal entry")
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	eng, _ := newTestEngine(t, state.StateIdle)
	ctx := facts(guard.FactWorklistServerConfigured)

	const callers = 8
	results := make([]TransitionResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1", ctx)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		switch r.Code {
		case ResultSuccess:
			successes++
		case ResultInvalidTransition:
			// The loser observes the state produced by the winner.
		default:
			t.Fatalf("unexpected result %s", r.Code)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, state.StateWorklistSync, eng.CurrentState())
}

func TestRecoveredState(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "wf.journal"))
	require.NoError(t, err)
	defer jnl.Close()

	recovered, err := RecoveredState(jnl)
	require.NoError(t, err)
	assert.Equal(t, state.StateIdle, recovered, "empty journal recovers to Idle")

	eng := New(NewTable(), jnl, event.NewBus(), state.StateIdle, zap.NewNop())
	require.Equal(t, ResultSuccess,
		eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1",
			facts(guard.FactWorklistServerConfigured)).Code)

	recovered, err = RecoveredState(jnl)
	require.NoError(t, err)
	assert.Equal(t, state.StateWorklistSync, recovered)
}

func TestCommittedEventsArePublishedInOrder(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "wf.journal"))
	require.NoError(t, err)
	defer jnl.Close()

	bus := event.NewBus()
	var seen []state.WorkflowState
	bus.Subscribe(event.TransitionCommitted, func(e event.Event) {
		seen = append(seen, e.ToState)
	})

	eng := New(NewTable(), jnl, bus, state.StateIdle, zap.NewNop())
	eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1",
		facts(guard.FactWorklistServerConfigured))
	eng.TryTransition(state.StatePatientSelect, state.TriggerWorklistSyncCompleted, "op-1",
		facts(guard.FactWorklistResultReceived))

	assert.Equal(t, []state.WorkflowState{state.StateWorklistSync, state.StatePatientSelect}, seen)
}

// Committed events from concurrent callers must form an unbroken state chain:
// any publish that overtook an earlier commit would show up as a FromState
// that does not match the previous event's ToState.
func TestConcurrentPublishesKeepCommitOrder(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "wf.journal"))
	require.NoError(t, err)
	defer jnl.Close()

	bus := event.NewBus()
	var mu sync.Mutex
	var committed []event.Event
	bus.Subscribe(event.TransitionCommitted, func(e event.Event) {
		mu.Lock()
		committed = append(committed, e)
		mu.Unlock()
	})

	eng := New(NewTable(), jnl, bus, state.StateIdle, zap.NewNop())
	start := facts(guard.FactWorklistServerConfigured)
	abort := facts()

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1", start)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			eng.TryTransition(state.StateIdle, state.TriggerAbort, "op-2", abort)
		}
	}()
	wg.Wait()

	require.NotEmpty(t, committed)
	assert.Equal(t, state.StateIdle, committed[0].FromState)
	for i := 1; i < len(committed); i++ {
		require.Equal(t, committed[i-1].ToState, committed[i].FromState,
			"event %d published out of commit order", i)
	}
}

func TestInterlockTimeoutMetaConfinedToArming(t *testing.T) {
	eng, jnl := newTestEngine(t, state.StateIdle)

	// A stray timeout marker on a non-arming transition must not inject the
	// synthetic TIMEOUT verdict.
	ctx := guard.NewBuilder().
		Fact(guard.FactWorklistServerConfigured, true).
		Meta(guard.MetaInterlockTimeout, true).
		Build()
	result := eng.TryTransition(state.StateWorklistSync, state.TriggerStartWorklistSync, "op-1", ctx)

	require.Equal(t, ResultSuccess, result.Code)
	for _, g := range result.GuardResults {
		assert.NotEqual(t, "TIMEOUT", g.Name)
	}
	last, err := jnl.ReadLast()
	require.NoError(t, err)
	require.NotNil(t, last)
	for _, g := range last.GuardResults {
		assert.NotEqual(t, "TIMEOUT", g.Name)
	}
}

// newTestCollector wires a collector over the in-memory collaborators.
func newTestCollector(t *testing.T, provider *safety.SimProvider, timeout time.Duration) (*Collector, *study.Coordinator) {
	t.Helper()
	logger := zap.NewNop()
	retakes := study.NewCoordinator(3, logger)
	collector := NewCollector(
		safety.NewVerifier(provider, timeout, logger),
		provider,
		report.NewSimReporter(logger),
		report.NewSimDoseProvider(),
		limits.NewValidator(limits.DefaultLimits()),
		retakes,
		logger,
	)
	return collector, retakes
}

func armingStudy() *study.Context {
	return &study.Context{
		StudyInstanceUID: "S-ARM",
		PatientID:        "PAT-1",
		ProtocolID:       "CHEST-PA",
		StartedAt:        time.Now().UTC(),
	}
}

// Interlock completeness: over all 2^9 combinations of the nine interlocks,
// arming succeeds if and only if every condition holds.
func TestArmingRequiresAllNineInterlocks(t *testing.T) {
	provider := safety.NewSimProvider()
	collector, _ := newTestCollector(t, provider, 50*time.Millisecond)
	params := &limits.ExposureParams{Kvp: 80, Ma: 200, ExposureTimeMs: 100}

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "arm.journal"))
	require.NoError(t, err)
	defer jnl.Close()
	table := NewTable()

	for bits := 0; bits < 1<<9; bits++ {
		provider.SetStatus(safety.InterlockStatus{
			DoorClosed:         bits&(1<<0) != 0,
			EmergencyStopClear: bits&(1<<1) != 0,
			ThermalNormal:      bits&(1<<2) != 0,
			GeneratorReady:     bits&(1<<3) != 0,
			DetectorReady:      bits&(1<<4) != 0,
			CollimatorValid:    bits&(1<<5) != 0,
			TableLocked:        bits&(1<<6) != 0,
			DoseWithinLimits:   bits&(1<<7) != 0,
			AecConfigured:      bits&(1<<8) != 0,
		})

		eng := New(table, jnl, event.NewBus(), state.StatePositionAndPreview, zap.NewNop())
		ctx := collector.Collect(context.Background(), state.TriggerArmExposure, armingStudy(), params, nil)
		result := eng.TryTransition(state.StateExposureTrigger, state.TriggerArmExposure, "op-1", ctx)

		if bits == 1<<9-1 {
			assert.Equal(t, ResultSuccess, result.Code, "all nine interlocks set must arm")
		} else {
			assert.Equal(t, ResultGuardFailed, result.Code, "combination %09b must not arm", bits)
			assert.Equal(t, state.StatePositionAndPreview, eng.CurrentState())
		}
	}
}

func TestInterlockTimeoutJournaledAsSyntheticTimeoutGuard(t *testing.T) {
	provider := safety.NewSimProvider()
	provider.SetLatency(100 * time.Millisecond)
	collector, _ := newTestCollector(t, provider, 5*time.Millisecond)

	eng, jnl := newTestEngine(t, state.StatePositionAndPreview)
	params := &limits.ExposureParams{Kvp: 80, Ma: 200, ExposureTimeMs: 100}
	ctx := collector.Collect(context.Background(), state.TriggerArmExposure, armingStudy(), params, nil)
	result := eng.TryTransition(state.StateExposureTrigger, state.TriggerArmExposure, "op-1", ctx)

	require.Equal(t, ResultGuardFailed, result.Code)
	assert.Contains(t, result.FailedGuards, "TIMEOUT")
	assert.Equal(t, state.StatePositionAndPreview, eng.CurrentState())

	last, err := jnl.ReadLast()
	require.NoError(t, err)
	require.NotNil(t, last)
	var names []string
	for _, g := range last.GuardResults {
		if !g.Passed {
			names = append(names, g.Name)
		}
	}
	assert.Contains(t, names, "TIMEOUT")
}

func TestCollectorRetakeFacts(t *testing.T) {
	provider := safety.NewSimProvider()
	collector, retakes := newTestCollector(t, provider, 50*time.Millisecond)
	st := armingStudy()

	// No rejection recorded yet: both facts false.
	ctx := collector.Collect(context.Background(), state.TriggerQcRejected, st, nil, nil)
	v, ok := ctx.Fact(guard.FactRejectionRecorded)
	require.True(t, ok)
	assert.False(t, v)

	retakes.RecordRejection(st.StudyInstanceUID, 0, "motion", "op-1")
	ctx = collector.Collect(context.Background(), state.TriggerQcRejected, st, nil, nil)
	v, _ = ctx.Fact(guard.FactRejectionRecorded)
	assert.True(t, v)
	v, _ = ctx.Fact(guard.FactRetakeAuthorized)
	assert.True(t, v)
}

func TestCollectorExtraFactsDoNotOverrideCollaborators(t *testing.T) {
	provider := safety.NewSimProvider()
	require.NoError(t, provider.SetInterlockState(safety.InterlockDoorClosed, false))
	collector, _ := newTestCollector(t, provider, 50*time.Millisecond)

	params := &limits.ExposureParams{Kvp: 80, Ma: 200, ExposureTimeMs: 100}
	ctx := collector.Collect(context.Background(), state.TriggerArmExposure, armingStudy(), params,
		map[string]bool{guard.FactHardwareInterlockOk: true})

	v, ok := ctx.Fact(guard.FactHardwareInterlockOk)
	require.True(t, ok)
	assert.False(t, v, "collaborator-derived facts win over caller-supplied ones")
}
