package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-console/internal/guard"
	"xray-console/internal/state"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "test.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func entry(id string, from, to state.WorkflowState, committed bool) *Entry {
	return &Entry{
		TransitionID: id,
		FromState:    from,
		ToState:      to,
		Trigger:      state.TriggerAbort,
		OperatorID:   "op-1",
		Category:     state.CategorySystem,
		Committed:    committed,
	}
}

func TestWriteAndReadBack(t *testing.T) {
	j := openTestJournal(t)

	e := entry("t1", state.StateIdle, state.StateWorklistSync, true)
	e.StudyInstanceUID = "S-1"
	e.GuardResults = []guard.Result{{Name: guard.FactWorklistServerConfigured, Passed: true}}
	require.NoError(t, j.WriteEntry(e))

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TransitionID)
	assert.Equal(t, state.StateWorklistSync, entries[0].ToState)
	assert.Equal(t, "S-1", entries[0].StudyInstanceUID)
	require.Len(t, entries[0].GuardResults, 1)
	assert.True(t, entries[0].GuardResults[0].Passed)
	assert.Equal(t, time.UTC, entries[0].Timestamp.Location())
}

func TestReadLastAndHasEntries(t *testing.T) {
	j := openTestJournal(t)

	has, err := j.HasEntries()
	require.NoError(t, err)
	assert.False(t, has)

	last, err := j.ReadLast()
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.WriteEntry(entry("t2", state.StateWorklistSync, state.StatePatientSelect, true)))

	has, err = j.HasEntries()
	require.NoError(t, err)
	assert.True(t, has)

	last, err = j.ReadLast()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "t2", last.TransitionID)
}

func TestReadLastCommittedSkipsRejectedAttempts(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.WriteEntry(entry("t2", state.StateWorklistSync, state.StatePatientSelect, false)))

	last, err := j.ReadLastCommitted()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "t1", last.TransitionID, "denied attempts never define the recovered state")
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TransitionID)

	// Appends after reopen extend, not overwrite.
	require.NoError(t, j2.WriteEntry(entry("t2", state.StateWorklistSync, state.StatePatientSelect, true)))
	entries, err = j2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTornTrailingWriteIsInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.Close())

	// Simulate a crash mid-append: a partial JSON line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"transition_id":"t2","from_state":"WORK`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TransitionID)

	last, err := j2.ReadLast()
	require.NoError(t, err)
	assert.Equal(t, "t1", last.TransitionID, "a write that never became durable never happened")
}

func TestReadsUseTheirOwnDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fd.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.WriteEntry(entry("t2", state.StateWorklistSync, state.StatePatientSelect, true)))
	require.NoError(t, j.Close())

	// The write descriptor is gone; reads still work.
	entries, err := j.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// Audit reads must not block commits: readers and the writer make progress
// concurrently, and every read sees a consistent prefix of the write order.
func TestConcurrentReadsDuringWrites(t *testing.T) {
	j := openTestJournal(t)

	const writes = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < writes; i++ {
			if err := j.WriteEntry(entry(fmt.Sprintf("t%03d", i), state.StateIdle, state.StateWorklistSync, true)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for {
		entries, err := j.ReadAll()
		require.NoError(t, err)
		for i, e := range entries {
			require.Equal(t, fmt.Sprintf("t%03d", i), e.TransitionID, "read saw entries out of write order")
		}
		select {
		case <-done:
			final, err := j.ReadAll()
			require.NoError(t, err)
			assert.Len(t, final, writes)
			return
		default:
		}
	}
}

func TestQueryByStudyAndRange(t *testing.T) {
	j := openTestJournal(t)

	e1 := entry("t1", state.StateIdle, state.StateWorklistSync, true)
	e1.StudyInstanceUID = "S-1"
	e2 := entry("t2", state.StateWorklistSync, state.StatePatientSelect, true)
	e2.StudyInstanceUID = "S-2"
	require.NoError(t, j.WriteEntry(e1))
	require.NoError(t, j.WriteEntry(e2))

	byStudy, err := j.QueryByStudy("S-2")
	require.NoError(t, err)
	require.Len(t, byStudy, 1)
	assert.Equal(t, "t2", byStudy[0].TransitionID)

	all, err := j.ReadAll()
	require.NoError(t, err)
	inRange, err := j.QueryRange(all[0].Timestamp, all[1].Timestamp.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, inRange, 2)

	none, err := j.QueryRange(all[1].Timestamp.Add(time.Second), all[1].Timestamp.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClear(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.WriteEntry(entry("t1", state.StateIdle, state.StateWorklistSync, true)))
	require.NoError(t, j.Clear())

	has, err := j.HasEntries()
	require.NoError(t, err)
	assert.False(t, has)

	// Still writable after a clear.
	require.NoError(t, j.WriteEntry(entry("t2", state.StateIdle, state.StateWorklistSync, true)))
	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TransitionID)
}
