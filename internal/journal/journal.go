package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"xray-console/internal/guard"
	"xray-console/internal/state"
)

// Entry is one immutable record of a transition attempt. For a committed
// transition ToState is the new current state; for a guard-rejected attempt
// ToState is the *attempted* target and Committed is false, so auditors can
// see exactly what was denied and why.
type Entry struct {
	TransitionID     string                 `json:"transition_id"`
	Timestamp        time.Time              `json:"timestamp"`
	FromState        state.WorkflowState    `json:"from_state"`
	ToState          state.WorkflowState    `json:"to_state"`
	Trigger          state.Trigger          `json:"trigger"`
	GuardResults     []guard.Result         `json:"guard_results,omitempty"`
	OperatorID       string                 `json:"operator_id"`
	StudyInstanceUID string                 `json:"study_instance_uid,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Category         state.Category         `json:"category"`
	Committed        bool                   `json:"committed"`
}

// Journal is the append-only durable record of every attempted and committed
// state transition. One JSON entry per line; every write is fsynced before it
// returns, so an entry that was never durable is never observable on replay.
//
// mu guards the write descriptor only. Reads open their own read-only
// descriptor per call: an audit replay of the whole file never blocks a
// transition commit, and the fsynced line-oriented format makes any prefix a
// consistent snapshot.
type Journal struct {
	file *os.File
	path string
	mu   sync.Mutex
}

// Open creates or opens the journal file at path.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{file: file, path: path}, nil
}

// WriteEntry appends one entry and flushes it to durable storage. The entry
// timestamp is normalized to millisecond-precision UTC.
func (j *Journal) WriteEntry(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling journal entry %s: %w", e.TransitionID, err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending journal entry %s: %w", e.TransitionID, err)
	}
	// The write is not a commit until it is on the medium.
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

// ReadAll replays the journal start to end in write order, from its own
// read-only descriptor. A corrupt line (torn final write from a crash
// mid-append, or an append racing this read) is skipped: a write that never
// reached durable storage never happened.
func (j *Journal) ReadAll() ([]Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("opening journal for read: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	return entries, nil
}

// ReadLast returns the most recent entry, or nil if the journal is empty.
func (j *Journal) ReadLast() (*Entry, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

// ReadLastCommitted returns the most recent entry whose transition actually
// took effect, skipping guard-rejected attempts. This is the entry the
// engine's CurrentState is reconstructed from on restart.
func (j *Journal) ReadLastCommitted() (*Entry, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Committed {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// HasEntries reports whether the journal holds at least one readable entry.
func (j *Journal) HasEntries() (bool, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// QueryByStudy returns every entry for the given StudyInstanceUID, in write
// order.
func (j *Journal) QueryByStudy(studyUID string) ([]Entry, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.StudyInstanceUID == studyUID {
			out = append(out, e)
		}
	}
	return out, nil
}

// QueryRange returns entries with from <= Timestamp < to, in write order.
func (j *Journal) QueryRange(from, to time.Time) ([]Entry, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear truncates the journal. Maintenance only: the audit record must be
// archived elsewhere before a truncate.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating journal: %w", err)
	}
	if _, err := j.file.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding journal after truncate: %w", err)
	}
	return j.file.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
