// Package history persists verification runs in a local bbolt database.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

// ErrNotFound is returned when a run ID is not in the store.
var ErrNotFound = errors.New("run not found")

var (
	bucketRuns       = []byte("runs")
	bucketExecutions = []byte("executions")
)

// Run is one persisted contract verification.
type Run struct {
	ID           string                      `json:"id"`
	Contract     string                      `json:"contract"`
	ExecutionID  string                      `json:"execution_id"`
	Agent        string                      `json:"agent,omitempty"`
	StartedAt    time.Time                   `json:"started_at"`
	Duration     time.Duration               `json:"duration"`
	Results      []verify.VerificationResult `json:"results"`
	Summary      map[verify.Status]int       `json:"summary"`
	Worst        verify.Status               `json:"worst"`
	HandlerError string                      `json:"handler_error,omitempty"`
}

// NewRun assembles a Run from a finished verification. verifyErr is the
// error returned by Contract.Verify, if any.
func NewRun(contract string, exec *execution.Execution, results []verify.VerificationResult, verifyErr error, started time.Time) *Run {
	s := verify.Summarize(results)
	r := &Run{
		Contract:  contract,
		StartedAt: started,
		Duration:  time.Since(started),
		Results:   results,
		Summary:   s,
		Worst:     s.Worst(),
	}
	if exec != nil {
		r.ExecutionID = exec.ID
		r.Agent = exec.Agent
	}
	if verifyErr != nil {
		r.HandlerError = verifyErr.Error()
	}
	return r
}

// Store is a bbolt-backed run history. Keys are UUIDv7 strings, so byte
// order is chronological order.
type Store struct {
	db *bolt.DB
	mu sync.RWMutex
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketExecutions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Save stores run, assigning an ID and start time when unset. exec is
// stored alongside when non-nil.
func (s *Store) Save(run *Run, exec *execution.Execution) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		run.ID = id.String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	var execData []byte
	if exec != nil {
		if execData, err = json.Marshal(exec); err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(run.ID), data); err != nil {
			return err
		}
		if execData != nil {
			return tx.Bucket(bucketExecutions).Put([]byte(run.ID), execData)
		}
		return nil
	})
}

// Get returns the run with the given ID.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Execution returns the execution stored with a run.
func (s *Store) Execution(id string) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exec execution.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: execution for %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", string(k), err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Len returns the number of stored runs.
func (s *Store) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes the oldest runs so that at most keep remain, and returns
// the number deleted. keep <= 0 disables pruning.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		execs := tx.Bucket(bucketExecutions)
		excess := runs.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var keys [][]byte
		c := runs.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := runs.Delete(k); err != nil {
				return err
			}
			if err := execs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
