package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// keyPrefix namespaces job state inside the broker's key/value space
const keyPrefix = "job_state:"

var (
	// ErrNotFound is returned when no state exists for a job id
	ErrNotFound = errors.New("job state not found")

	// ErrDuplicateJob is returned by Create when the job id is taken
	ErrDuplicateJob = errors.New("job already exists")

	// ErrTerminalState is returned when a write would change the status of
	// an already terminal state. Idempotent re-writes of the same terminal
	// status are allowed.
	ErrTerminalState = errors.New("job state is terminal")
)

// Key returns the persistence key for a job id
func Key(jobID string) string {
	return keyPrefix + jobID
}

// Store persists JobState records through the broker's key/value
// side-channel, one key per job. Only the pipeline run that owns a job
// writes its key, so writes are last-writer-wins without locking.
type Store struct {
	broker broker.Broker
}

// NewStore creates a job-state store on top of b
func NewStore(b broker.Broker) *Store {
	return &Store{broker: b}
}

// Create persists the initial state for a new job. The write is atomic
// (set-if-absent): when two submissions race on one job id, exactly one
// wins and the other gets ErrDuplicateJob.
func (s *Store) Create(ctx context.Context, st *types.JobState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	stored, err := s.broker.SetNX(ctx, Key(st.JobID), data)
	if err != nil {
		return err
	}
	if !stored {
		return ErrDuplicateJob
	}
	return nil
}

// Save persists st, overwriting the previous version. A terminal state is
// never overwritten with a different status; re-writing the same
// terminal status is an allowed no-op write.
func (s *Store) Save(ctx context.Context, st *types.JobState) error {
	existing, err := s.Load(ctx, st.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status.Terminal() && existing.Status != st.Status {
		return fmt.Errorf("%w: job %s is already %s", ErrTerminalState, st.JobID, existing.Status)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}
	return s.broker.Set(ctx, Key(st.JobID), data)
}

// Load returns the persisted state for jobID, or ErrNotFound
func (s *Store) Load(ctx context.Context, jobID string) (*types.JobState, error) {
	data, found, err := s.broker.Get(ctx, Key(jobID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	var st types.JobState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job state for %s: %w", jobID, err)
	}
	return &st, nil
}

// Exists reports whether a state is persisted for jobID
func (s *Store) Exists(ctx context.Context, jobID string) (bool, error) {
	_, found, err := s.broker.Get(ctx, Key(jobID))
	return found, err
}
