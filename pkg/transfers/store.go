package transfers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrTransferNotFound is returned for unknown transfer ids.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInvalidTransition is returned when an update would move a
	// record backwards in the lifecycle.
	ErrInvalidTransition = errors.New("invalid transfer state transition")
)

// Store persists transfer records. Per-record updates are serialized;
// list queries may observe slightly stale data.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewStore creates a transfer store on an already migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new record.
func (s *Store) Create(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("failed to create transfer record: %w", err)
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(id string) (*Transfer, error) {
	var t Transfer
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	return &t, nil
}

// Active returns the non-terminal record for (direction, username,
// filename), if any. Used to detect re-requests.
func (s *Store) Active(direction Direction, username, filename string) (*Transfer, error) {
	var t Transfer
	err := s.db.
		Where("direction = ? AND username = ? AND filename = ?", direction, username, filename).
		Where("state NOT IN ?", completedStates()).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	return &t, nil
}

// List returns records for a direction, newest first. Removed records
// are excluded unless includeRemoved is set.
func (s *Store) List(direction Direction, includeRemoved bool) ([]Transfer, error) {
	q := s.db.Where("direction = ?", direction)
	if !includeRemoved {
		q = q.Where("removed = ?", false)
	}
	var out []Transfer
	if err := q.Order("requested_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}

// ListByUser returns one user's records for a direction.
func (s *Store) ListByUser(direction Direction, username string) ([]Transfer, error) {
	var out []Transfer
	err := s.db.
		Where("direction = ? AND username = ? AND removed = ?", direction, username, false).
		Order("requested_at DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}

// Update applies a mutator to one record under the store lock and
// persists the result. The mutator sees the current row.
func (s *Store) Update(id string, mutate func(*Transfer) error) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	if err := s.db.Save(t).Error; err != nil {
		return nil, fmt.Errorf("failed to update transfer: %w", err)
	}
	return t, nil
}

// SetState transitions a record, enforcing forward-only ordering and
// stamping StartedAt/EndedAt at the right edges.
func (s *Store) SetState(id string, state State, exception string) (*Transfer, error) {
	return s.Update(id, func(t *Transfer) error {
		if t.State == state {
			return nil
		}
		if !canTransition(t.State, state) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, state)
		}
		now := time.Now().UTC()
		if state == StateInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if state.Completed() {
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
			t.EndedAt = &now
			if elapsed := now.Sub(*t.StartedAt).Seconds(); elapsed > 0 {
				t.AverageSpeed = float64(t.BytesTransferred) / elapsed
			}
		}
		t.State = state
		t.Exception = exception
		return nil
	})
}

// Progress records bytes moved so far.
func (s *Store) Progress(id string, bytes uint64) (*Transfer, error) {
	return s.Update(id, func(t *Transfer) error {
		if bytes > t.Size && t.Size > 0 {
			bytes = t.Size
		}
		t.BytesTransferred = bytes
		return nil
	})
}

// MarkRemoved hides a record from default listings.
func (s *Store) MarkRemoved(id string) error {
	_, err := s.Update(id, func(t *Transfer) error {
		t.Removed = true
		return nil
	})
	return err
}

// Delete removes a record permanently.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Delete(&Transfer{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete transfer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// DeleteCompleted removes every record in the Completed category for a
// direction and returns how many were removed.
func (s *Store) DeleteCompleted(direction Direction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Delete(&Transfer{}, "direction = ? AND state IN ?", direction, completedStates())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear completed transfers: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func completedStates() []State {
	return []State{StateSucceeded, StateCancelled, StateTimedOut, StateRejected, StateErrored}
}
