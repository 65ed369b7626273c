// Package store persists the completed-task list across process restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"mdm/internal/logger"
	"mdm/internal/task"
)

const (
	completedBucket = "completed"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

// ErrTaskNotFound is returned when a task cannot be found.
var ErrTaskNotFound = errors.New("task not found")

// Store is a bbolt-backed record of completed downloads. Startup never fails
// on persisted-state corruption: an unreadable database file is deleted and
// recreated, losing history but not availability.
type Store struct {
	db *bbolt.DB
}

// Open opens (or recreates) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := openAndInit(dbPath)
	if err != nil {
		logger.Warnf("State store at %s is unreadable (%v), recreating", dbPath, err)

		if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove corrupt store: %w", rmErr)
		}

		db, err = openAndInit(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func openAndInit(dbPath string) (*bbolt.DB, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(completedBucket)); err != nil {
			return fmt.Errorf("failed to create completed bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

// SaveCompleted persists one completed task. Runtime-only fields (backend
// handle, resume token) are excluded by the task's serialization.
func (s *Store) SaveCompleted(t *task.Task) error {
	if t == nil {
		return errors.New("cannot save nil task")
	}

	snapshot := t.Snapshot()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completedBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completedBucket)
		}

		return bucket.Put([]byte(t.ID.String()), data)
	})
}

// LoadCompleted returns all persisted completed tasks. Entries that no
// longer parse are dropped and deleted rather than failing the load.
func (s *Store) LoadCompleted() ([]*task.Task, error) {
	var (
		tasks   []*task.Task
		corrupt [][]byte
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completedBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completedBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			t := &task.Task{}
			if err := json.Unmarshal(v, t); err != nil {
				logger.Warnf("Dropping unreadable completed record %s: %v", k, err)
				corrupt = append(corrupt, append([]byte(nil), k...))

				return nil
			}

			tasks = append(tasks, t)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(corrupt) > 0 {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte(completedBucket))
			for _, k := range corrupt {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			logger.Warnf("Failed to prune unreadable records: %v", err)
		}
	}

	return tasks, nil
}

// Delete removes one completed task from the store.
func (s *Store) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("task ID cannot be empty")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completedBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completedBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrTaskNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
