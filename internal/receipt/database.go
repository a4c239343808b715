package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const submissionsBucket = "submissions"

// ErrNotFound is returned when a submission does not exist
var ErrNotFound = errors.New("submission not found")

// DB defines the interface for database operations
type DB interface {
	// SaveSubmission inserts or replaces a submission
	SaveSubmission(sub *Submission) error

	// GetSubmission retrieves a submission by ID
	GetSubmission(id string) (*Submission, error)

	// UpdateSubmission loads, changes and stores a submission atomically.
	// Nothing is stored when fn fails.
	UpdateSubmission(id string, fn func(sub *Submission) error) (*Submission, error)

	// ListSubmissions returns all submissions, newest first
	ListSubmissions() ([]*Submission, error)

	// DeleteSubmission removes a submission
	DeleteSubmission(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(submissionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveSubmission stores the submission as JSON keyed by its ID
func (b *BoltDB) SaveSubmission(sub *Submission) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshaling submission: %w", err)
		}
		return tx.Bucket([]byte(submissionsBucket)).Put([]byte(sub.ID), data)
	})
}

// GetSubmission retrieves a submission by ID
func (b *BoltDB) GetSubmission(id string) (*Submission, error) {
	var sub *Submission
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(submissionsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("getting %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("unmarshaling submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateSubmission runs fn on the stored submission inside one write
// transaction, so concurrent updates cannot overwrite each other
func (b *BoltDB) UpdateSubmission(id string, fn func(sub *Submission) error) (*Submission, error) {
	var sub *Submission
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(submissionsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("updating %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("unmarshaling submission: %w", err)
		}
		if err := fn(sub); err != nil {
			return err
		}
		updated, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshaling submission: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubmissions returns all submissions, newest first
func (b *BoltDB) ListSubmissions() ([]*Submission, error) {
	subs := make([]*Submission, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(submissionsBucket)).ForEach(func(k, v []byte) error {
			var sub Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("unmarshaling submission %s: %w", k, err)
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
	return subs, nil
}

// DeleteSubmission removes a submission; deleting a missing one is an error
func (b *BoltDB) DeleteSubmission(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(submissionsBucket))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("deleting %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
