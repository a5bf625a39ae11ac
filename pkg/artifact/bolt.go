package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// BoltSink stores artifacts in a local bbolt file, one entry per task id.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (or creates) the artifact database under dataDir.
func NewBoltSink(dataDir string) (*BoltSink, error) {
	dbPath := filepath.Join(dataDir, "artifacts.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open artifact database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create artifact bucket: %w", err)
	}

	return &BoltSink{db: db}, nil
}

// Close closes the database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

// Save records the artifact unless one already exists for the task id.
func (s *BoltSink) Save(ctx context.Context, a *Artifact) error {
	if a.TaskID == "" {
		return fmt.Errorf("artifact has no task id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		if b.Get([]byte(a.TaskID)) != nil {
			return nil
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode artifact %s: %w", a.TaskID, err)
		}
		return b.Put([]byte(a.TaskID), data)
	})
}

// Get returns the artifact recorded for the task id.
func (s *BoltSink) Get(ctx context.Context, taskID string) (*Artifact, error) {
	var a Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
