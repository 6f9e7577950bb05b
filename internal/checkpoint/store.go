// Package checkpoint persists which landing inputs have been consumed so a restarted
// pipeline does not re-emit records it already reconciled.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFiles  = []byte("files")
	bucketSchema = []byte("schema")
	schemaKey    = []byte("columns")
)

// FileMark records how much of a landing input has been consumed.
type FileMark struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	ModTime   time.Time `json:"mod_time"`
	Rows      int64     `json:"rows"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a bbolt-backed ProcessingCheckpoint.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketSchema} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	defer func() { s.db = nil }()
	return s.db.Close()
}

// Mark returns the stored mark for key, if any.
func (s *Store) Mark(key string) (FileMark, bool, error) {
	var (
		mark  FileMark
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &mark)
	})
	if err != nil {
		return FileMark{}, false, fmt.Errorf("read mark %s: %w", key, err)
	}
	return mark, found, nil
}

// Advance persists all marks in a single transaction: either every mark is stored or none is.
func (s *Store) Advance(marks []FileMark) error {
	if len(marks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketFiles)
		for _, mark := range marks {
			if mark.Key == "" {
				return errors.New("checkpoint mark without key")
			}
			mark.UpdatedAt = now
			data, err := json.Marshal(mark)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(mark.Key), data); err != nil {
				return fmt.Errorf("put mark %s: %w", mark.Key, err)
			}
		}
		return nil
	})
}

// Marks lists every stored mark ordered by key.
func (s *Store) Marks() ([]FileMark, error) {
	var marks []FileMark
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var mark FileMark
			if err := json.Unmarshal(v, &mark); err != nil {
				return err
			}
			marks = append(marks, mark)
			return nil
		})
	})
	sort.Slice(marks, func(i, j int) bool { return marks[i].Key < marks[j].Key })
	return marks, err
}

// Columns returns the column set discovered so far.
func (s *Store) Columns() ([]string, error) {
	var columns []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchema).Get(schemaKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &columns)
	})
	return columns, err
}

// MergeColumns adds columns to the discovered set and returns the ones that were new.
func (s *Store) MergeColumns(columns []string) ([]string, error) {
	var added []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSchema)
		var known []string
		if data := bkt.Get(schemaKey); data != nil {
			if err := json.Unmarshal(data, &known); err != nil {
				return err
			}
		}
		seen := make(map[string]struct{}, len(known))
		for _, c := range known {
			seen[c] = struct{}{}
		}
		for _, c := range columns {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			known = append(known, c)
			added = append(added, c)
		}
		if len(added) == 0 {
			return nil
		}
		data, err := json.Marshal(known)
		if err != nil {
			return err
		}
		return bkt.Put(schemaKey, data)
	})
	if err != nil {
		return nil, fmt.Errorf("merge schema columns: %w", err)
	}
	return added, nil
}
