package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	boltRootBucket = "archive"
)

// BoltArchive stores payloads inside a BoltDB file, one nested bucket per kind.
type BoltArchive struct {
	db   *bolt.DB
	once sync.Once
}

// NewBoltArchive opens (or creates) a BoltDB archive at the provided path.
func NewBoltArchive(path string) (*BoltArchive, error) {
	if path == "" {
		return nil, errors.New("archive path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, nil)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltRootBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltArchive{db: db}, nil
}

// Store writes payload data under bucket/key, replacing any previous value.
func (a *BoltArchive) Store(ctx context.Context, bucket, key string, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		root := tx.Bucket([]byte(boltRootBucket))
		if root == nil {
			return errors.New("archive root bucket missing")
		}

		b, err := root.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

// Fetch retrieves payload data for bucket/key.
func (a *BoltArchive) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var result []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		b := a.bucket(tx, bucket)
		if b == nil {
			return &NotFoundError{Resource: bucket, Key: key}
		}

		data := b.Get([]byte(key))
		if data == nil {
			return &NotFoundError{Resource: bucket, Key: key}
		}

		result = append([]byte{}, data...)
		return nil
	})
	return result, err
}

// List returns the keys stored in bucket in byte order.
func (a *BoltArchive) List(ctx context.Context, bucket string) ([]string, error) {
	keys := []string{}
	err := a.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := a.bucket(tx, bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Remove deletes payload data (best-effort).
func (a *BoltArchive) Remove(ctx context.Context, bucket, key string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := a.bucket(tx, bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Close shuts down the Bolt DB.
func (a *BoltArchive) Close() error {
	var err error
	a.once.Do(func() {
		err = a.db.Close()
	})
	return err
}

func (a *BoltArchive) bucket(tx *bolt.Tx, name string) *bolt.Bucket {
	root := tx.Bucket([]byte(boltRootBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(name))
}
