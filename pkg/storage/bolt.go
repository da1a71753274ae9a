package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultBoltBucket holds every key written by a Bolt backend.
const DefaultBoltBucket = "pulse"

// Bolt stores values in a single bbolt file.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// BoltOption configures OpenBolt.
type BoltOption func(*boltConfig)

type boltConfig struct {
	bucket  string
	timeout time.Duration
}

// WithBucket sets the bucket name. Default: DefaultBoltBucket.
func WithBucket(name string) BoltOption {
	return func(c *boltConfig) {
		c.bucket = name
	}
}

// WithLockTimeout bounds how long OpenBolt waits for the file lock held by
// another process. Default: 1 second.
func WithLockTimeout(d time.Duration) BoltOption {
	return func(c *boltConfig) {
		c.timeout = d
	}
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	cfg := &boltConfig{
		bucket:  DefaultBoltBucket,
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.timeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}

	bucket := []byte(cfg.bucket)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create bucket %q: %w", cfg.bucket, err)
	}

	return &Bolt{db: db, bucket: bucket}, nil
}

// Path returns the database file path.
func (b *Bolt) Path() string {
	return b.db.Path()
}

// Get implements pulse.Storage.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		// bbolt values are only valid inside the transaction
		out = copyBytes(tx.Bucket(b.bucket).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return nil, false, b.wrap(err)
	}
	return out, out != nil, nil
}

// Set implements pulse.Storage.
func (b *Bolt) Set(_ context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return b.wrap(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), data)
	}))
}

// Remove implements pulse.Storage.
func (b *Bolt) Remove(_ context.Context, key string) error {
	return b.wrap(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	}))
}

// Keys implements Lister.
func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return keys, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) wrap(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
