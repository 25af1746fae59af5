package kvstore

import (
	"bytes"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

var defaultBucket = []byte("fiatoracle")

// Bolt persists entries in a single bbolt bucket.
type Bolt struct {
	DB       *bbolt.DB
	maxBytes int

	mu   sync.Mutex
	size int
}

// OpenBolt opens (or creates) the database at filePath. maxBytes bounds the
// summed key and value sizes; zero means unbounded.
func OpenBolt(filePath string, maxBytes int) (*Bolt, error) {
	db, err := bbolt.Open(filePath, 0660, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}

	b := &Bolt{DB: db, maxBytes: maxBytes}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(defaultBucket)
		if err != nil {
			return fmt.Errorf("could not create bucket: %s, err: %w", string(defaultBucket), err)
		}

		return bucket.ForEach(func(k, v []byte) error {
			b.size += len(k) + len(v)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

func (b *Bolt) Get(key string) ([]byte, error) {
	var out []byte

	err := b.DB.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(defaultBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (b *Bolt) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.DB.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(defaultBucket)
		next := b.size + len(key) + len(value)
		if old := bucket.Get([]byte(key)); old != nil {
			next -= len(key) + len(old)
		}
		if b.maxBytes > 0 && next > b.maxBytes {
			return ErrQuotaExceeded
		}
		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		b.size = next
		return nil
	})
}

func (b *Bolt) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.DB.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(defaultBucket)
		old := bucket.Get([]byte(key))
		if old == nil {
			return nil
		}
		removed := len(key) + len(old)
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		b.size -= removed
		return nil
	})
}

func (b *Bolt) Keys(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)

	err := b.DB.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(defaultBucket).Cursor()
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

func (b *Bolt) Close() error {
	return b.DB.Close()
}
