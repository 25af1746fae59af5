// Package kvstore is the persistent key/value tier behind the caches and the
// historical rate table. Every backend is bounded and reports a full store
// with ErrQuotaExceeded instead of failing hard.
package kvstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound      = errors.New("kvstore: key not found")
	ErrQuotaExceeded = errors.New("kvstore: storage quota exceeded")
	ErrClosed        = errors.New("kvstore: store closed")
)

// Store is a string-keyed byte store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// Memory is an in-process Store capped at MaxBytes of keys plus values.
// A zero MaxBytes means unbounded.
type Memory struct {
	MaxBytes int

	mu    sync.RWMutex
	data  map[string][]byte
	size  int
	close bool
}

func NewMemory(maxBytes int) *Memory {
	return &Memory{MaxBytes: maxBytes, data: map[string][]byte{}}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.close {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.close {
		return ErrClosed
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	next := m.size + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		next -= len(key) + len(old)
	}
	if m.MaxBytes > 0 && next > m.MaxBytes {
		return ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.size = next
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.close {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.size -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.close {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.close = true
	m.mu.Unlock()
	return nil
}

// Size returns the bytes currently held.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
