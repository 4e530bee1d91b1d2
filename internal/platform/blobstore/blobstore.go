// Package blobstore stores rendered report artifacts. Keys are opaque paths
// such as reports/<org>/<order>/<report>.pdf.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Info describes a stored object.
type Info struct {
	Key         string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Info, error)
	// Get returns the stored bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

type memObject struct {
	info Info
	data []byte
}

// MemoryStore keeps objects in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (Info, error) {
	if key == "" {
		return Info{}, errors.New("blob key is required")
	}
	info := Info{Key: key, Size: int64(len(data)), ContentType: contentType, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.objects[key] = memObject{info: info, data: bytes.Clone(data)}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(obj.data), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Overwrite replaces stored bytes in place. It exists for tamper-detection
// tests and is not part of Store.
func (s *MemoryStore) Overwrite(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.data = bytes.Clone(data)
		s.objects[key] = obj
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
