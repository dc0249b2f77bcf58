package models

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	upscaler "github.com/e7canasta/orion-upscaler"
)

// Source fetches weight containers by key.
//
// Errors should be *upscaler.Error values so the retry executor can tell a
// missing model (permanent) from a flaky backend (retryable).
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FileSource reads containers from a directory. Keys cannot escape Dir.
type FileSource struct {
	Dir string
}

// NewFileSource returns a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

func (s *FileSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, filepath.Clean("/"+key))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &upscaler.Error{Kind: upscaler.KindIO, Msg: "read " + path, Err: err}
	}
	return data, nil
}

func (s *FileSource) String() string { return "file:" + s.Dir }

// MemorySource serves containers from memory. Safe for concurrent use.
type MemorySource struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *MemorySource) Put(key string, data []byte) {
	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

func (s *MemorySource) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &upscaler.Error{Kind: upscaler.KindIO, Msg: fmt.Sprintf("model %q", key), Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

// Keys returns the stored keys in order.
func (s *MemorySource) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemorySource) String() string { return "memory" }
