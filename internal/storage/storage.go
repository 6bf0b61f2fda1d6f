// Package storage is the durable side-store behind the message history
// and profile managers. Every document is a JSON file addressed by path
// segments under one base directory; writes land in a temp file and
// rename into place, serialized per document by an flock-backed lock so
// concurrent server processes sharing a data directory cannot interleave
// partial writes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// ErrNotFound is returned when no document exists at a path.
var ErrNotFound = errors.New("document not found")

// Store reads and writes JSON documents under a base directory.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*docLock
}

// New creates a store rooted at dir. The directory is created lazily on
// the first write.
func New(dir string) *Store {
	return &Store{
		root:  dir,
		locks: make(map[string]*docLock),
	}
}

// filePath maps path segments to the document's file.
func (s *Store) filePath(path []string) string {
	return filepath.Join(append([]string{s.root}, path...)...) + ".json"
}

// dirPath maps path segments to a directory of documents.
func (s *Store) dirPath(path []string) string {
	return filepath.Join(append([]string{s.root}, path...)...)
}

// Get decodes the document at path into v. Returns ErrNotFound when the
// document does not exist.
func (s *Store) Get(ctx context.Context, path []string, v any) error {
	data, err := os.ReadFile(s.filePath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Put writes v as the document at path, replacing any previous version
// atomically.
func (s *Store) Put(ctx context.Context, path []string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	target := s.filePath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	lock := s.lockFor(target)
	if err := lock.acquire(); err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	defer lock.release()

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// Delete removes the document at path. Deleting an absent document is a
// no-op.
func (s *Store) Delete(ctx context.Context, path []string) error {
	target := s.filePath(path)

	lock := s.lockFor(target)
	if err := lock.acquire(); err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	defer lock.release()

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// List returns the names of the documents and subdirectories directly
// under a path, without extensions. A missing directory lists empty.
func (s *Store) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := os.ReadDir(s.dirPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list documents: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		switch name := entry.Name(); {
		case entry.IsDir():
			names = append(names, name)
		case strings.HasSuffix(name, ".json"):
			names = append(names, strings.TrimSuffix(name, ".json"))
		}
	}
	return names, nil
}

// lockFor returns the lock guarding one document, creating it on first
// use.
func (s *Store) lockFor(target string) *docLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[target]
	if !ok {
		lock = &docLock{path: target + ".lock"}
		s.locks[target] = lock
	}
	return lock
}

// docLock serializes writers of one document: an in-process mutex plus
// an flock on a sidecar file for writers in other processes.
type docLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func (l *docLock) acquire() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}

	l.file = f
	return nil
}

func (l *docLock) release() {
	if l.file != nil {
		syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.file.Close()
		os.Remove(l.path)
		l.file = nil
	}
	l.mu.Unlock()
}
