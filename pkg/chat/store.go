package chat

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Store.Get for missing keys.
var ErrNotFound = errors.New("key not found")

// Store is the persistence contract the engine depends on. It is invoked at
// message-finalization boundaries with the full serialized conversation and
// the current leaf/branch pointers. A failed Set is fatal for that save and
// is not retried internally.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// MapStore is an in-memory Store, mostly for tests.
type MapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMapStore() *MapStore {
	return &MapStore{data: make(map[string][]byte)}
}

func (s *MapStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return append([]byte(nil), value...), nil
}

func (s *MapStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

var _ Store = (*MapStore)(nil)

// FileStore persists each key as a file under a base directory. Keys may
// contain slashes, which become subdirectories.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, value, 0644)
}

var _ Store = (*FileStore)(nil)
