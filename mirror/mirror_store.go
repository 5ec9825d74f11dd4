package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash"
)

var ErrNoState = errors.New("No saved state.")
var ErrChecksum = errors.New("State checksum mismatch.")

// Persistence for a mirror. The state is opaque to the store.
// The mirror loads once at start-up and saves after each successful change.
type MirrorStore interface {
	Load() ([]byte, error)
	Save(state []byte) error
}

const fileStoreHeaderPrefix = "xxh64:"

// Keeps the state in a single file with a checksum header line.
// Saves write a temporary file and rename it over the previous state.
type FileMirrorStore struct {
	path string
}

func NewFileMirrorStore(path string) *FileMirrorStore {
	return &FileMirrorStore{
		path: path,
	}
}

func (self *FileMirrorStore) Path() string {
	return self.path
}

func (self *FileMirrorStore) Load() ([]byte, error) {
	b, err := os.ReadFile(self.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}

	header, state, ok := bytes.Cut(b, []byte("\n"))
	if !ok || !bytes.HasPrefix(header, []byte(fileStoreHeaderPrefix)) {
		return nil, fmt.Errorf("Missing state header in %s.", self.path)
	}
	expected := string(header[len(fileStoreHeaderPrefix):])
	if checksum(state) != expected {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, self.path)
	}
	return state, nil
}

func (self *FileMirrorStore) Save(state []byte) error {
	dir := filepath.Dir(self.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(self.path)+".*")
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := fmt.Fprintf(f, "%s%s\n", fileStoreHeaderPrefix, checksum(state)); err != nil {
		return err
	}
	if _, err := f.Write(state); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), self.path); err != nil {
		return err
	}
	success = true
	return nil
}

func checksum(state []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(state))
}

// in memory store, for tests and ephemeral mirrors
type MemoryMirrorStore struct {
	stateLock sync.Mutex
	state     []byte
	saves     int
}

func NewMemoryMirrorStore() *MemoryMirrorStore {
	return &MemoryMirrorStore{}
}

func (self *MemoryMirrorStore) Load() ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == nil {
		return nil, ErrNoState
	}
	return bytes.Clone(self.state), nil
}

func (self *MemoryMirrorStore) Save(state []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = bytes.Clone(state)
	self.saves += 1
	return nil
}

func (self *MemoryMirrorStore) SaveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.saves
}
