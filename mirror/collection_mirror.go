package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/mirror/protocol"
)

// CollectionMirror is the local copy of a remote collection, id -> `T`.
// It folds successive `CollectionUpdate`s. The server is authoritative and each
// update is last write wins per id.
type CollectionMirror[T any] struct {
	name    string
	convert DocumentConverter[T]
	store   MirrorStore

	stateLock   sync.RWMutex
	documents   map[string]T
	time        *time.Time
	resumeToken []byte
}

// serialized form of the mirror
type collectionState[T any] struct {
	Name        string       `json:"name"`
	Documents   map[string]T `json:"documents"`
	Time        *time.Time   `json:"time,omitempty"`
	ResumeToken []byte       `json:"resume_token,omitempty"`
}

func NewCollectionMirror[T any](name string, convert DocumentConverter[T]) *CollectionMirror[T] {
	return &CollectionMirror[T]{
		name:      name,
		convert:   convert,
		documents: map[string]T{},
	}
}

// NewCollectionMirrorWithStore loads the last saved state from `store`.
// Load failures are not fatal; the mirror starts empty.
func NewCollectionMirrorWithStore[T any](name string, convert DocumentConverter[T], store MirrorStore) *CollectionMirror[T] {
	mirror := NewCollectionMirror(name, convert)
	mirror.store = store

	state, err := store.Load()
	switch {
	case errors.Is(err, ErrNoState):
	case err != nil:
		glog.Infof("[cm]%s load error = %s. Continuing without cached content.\n", name, err)
	default:
		if err := mirror.restore(state); err != nil {
			glog.Infof("[cm]%s load parse error = %s. Continuing without cached content.\n", name, err)
		}
	}
	return mirror
}

// EnsureCollectionMirror uses `<dataDir>/<name>-collection.json` as the cache file.
func EnsureCollectionMirror[T any](name string, dataDir string, convert DocumentConverter[T]) *CollectionMirror[T] {
	store := NewFileMirrorStore(filepath.Join(dataDir, fmt.Sprintf("%s-collection.json", name)))
	return NewCollectionMirrorWithStore(name, convert, store)
}

func (self *CollectionMirror[T]) restore(state []byte) error {
	var loaded collectionState[T]
	if err := json.Unmarshal(state, &loaded); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if loaded.Documents != nil {
		self.documents = loaded.Documents
	}
	self.time = loaded.Time
	self.resumeToken = loaded.ResumeToken
	return nil
}

func (self *CollectionMirror[T]) Name() string {
	return self.name
}

// UpdateFrom applies the changes in event order and returns the changed and
// deleted ids.
// A delete always removes the id; a change of the same id later in the batch
// adds it back. Documents that fail to convert are logged and skipped.
func (self *CollectionMirror[T]) UpdateFrom(update *CollectionUpdate) []string {
	changedIds := []string{}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, change := range update.Changes {
			if !slices.Contains(changedIds, change.Id) {
				changedIds = append(changedIds, change.Id)
			}
			switch change.Type {
			case CollectionChangeChanged:
				document, ok := update.Documents[change.Id]
				if !ok {
					// a later delete in the batch dropped the document
					continue
				}
				value, err := self.convert(document)
				if err != nil {
					glog.Infof("[cm]%s unable to convert document %s = %s\n", self.name, change.Id, err)
					continue
				}
				self.documents[change.Id] = value
			case CollectionChangeDeleted:
				delete(self.documents, change.Id)
			}
		}

		if update.Time != nil && (self.time == nil || self.time.Before(*update.Time)) {
			t := *update.Time
			self.time = &t
		}
		if 0 < len(update.ResumeToken) {
			self.resumeToken = slices.Clone(update.ResumeToken)
		}
	}()

	if self.store != nil {
		if err := self.Save(); err != nil {
			glog.Infof("[cm]%s save error = %s\n", self.name, err)
		}
	}

	return changedIds
}

type DocumentLister interface {
	ListAllDocuments(collection string, pageSize int) ([]*protocol.Document, error)
}

// Fill adds every listed document of the collection named by the mirror and
// returns the mirror size. Listed documents replace mirrored values with the
// same id. Documents that fail to convert are logged and skipped.
func (self *CollectionMirror[T]) Fill(lister DocumentLister) (int, error) {
	documents, err := lister.ListAllDocuments(self.name, DefaultListPageSize)
	if err != nil {
		return 0, err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, document := range documents {
			value, err := self.convert(document)
			if err != nil {
				glog.Infof("[cm]%s fill unable to convert document %s = %s\n", self.name, document.GetName(), err)
				continue
			}
			self.documents[document.GetName()] = value
		}
	}()

	if self.store != nil {
		if err := self.Save(); err != nil {
			glog.Infof("[cm]%s save error = %s\n", self.name, err)
		}
	}

	return self.Len(), nil
}

func (self *CollectionMirror[T]) Save() error {
	if self.store == nil {
		return fmt.Errorf("Cannot save collection mirror %s, no store.", self.name)
	}

	var state []byte
	var err error
	func() {
		self.stateLock.RLock()
		defer self.stateLock.RUnlock()

		state, err = json.Marshal(&collectionState[T]{
			Name:        self.name,
			Documents:   self.documents,
			Time:        self.time,
			ResumeToken: self.resumeToken,
		})
	}()
	if err != nil {
		return err
	}
	return self.store.Save(state)
}

func (self *CollectionMirror[T]) Get(id string) (T, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	value, ok := self.documents[id]
	return value, ok
}

func (self *CollectionMirror[T]) Len() int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return len(self.documents)
}

// sorted
func (self *CollectionMirror[T]) Ids() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	ids := make([]string, 0, len(self.documents))
	for id := range self.documents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (self *CollectionMirror[T]) Time() *time.Time {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if self.time == nil {
		return nil
	}
	t := *self.time
	return &t
}

// nil until a checkpoint with a token was folded
func (self *CollectionMirror[T]) ResumeToken() []byte {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return slices.Clone(self.resumeToken)
}
