package mirror

import (
	"sync"
)

// ObservedValue holds the tree received by a listener and applies changes to it.
// There is one writer. Readers see a fully applied value, never a partial one.
type ObservedValue struct {
	stateLock sync.Mutex
	value     TreeValue
}

func NewObservedValue() *ObservedValue {
	return NewObservedValueWith(Null())
}

func NewObservedValueWith(value TreeValue) *ObservedValue {
	return &ObservedValue{
		value: value,
	}
}

func (self *ObservedValue) ApplyPut(action *PutAction) (Path, error) {
	return self.Apply(action)
}

func (self *ObservedValue) ApplyPatch(action *PatchAction) (Path, error) {
	return self.Apply(action)
}

// Apply returns the path that changed. The lock is held only for the one
// application. On error the value is unchanged.
func (self *ObservedValue) Apply(action ChangeAction) (Path, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	path, value, err := Apply(self.value, action)
	if err != nil {
		return nil, err
	}
	self.value = value
	return path, nil
}

// Value returns a copy of the current tree.
func (self *ObservedValue) Value() TreeValue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.value.Clone()
}

// Get returns a copy of the value at `path`.
func (self *ObservedValue) Get(path Path) (TreeValue, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.value.Get(path)
	if !ok {
		return Null(), false
	}
	return value.Clone(), true
}

// Read calls `read` with the current tree under the lock. `read` must not retain
// or modify the value.
func (self *ObservedValue) Read(read func(TreeValue)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	read(self.value)
}

func (self *ObservedValue) replace(value TreeValue) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.value = value
}
