package mirror

import (
	"encoding/json"
	"errors"

	"github.com/golang/glog"
)

// TreeMirror is the local copy of a remote sub-tree. Changes are applied to a
// shared `ObservedValue` and, with a store, persisted after each change.
type TreeMirror struct {
	value *ObservedValue
	store MirrorStore
}

func NewTreeMirror() *TreeMirror {
	return &TreeMirror{
		value: NewObservedValue(),
	}
}

// Loads the last saved tree. Load failures are not fatal; the mirror starts empty.
func NewTreeMirrorWithStore(store MirrorStore) *TreeMirror {
	mirror := &TreeMirror{
		value: NewObservedValue(),
		store: store,
	}
	state, err := store.Load()
	switch {
	case errors.Is(err, ErrNoState):
	case err != nil:
		glog.Infof("[tm]load error = %s. Continuing without the saved tree.\n", err)
	default:
		value, err := ParseTreeValue(state)
		if err != nil {
			glog.Infof("[tm]load parse error = %s. Continuing without the saved tree.\n", err)
		} else {
			mirror.value.replace(value)
		}
	}
	return mirror
}

func (self *TreeMirror) Value() *ObservedValue {
	return self.value
}

// ApplyAction returns the path that changed.
func (self *TreeMirror) ApplyAction(action ChangeAction) (Path, error) {
	path, err := self.value.Apply(action)
	if err != nil {
		return nil, err
	}
	if self.store != nil {
		self.save()
	}
	return path, nil
}

func (self *TreeMirror) save() {
	var state []byte
	var err error
	self.value.Read(func(value TreeValue) {
		state, err = json.Marshal(value)
	})
	if err == nil {
		err = self.store.Save(state)
	}
	if err != nil {
		glog.Infof("[tm]save error = %s\n", err)
	}
}
