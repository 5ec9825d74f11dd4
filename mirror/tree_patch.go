package mirror

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// largest array index a change may address. Arrays are padded up to the index.
const MaxArrayIndex = 1 << 20

var ErrPatchNotObject = errors.New("Patch value is not an object.")
var ErrIndexTooLarge = errors.New("Array index too large.")

// A remote mutation of a tree. Either `*PutAction` or `*PatchAction`.
type ChangeAction interface {
	Path() Path
	fmt.Stringer
}

// replaces the value at the path
type PutAction struct {
	path  Path
	Value TreeValue
}

func NewPutAction(path string, value TreeValue) *PutAction {
	return &PutAction{
		path:  ParsePath(path),
		Value: value,
	}
}

func (self *PutAction) Path() Path {
	return self.path
}

func (self *PutAction) String() string {
	return fmt.Sprintf("put %s", self.path)
}

// merges an object into the value at the path
type PatchAction struct {
	path   Path
	Fields TreeValue
}

func NewPatchAction(path string, fields TreeValue) *PatchAction {
	return &PatchAction{
		path:   ParsePath(path),
		Fields: fields,
	}
}

func (self *PatchAction) Path() Path {
	return self.path
}

func (self *PatchAction) String() string {
	return fmt.Sprintf("patch %s", self.path)
}

// Apply applies `action` to `root` and returns the changed path and the new root.
// `root` is consumed. On error `root` is left unmodified.
func Apply(root TreeValue, action ChangeAction) (Path, TreeValue, error) {
	switch v := action.(type) {
	case *PutAction:
		value, err := applyPut(v.path, root, v.Value.Clone())
		if err != nil {
			return nil, root, err
		}
		return v.path, value, nil
	case *PatchAction:
		patch, err := expandPatch(v.Fields.Clone())
		if err != nil {
			return nil, root, err
		}
		value, err := applyPatch(v.path, root, patch)
		if err != nil {
			return nil, root, err
		}
		return v.path, value, nil
	default:
		return nil, root, fmt.Errorf("Unknown action type: %T", action)
	}
}

func applyPut(path Path, root TreeValue, value TreeValue) (TreeValue, error) {
	return modifyPath(path, root, func(TreeValue) TreeValue {
		return value
	})
}

func applyPatch(path Path, root TreeValue, patch TreeValue) (TreeValue, error) {
	return modifyPath(path, root, func(current TreeValue) TreeValue {
		return mergeValues(current, patch)
	})
}

// Keys of a patch object can contain `/`, e.g. {"a/b": v}.
// These expand into nested objects {"a": {"b": v}} and all fragments are merged
// into one patch object. Keys are folded in sorted order so the result does not
// depend on map order.
func expandPatch(fields TreeValue) (TreeValue, error) {
	object, ok := fields.Object()
	if !ok {
		return Null(), ErrPatchNotObject
	}

	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	combined := EmptyObject()
	for _, key := range keys {
		value := object[key]
		parts := ParsePath(key)
		if len(parts) == 0 {
			// a key of only separators addresses nothing
			continue
		}
		fragment := value
		for i := len(parts) - 1; 0 <= i; i -= 1 {
			fragment = TreeValue{
				kind:   KindObject,
				object: map[string]TreeValue{parts[i]: fragment},
			}
		}
		combined = mergeValues(combined, fragment)
	}
	return combined, nil
}

// converts an array into an object keyed by the stringified indices
func arrayToObject(value TreeValue) TreeValue {
	object := make(map[string]TreeValue, len(value.array))
	for i, e := range value.array {
		object[strconv.Itoa(i)] = e
	}
	return TreeValue{kind: KindObject, object: object}
}

// merges `b` into `a`. Objects merge recursively, otherwise `b` wins.
func mergeValues(a TreeValue, b TreeValue) TreeValue {
	if a.kind == KindArray {
		a = arrayToObject(a)
	}
	if a.kind != KindObject || b.kind != KindObject {
		return b
	}
	for key, valueB := range b.object {
		if valueA, ok := a.object[key]; ok {
			a.object[key] = mergeValues(valueA, valueB)
		} else {
			a.object[key] = valueB
		}
	}
	return a
}

type pathKey struct {
	index   int
	name    string
	isIndex bool
}

type pathFrame struct {
	key    pathKey
	parent TreeValue
}

// Descends `path` keeping a stack of (key, parent) with the child taken out of
// the parent, applies `applyFn` to the leaf, then reinserts children on the
// way back up.
func modifyPath(path Path, root TreeValue, applyFn func(TreeValue) TreeValue) (TreeValue, error) {
	if err := checkPath(path, root); err != nil {
		return root, err
	}

	stack := make([]pathFrame, 0, len(path))
	current := root

	for _, component := range path {
		var key pathKey
		var inner TreeValue

		if current.kind == KindArray {
			if index, ok := parseIndex(component); ok {
				// make sure the array is large enough
				for len(current.array) <= index {
					current.array = append(current.array, Null())
				}
				key = pathKey{index: index, isIndex: true}
				inner = current.array[index]
				current.array[index] = Null()
			} else {
				current = arrayToObject(current)
			}
		}

		if !key.isIndex {
			switch current.kind {
			case KindObject:
				key = pathKey{name: component}
				inner = current.object[component]
				delete(current.object, component)
			default:
				// scalars are overwritten
				current = EmptyObject()
				key = pathKey{name: component}
				inner = Null()
			}
		}

		stack = append(stack, pathFrame{key: key, parent: current})
		current = inner
	}

	current = applyFn(current)

	for i := len(stack) - 1; 0 <= i; i -= 1 {
		// the descent only pushes index keys onto arrays and name keys onto objects
		frame := stack[i]
		parent := frame.parent
		if frame.key.isIndex {
			parent.array[frame.key.index] = current
		} else {
			parent.object[frame.key.name] = current
		}
		current = parent
	}

	return current, nil
}

// checkPath follows the same descent as `modifyPath` without modifying anything,
// so that failures are reported before the tree is taken apart.
func checkPath(path Path, root TreeValue) error {
	current := root
	for i, component := range path {
		switch current.kind {
		case KindArray:
			if index, ok := parseIndex(component); ok {
				if MaxArrayIndex < index {
					return fmt.Errorf("%w: %s at %s", ErrIndexTooLarge, component, Path(path[:i+1]))
				}
				if index < len(current.array) {
					current = current.array[index]
				} else {
					current = Null()
				}
			} else {
				current = Null()
			}
		case KindObject:
			current = current.object[component]
		default:
			current = Null()
		}
	}
	return nil
}
