package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (self ValueKind) String() string {
	switch self {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

// A json-like value. The zero value is null.
//
// Arrays and objects own their children. A value passed to `Apply` is consumed;
// use `Clone` to keep an independent copy.
type TreeValue struct {
	kind   ValueKind
	b      bool
	n      json.Number
	s      string
	array  []TreeValue
	object map[string]TreeValue
}

func Null() TreeValue {
	return TreeValue{}
}

func NewBool(b bool) TreeValue {
	return TreeValue{kind: KindBool, b: b}
}

func NewNumber(n json.Number) TreeValue {
	return TreeValue{kind: KindNumber, n: n}
}

func NewInt(i int64) TreeValue {
	return NewNumber(json.Number(strconv.FormatInt(i, 10)))
}

func NewFloat(f float64) TreeValue {
	return NewNumber(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

func NewString(s string) TreeValue {
	return TreeValue{kind: KindString, s: s}
}

func NewArray(values ...TreeValue) TreeValue {
	array := make([]TreeValue, len(values))
	copy(array, values)
	return TreeValue{kind: KindArray, array: array}
}

func NewObject(fields map[string]TreeValue) TreeValue {
	object := make(map[string]TreeValue, len(fields))
	for key, value := range fields {
		object[key] = value
	}
	return TreeValue{kind: KindObject, object: object}
}

func EmptyObject() TreeValue {
	return TreeValue{kind: KindObject, object: map[string]TreeValue{}}
}

func (self TreeValue) Kind() ValueKind {
	return self.kind
}

func (self TreeValue) IsNull() bool {
	return self.kind == KindNull
}

func (self TreeValue) IsArray() bool {
	return self.kind == KindArray
}

func (self TreeValue) IsObject() bool {
	return self.kind == KindObject
}

func (self TreeValue) Bool() (bool, bool) {
	return self.b, self.kind == KindBool
}

func (self TreeValue) Number() (json.Number, bool) {
	return self.n, self.kind == KindNumber
}

func (self TreeValue) Str() (string, bool) {
	return self.s, self.kind == KindString
}

// the returned slice is owned by the value
func (self TreeValue) Array() ([]TreeValue, bool) {
	return self.array, self.kind == KindArray
}

// the returned map is owned by the value
func (self TreeValue) Object() (map[string]TreeValue, bool) {
	return self.object, self.kind == KindObject
}

// Len is the number of array elements or object fields.
func (self TreeValue) Len() int {
	switch self.kind {
	case KindArray:
		return len(self.array)
	case KindObject:
		return len(self.object)
	default:
		return 0
	}
}

// Get reads the value at `path`. Array components must be decimal indices.
func (self TreeValue) Get(path Path) (TreeValue, bool) {
	current := self
	for _, component := range path {
		switch current.kind {
		case KindArray:
			index, ok := parseIndex(component)
			if !ok || len(current.array) <= index {
				return Null(), false
			}
			current = current.array[index]
		case KindObject:
			child, ok := current.object[component]
			if !ok {
				return Null(), false
			}
			current = child
		default:
			return Null(), false
		}
	}
	return current, true
}

func (self TreeValue) Clone() TreeValue {
	switch self.kind {
	case KindArray:
		array := make([]TreeValue, len(self.array))
		for i, value := range self.array {
			array[i] = value.Clone()
		}
		return TreeValue{kind: KindArray, array: array}
	case KindObject:
		object := make(map[string]TreeValue, len(self.object))
		for key, value := range self.object {
			object[key] = value.Clone()
		}
		return TreeValue{kind: KindObject, object: object}
	default:
		return self
	}
}

// Equal compares structurally. Numbers compare by numeric value when both parse.
func (self TreeValue) Equal(other TreeValue) bool {
	if self.kind != other.kind {
		return false
	}
	switch self.kind {
	case KindNull:
		return true
	case KindBool:
		return self.b == other.b
	case KindNumber:
		if self.n == other.n {
			return true
		}
		a, errA := self.n.Float64()
		b, errB := other.n.Float64()
		return errA == nil && errB == nil && a == b
	case KindString:
		return self.s == other.s
	case KindArray:
		if len(self.array) != len(other.array) {
			return false
		}
		for i := range self.array {
			if !self.array[i].Equal(other.array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(self.object) != len(other.object) {
			return false
		}
		for key, value := range self.object {
			otherValue, ok := other.object[key]
			if !ok || !value.Equal(otherValue) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Any converts to the `encoding/json` generic form (numbers as `json.Number`).
func (self TreeValue) Any() any {
	switch self.kind {
	case KindBool:
		return self.b
	case KindNumber:
		return self.n
	case KindString:
		return self.s
	case KindArray:
		array := make([]any, len(self.array))
		for i, value := range self.array {
			array[i] = value.Any()
		}
		return array
	case KindObject:
		object := make(map[string]any, len(self.object))
		for key, value := range self.object {
			object[key] = value.Any()
		}
		return object
	default:
		return nil
	}
}

// TreeValueFromAny converts values produced by `encoding/json`, plus common Go scalars.
func TreeValueFromAny(v any) (TreeValue, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case TreeValue:
		return x, nil
	case bool:
		return NewBool(x), nil
	case json.Number:
		return NewNumber(x), nil
	case float64:
		return NewFloat(x), nil
	case float32:
		return NewFloat(float64(x)), nil
	case int:
		return NewInt(int64(x)), nil
	case int32:
		return NewInt(int64(x)), nil
	case int64:
		return NewInt(x), nil
	case string:
		return NewString(x), nil
	case []any:
		array := make([]TreeValue, len(x))
		for i, e := range x {
			value, err := TreeValueFromAny(e)
			if err != nil {
				return Null(), err
			}
			array[i] = value
		}
		return TreeValue{kind: KindArray, array: array}, nil
	case map[string]any:
		object := make(map[string]TreeValue, len(x))
		for key, e := range x {
			value, err := TreeValueFromAny(e)
			if err != nil {
				return Null(), err
			}
			object[key] = value
		}
		return TreeValue{kind: KindObject, object: object}, nil
	default:
		return Null(), fmt.Errorf("Unsupported tree value type: %T", v)
	}
}

func ParseTreeValue(b []byte) (TreeValue, error) {
	var value TreeValue
	if err := json.Unmarshal(b, &value); err != nil {
		return Null(), err
	}
	return value, nil
}

// RequireTreeValue parses json text and panics on error. For literals.
func RequireTreeValue(s string) TreeValue {
	value, err := ParseTreeValue([]byte(s))
	if err != nil {
		panic(err)
	}
	return value
}

func (self TreeValue) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := self.writeJson(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// object keys are written sorted so the output is stable
func (self TreeValue) writeJson(buf *bytes.Buffer) error {
	switch self.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(self.b))
	case KindNumber:
		if self.n == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(self.n.String())
		}
	case KindString:
		b, err := json.Marshal(self.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, value := range self.array {
			if 0 < i {
				buf.WriteByte(',')
			}
			if err := value.writeJson(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(self.object))
		for key := range self.object {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if 0 < i {
				buf.WriteByte(',')
			}
			b, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(b)
			buf.WriteByte(':')
			if err := self.object[key].writeJson(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("Unknown value kind: %s", self.kind)
	}
	return nil
}

func (self *TreeValue) UnmarshalJSON(b []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return err
	}
	value, err := TreeValueFromAny(v)
	if err != nil {
		return err
	}
	*self = value
	return nil
}

func (self TreeValue) String() string {
	b, err := self.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", err)
	}
	return string(b)
}
