package mirror

import (
	"errors"
	"flag"
	"testing"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
)

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func assertTree(t *testing.T, expected string, actual TreeValue) {
	t.Helper()
	e := RequireTreeValue(expected)
	if !e.Equal(actual) {
		t.Fatalf("tree mismatch (-expected +actual):\n%s", cmp.Diff(e.Any(), actual.Any()))
	}
}

func applyOk(t *testing.T, root TreeValue, action ChangeAction) TreeValue {
	t.Helper()
	_, value, err := Apply(root, action)
	assert.Equal(t, err, nil)
	return value
}

func TestPutRoot(t *testing.T) {
	value := applyOk(t, Null(), NewPutAction("", RequireTreeValue(`1`)))
	assertTree(t, `1`, value)

	// a put at the root replaces a non-null root with null
	value = applyOk(t, RequireTreeValue(`{"a":1}`), NewPutAction("/", Null()))
	assert.Equal(t, value.IsNull(), true)
}

func TestPutKey(t *testing.T) {
	value := applyOk(t, Null(), NewPutAction("/foo", RequireTreeValue(`1`)))
	assertTree(t, `{"foo":1}`, value)
}

func TestPutNestedNull(t *testing.T) {
	value := applyOk(t, Null(), NewPutAction("/a/b", Null()))
	assertTree(t, `{"a":{"b":null}}`, value)
}

func TestPutArrayIndex(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"foo":[1,2,3]}`), NewPutAction("foo/1", RequireTreeValue(`"hello"`)))
	assertTree(t, `{"foo":[1,"hello",3]}`, value)
}

func TestPutArrayGrow(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"foo":[1]}`), NewPutAction("foo/3", RequireTreeValue(`23`)))
	assertTree(t, `{"foo":[1,null,null,23]}`, value)

	// growing never shrinks
	value = applyOk(t, value, NewPutAction("foo/0", RequireTreeValue(`0`)))
	assertTree(t, `{"foo":[0,null,null,23]}`, value)
}

func TestPutArrayCoerce(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"foo":[1,2]}`), NewPutAction("/foo/bar", RequireTreeValue(`true`)))
	assertTree(t, `{"foo":{"0":1,"1":2,"bar":true}}`, value)

	// signs are not indices
	value = applyOk(t, RequireTreeValue(`[1]`), NewPutAction("/-1", RequireTreeValue(`2`)))
	assertTree(t, `{"0":1,"-1":2}`, value)
}

func TestPutOverwriteScalar(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"a":"text"}`), NewPutAction("/a/b/c", RequireTreeValue(`[1]`)))
	assertTree(t, `{"a":{"b":{"c":[1]}}}`, value)
}

func TestPutMixedPath(t *testing.T) {
	// index into an array, coerce an array, then descend through missing keys
	root := RequireTreeValue(`{"a":[{"b":[5]},7]}`)
	value := applyOk(t, root, NewPutAction("/a/0/b/x/1/y", RequireTreeValue(`"v"`)))
	assertTree(t, `{"a":[{"b":{"0":5,"x":{"1":{"y":"v"}}}},7]}`, value)

	value = applyOk(t, value, NewPutAction("/a/1/z", RequireTreeValue(`true`)))
	assertTree(t, `{"a":[{"b":{"0":5,"x":{"1":{"y":"v"}}}},{"z":true}]}`, value)
}

func TestPutReplace(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"a":{"b":1,"c":2},"d":3}`), NewPutAction("/a", RequireTreeValue(`{"e":4}`)))
	assertTree(t, `{"a":{"e":4},"d":3}`, value)
}

func TestPutThenGet(t *testing.T) {
	for _, path := range []string{"", "/a", "/a/b/c", "/x/0", "/x/2/y"} {
		v := RequireTreeValue(`{"k":[1,"two",null]}`)
		value := applyOk(t, Null(), NewPutAction(path, v))
		got, ok := value.Get(ParsePath(path))
		assert.Equal(t, ok, true)
		assertTree(t, `{"k":[1,"two",null]}`, got)
	}
}

func TestPatchRoot(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"foo":3,"bar":4}`), NewPatchAction("/", RequireTreeValue(`{"foo":1,"zork":9}`)))
	assertTree(t, `{"foo":1,"bar":4,"zork":9}`, value)
}

func TestPatchNotObject(t *testing.T) {
	root := RequireTreeValue(`{"foo":3}`)
	for _, path := range []string{"", "/foo", "/a/b"} {
		for _, fields := range []string{`[1,2]`, `1`, `"s"`, `null`} {
			_, value, err := Apply(root.Clone(), NewPatchAction(path, RequireTreeValue(fields)))
			assert.Equal(t, errors.Is(err, ErrPatchNotObject), true)
			assertTree(t, `{"foo":3}`, value)
		}
	}
}

func TestPatchNestedKeys(t *testing.T) {
	root := RequireTreeValue(`{"a":{"b":1,"c":2}}`)

	expanded := applyOk(t, root.Clone(), NewPatchAction("/", RequireTreeValue(`{"a/b":10,"a/d/e":5,"f":true}`)))
	assertTree(t, `{"a":{"b":10,"c":2,"d":{"e":5}},"f":true}`, expanded)

	// equal to patching each nested key individually
	individual := root.Clone()
	individual = applyOk(t, individual, NewPatchAction("/a", RequireTreeValue(`{"b":10}`)))
	individual = applyOk(t, individual, NewPatchAction("/a/d", RequireTreeValue(`{"e":5}`)))
	individual = applyOk(t, individual, NewPatchAction("/", RequireTreeValue(`{"f":true}`)))
	assert.Equal(t, expanded.Equal(individual), true)
}

func TestPatchNumber(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"n":1}`), NewPatchAction("/n", RequireTreeValue(`{"x":2}`)))
	assertTree(t, `{"n":{"x":2}}`, value)
}

func TestPatchArray(t *testing.T) {
	value := applyOk(t, RequireTreeValue(`{"a":[1,2,3]}`), NewPatchAction("/a", RequireTreeValue(`{"1":"two","k":"v"}`)))
	assertTree(t, `{"a":{"0":1,"1":"two","2":3,"k":"v"}}`, value)
}

func TestPatchMissingPath(t *testing.T) {
	value := applyOk(t, Null(), NewPatchAction("/a/b", RequireTreeValue(`{"c":1}`)))
	assertTree(t, `{"a":{"b":{"c":1}}}`, value)
}

func TestIndexTooLarge(t *testing.T) {
	root := RequireTreeValue(`{"a":[1]}`)
	_, value, err := Apply(root, NewPutAction("/a/99999999999", RequireTreeValue(`1`)))
	assert.Equal(t, errors.Is(err, ErrIndexTooLarge), true)
	assertTree(t, `{"a":[1]}`, value)
}

func TestActionNotAliased(t *testing.T) {
	action := NewPutAction("/a", RequireTreeValue(`{"b":1}`))
	value := applyOk(t, Null(), action)
	value = applyOk(t, value, NewPatchAction("/a", RequireTreeValue(`{"c":2}`)))
	assertTree(t, `{"a":{"b":1,"c":2}}`, value)
	assertTree(t, `{"b":1}`, action.Value)
}

// without nulls and arrays, a root patch with plain keys is a json merge patch
func TestPatchMergeCompatible(t *testing.T) {
	cases := [][2]string{
		{`{"a":1,"b":{"c":2}}`, `{"b":{"d":3},"e":"x"}`},
		{`{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":2,"d":{"e":true}}}}`},
		{`{}`, `{"a":{"b":1}}`},
		{`{"a":"s"}`, `{"a":{"b":1}}`},
	}
	for _, c := range cases {
		merged, err := jsonpatch.MergePatch([]byte(c[0]), []byte(c[1]))
		assert.Equal(t, err, nil)

		value := applyOk(t, RequireTreeValue(c[0]), NewPatchAction("", RequireTreeValue(c[1])))
		expected, err := ParseTreeValue(merged)
		assert.Equal(t, err, nil)
		assert.Equal(t, expected.Equal(value), true)
	}
}

func TestObservedValue(t *testing.T) {
	observed := NewObservedValue()

	path, err := observed.ApplyPut(NewPutAction("/a/b", RequireTreeValue(`1`)))
	assert.Equal(t, err, nil)
	assert.Equal(t, path.String(), "/a/b")

	path, err = observed.ApplyPatch(NewPatchAction("/a", RequireTreeValue(`{"c":2}`)))
	assert.Equal(t, err, nil)
	assert.Equal(t, path.String(), "/a")

	snapshot := observed.Value()
	assertTree(t, `{"a":{"b":1,"c":2}}`, snapshot)

	_, err = observed.ApplyPatch(NewPatchAction("/a", RequireTreeValue(`[1]`)))
	assert.Equal(t, errors.Is(err, ErrPatchNotObject), true)
	assertTree(t, `{"a":{"b":1,"c":2}}`, observed.Value())

	// snapshots are not affected by later changes
	observed.ApplyPut(NewPutAction("/a", Null()))
	assertTree(t, `{"a":{"b":1,"c":2}}`, snapshot)

	c, ok := observed.Get(ParsePath("/a"))
	assert.Equal(t, ok, true)
	assert.Equal(t, c.IsNull(), true)
}
