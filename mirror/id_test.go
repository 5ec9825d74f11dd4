package mirror

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	a := NewId()
	time.Sleep(2 * time.Millisecond)
	b := NewId()
	assert.Equal(t, a.LessThan(b), true)
	assert.Equal(t, b.LessThan(a), false)

	parsed, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, a)
	assert.Equal(t, len(a.Bytes()), 16)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)
}
