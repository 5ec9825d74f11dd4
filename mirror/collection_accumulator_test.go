package mirror

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bringyour/mirror/protocol"
)

func testDocument(t *testing.T, name string, fields map[string]any) *protocol.Document {
	t.Helper()
	document, err := protocol.NewDocument(name, fields)
	assert.Equal(t, err, nil)
	return document
}

func targetChange(changeType protocol.TargetChangeType, resumeToken string) *protocol.ListenResponse {
	change := &protocol.TargetChange{
		TargetChangeType: changeType,
		TargetIds:        []int32{DefaultTargetId},
	}
	if resumeToken != "" {
		change.ResumeToken = []byte(resumeToken)
	}
	return protocol.NewTargetChangeResponse(change)
}

func documentChange(document *protocol.Document) *protocol.ListenResponse {
	return protocol.NewDocumentChangeResponse(document, DefaultTargetId)
}

func documentDelete(name string) *protocol.ListenResponse {
	return protocol.NewDocumentDeleteResponse(name, nil)
}

func TestAccumulatorFlushRules(t *testing.T) {
	initGlog()

	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	// add and remove never flush
	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeAdd, "")), nil)
	assert.Equal(t, a.TargetIds(), []int32{DefaultTargetId})

	// no change and reset flush only with pending changes
	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeNoChange, "t0")), nil)
	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeReset, "t0")), nil)

	// current always flushes
	update := a.Handle(targetChange(protocol.TargetChangeCurrent, "t1"))
	assert.NotEqual(t, update, nil)
	assert.Equal(t, update.IsEmpty(), true)
	assert.Equal(t, string(update.ResumeToken), "t1")

	assert.Equal(t, a.Handle(documentChange(testDocument(t, "a", map[string]any{"x": 1}))), nil)
	assert.Equal(t, a.Handle(documentDelete("b")), nil)
	assert.Equal(t, a.Pending(), 2)
	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeAdd, "")), nil)
	assert.Equal(t, a.Pending(), 2)

	update = a.Handle(targetChange(protocol.TargetChangeNoChange, "t2"))
	assert.NotEqual(t, update, nil)
	assert.Equal(t, len(update.Changes), 2)
	assert.Equal(t, update.Changes[0].Type, CollectionChangeChanged)
	assert.Equal(t, update.Changes[0].Id, "a")
	assert.Equal(t, update.Changes[1].Type, CollectionChangeDeleted)
	assert.Equal(t, update.Changes[1].Id, "b")
	assert.Equal(t, string(update.ResumeToken), "t2")
	assert.Equal(t, a.Pending(), 0)

	assert.Equal(t, a.Handle(documentChange(testDocument(t, "c", map[string]any{}))), nil)
	update = a.Handle(targetChange(protocol.TargetChangeReset, "t3"))
	assert.NotEqual(t, update, nil)
	assert.Equal(t, len(update.Changes), 1)

	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeRemove, "")), nil)
	assert.Equal(t, len(a.TargetIds()), 0)
}

func TestAccumulatorDeleteDropsDocument(t *testing.T) {
	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	a.Handle(documentChange(testDocument(t, "a", map[string]any{"v": 1})))
	a.Handle(documentDelete("a"))
	a.Handle(documentChange(testDocument(t, "b", map[string]any{"v": 2})))

	update := a.Handle(targetChange(protocol.TargetChangeCurrent, "t"))
	assert.Equal(t, len(update.Changes), 3)
	_, ok := update.Documents["a"]
	assert.Equal(t, ok, false)
	_, ok = update.Documents["b"]
	assert.Equal(t, ok, true)
}

func TestAccumulatorReadTime(t *testing.T) {
	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	readTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	res := targetChange(protocol.TargetChangeCurrent, "t")
	res.GetTargetChange().ReadTime = timestamppb.New(readTime)

	update := a.Handle(res)
	assert.Equal(t, *update.Time, readTime)

	// the update does not alias the response
	res.GetTargetChange().ResumeToken[0] = 'x'
	assert.Equal(t, string(update.ResumeToken), "t")

	// deletes keep their read time
	a.Handle(protocol.NewDocumentRemoveResponse("a", timestamppb.New(readTime)))
	update = a.Handle(targetChange(protocol.TargetChangeNoChange, "t2"))
	assert.Equal(t, update.Changes[0].Type, CollectionChangeDeleted)
	assert.Equal(t, *update.Changes[0].LastReadTime, readTime)
}

func TestAccumulatorDiscard(t *testing.T) {
	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	a.Handle(documentChange(testDocument(t, "a", map[string]any{})))
	a.Discard()
	assert.Equal(t, a.Pending(), 0)
	assert.Equal(t, a.Handle(targetChange(protocol.TargetChangeNoChange, "t")), nil)
}

func TestAccumulatorExistenceFilter(t *testing.T) {
	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	_, ok := a.FilterCount(DefaultTargetId)
	assert.Equal(t, ok, false)

	update := a.Handle(protocol.NewFilterResponse(DefaultTargetId, 3))
	assert.Equal(t, update, nil)
	count, ok := a.FilterCount(DefaultTargetId)
	assert.Equal(t, ok, true)
	assert.Equal(t, count, int32(3))
	assert.Equal(t, a.Pending(), 0)
}

func TestAccumulatorRemoveAllTargets(t *testing.T) {
	a := NewChangeAccumulator(LogFn(LogLevelItem, "[test]"))

	a.Handle(targetChange(protocol.TargetChangeAdd, ""))
	a.Handle(protocol.NewTargetChangeResponse(&protocol.TargetChange{
		TargetChangeType: protocol.TargetChangeAdd,
		TargetIds:        []int32{1},
	}))
	assert.Equal(t, len(a.TargetIds()), 2)

	// no target ids means every target
	a.Handle(protocol.NewTargetChangeResponse(&protocol.TargetChange{
		TargetChangeType: protocol.TargetChangeRemove,
	}))
	assert.Equal(t, len(a.TargetIds()), 0)
}

func TestTargetRemovedError(t *testing.T) {
	res := protocol.NewTargetChangeResponse(&protocol.TargetChange{
		TargetChangeType: protocol.TargetChangeRemove,
		TargetIds:        []int32{DefaultTargetId},
		Cause:            &protocol.Status{Code: 16, Message: "revoked"},
	})
	err := targetRemovedError(res, DefaultTargetId)
	var removed *TargetRemovedError
	assert.Equal(t, errors.As(err, &removed), true)
	assert.Equal(t, removed.Unauthorized(), true)

	// other targets and removals without a cause are not ours to handle
	assert.Equal(t, targetRemovedError(res, 1), nil)
	assert.Equal(t, targetRemovedError(targetChange(protocol.TargetChangeRemove, ""), DefaultTargetId), nil)
	assert.Equal(t, targetRemovedError(targetChange(protocol.TargetChangeCurrent, "t"), DefaultTargetId), nil)

	res = protocol.NewTargetChangeResponse(&protocol.TargetChange{
		TargetChangeType: protocol.TargetChangeRemove,
		Cause:            &protocol.Status{Code: 8, Message: "exhausted"},
	})
	err = targetRemovedError(res, DefaultTargetId)
	assert.Equal(t, errors.As(err, &removed), true)
	assert.Equal(t, removed.Unauthorized(), false)
}
