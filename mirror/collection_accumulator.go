package mirror

import (
	"time"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bringyour/mirror/protocol"
)

// ChangeAccumulator batches the document events of one connection into one
// `CollectionUpdate` per checkpoint.
//
// `ADD`/`REMOVE` only change the active targets.
// `CURRENT` always flushes, even with nothing pending, which tells the consumer
// it is caught up. `NO_CHANGE`/`RESET` flush only when changes are pending.
type ChangeAccumulator struct {
	log LogFunction

	targetIds []int32
	changes   []CollectionChange
	documents map[string]*protocol.Document
	// target id -> last existence filter count
	filterCounts map[int32]int32

	now func() time.Time
}

func NewChangeAccumulator(log LogFunction) *ChangeAccumulator {
	return &ChangeAccumulator{
		log:          log,
		targetIds:    []int32{},
		changes:      []CollectionChange{},
		documents:    map[string]*protocol.Document{},
		filterCounts: map[int32]int32{},
		now:          time.Now,
	}
}

func (self *ChangeAccumulator) TargetIds() []int32 {
	return slices.Clone(self.targetIds)
}

// number of changes waiting for a checkpoint
func (self *ChangeAccumulator) Pending() int {
	return len(self.changes)
}

// the count of the last existence filter received for the target
func (self *ChangeAccumulator) FilterCount(targetId int32) (int32, bool) {
	count, ok := self.filterCounts[targetId]
	return count, ok
}

// Discard drops changes received since the last checkpoint.
func (self *ChangeAccumulator) Discard() {
	if 0 < len(self.changes) {
		self.log("[ca]discard %d pending changes", len(self.changes))
	}
	self.changes = []CollectionChange{}
	self.documents = map[string]*protocol.Document{}
}

// Handle returns an update when `res` is a checkpoint that flushes, otherwise nil.
func (self *ChangeAccumulator) Handle(res *protocol.ListenResponse) *CollectionUpdate {
	if change := res.GetTargetChange(); change != nil {
		switch change.GetTargetChangeType() {
		case protocol.TargetChangeAdd:
			self.log("[ca]target add %v", change.GetTargetIds())
			for _, targetId := range change.GetTargetIds() {
				if !slices.Contains(self.targetIds, targetId) {
					self.targetIds = append(self.targetIds, targetId)
				}
			}
		case protocol.TargetChangeRemove:
			if cause := change.GetCause(); cause != nil {
				self.log("[ca]target remove %v because %d %s", change.GetTargetIds(), cause.GetCode(), cause.GetMessage())
			} else {
				self.log("[ca]target remove %v", change.GetTargetIds())
			}
			if len(change.GetTargetIds()) == 0 {
				self.targetIds = []int32{}
			} else {
				self.targetIds = slices.DeleteFunc(self.targetIds, func(targetId int32) bool {
					return slices.Contains(change.GetTargetIds(), targetId)
				})
			}
		case protocol.TargetChangeCurrent:
			self.log("[ca]%s", change.GetTargetChangeType())
			return self.flush(change, true)
		case protocol.TargetChangeNoChange, protocol.TargetChangeReset:
			self.log("[ca]%s", change.GetTargetChangeType())
			return self.flush(change, false)
		default:
			self.log("[ca]unknown target change type %s", change.GetTargetChangeType())
		}
	} else if documentChange := res.GetDocumentChange(); documentChange != nil {
		document := documentChange.GetDocument()
		if document == nil {
			return nil
		}
		self.log("[ca]document changed %s", document.GetName())
		self.changes = append(self.changes, CollectionChange{
			Type: CollectionChangeChanged,
			Id:   document.GetName(),
			Time: self.now(),
		})
		self.documents[document.GetName()] = document
	} else if documentDelete := res.GetDocumentDelete(); documentDelete != nil {
		self.removed(documentDelete.GetDocument(), documentDelete.GetReadTime())
	} else if documentRemove := res.GetDocumentRemove(); documentRemove != nil {
		self.removed(documentRemove.GetDocument(), documentRemove.GetReadTime())
	} else if filter := res.GetFilter(); filter != nil {
		// a count mismatch cannot identify which ids are stale, so the filter is not reconciled
		self.log("[ca]existence filter target=%d count=%d", filter.GetTargetId(), filter.GetCount())
		self.filterCounts[filter.GetTargetId()] = filter.GetCount()
	}

	return nil
}

func (self *ChangeAccumulator) removed(id string, readTime *timestamppb.Timestamp) {
	self.log("[ca]document removed %s", id)
	self.changes = append(self.changes, CollectionChange{
		Type:         CollectionChangeDeleted,
		Id:           id,
		Time:         self.now(),
		LastReadTime: timestampTime(readTime),
	})
	delete(self.documents, id)
}

func (self *ChangeAccumulator) flush(change *protocol.TargetChange, force bool) *CollectionUpdate {
	if len(self.changes) == 0 && !force {
		return nil
	}

	update := &CollectionUpdate{
		Changes:     self.changes,
		Documents:   self.documents,
		Time:        timestampTime(change.GetReadTime()),
		ResumeToken: slices.Clone(change.GetResumeToken()),
	}

	self.changes = []CollectionChange{}
	self.documents = map[string]*protocol.Document{}
	return update
}

func timestampTime(t *timestamppb.Timestamp) *time.Time {
	if t == nil {
		return nil
	}
	asTime := t.AsTime()
	return &asTime
}
