package mirror

import (
	"fmt"
	"time"

	"github.com/bringyour/mirror/protocol"
)

type CollectionChangeType string

const (
	CollectionChangeChanged CollectionChangeType = "changed"
	CollectionChangeDeleted CollectionChangeType = "deleted"
)

// One document event in a collection. `LastReadTime` is only set for deletes.
type CollectionChange struct {
	Type         CollectionChangeType `json:"type"`
	Id           string               `json:"id"`
	Time         time.Time            `json:"time"`
	LastReadTime *time.Time           `json:"last_read_time,omitempty"`
}

func (self CollectionChange) String() string {
	return fmt.Sprintf("%s(%s)", self.Type, self.Id)
}

// The changes between two checkpoints.
// `Documents` holds only the ids of `Changes` whose last event is a change;
// deleted ids never appear in `Documents`.
type CollectionUpdate struct {
	Changes   []CollectionChange
	Documents map[string]*protocol.Document
	// server read time of the checkpoint, if sent
	Time        *time.Time
	ResumeToken []byte
}

func (self *CollectionUpdate) IsEmpty() bool {
	return len(self.Changes) == 0
}

func (self *CollectionUpdate) String() string {
	return fmt.Sprintf("update(changes=%d, documents=%d)", len(self.Changes), len(self.Documents))
}
