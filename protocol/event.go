package protocol

import (
	"encoding/json"
)

// event types on the tree change feed
const (
	EventTypePut         = "put"
	EventTypePatch       = "patch"
	EventTypeKeepAlive   = "keep-alive"
	EventTypeAuthRevoked = "auth_revoked"
)

// `data` of a `put` or `patch` event
type EventPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}
