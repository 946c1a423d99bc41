package parley

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Thread, checkpoint and task run ids
// all come from here; v7 ids sort by creation time, which keeps
// ListThreads and run logs readable without a secondary sort key.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
