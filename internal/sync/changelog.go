package sync

import (
	stdsync "sync"

	"github.com/dtavner/calsync/internal/protocol"
)

// changeLog retains a bounded, most-recent-first history of sync changes
// per device, kept for diagnostics only. It is never replayed to clients.
type changeLog struct {
	mu    stdsync.Mutex
	depth int
	logs  map[string][]protocol.Change
}

func newChangeLog(depth int) *changeLog {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &changeLog{
		depth: depth,
		logs:  make(map[string][]protocol.Change),
	}
}

// append records changes for a device, evicting the oldest entries once
// the per-device depth is exceeded.
func (c *changeLog) append(deviceID string, changes []protocol.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := append(c.logs[deviceID], changes...)
	if excess := len(log) - c.depth; excess > 0 {
		log = log[excess:]
	}
	c.logs[deviceID] = log
}

// history returns a copy of the retained changes for a device, oldest
// first.
func (c *changeLog) history(deviceID string) []protocol.Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logs[deviceID]
	out := make([]protocol.Change, len(log))
	copy(out, log)
	return out
}

// drop discards the history of a device that disconnected.
func (c *changeLog) drop(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, deviceID)
}
