package queue

import (
	"strconv"

	"github.com/rohmanhakim/harvester/internal/work"
)

// Record binds a sequence id to a work item. It is the stored form of every
// queued item.
type Record struct {
	Seq  uint64        `json:"seq"`
	Item work.WorkItem `json:"item"`
}

// keys of one namespace
type keys struct {
	nextID string
	head   string
	size   string
	prefix string
}

func newKeys(namespace string) keys {
	return keys{
		nextID: namespace + ":next_id",
		head:   namespace + ":head",
		size:   namespace + ":size",
		prefix: namespace + ":items:",
	}
}

func (k keys) item(seq uint64) string {
	return k.prefix + strconv.FormatUint(seq, 10)
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Size    int
	Head    uint64
	NextID  uint64
	Skipped int64
}
