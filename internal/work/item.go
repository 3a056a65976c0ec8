package work

import (
	"maps"
	"time"
)

// WorkItem is a unit of work flowing through the queue.
// Its JSON form is {id, depth, headers, flags, enqueuedAt}.
type WorkItem struct {
	ID         string            `json:"id"`
	Depth      int               `json:"depth"`
	Headers    map[string]string `json:"headers,omitempty"`
	Flags      map[string]any    `json:"flags,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

func NewWorkItem(id string, depth int) WorkItem {
	return WorkItem{
		ID:    id,
		Depth: depth,
	}
}

// WithHeader returns a copy of the item with the header set.
func (w WorkItem) WithHeader(key, value string) WorkItem {
	c := w.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	c.Headers[key] = value
	return c
}

// WithFlag returns a copy of the item with the flag set.
// Flag values must be JSON values. They are stored in the form they come back
// from the queue: whole numbers as int, other numbers as float64, slices as
// []any and objects as map[string]any.
func (w WorkItem) WithFlag(key string, value any) WorkItem {
	c := w.Clone()
	if c.Flags == nil {
		c.Flags = make(map[string]any)
	}
	c.Flags[key] = canonicalFlag(value)
	return c
}

// Clone returns a copy that shares no maps with w.
func (w WorkItem) Clone() WorkItem {
	c := w
	c.Headers = maps.Clone(w.Headers)
	c.Flags = maps.Clone(w.Flags)
	return c
}

// Stamp returns a copy with EnqueuedAt set to at, normalised to UTC with the
// monotonic reading stripped so the value survives a JSON round trip.
// An item that already carries a timestamp keeps it.
func (w WorkItem) Stamp(at time.Time) WorkItem {
	if !w.EnqueuedAt.IsZero() {
		return w
	}
	c := w.Clone()
	c.EnqueuedAt = at.UTC().Round(0)
	return c
}

// FlagInt returns an int flag, or 0 when absent or of another type.
func (w WorkItem) FlagInt(key string) int {
	v, _ := w.Flags[key].(int)
	return v
}

// FlagString returns a string flag, or "" when absent or of another type.
func (w WorkItem) FlagString(key string) string {
	v, _ := w.Flags[key].(string)
	return v
}
