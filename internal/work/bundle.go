package work

import (
	"maps"

	"github.com/google/uuid"
)

// BundleRef identifies one committed bundle. It is immutable once built.
type BundleRef struct {
	id            string
	resourceCount int
	metadata      map[string]any
	storageKey    string
}

func NewBundleRef(id string, resourceCount int, metadata map[string]any, storageKey string) BundleRef {
	return BundleRef{
		id:            id,
		resourceCount: resourceCount,
		metadata:      maps.Clone(metadata),
		storageKey:    storageKey,
	}
}

// NewBundleID returns a fresh time-ordered (UUIDv7) bundle id.
func NewBundleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the system random source does
		return uuid.NewString()
	}
	return id.String()
}

func (b BundleRef) ID() string {
	return b.id
}

func (b BundleRef) ResourceCount() int {
	return b.resourceCount
}

// Metadata returns a copy of the bundle metadata.
func (b BundleRef) Metadata() map[string]any {
	return maps.Clone(b.metadata)
}

func (b BundleRef) StorageKey() string {
	return b.storageKey
}

// BundleCommit describes a bundle that storage has durably committed.
type BundleCommit struct {
	ID            string         `json:"id"`
	StorageKey    string         `json:"storageKey"`
	ResourceCount int            `json:"resourceCount"`
	Bytes         int64          `json:"bytes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Ref converts the commit into the reference handed back to the orchestrator.
func (c BundleCommit) Ref() BundleRef {
	return NewBundleRef(c.ID, c.ResourceCount, c.Metadata, c.StorageKey)
}

// ResourceInfo describes one resource written into a bundle.
type ResourceInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
	Compressed  bool   `json:"compressed,omitempty"`
}
