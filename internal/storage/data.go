package storage

import (
	"time"

	"github.com/rohmanhakim/harvester/internal/work"
)

const (
	// ManifestName is written into every committed bundle directory.
	ManifestName  = "manifest.json"
	partialSuffix = ".partial"
	gzipSuffix    = ".gz"
)

// Manifest describes a committed bundle on disk.
type Manifest struct {
	BundleID    string              `json:"bundleId"`
	CommittedAt time.Time           `json:"committedAt"`
	HashAlgo    string              `json:"hashAlgo"`
	Bytes       int64               `json:"bytes"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Resources   []work.ResourceInfo `json:"resources"`
}
