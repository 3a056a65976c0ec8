package fetcher

import (
	"github.com/rohmanhakim/harvester/internal/work"
)

// Item flags understood by the loaders.
const (
	// FlagResourceName overrides the name of the stored resource.
	FlagResourceName = "resource_name"
	// FlagBundleID pins the bundle id, e.g. to make reruns overwrite-safe.
	FlagBundleID = "bundle_id"
)

// outcome is what one successful fetch attempt produced.
type outcome struct {
	statusCode  int
	contentType string
	resource    work.ResourceInfo
}

// bundleMetadata is attached to every bundle a loader opens.
func bundleMetadata(item work.WorkItem, rc *work.RunContext, source string) map[string]any {
	return map[string]any{
		"source": source,
		"item":   item.ID,
		"depth":  item.Depth,
		"run_id": rc.RunID(),
	}
}
