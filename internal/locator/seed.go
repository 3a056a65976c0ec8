package locator

import (
	"context"
	"sync"

	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/urlutil"
)

// SeedLocator hands out a fixed list of items on its first call and nothing
// afterwards. Items naming the same URL are emitted once.
type SeedLocator struct {
	name  string
	items []work.WorkItem

	mu        sync.Mutex
	emitted   bool
	processed int
}

func NewSeedLocator(name string, items []work.WorkItem) *SeedLocator {
	seen := newSet[string]()
	unique := make([]work.WorkItem, 0, len(items))
	for _, item := range items {
		key := item.ID
		if canonical, err := urlutil.ItemKey(item.ID); err == nil {
			key = canonical
		}
		if seen.add(key) {
			unique = append(unique, item.Clone())
		}
	}
	return &SeedLocator{name: name, items: unique}
}

// SeedsFromIDs builds depth-zero items.
func SeedsFromIDs(ids ...string) []work.WorkItem {
	out := make([]work.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, work.NewWorkItem(id, 0))
	}
	return out
}

func (s *SeedLocator) Name() string {
	return s.name
}

func (s *SeedLocator) NextItems(ctx context.Context, rc *work.RunContext) ([]work.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emitted {
		return nil, nil
	}
	s.emitted = true
	return s.items, nil
}

func (s *SeedLocator) OnItemProcessed(ctx context.Context, item work.WorkItem, results []work.BundleRef, rc *work.RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	return nil
}

// Processed counts completion callbacks received.
func (s *SeedLocator) Processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}
