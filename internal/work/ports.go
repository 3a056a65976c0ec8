package work

import (
	"context"
	"io"
)

// Locator discovers work. Once exhausted it keeps returning an empty slice.
// Returning a *failure.RunFatalError aborts the run; any other error is
// logged and treated as an empty round.
type Locator interface {
	Name() string
	NextItems(ctx context.Context, rc *RunContext) ([]WorkItem, error)
	OnItemProcessed(ctx context.Context, item WorkItem, results []BundleRef, rc *RunContext) error
}

// Loader fetches one item and streams its resources into the sink.
type Loader interface {
	Load(ctx context.Context, item WorkItem, sink Sink, rc *RunContext) ([]BundleRef, error)
}

// Dispatcher picks the Loader responsible for an item.
type Dispatcher interface {
	LoaderFor(item WorkItem) (Loader, error)
}

// Sink persists bundles of resources.
type Sink interface {
	OpenBundle(ctx context.Context, id string, metadata map[string]any) (BundleHandle, error)
	// CloseBundle commits the bundle and then notifies every subscribed listener.
	CloseBundle(ctx context.Context, h BundleHandle) (BundleCommit, error)
	// AbortBundle discards an uncommitted bundle.
	AbortBundle(ctx context.Context, h BundleHandle) error
	// Subscribe registers l until the returned func is called.
	Subscribe(l BundleListener) (unsubscribe func())
}

// BundleHandle is an open, uncommitted bundle.
type BundleHandle interface {
	ID() string
	Key() string
	AddResource(ctx context.Context, name string, r io.Reader) (ResourceInfo, error)
	ResourceCount() int
}

// BundleListener is notified after a bundle has been durably committed.
// Locators and Loaders that implement it are subscribed for the run.
type BundleListener interface {
	OnBundleCommitted(ctx context.Context, commit BundleCommit)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, item WorkItem, sink Sink, rc *RunContext) ([]BundleRef, error)

func (f LoaderFunc) Load(ctx context.Context, item WorkItem, sink Sink, rc *RunContext) ([]BundleRef, error) {
	return f(ctx, item, sink, rc)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(item WorkItem) (Loader, error)

func (f DispatcherFunc) LoaderFor(item WorkItem) (Loader, error) {
	return f(item)
}
