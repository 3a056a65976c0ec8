package fetcher

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rohmanhakim/harvester/internal/work"
)

// Registry dispatches items to loaders by URL scheme. Items without a
// scheme go to the fallback loader, when one is set.
type Registry struct {
	byScheme map[string]work.Loader
	loaders  []work.Loader
	fallback work.Loader
}

func NewRegistry() *Registry {
	return &Registry{byScheme: make(map[string]work.Loader)}
}

// Register binds loader to every scheme given. Later registrations win.
// Register each loader once, with all of its schemes.
func (r *Registry) Register(loader work.Loader, schemes ...string) *Registry {
	r.loaders = append(r.loaders, loader)
	for _, s := range schemes {
		r.byScheme[strings.ToLower(s)] = loader
	}
	return r
}

// Fallback handles items whose id carries no scheme.
func (r *Registry) Fallback(loader work.Loader) *Registry {
	r.fallback = loader
	return r
}

func (r *Registry) LoaderFor(item work.WorkItem) (work.Loader, error) {
	scheme := ""
	if i := strings.Index(item.ID, "://"); i > 0 {
		u, err := url.Parse(item.ID)
		if err != nil {
			return nil, &FetchError{Message: item.ID, Cause: ErrCauseInvalidURL, Err: err}
		}
		scheme = strings.ToLower(u.Scheme)
	}

	if scheme == "" {
		if r.fallback == nil {
			return nil, &FetchError{Message: fmt.Sprintf("no loader for %q", item.ID), Cause: ErrCauseUnsupportedScheme}
		}
		return r.fallback, nil
	}
	loader, ok := r.byScheme[scheme]
	if !ok {
		return nil, &FetchError{Message: fmt.Sprintf("no loader for scheme %q", scheme), Cause: ErrCauseUnsupportedScheme}
	}
	return loader, nil
}

// Loaders lists the registered loaders in registration order, so that the
// orchestrator can subscribe those that listen for bundle commits.
func (r *Registry) Loaders() []work.Loader {
	out := append([]work.Loader(nil), r.loaders...)
	if r.fallback != nil {
		out = append(out, r.fallback)
	}
	return out
}
