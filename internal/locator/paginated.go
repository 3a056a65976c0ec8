package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/rohmanhakim/harvester/pkg/urlutil"
)

// maxListingBytes bounds one listing page.
const maxListingBytes = 8 << 20

// PaginatedConfig describes a JSON listing API such as
//
//	{"items": [{"url": "..."}, "..."], "next": "/v1/items?page=2"}
//
// Items may be bare strings or objects carrying URLField. Relative URLs are
// resolved against the page they appear on.
type PaginatedConfig struct {
	Name       string
	StartURL   string
	ItemsField string
	URLField   string
	NextField  string
	// MaxPages stops the listing after this many pages. Zero means no limit.
	MaxPages int
	Protocol pool.ProtocolConfig
}

func (c PaginatedConfig) withDefaults() PaginatedConfig {
	if c.Name == "" {
		c.Name = "listing"
	}
	if c.ItemsField == "" {
		c.ItemsField = "items"
	}
	if c.URLField == "" {
		c.URLField = "url"
	}
	if c.NextField == "" {
		c.NextField = "next"
	}
	if c.Protocol.Protocol == "" {
		c.Protocol = pool.DefaultProtocolConfig("http")
	}
	return c
}

// PaginatedLocator walks a paginated listing one page per call. A page that
// fails keeps the cursor where it was, so the next call asks for it again.
// URLs already emitted are not emitted twice, even if the listing shifts
// while it is being paged through.
type PaginatedLocator struct {
	cfg PaginatedConfig

	mu        sync.Mutex
	next      string
	pages     int
	done      bool
	seen      set[string]
	processed int
}

func NewPaginatedLocator(cfg PaginatedConfig) *PaginatedLocator {
	cfg = cfg.withDefaults()
	return &PaginatedLocator{
		cfg:  cfg,
		next: cfg.StartURL,
		done: cfg.StartURL == "",
		seen: newSet[string](),
	}
}

func (l *PaginatedLocator) Name() string {
	return l.cfg.Name
}

func (l *PaginatedLocator) NextItems(ctx context.Context, rc *work.RunContext) ([]work.WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return nil, nil
	}

	pageURL := l.next
	p := rc.Pools().GetOrCreatePool(l.cfg.Protocol)
	page, err := pool.Execute(ctx, p, rc.App(), func(ctx context.Context, app pool.AppContext) (listingPage, error) {
		return l.fetchPage(ctx, p, app, pageURL)
	})
	if err != nil {
		return nil, err
	}

	l.pages++
	l.next = ""
	if page.next != "" {
		next, err := urlutil.Resolve(pageURL, page.next)
		if err != nil {
			return nil, &LocateError{Message: fmt.Sprintf("next link %q: %v", page.next, err), Cause: ErrCauseListingInvalid, Err: err}
		}
		l.next = next
	}
	if l.next == "" || (l.cfg.MaxPages > 0 && l.pages >= l.cfg.MaxPages) {
		l.done = true
	}

	out := make([]work.WorkItem, 0, len(page.items))
	for _, raw := range page.items {
		resolved, err := urlutil.Resolve(pageURL, raw)
		if err != nil {
			continue
		}
		key, err := urlutil.ItemKey(resolved)
		if err != nil {
			continue
		}
		if !l.seen.add(key) {
			continue
		}
		out = append(out, work.NewWorkItem(resolved, 1).
			WithFlag("listing", l.cfg.Name).
			WithFlag("page", l.pages))
	}
	return out, nil
}

type listingPage struct {
	items []string
	next  string
}

func (l *PaginatedLocator) fetchPage(ctx context.Context, p *pool.Pool, app pool.AppContext, pageURL string) (listingPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return listingPage{}, failure.RunFatal(l.cfg.Name, &LocateError{Message: pageURL, Cause: ErrCauseListingInvalid, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if app.UserAgent != "" {
		req.Header.Set("User-Agent", app.UserAgent)
	}
	token, err := app.Token()
	if err != nil {
		return listingPage{}, failure.RunFatal(l.cfg.Name, &LocateError{Message: "credentials", Cause: ErrCauseListingRejected, Err: err})
	}
	if token != nil {
		token.SetAuthHeader(req)
	}

	resp, err := p.HTTPClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return listingPage{}, ctx.Err()
		}
		return listingPage{}, &LocateError{Message: err.Error(), Retryable: true, Cause: ErrCauseListingUnavailable, Err: err}
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		// every later page would be refused as well
		return listingPage{}, failure.RunFatal(l.cfg.Name, &LocateError{Message: fmt.Sprintf("%s: status %d", pageURL, code), Cause: ErrCauseListingRejected})
	case code == http.StatusTooManyRequests || code >= 500:
		return listingPage{}, &LocateError{Message: fmt.Sprintf("%s: status %d", pageURL, code), Retryable: true, Cause: ErrCauseListingUnavailable}
	case code < 200 || code >= 300:
		return listingPage{}, &LocateError{Message: fmt.Sprintf("%s: status %d", pageURL, code), Cause: ErrCauseListingRejected}
	}

	body, err := io.ReadAll(io.LimitReader(p.ThrottleReader(ctx, resp.Body), maxListingBytes))
	if err != nil {
		if ctx.Err() != nil {
			return listingPage{}, ctx.Err()
		}
		return listingPage{}, &LocateError{Message: err.Error(), Retryable: true, Cause: ErrCauseListingUnavailable, Err: err}
	}
	return l.decode(body)
}

func (l *PaginatedLocator) decode(body []byte) (listingPage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return listingPage{}, &LocateError{Message: err.Error(), Cause: ErrCauseListingInvalid, Err: err}
	}

	var page listingPage
	if raw, ok := doc[l.cfg.NextField]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &page.next); err != nil {
			return listingPage{}, &LocateError{Message: fmt.Sprintf("field %q: %v", l.cfg.NextField, err), Cause: ErrCauseListingInvalid, Err: err}
		}
	}

	raw, ok := doc[l.cfg.ItemsField]
	if !ok {
		return page, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return listingPage{}, &LocateError{Message: fmt.Sprintf("field %q: %v", l.cfg.ItemsField, err), Cause: ErrCauseListingInvalid, Err: err}
	}
	for _, entry := range entries {
		if u, ok := l.entryURL(entry); ok {
			page.items = append(page.items, u)
		}
	}
	return page, nil
}

// entryURL accepts "url" or {"<URLField>": "url", ...}.
func (l *PaginatedLocator) entryURL(entry json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(entry, &s); err == nil {
		return s, s != ""
	}
	var obj map[string]any
	if err := json.Unmarshal(entry, &obj); err != nil {
		return "", false
	}
	s, _ = obj[l.cfg.URLField].(string)
	return s, s != ""
}

func (l *PaginatedLocator) OnItemProcessed(ctx context.Context, item work.WorkItem, results []work.BundleRef, rc *work.RunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed++
	return nil
}

// Progress returns pages fetched, distinct items emitted and completions
// received.
func (l *PaginatedLocator) Progress() (pages, emitted, processed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages, l.seen.size(), l.processed
}

// Exhausted reports whether the last page has been read.
func (l *PaginatedLocator) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// IsRejected reports whether err means the listing refused the caller.
func IsRejected(err error) bool {
	var le *LocateError
	return errors.As(err, &le) && le.Cause == ErrCauseListingRejected
}
