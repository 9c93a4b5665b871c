// Package rpde publishes collections as Realtime Paged Data Exchange feeds:
// deterministic, resumable pages over items that are created, updated and
// soft deleted.
package rpde

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/clock"
	"openbooking/internal/models"
)

// State is whether a feed item carries data or is a tombstone.
type State string

const (
	StateUpdated State = "updated"
	StateDeleted State = "deleted"
)

// Item is one entry in a feed. Modified is the last change time in unix
// milliseconds; ChangeNumber is only meaningful for change-number feeds.
type Item struct {
	ID           string
	Kind         string
	State        State
	Modified     int64
	ChangeNumber int64
	Data         json.RawMessage
}

// NewItem builds an updated item, or a tombstone when deleted is true.
func NewItem(id, kind string, modified int64, deleted bool, data json.RawMessage) Item {
	item := Item{ID: id, Kind: kind, State: StateUpdated, Modified: modified, Data: data}
	if deleted {
		item.State = StateDeleted
		item.Data = nil
	}
	return item
}

// ItemForVisibility applies an order feed visibility flag. None hides the
// item entirely and Archived renders it as a tombstone.
func ItemForVisibility(id, kind string, modified int64, visibility models.FeedVisibility, data json.RawMessage) (Item, bool) {
	switch visibility {
	case models.VisibilityVisible:
		return NewItem(id, kind, modified, false, data), true
	case models.VisibilityArchived:
		return NewItem(id, kind, modified, true, nil), true
	}
	return Item{}, false
}

// Query is what a feed asks of its source.
type Query struct {
	Scope  string // Client id for order feeds; empty for open data feeds
	After  Cursor
	Limit  int
	Before int64 // Items modified at or after this unix ms time are held back
}

// Source supplies items strictly after q.After in feed order, at most q.Limit
// of them. Sources may ignore q.Before; the feed enforces it.
type Source interface {
	FeedItems(ctx context.Context, q Query) ([]Item, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context, q Query) ([]Item, error)

func (f SourceFunc) FeedItems(ctx context.Context, q Query) ([]Item, error) {
	return f(ctx, q)
}

// Settings tune a feed.
type Settings struct {
	PageSize int
	// Changes newer than the safety window are withheld until a later poll,
	// so a page boundary is never handed out ahead of a concurrent writer.
	SafetyWindow   time.Duration
	MaxAge         time.Duration // Cache age of pages with items
	LastPageMaxAge time.Duration // Cache age of empty pages
	License        string
}

// DefaultSettings are suitable for most deployments.
func DefaultSettings() Settings {
	return Settings{
		PageSize:       500,
		SafetyWindow:   2 * time.Second,
		MaxAge:         time.Hour,
		LastPageMaxAge: 8 * time.Second,
		License:        "https://creativecommons.org/licenses/by/4.0/",
	}
}

// Feed pages through a Source with a fixed ordering.
type Feed struct {
	name     string
	ordering Ordering
	source   Source
	settings Settings
	clock    clock.Clock
}

// NewFeed creates a feed. The ordering cannot change afterwards.
func NewFeed(name string, ordering Ordering, source Source, settings Settings, clk clock.Clock) (*Feed, error) {
	if ordering != OrderingChangeNumber && ordering != OrderingModifiedID {
		return nil, bookingerr.Internal(bookingerr.InternalConfiguration, "feed %q has unknown ordering %d", name, ordering)
	}
	if settings.PageSize <= 0 {
		return nil, bookingerr.Internal(bookingerr.InternalConfiguration, "feed %q page size must be positive", name)
	}
	return &Feed{name: name, ordering: ordering, source: source, settings: settings, clock: clk}, nil
}

func (f *Feed) Name() string { return f.name }

func (f *Feed) Ordering() Ordering { return f.ordering }

func (f *Feed) Settings() Settings { return f.settings }

// pageItem is the wire form of an Item.
type pageItem struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	State    State           `json:"state"`
	Modified int64           `json:"modified"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Page is one page of a feed.
type Page struct {
	Next    string     `json:"next"`
	Items   []pageItem `json:"items"`
	License string     `json:"license"`

	maxAge time.Duration
}

// Len returns the number of items on the page.
func (p *Page) Len() int {
	return len(p.Items)
}

// Response renders the page with its Cache-Control age.
func (p *Page) Response() (*models.Response, error) {
	resp, err := models.JSONResponse(http.StatusOK, models.ContentTypeFeed, p)
	if err != nil {
		return nil, err
	}
	age := p.maxAge
	resp.CacheControlMaxAge = &age
	return resp, nil
}

// Page fetches the page after cursor. pageURL is the feed URL without cursor
// parameters; next links are built from it.
func (f *Feed) Page(ctx context.Context, pageURL, scope string, cursor Cursor) (*Page, error) {
	before := f.clock.Now().Add(-f.settings.SafetyWindow).UnixMilli()
	items, err := f.source.FeedItems(ctx, Query{
		Scope:  scope,
		After:  cursor,
		Limit:  f.settings.PageSize,
		Before: before,
	})
	if err != nil {
		if _, ok := bookingerr.AsDomain(err); ok {
			return nil, err
		}
		if _, ok := bookingerr.AsInternal(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("feed %s: failed to read items: %w", f.name, err)
	}
	if len(items) > f.settings.PageSize {
		return nil, bookingerr.Internal(bookingerr.InternalStoreContract,
			"feed %s: source returned %d items for a page of %d", f.name, len(items), f.settings.PageSize)
	}

	page := &Page{Items: make([]pageItem, 0, len(items)), License: f.settings.License}
	last := cursor
	for _, item := range items {
		if !last.after(f.ordering, item) {
			return nil, bookingerr.Internal(bookingerr.InternalStoreContract,
				"feed %s: item %q is not after the previous position", f.name, item.ID)
		}
		if item.Modified >= before {
			break
		}
		if item.State == StateDeleted {
			item.Data = nil
		}
		modified := item.Modified
		if f.ordering == OrderingChangeNumber {
			modified = item.ChangeNumber
		}
		page.Items = append(page.Items, pageItem{
			ID:       item.ID,
			Kind:     item.Kind,
			State:    item.State,
			Modified: modified,
			Data:     item.Data,
		})
		last = cursorOf(f.ordering, item)
	}

	page.Next, err = nextURL(pageURL, last.values(f.ordering))
	if err != nil {
		return nil, bookingerr.WrapInternal(bookingerr.InternalConfiguration, "invalid feed url", err)
	}
	if page.Len() > 0 {
		page.maxAge = f.settings.MaxAge
	} else {
		page.maxAge = f.settings.LastPageMaxAge
	}
	return page, nil
}

func nextURL(pageURL string, cursor url.Values) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, p := range []string{ParamAfterTimestamp, ParamAfterID, ParamAfterChangeNumber} {
		q.Del(p)
	}
	for k, v := range cursor {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Registry maps feed names to feeds.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*Feed
}

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]*Feed)}
}

// Add registers a feed. Names must be unique.
func (r *Registry) Add(feed *Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.feeds[feed.name]; ok {
		return bookingerr.Internal(bookingerr.InternalConfiguration, "feed %q registered twice", feed.name)
	}
	r.feeds[feed.name] = feed
	return nil
}

// Get returns the named feed, or an UnknownFeed domain error.
func (r *Registry) Get(name string) (*Feed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feed, ok := r.feeds[name]
	if !ok {
		return nil, bookingerr.Newf(bookingerr.CodeUnknownFeed, "feed %q does not exist", name)
	}
	return feed, nil
}
