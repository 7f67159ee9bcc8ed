// Package identity maps page titles to remote page identifiers so that
// repeated publishes do not have to search the remote service for pages
// they already know about.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/pagesync/internal/contentapi"
)

var (
	ErrNotFound  = errors.New("page not found")
	ErrInvalidID = errors.New("remote returned an invalid page id")
)

// Finder is the remote lookup the cache falls back to on a miss.
type Finder interface {
	FindPage(ctx context.Context, space, title string) (contentapi.Lookup, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Entry struct {
	Space string
	Title string
	ID    contentapi.PageID
}

type cacheKey struct {
	space string
	title string
}

// Cache is keyed by (space, title). A hit only saves a round trip; every
// entry can be re-derived from the remote service.
type Cache struct {
	finder  Finder
	backend Backend
	logger  Logger

	mu    sync.Mutex
	pages map[cacheKey]contentapi.PageID
}

// Open loads the persisted mapping from backend. A nil backend keeps the
// mapping in memory only.
func Open(finder Finder, backend Backend, logger Logger) (*Cache, error) {
	if finder == nil {
		return nil, fmt.Errorf("finder is required")
	}
	c := &Cache{
		finder:  finder,
		backend: backend,
		logger:  logger,
		pages:   map[cacheKey]contentapi.PageID{},
	}
	if backend == nil {
		return c, nil
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load identity cache: %w", err)
	}
	if snapshot != nil {
		for space, titles := range snapshot.Spaces {
			for title, id := range titles {
				if id <= 0 {
					continue
				}
				c.pages[cacheKey{space: space, title: title}] = id
			}
		}
	}
	return c, nil
}

// Resolve returns the identifier of the page titled title in space. With
// useCache a known mapping is returned without I/O and a remote match is
// recorded; without it the remote service is always asked and the cache
// is left untouched.
func (c *Cache) Resolve(ctx context.Context, space, title string, useCache bool) (contentapi.PageID, error) {
	if useCache {
		if id, ok := c.Lookup(space, title); ok {
			return id, nil
		}
	}
	lookup, err := c.finder.FindPage(ctx, space, title)
	if err != nil {
		return 0, fmt.Errorf("resolve %q in space %s: %w", title, space, err)
	}
	if !lookup.Found {
		c.logf("warning: page %q not found in space %s", title, space)
		return 0, fmt.Errorf("%w: %q in space %s", ErrNotFound, title, space)
	}
	if lookup.ID <= 0 {
		return 0, fmt.Errorf("resolve %q in space %s: %w: %d", title, space, ErrInvalidID, lookup.ID)
	}
	if useCache {
		if err := c.Record(space, title, lookup.ID); err != nil {
			c.logf("warning: identity cache not persisted: %v", err)
		}
	}
	return lookup.ID, nil
}

func (c *Cache) Lookup(space, title string) (contentapi.PageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pages[cacheKey{space: space, title: title}]
	return id, ok
}

// Record stores a mapping and persists the whole cache through the backend.
func (c *Cache) Record(space, title string, id contentapi.PageID) error {
	if strings.TrimSpace(title) == "" || id <= 0 {
		return fmt.Errorf("invalid cache entry %q -> %d", title, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{space: space, title: title}
	if existing, ok := c.pages[key]; ok && existing == id {
		return nil
	}
	c.pages[key] = id
	if c.backend == nil {
		return nil
	}
	return c.backend.Save(c.snapshotLocked())
}

// Entries returns every mapping ordered by space, then title.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]Entry, 0, len(c.pages))
	for key, id := range c.pages {
		entries = append(entries, Entry{Space: key.space, Title: key.title, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Space != entries[j].Space {
			return entries[i].Space < entries[j].Space
		}
		return entries[i].Title < entries[j].Title
	})
	return entries
}

func (c *Cache) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Cache) snapshotLocked() *Snapshot {
	snapshot := &Snapshot{Spaces: map[string]map[string]contentapi.PageID{}}
	for key, id := range c.pages {
		titles, ok := snapshot.Spaces[key.space]
		if !ok {
			titles = map[string]contentapi.PageID{}
			snapshot.Spaces[key.space] = titles
		}
		titles[key.title] = id
	}
	return snapshot
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
