package services

import (
	"context"
	"sync"

	"github.com/WuChenDi/bitk/internal/ports"
)

// projectCacheTTL is the cache entry's lifetime: issueId -> (projectId,
// expiresAt), evicted lazily on lookup.
const projectCacheTTL = 5 * 60 // seconds, kept as an int to compare against Clock.Now().Unix()-derived values

// ProjectIssueCache resolves an issue's owning project id, caching for
// projectCacheTTL and falling through to a one-shot ports.ProjectStore
// lookup on miss or expiry. Expired entries are deleted on lookup, and
// every store fall-through also drops all other expired entries — no
// background sweep — so the cache never grows past the number of issues
// actually queried within the TTL window.
type ProjectIssueCache struct {
	mu    sync.Mutex
	store ports.ProjectStore
	clock ports.Clock

	entries map[string]cacheEntry
}

type cacheEntry struct {
	projectID string
	expiresAt int64
}

func NewProjectIssueCache(store ports.ProjectStore, clock ports.Clock) *ProjectIssueCache {
	return &ProjectIssueCache{
		store:   store,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve returns the project id owning issueID, using the cache when the
// entry is present and unexpired.
func (c *ProjectIssueCache) Resolve(ctx context.Context, issueID string) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[issueID]
	now := c.clock.Now().Unix()
	if ok && entry.expiresAt > now {
		c.mu.Unlock()
		return entry.projectID, nil
	}
	if ok {
		delete(c.entries, issueID)
	}
	c.mu.Unlock()

	projectID, err := c.store.ProjectIDForIssue(ctx, issueID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	for id, e := range c.entries {
		if e.expiresAt <= now {
			delete(c.entries, id)
		}
	}
	c.entries[issueID] = cacheEntry{projectID: projectID, expiresAt: now + projectCacheTTL}
	c.mu.Unlock()

	return projectID, nil
}

// Invalidate removes issueID's cache entry outright, used when an
// issue-updated event reports Deleted=true.
func (c *ProjectIssueCache) Invalidate(issueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, issueID)
}

// Len reports the number of cached entries, including expired-but-not-yet
// -looked-up ones; used by tests to verify the cache doesn't grow
// unbounded.
func (c *ProjectIssueCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
