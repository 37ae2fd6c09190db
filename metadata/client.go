package metadata

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
)

const keyPrefix = "mooncake/serverdesc/"

func segmentKey(name string) string { return keyPrefix + name }

// cacheEntry pairs a cached descriptor with its lazily-assigned integer id.
type cacheEntry struct {
	id   int64
	desc *Segment
}

// Client is the engine's handle to the metadata store: segment
// descriptor publish/fetch plus the TCP handshake. It is internally
// thread-safe; the segment cache uses a reader-preferring RWMutex as
// spec.md §4.1 requires.
type Client struct {
	kv KVStore

	mu     sync.RWMutex
	cache  map[string]*cacheEntry
	nextID int64

	handshakePort int
	daemon        *handshakeDaemon
}

// NewClient wraps kv with the segment cache and handshake machinery.
func NewClient(kv KVStore, handshakePort int) *Client {
	return &Client{
		kv:            kv,
		cache:         make(map[string]*cacheEntry),
		handshakePort: handshakePort,
	}
}

// PutSegment publishes desc under name, JSON-encoded, and refreshes the
// cached copy (preserving any already-assigned id).
func (c *Client) PutSegment(name string, desc *Segment) error {
	desc = desc.Clone()
	desc.Name = name
	body, err := marshal(desc)
	if err != nil {
		return err
	}
	if err := c.kv.Put(segmentKey(name), string(body)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[name]
	if !ok {
		c.nextID++
		entry = &cacheEntry{id: c.nextID}
		c.cache[name] = entry
	}
	entry.desc = desc
	nlog.Infoln("metadata: put segment", name)
	return nil
}

// GetSegment fetches and caches name's descriptor. Pass forceRefresh to
// re-fetch from the KV even if cached, preserving the cached id.
func (c *Client) GetSegment(name string, forceRefresh bool) (*Segment, error) {
	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.cache[name]
		c.mu.RUnlock()
		if ok && entry.desc != nil {
			return entry.desc.Clone(), nil
		}
	}

	raw, err := c.kv.Get(segmentKey(name))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.NewNotFound("segment %s", name)
		}
		return nil, err
	}
	var desc Segment
	if err := unmarshal([]byte(raw), &desc); err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.cache[name]
	if !ok {
		c.nextID++
		entry = &cacheEntry{id: c.nextID}
		c.cache[name] = entry
	}
	entry.desc = &desc
	c.mu.Unlock()
	return desc.Clone(), nil
}

// RemoveSegment deletes name from the KV and evicts it from the cache
// (the id, if assigned, is not reused — see spec.md §3 identity note).
func (c *Client) RemoveSegment(name string) error {
	if err := c.kv.Delete(segmentKey(name)); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
	return nil
}

// GetSegmentID returns name's cached monotonic integer id, fetching and
// assigning one on first lookup.
func (c *Client) GetSegmentID(name string) (int64, error) {
	c.mu.RLock()
	entry, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return entry.id, nil
	}
	if _, err := c.GetSegment(name, false); err != nil {
		return 0, err
	}
	c.mu.RLock()
	entry = c.cache[name]
	c.mu.RUnlock()
	return entry.id, nil
}

// NameForID resolves a previously-assigned segment id back to its name.
// O(n) in the cache size; the cache is expected to stay small (one
// entry per node the engine has ever talked to).
func (c *Client) NameForID(id int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, entry := range c.cache {
		if entry.id == id {
			return name, nil
		}
	}
	return "", errs.NewNotFound("segment id %d", id)
}

func (c *Client) String() string { return fmt.Sprintf("metadata-client(port=%d)", c.handshakePort) }
