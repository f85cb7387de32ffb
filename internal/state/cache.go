package state

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Source records where a cached value came from.
type Source string

const (
	SourceCore  Source = "core"  // received from Q-SYS
	SourceCache Source = "cache" // inferred (e.g. snapshot restore)
	SourceUser  Source = "user"  // written by a tool call, pending confirmation
)

// Metadata is optional per-control detail reported by the Core.
type Metadata struct {
	Type      string   `json:"type,omitempty"`
	Component string   `json:"component,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Step      *float64 `json:"step,omitempty"`
	Units     string   `json:"units,omitempty"`
}

// ControlState is one cached control. Copies are handed out; the cache owns
// the canonical entry.
type ControlState struct {
	Name      string    `json:"name"`
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// EvictReason explains a cacheEvicted event.
type EvictReason string

const (
	EvictLRU    EvictReason = "lru"
	EvictTTL    EvictReason = "ttl"
	EvictMemory EvictReason = "memory"
)

// Event is published on every cache mutation or eviction.
type Event struct {
	Evicted bool
	Reason  EvictReason
	Name    string
	Old     *ControlState
	New     *ControlState
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries   int    `json:"entries"`
	MaxSize   int    `json:"maxSize"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// Options tunes the cache.
type Options struct {
	MaxEntries      int
	TTL             time.Duration
	CleanupInterval time.Duration
}

type entry struct {
	state ControlState
	elem  *list.Element // position in the LRU list
}

// Cache is a bounded LRU+TTL mapping of control name to last-known state.
// Reads and writes serialize on one RWMutex; all operations are
// non-suspending.
type Cache struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	subMu   sync.Mutex
	subs    []chan Event
	stopCh  chan struct{}
	stopped sync.Once
}

// NewCache creates the cache and starts its TTL sweeper.
func NewCache(opts Options, logger *slog.Logger) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	c := &Cache{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Close stops the TTL sweeper.
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// Subscribe returns a channel of cache events and a cancel function.
// Laggards drop events rather than blocking mutations.
func (c *Cache) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (c *Cache) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Get returns a copy of the named state. Expired entries count as misses.
func (c *Cache) Get(name string) (ControlState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || c.isExpiredLocked(e) {
		c.misses++
		return ControlState{}, false
	}
	c.hits++
	c.lru.MoveToFront(e.elem)
	return cloneState(e.state), true
}

// GetMany returns copies for every name currently cached and fresh.
func (c *Cache) GetMany(names []string) map[string]ControlState {
	out := make(map[string]ControlState, len(names))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		e, ok := c.entries[name]
		if !ok || c.isExpiredLocked(e) {
			c.misses++
			continue
		}
		c.hits++
		c.lru.MoveToFront(e.elem)
		out[name] = cloneState(e.state)
	}
	return out
}

// Set stores one state and emits a stateChanged event. Timestamps are kept
// monotonic per name.
func (c *Cache) Set(name string, value Value, source Source, meta *Metadata) {
	c.mu.Lock()
	ev := c.setLocked(name, value, source, meta)
	evicted := c.enforceCapLocked()
	c.mu.Unlock()

	c.publish(ev)
	for _, e := range evicted {
		c.publish(e)
	}
}

// SetMany stores a batch, emitting one stateChanged per name. Change-group
// delta detection depends on the per-name events, so batches never coalesce.
func (c *Cache) SetMany(updates map[string]Value, source Source) {
	events := make([]Event, 0, len(updates))
	c.mu.Lock()
	for name, v := range updates {
		events = append(events, c.setLocked(name, v, source, nil))
	}
	evicted := c.enforceCapLocked()
	c.mu.Unlock()

	for _, ev := range events {
		c.publish(ev)
	}
	for _, ev := range evicted {
		c.publish(ev)
	}
}

// ConfirmFromCore flips a user-sourced entry to core once the Core echoes
// the value back, without touching the timestamp ordering invariant.
func (c *Cache) ConfirmFromCore(name string, value Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return
	}
	if e.state.Source == SourceUser && e.state.Value.Equal(value) {
		e.state.Source = SourceCore
	}
}

// Delete removes one entry. Returns whether it existed.
func (c *Cache) Delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return false
	}
	c.lru.Remove(e.elem)
	delete(c.entries, name)
	return true
}

// Has reports fresh presence without touching LRU order.
func (c *Cache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return ok && !c.isExpiredLocked(e)
}

// Keys returns all fresh control names.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for name, e := range c.entries {
		if !c.isExpiredLocked(e) {
			keys = append(keys, name)
		}
	}
	return keys
}

// Snapshot returns a copy of every fresh entry, for persistence.
func (c *Cache) Snapshot() []ControlState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ControlState, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.isExpiredLocked(e) {
			out = append(out, cloneState(e.state))
		}
	}
	return out
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Statistics returns a point-in-time summary.
func (c *Cache) Statistics() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		MaxSize:   c.opts.MaxEntries,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

// --- internals (callers hold mu) ---

func (c *Cache) setLocked(name string, value Value, source Source, meta *Metadata) Event {
	now := time.Now()
	e, ok := c.entries[name]
	if ok {
		old := cloneState(e.state)
		if !now.After(e.state.Timestamp) {
			now = e.state.Timestamp.Add(time.Nanosecond)
		}
		e.state.Value = value
		e.state.Timestamp = now
		e.state.Source = source
		if meta != nil {
			e.state.Metadata = meta
		}
		c.lru.MoveToFront(e.elem)
		newCopy := cloneState(e.state)
		return Event{Name: name, Old: &old, New: &newCopy}
	}

	st := ControlState{Name: name, Value: value, Timestamp: now, Source: source, Metadata: meta}
	elem := c.lru.PushFront(name)
	c.entries[name] = &entry{state: st, elem: elem}
	newCopy := cloneState(st)
	return Event{Name: name, New: &newCopy}
}

func (c *Cache) enforceCapLocked() []Event {
	var events []Event
	for len(c.entries) > c.opts.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		name := back.Value.(string)
		e := c.entries[name]
		old := cloneState(e.state)
		c.lru.Remove(back)
		delete(c.entries, name)
		c.evictions++
		events = append(events, Event{Evicted: true, Reason: EvictLRU, Name: name, Old: &old})
	}
	return events
}

func (c *Cache) isExpiredLocked(e *entry) bool {
	return time.Since(e.state.Timestamp) > c.opts.TTL
}

// sweep periodically removes expired entries and publishes ttl evictions.
func (c *Cache) sweep() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			var events []Event
			c.mu.Lock()
			for name, e := range c.entries {
				if c.isExpiredLocked(e) {
					old := cloneState(e.state)
					c.lru.Remove(e.elem)
					delete(c.entries, name)
					c.expired++
					events = append(events, Event{Evicted: true, Reason: EvictTTL, Name: name, Old: &old})
				}
			}
			c.mu.Unlock()
			if len(events) > 0 {
				c.logger.Debug("cache ttl sweep", "expired", len(events))
			}
			for _, ev := range events {
				c.publish(ev)
			}
		}
	}
}

func cloneState(s ControlState) ControlState {
	out := s
	if s.Metadata != nil {
		m := *s.Metadata
		out.Metadata = &m
	}
	return out
}
