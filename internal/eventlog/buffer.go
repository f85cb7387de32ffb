// Package eventlog is the in-memory change-event store: one bounded ring per
// change group, a global byte budget with a pressure monitor, and a query
// engine over the live contents. Events are owned by the buffer; queries
// return copies.
package eventlog

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// EventType classifies one change event.
type EventType string

const (
	TypeChange            EventType = "change"
	TypeThresholdCrossed  EventType = "threshold_crossed"
	TypeStateTransition   EventType = "state_transition"
	TypeSignificantChange EventType = "significant_change"
)

// Event is one recorded control change.
type Event struct {
	GroupID        string       `json:"changeGroupId"`
	ControlName    string       `json:"controlName"`
	Value          state.Value  `json:"-"`
	StringRepr     string       `json:"string"`
	PreviousValue  *state.Value `json:"-"`
	Delta          *float64     `json:"delta,omitempty"`
	TimestampNs    int64        `json:"timestampNs"`
	TimestampMs    int64        `json:"timestampMs"`
	SequenceNumber uint64       `json:"sequenceNumber"`
	EventType      EventType    `json:"eventType"`
	Threshold      *float64     `json:"threshold,omitempty"`
}

func (e *Event) approxBytes() int64 {
	n := 160 + len(e.GroupID) + len(e.ControlName) + len(e.StringRepr)
	n += e.Value.ApproxBytes()
	if e.PreviousValue != nil {
		n += e.PreviousValue.ApproxBytes()
	}
	return int64(n)
}

// Priority orders groups for global-pressure eviction. Lower evicts first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// PressureLevel reports global memory pressure.
type PressureLevel string

const (
	PressureWarn     PressureLevel = "warn"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// PressureEvent is published when usage crosses a pressure band.
type PressureEvent struct {
	Level         PressureLevel
	UsageFraction float64
	TotalBytes    int64
}

// Options tunes the buffer.
type Options struct {
	MaxEventsPerGroup int
	MaxAge            time.Duration
	GlobalMemoryLimit int64
	CheckInterval     time.Duration
}

// ring is one group's bounded event ring. Oldest-first eviction; sequence
// numbers are strictly increasing and never reused.
type ring struct {
	mu       sync.Mutex
	events   []*Event // append-ordered; trimmed from the front
	bytes    int64
	nextSeq  uint64
	priority Priority
}

// Buffer owns every group ring plus the global accounting.
type Buffer struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]*ring

	totalBytes int64 // guarded by mu
	refuseLow  bool  // set while usage >= 0.95

	pressureCh chan PressureEvent
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates the buffer and starts the memory-pressure monitor.
func New(opts Options, logger *slog.Logger) *Buffer {
	if opts.MaxEventsPerGroup <= 0 {
		opts.MaxEventsPerGroup = 10000
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.GlobalMemoryLimit <= 0 {
		opts.GlobalMemoryLimit = 500 * 1024 * 1024
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}

	b := &Buffer{
		opts:       opts,
		logger:     logger,
		groups:     make(map[string]*ring),
		pressureCh: make(chan PressureEvent, 8),
		stopCh:     make(chan struct{}),
	}
	go b.monitor()
	return b
}

// Close stops the pressure monitor.
func (b *Buffer) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Pressure exposes memory-pressure notifications.
func (b *Buffer) Pressure() <-chan PressureEvent {
	return b.pressureCh
}

// CreateGroup allocates the group's ring. Registration is explicit so events
// for a destroyed or never-created group are refused instead of silently
// restarting its sequence space.
func (b *Buffer) CreateGroup(groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[groupID]; !ok {
		b.groups[groupID] = &ring{priority: PriorityNormal}
	}
}

// SetPriority sets a group's eviction priority (operator knob). Unknown
// groups are ignored.
func (b *Buffer) SetPriority(groupID string, p Priority) {
	r := b.group(groupID)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.priority = p
	r.mu.Unlock()
}

// NextSequence allocates the group's next sequence number. The registry
// stamps events before appending so sequence order matches emit order.
// Unknown groups get 0.
func (b *Buffer) NextSequence(groupID string) uint64 {
	r := b.group(groupID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

// Append records one event. Events for unknown groups are refused, as are
// events for low-priority groups under critical pressure (returns false).
// If the insert pushes accounted usage over the global limit, eviction runs
// before Append returns.
func (b *Buffer) Append(ev *Event) bool {
	r := b.group(ev.GroupID)
	if r == nil {
		return false
	}

	b.mu.RLock()
	refuse := b.refuseLow
	b.mu.RUnlock()

	r.mu.Lock()
	if refuse && r.priority == PriorityLow {
		r.mu.Unlock()
		return false
	}

	var freed int64
	r.events = append(r.events, ev)
	r.bytes += ev.approxBytes()

	// Oldest-first eviction on capacity and age.
	cutoffNs := time.Now().Add(-b.opts.MaxAge).UnixNano()
	drop := 0
	for i, e := range r.events {
		if len(r.events)-i <= b.opts.MaxEventsPerGroup && e.TimestampNs >= cutoffNs {
			break
		}
		freed += e.approxBytes()
		drop = i + 1
	}
	if drop > 0 {
		r.events = append([]*Event(nil), r.events[drop:]...)
		r.bytes -= freed
	}
	added := ev.approxBytes()
	r.mu.Unlock()

	b.mu.Lock()
	b.totalBytes += added - freed
	over := b.totalBytes > b.opts.GlobalMemoryLimit
	b.mu.Unlock()
	if over {
		b.enforceBudget()
	}
	return true
}

// enforceBudget evicts lowest-priority events until accounted usage fits the
// global limit again, updating the refuse-low flag as it goes.
func (b *Buffer) enforceBudget() {
	for {
		b.mu.Lock()
		total := b.totalBytes
		usage := float64(total) / float64(b.opts.GlobalMemoryLimit)
		b.refuseLow = usage >= 0.95
		over := total > b.opts.GlobalMemoryLimit
		b.mu.Unlock()
		if !over {
			return
		}
		if b.evictLowestPriority(0.10) == 0 {
			return
		}
	}
}

// DropGroup discards a group's ring (on change-group destroy).
func (b *Buffer) DropGroup(groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.groups[groupID]
	if !ok {
		return
	}
	r.mu.Lock()
	b.totalBytes -= r.bytes
	r.mu.Unlock()
	delete(b.groups, groupID)
}

// TotalBytes reports current accounted usage.
func (b *Buffer) TotalBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// GroupSize reports the live event count for one group.
func (b *Buffer) GroupSize(groupID string) int {
	b.mu.RLock()
	r, ok := b.groups[groupID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (b *Buffer) group(groupID string) *ring {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.groups[groupID]
}

// monitor enforces the global byte budget on a fixed cadence.
func (b *Buffer) monitor() {
	ticker := time.NewTicker(b.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.checkPressure()
		}
	}
}

func (b *Buffer) checkPressure() {
	b.mu.Lock()
	total := b.totalBytes
	usage := float64(total) / float64(b.opts.GlobalMemoryLimit)
	b.refuseLow = usage >= 0.95
	b.mu.Unlock()

	switch {
	case usage < 0.80:
		return
	case usage < 0.90:
		b.emitPressure(PressureWarn, usage, total)
	case usage < 0.95:
		b.evictLowestPriority(0.10)
		b.emitPressure(PressureHigh, usage, total)
	default:
		b.evictLowestPriority(0.10)
		b.emitPressure(PressureCritical, usage, total)
	}
}

// evictLowestPriority drops the oldest fraction of events, starting with the
// groups at the lowest present priority and moving up a band only when the
// current one held nothing to drop. Returns the bytes freed.
func (b *Buffer) evictLowestPriority(fraction float64) int64 {
	b.mu.RLock()
	rings := make([]*ring, 0, len(b.groups))
	for _, r := range b.groups {
		rings = append(rings, r)
	}
	b.mu.RUnlock()
	if len(rings) == 0 {
		return 0
	}

	sort.Slice(rings, func(i, j int) bool { return rings[i].priority < rings[j].priority })

	var freed int64
	i := 0
	for i < len(rings) && freed == 0 {
		band := rings[i].priority
		for ; i < len(rings) && rings[i].priority == band; i++ {
			r := rings[i]
			r.mu.Lock()
			drop := int(float64(len(r.events)) * fraction)
			if drop == 0 && len(r.events) > 0 {
				drop = 1
			}
			if drop > 0 {
				var ringFreed int64
				for _, e := range r.events[:drop] {
					ringFreed += e.approxBytes()
				}
				r.events = append([]*Event(nil), r.events[drop:]...)
				r.bytes -= ringFreed
				freed += ringFreed
			}
			r.mu.Unlock()
		}
	}

	if freed > 0 {
		b.mu.Lock()
		b.totalBytes -= freed
		b.mu.Unlock()
		b.logger.Warn("event buffer force-evicted under memory pressure", "freed_bytes", freed)
	}
	return freed
}

func (b *Buffer) emitPressure(level PressureLevel, usage float64, total int64) {
	select {
	case b.pressureCh <- PressureEvent{Level: level, UsageFraction: usage, TotalBytes: total}:
	default:
	}
}
