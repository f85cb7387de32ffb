// Package changegroup tracks client-created change groups: membership,
// polling (manual and timed), delta detection against the state cache, and
// event emission into the buffer.
package changegroup

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/qsys-tools/mcp-bridge/internal/eventlog"
	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

const (
	maxGroupIDLen   = 64
	minPollInterval = 30 * time.Millisecond
	minAutoPoll     = 100 * time.Millisecond
	maxAutoPoll     = 300 * time.Second
	autoPollTimeout = 10 * time.Second

	// maxPollFailures consecutive autopoll failures disable the timer.
	maxPollFailures = 3
)

// Change is one observed control transition, already classified and
// sequenced.
type Change struct {
	Name           string             `json:"name"`
	Component      string             `json:"component,omitempty"`
	Value          interface{}        `json:"value"`
	StringRepr     string             `json:"string"`
	Previous       interface{}        `json:"previousValue,omitempty"`
	EventType      eventlog.EventType `json:"eventType"`
	SequenceNumber uint64             `json:"sequenceNumber"`
	TimestampMs    int64              `json:"timestampMs"`
}

// Info is the list_change_groups view of one group.
type Info struct {
	ID                 string   `json:"id"`
	Controls           []string `json:"controls"`
	PollIntervalMs     int      `json:"pollIntervalMs"`
	AutoPollEnabled    bool     `json:"autoPollEnabled"`
	AutoPollIntervalMs int64    `json:"autoPollIntervalMs,omitempty"`
	CreatedAtMs        int64    `json:"createdAtMs"`
	LastPollMs         int64    `json:"lastPollMs,omitempty"`
	PollCount          uint64   `json:"pollCount"`
	BufferedEvents     int      `json:"bufferedEvents"`
}

// group is one registered change group. pollMu serializes polls so overlap
// never reorders sequence numbers.
type group struct {
	id           string
	pollInterval time.Duration

	mu        sync.Mutex // guards everything below
	pollMu    sync.Mutex // serializes poll execution
	controls  []string
	dirty     bool // membership changed since last poll
	createdAt time.Time
	lastPoll  time.Time
	pollCount uint64

	autoEnabled  bool
	autoInterval time.Duration
	autoStop     chan struct{}
	failures     int

	destroyed  bool
	pollCancel context.CancelFunc // cancels the in-flight poll, nil when idle
}

// Core is the slice of the command adapter the registry needs. Split out so
// tests can substitute a fake Core.
type Core interface {
	ChangeGroupAddControls(ctx context.Context, id string, names []string) error
	ChangeGroupAddComponentControls(ctx context.Context, id, component string, names []string) error
	ChangeGroupRemoveControls(ctx context.Context, id string, names []string) error
	ChangeGroupClear(ctx context.Context, id string) error
	ChangeGroupPoll(ctx context.Context, id string) (*qrwc.PollResult, error)
	ChangeGroupAutoPoll(ctx context.Context, id string, rateSeconds float64) error
	ChangeGroupInvalidate(ctx context.Context, id string) error
	ChangeGroupDestroy(ctx context.Context, id string) error
}

// Registry owns every change group for the process lifetime.
type Registry struct {
	adapter    Core
	cache      *state.Cache
	buffer     *eventlog.Buffer
	classifier *Classifier
	logger     *slog.Logger

	mu     sync.RWMutex
	groups map[string]*group

	destroyMu sync.Mutex
	onDestroy []func(groupID string)
}

func NewRegistry(adapter Core, cache *state.Cache, buffer *eventlog.Buffer, classifier *Classifier, logger *slog.Logger) *Registry {
	return &Registry{
		adapter:    adapter,
		cache:      cache,
		buffer:     buffer,
		classifier: classifier,
		logger:     logger,
		groups:     make(map[string]*group),
	}
}

// OnDestroy registers a hook invoked after a group is destroyed. The batch
// executor uses it to cancel queued work against the group.
func (r *Registry) OnDestroy(fn func(groupID string)) {
	r.destroyMu.Lock()
	r.onDestroy = append(r.onDestroy, fn)
	r.destroyMu.Unlock()
}

// Create registers a new group. Duplicate ids are an error; the caller must
// destroy the old group first.
func (r *Registry) Create(ctx context.Context, id string, pollInterval time.Duration) error {
	if id == "" {
		return qerr.New(qerr.KindValidation, "change group id must not be empty")
	}
	if len(id) > maxGroupIDLen {
		return qerr.Newf(qerr.KindValidation, "change group id exceeds %d characters", maxGroupIDLen)
	}
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}

	r.mu.Lock()
	if _, exists := r.groups[id]; exists {
		r.mu.Unlock()
		return qerr.Newf(qerr.KindGroupExists, "change group %q already exists", id).
			WithDetails(map[string]interface{}{"changeGroupId": id})
	}
	g := &group{
		id:           id,
		pollInterval: pollInterval,
		createdAt:    time.Now(),
	}
	r.groups[id] = g
	r.mu.Unlock()
	r.buffer.CreateGroup(id)

	r.logger.Info("change group created", "id", id, "poll_interval", pollInterval)
	return nil
}

// AddComponentControls registers component-scoped controls with the group,
// Core-side and locally. Returns how many controls were actually added;
// duplicates do not count.
func (r *Registry) AddComponentControls(ctx context.Context, id, component string, controls []string) (int, error) {
	g, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if component == "" || len(controls) == 0 {
		return 0, qerr.New(qerr.KindValidation, "component and controls are required")
	}

	if err := r.adapter.ChangeGroupAddComponentControls(ctx, id, component, controls); err != nil {
		return 0, err
	}

	names := make([]string, len(controls))
	for i, c := range controls {
		names[i] = component + "." + c
	}
	return g.addMembers(names), nil
}

// AddControls registers fully qualified named controls with the group.
// Returns how many controls were actually added; duplicates do not count.
func (r *Registry) AddControls(ctx context.Context, id string, names []string) (int, error) {
	g, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, qerr.New(qerr.KindValidation, "controls are required")
	}

	if err := r.adapter.ChangeGroupAddControls(ctx, id, names); err != nil {
		return 0, err
	}
	return g.addMembers(names), nil
}

// RemoveControls drops named controls from the group. Returns how many were
// actually members.
func (r *Registry) RemoveControls(ctx context.Context, id string, names []string) (int, error) {
	g, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	if err := r.adapter.ChangeGroupRemoveControls(ctx, id, names); err != nil {
		return 0, err
	}

	g.mu.Lock()
	remove := make(map[string]struct{}, len(names))
	for _, n := range names {
		remove[n] = struct{}{}
	}
	removed := 0
	kept := g.controls[:0]
	for _, c := range g.controls {
		if _, drop := remove[c]; drop {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	g.controls = kept
	g.dirty = true
	g.mu.Unlock()
	return removed, nil
}

// Clear empties the group without destroying it.
func (r *Registry) Clear(ctx context.Context, id string) error {
	g, err := r.lookup(id)
	if err != nil {
		return err
	}

	if err := r.adapter.ChangeGroupClear(ctx, id); err != nil {
		return err
	}

	g.mu.Lock()
	g.controls = nil
	g.dirty = true
	g.mu.Unlock()
	return nil
}

// Destroy removes the group Core-side and locally, drops its buffered events
// and fires the destroy hooks. The Core call failing does not keep the local
// group alive; a vanished Core connection must not leak groups.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	g, err := r.lookup(id)
	if err != nil {
		return err
	}

	// Mark first so a poll racing the destroy cannot record new events, then
	// remove from the map so new lookups fail before the buffer is dropped.
	g.mu.Lock()
	g.destroyed = true
	g.mu.Unlock()

	r.mu.Lock()
	delete(r.groups, id)
	r.mu.Unlock()

	g.stopAutoPoll()

	coreErr := r.adapter.ChangeGroupDestroy(ctx, id)
	if coreErr != nil {
		r.logger.Warn("core-side change group destroy failed", "id", id, "error", coreErr)
	}

	r.buffer.DropGroup(id)

	r.destroyMu.Lock()
	hooks := append([]func(string){}, r.onDestroy...)
	r.destroyMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}

	r.logger.Info("change group destroyed", "id", id)
	return nil
}

// Poll fetches the group's pending changes, runs them through the delta
// path and returns the classified result. showAll invalidates first so every
// member reports its current value.
func (r *Registry) Poll(ctx context.Context, id string, showAll bool) ([]Change, error) {
	g, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.pollGroup(ctx, g, showAll)
}

func (r *Registry) pollGroup(ctx context.Context, g *group, showAll bool) ([]Change, error) {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()
	return r.pollLocked(ctx, g, showAll)
}

// pollLocked runs one poll; the caller holds pollMu. The in-flight poll is
// cancellable through g.pollCancel so disable and destroy can cut it short.
func (r *Registry) pollLocked(ctx context.Context, g *group, showAll bool) ([]Change, error) {
	ctx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		cancel()
		return nil, qerr.Newf(qerr.KindGroupNotFound, "change group %q does not exist", g.id).
			WithDetails(map[string]interface{}{"changeGroupId": g.id})
	}
	g.pollCancel = cancel
	dirty := g.dirty
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.pollCancel = nil
		g.mu.Unlock()
		cancel()
	}()

	if showAll || dirty {
		if err := r.adapter.ChangeGroupInvalidate(ctx, g.id); err != nil {
			return nil, err
		}
	}

	res, err := r.adapter.ChangeGroupPoll(ctx, g.id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.dirty = false
	g.lastPoll = time.Now()
	g.pollCount++
	g.mu.Unlock()

	return r.applyChanges(g.id, res.Changes), nil
}

// HandlePush routes a Core-pushed ChangeGroup.Poll notification through the
// same delta path as a local poll.
func (r *Registry) HandlePush(res *qrwc.PollResult) []Change {
	g, err := r.lookup(res.ID)
	if err != nil {
		r.logger.Debug("push for unknown change group dropped", "id", res.ID)
		return nil
	}

	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return nil
	}
	g.lastPoll = time.Now()
	g.pollCount++
	g.mu.Unlock()

	return r.applyChanges(g.id, res.Changes)
}

// applyChanges classifies each reported value against the cache, stamps a
// sequence number, records the event and updates the cache.
func (r *Registry) applyChanges(groupID string, changes []qrwc.NamedValue) []Change {
	out := make([]Change, 0, len(changes))
	now := time.Now()

	for _, nv := range changes {
		name := nv.Name
		if nv.Component != "" {
			name = nv.Component + "." + nv.Name
		}

		value, err := state.FromRaw(nv.Value)
		if err != nil {
			r.logger.Warn("unusable control value in poll result", "control", name, "error", err)
			continue
		}

		var prev *state.Value
		if cached, ok := r.cache.Get(name); ok {
			p := cached.Value
			prev = &p
		}

		eventType, threshold := r.classifier.Classify(name, prev, value)

		var delta *float64
		if prev != nil && prev.IsNumeric() && value.IsNumeric() {
			d := value.Num - prev.Num
			delta = &d
		}

		seq := r.buffer.NextSequence(groupID)
		ev := &eventlog.Event{
			GroupID:        groupID,
			ControlName:    name,
			Value:          value,
			StringRepr:     nv.String,
			PreviousValue:  prev,
			Delta:          delta,
			TimestampNs:    now.UnixNano(),
			TimestampMs:    now.UnixMilli(),
			SequenceNumber: seq,
			EventType:      eventType,
			Threshold:      threshold,
		}
		if !r.buffer.Append(ev) {
			r.logger.Warn("event refused under memory pressure", "group", groupID, "control", name)
		}

		r.cache.Set(name, value, state.SourceCore, nil)

		ch := Change{
			Name:           name,
			Component:      nv.Component,
			Value:          value.Raw(),
			StringRepr:     nv.String,
			EventType:      eventType,
			SequenceNumber: seq,
			TimestampMs:    now.UnixMilli(),
		}
		if prev != nil {
			ch.Previous = prev.Raw()
		}
		out = append(out, ch)
	}
	return out
}

// SetAutoPoll enables or disables the timed poller. The interval clamps to
// [100ms, 300s]; the applied interval is returned. Disabling clears the
// failure counter and waits out any in-flight poll, so no further event for
// the group is recorded after the call returns. Core-side pushes are armed
// and disarmed best-effort alongside the timer.
func (r *Registry) SetAutoPoll(ctx context.Context, id string, enabled bool, interval time.Duration) (time.Duration, error) {
	g, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	if !enabled {
		g.stopAutoPoll()
		if aerr := r.adapter.ChangeGroupAutoPoll(ctx, id, 0); aerr != nil {
			r.logger.Warn("core-side autopoll disarm failed", "id", id, "error", aerr)
		}
		r.logger.Info("autopoll disabled", "id", id)
		return 0, nil
	}

	if interval < minAutoPoll {
		interval = minAutoPoll
	}
	if interval > maxAutoPoll {
		interval = maxAutoPoll
	}

	g.stopAutoPoll()

	if aerr := r.adapter.ChangeGroupAutoPoll(ctx, id, interval.Seconds()); aerr != nil {
		r.logger.Warn("core-side autopoll arm failed, relying on timer polls", "id", id, "error", aerr)
	}

	stop := make(chan struct{})
	g.mu.Lock()
	g.autoEnabled = true
	g.autoInterval = interval
	g.autoStop = stop
	g.failures = 0
	g.mu.Unlock()

	go r.autoPollLoop(g, interval, stop)
	r.logger.Info("autopoll enabled", "id", id, "interval", interval)
	return interval, nil
}

func (r *Registry) autoPollLoop(g *group, interval time.Duration, stop chan struct{}) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("autopoll loop panic", "id", g.id, "panic", p, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			polled, err := r.autoPollOnce(g, stop)
			if !polled {
				return
			}

			g.mu.Lock()
			if err != nil {
				g.failures++
				failures := g.failures
				g.mu.Unlock()
				r.logger.Warn("autopoll failed", "id", g.id, "consecutive", failures, "error", err)
				if failures >= maxPollFailures {
					r.logger.Warn("autopoll disabled after repeated failures", "id", g.id)
					g.mu.Lock()
					if g.autoStop == stop {
						close(g.autoStop)
						g.autoStop = nil
						g.autoEnabled = false
						g.failures = 0
					}
					g.mu.Unlock()
					return
				}
				continue
			}
			g.failures = 0
			g.mu.Unlock()
		}
	}
}

// autoPollOnce runs one timed poll unless the timer was stopped. The stop
// check happens under pollMu, so a disable call that already drained the
// mutex wins the race and no poll starts after it returned.
func (r *Registry) autoPollOnce(g *group, stop chan struct{}) (bool, error) {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	select {
	case <-stop:
		return false, nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), autoPollTimeout)
	defer cancel()
	_, err := r.pollLocked(ctx, g, false)
	return true, err
}

// List returns a stable view of every group.
func (r *Registry) List() []Info {
	r.mu.RLock()
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(groups))
	for _, g := range groups {
		out = append(out, r.info(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one group's view.
func (r *Registry) Get(id string) (Info, error) {
	g, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return r.info(g), nil
}

func (r *Registry) info(g *group) Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := Info{
		ID:              g.id,
		Controls:        append([]string{}, g.controls...),
		PollIntervalMs:  int(g.pollInterval / time.Millisecond),
		AutoPollEnabled: g.autoEnabled,
		CreatedAtMs:     g.createdAt.UnixMilli(),
		PollCount:       g.pollCount,
		BufferedEvents:  r.buffer.GroupSize(g.id),
	}
	if g.autoEnabled {
		info.AutoPollIntervalMs = g.autoInterval.Milliseconds()
	}
	if !g.lastPoll.IsZero() {
		info.LastPollMs = g.lastPoll.UnixMilli()
	}
	return info
}

// Shutdown stops every autopoll timer. Groups themselves are process-scoped
// and need no Core-side teardown here.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()
	for _, g := range groups {
		g.stopAutoPoll()
	}
}

func (r *Registry) lookup(id string) (*group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, qerr.Newf(qerr.KindGroupNotFound, "change group %q does not exist", id).
			WithDetails(map[string]interface{}{"changeGroupId": id})
	}
	return g, nil
}

// addMembers appends names not already in the group and reports how many
// were actually added.
func (g *group) addMembers(names []string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	have := make(map[string]struct{}, len(g.controls))
	for _, c := range g.controls {
		have[c] = struct{}{}
	}
	added := 0
	for _, n := range names {
		if _, ok := have[n]; !ok {
			g.controls = append(g.controls, n)
			have[n] = struct{}{}
			added++
		}
	}
	g.dirty = true
	return added
}

// stopAutoPoll halts the timer, cancels any in-flight poll, and waits for it
// to finish. After return no poll started by the timer can record events.
func (g *group) stopAutoPoll() {
	g.mu.Lock()
	if g.autoStop != nil {
		close(g.autoStop)
		g.autoStop = nil
	}
	g.autoEnabled = false
	g.failures = 0
	cancel := g.pollCancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	g.pollMu.Lock()
	g.pollMu.Unlock()
}
