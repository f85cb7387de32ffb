package changegroup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/eventlog"
	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// fakeCore records change-group commands and serves scripted poll results.
// With pollHold set, polls block until the channel closes or the call's
// context ends.
type fakeCore struct {
	mu          sync.Mutex
	added       [][]string
	removed     [][]string
	cleared     []string
	destroyed   []string
	autoRates   []float64
	invalidated int
	polls       int
	pollResults []*qrwc.PollResult
	pollErr     error
	pollHold    chan struct{}
}

func (f *fakeCore) ChangeGroupAddControls(_ context.Context, _ string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, names)
	return nil
}

func (f *fakeCore) ChangeGroupAddComponentControls(_ context.Context, _ string, component string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qualified := make([]string, len(names))
	for i, n := range names {
		qualified[i] = component + "." + n
	}
	f.added = append(f.added, qualified)
	return nil
}

func (f *fakeCore) ChangeGroupRemoveControls(_ context.Context, _ string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, names)
	return nil
}

func (f *fakeCore) ChangeGroupClear(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeCore) ChangeGroupPoll(ctx context.Context, id string) (*qrwc.PollResult, error) {
	f.mu.Lock()
	f.polls++
	hold := f.pollHold
	pollErr := f.pollErr
	var res *qrwc.PollResult
	if len(f.pollResults) > 0 {
		res = f.pollResults[0]
		f.pollResults = f.pollResults[1:]
	}
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if pollErr != nil {
		return nil, pollErr
	}
	if res != nil {
		return res, nil
	}
	return &qrwc.PollResult{ID: id}, nil
}

func (f *fakeCore) ChangeGroupAutoPoll(_ context.Context, _ string, rateSeconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoRates = append(f.autoRates, rateSeconds)
	return nil
}

func (f *fakeCore) ChangeGroupInvalidate(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func (f *fakeCore) ChangeGroupDestroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeCore) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func newTestRegistry(t *testing.T) (*Registry, *fakeCore, *eventlog.Buffer, *state.Cache) {
	t.Helper()
	core := &fakeCore{}
	cache := state.NewCache(state.Options{}, slog.Default())
	t.Cleanup(cache.Close)
	buffer := eventlog.New(eventlog.Options{}, slog.Default())
	t.Cleanup(buffer.Close)
	reg := NewRegistry(core, cache, buffer, NewClassifier(nil), slog.Default())
	t.Cleanup(reg.Shutdown)
	return reg, core, buffer, cache
}

func TestCreateValidation(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "meters", 0))

	err := reg.Create(ctx, "meters", 0)
	assert.Equal(t, qerr.KindGroupExists, qerr.KindOf(err))

	assert.Error(t, reg.Create(ctx, "", 0))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	err = reg.Create(ctx, string(long), 0)
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))
}

func TestUnknownGroup(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Poll(ctx, "ghost", false)
	assert.Equal(t, qerr.KindGroupNotFound, qerr.KindOf(err))

	err = reg.Destroy(ctx, "ghost")
	assert.Equal(t, qerr.KindGroupNotFound, qerr.KindOf(err))
}

func TestMembership(t *testing.T) {
	reg, core, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	added, err := reg.AddComponentControls(ctx, "meters", "Mixer", []string{"gain", "mute"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	added, err = reg.AddControls(ctx, "meters", []string{"Amp.level"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	// Duplicate adds do not count.
	added, err = reg.AddControls(ctx, "meters", []string{"Amp.level"})
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	info, err := reg.Get("meters")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Mixer.gain", "Mixer.mute", "Amp.level"}, info.Controls)

	// Removal reports members actually dropped, not names requested.
	removed, err := reg.RemoveControls(ctx, "meters", []string{"Mixer.mute", "Amp.ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	info, _ = reg.Get("meters")
	assert.ElementsMatch(t, []string{"Mixer.gain", "Amp.level"}, info.Controls)

	require.NoError(t, reg.Clear(ctx, "meters"))
	info, _ = reg.Get("meters")
	assert.Empty(t, info.Controls)
	assert.Equal(t, []string{"meters"}, core.cleared)
}

func TestPollRecordsEventsAndUpdatesCache(t *testing.T) {
	reg, core, buffer, cache := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))
	_, err := reg.AddControls(ctx, "meters", []string{"Mixer.gain"})
	require.NoError(t, err)

	cache.Set("Mixer.gain", state.Number(-10), state.SourceCore, nil)
	core.pollResults = []*qrwc.PollResult{{
		ID:      "meters",
		Changes: []qrwc.NamedValue{{Name: "Mixer.gain", Value: float64(-3), String: "-3dB"}},
	}}

	changes, err := reg.Poll(ctx, "meters", false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "Mixer.gain", changes[0].Name)
	assert.Equal(t, float64(-3), changes[0].Value)
	assert.Equal(t, float64(-10), changes[0].Previous)
	assert.Equal(t, eventlog.TypeThresholdCrossed, changes[0].EventType)
	assert.Equal(t, uint64(1), changes[0].SequenceNumber)

	// Membership change marked the group dirty, so the poll invalidated.
	assert.Equal(t, 1, core.invalidated)

	got, ok := cache.Get("Mixer.gain")
	require.True(t, ok)
	assert.Equal(t, state.Number(-3), got.Value)

	res, err := buffer.Query(eventlog.Query{GroupID: "meters"})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, eventlog.TypeThresholdCrossed, res.Events[0].EventType)
	require.NotNil(t, res.Events[0].Delta)
	assert.Equal(t, 7.0, *res.Events[0].Delta)
}

func TestPushUsesSameDeltaPath(t *testing.T) {
	reg, _, buffer, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	changes := reg.HandlePush(&qrwc.PollResult{
		ID:      "meters",
		Changes: []qrwc.NamedValue{{Name: "Amp.mute", Value: true, String: "muted"}},
	})
	require.Len(t, changes, 1)
	assert.Equal(t, eventlog.TypeStateTransition, changes[0].EventType)

	res, err := buffer.Query(eventlog.Query{GroupID: "meters"})
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	// Pushes for unknown groups are dropped, not recorded.
	assert.Nil(t, reg.HandlePush(&qrwc.PollResult{ID: "ghost"}))
}

func TestDestroyDropsEventsAndFiresHooks(t *testing.T) {
	reg, core, buffer, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	var hooked []string
	reg.OnDestroy(func(id string) { hooked = append(hooked, id) })

	reg.HandlePush(&qrwc.PollResult{
		ID:      "meters",
		Changes: []qrwc.NamedValue{{Name: "Amp.mute", Value: true}},
	})
	require.Equal(t, 1, buffer.GroupSize("meters"))

	require.NoError(t, reg.Destroy(ctx, "meters"))
	assert.Equal(t, []string{"meters"}, core.destroyed)
	assert.Equal(t, []string{"meters"}, hooked)
	assert.Equal(t, 0, buffer.GroupSize("meters"))

	_, err := reg.Get("meters")
	assert.Equal(t, qerr.KindGroupNotFound, qerr.KindOf(err))
}

func TestAutoPollRunsAndDisables(t *testing.T) {
	reg, core, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	applied, err := reg.SetAutoPoll(ctx, "meters", true, 10*time.Millisecond)
	require.NoError(t, err)
	// Clamped to the floor.
	assert.Equal(t, 100*time.Millisecond, applied)

	require.Eventually(t, func() bool { return core.pollCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	_, err = reg.SetAutoPoll(ctx, "meters", false, 0)
	require.NoError(t, err)
	info, _ := reg.Get("meters")
	assert.False(t, info.AutoPollEnabled)

	// Disable drains any in-flight poll, so the count is final when it
	// returns.
	settled := core.pollCount()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, settled, core.pollCount())

	// Core-side pushes were armed at the clamped rate and then disarmed.
	core.mu.Lock()
	rates := append([]float64{}, core.autoRates...)
	core.mu.Unlock()
	require.Len(t, rates, 2)
	assert.Equal(t, 0.1, rates[0])
	assert.Equal(t, 0.0, rates[1])
}

func TestDisableAutoPollStopsEvents(t *testing.T) {
	reg, core, buffer, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	hold := make(chan struct{})
	defer close(hold)
	core.mu.Lock()
	core.pollHold = hold
	core.pollResults = []*qrwc.PollResult{{
		ID:      "meters",
		Changes: []qrwc.NamedValue{{Name: "Amp.mute", Value: true}},
	}}
	core.mu.Unlock()

	_, err := reg.SetAutoPoll(ctx, "meters", true, 100*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return core.pollCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// The blocked poll is cancelled and drained before disable returns, so
	// its changes never reach the buffer.
	_, err = reg.SetAutoPoll(ctx, "meters", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, buffer.GroupSize("meters"))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, buffer.GroupSize("meters"))
}

func TestDestroyDuringPollLeavesNoEvents(t *testing.T) {
	reg, core, buffer, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	hold := make(chan struct{})
	defer close(hold)
	core.mu.Lock()
	core.pollHold = hold
	core.pollResults = []*qrwc.PollResult{{
		ID:      "meters",
		Changes: []qrwc.NamedValue{{Name: "Amp.mute", Value: true}},
	}}
	core.mu.Unlock()

	pollDone := make(chan error, 1)
	go func() {
		_, perr := reg.Poll(ctx, "meters", false)
		pollDone <- perr
	}()
	require.Eventually(t, func() bool { return core.pollCount() >= 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Destroy(ctx, "meters"))

	select {
	case perr := <-pollDone:
		assert.Error(t, perr)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return after destroy")
	}
	assert.Equal(t, 0, buffer.GroupSize("meters"))

	// A destroyed group's ring is gone; stray appends are refused instead of
	// re-creating it.
	assert.False(t, buffer.Append(&eventlog.Event{GroupID: "meters", Value: state.Bool(true)}))
	assert.Equal(t, uint64(0), buffer.NextSequence("meters"))
}

func TestAutoPollDisablesAfterRepeatedFailures(t *testing.T) {
	reg, core, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))

	core.mu.Lock()
	core.pollErr = errors.New("core went away")
	core.mu.Unlock()

	_, err := reg.SetAutoPoll(ctx, "meters", true, 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, gerr := reg.Get("meters")
		return gerr == nil && !info.AutoPollEnabled
	}, 5*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, core.pollCount(), 3)
}

func TestAutoPollIntervalClamp(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "meters", 0))
	defer reg.SetAutoPoll(ctx, "meters", false, 0)

	applied, err := reg.SetAutoPoll(ctx, "meters", true, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, applied)
}
