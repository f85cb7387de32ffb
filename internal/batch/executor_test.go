package batch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
)

// fakeCore serves snapshots and fails writes for configured control names.
// Writes can be slowed globally or per control, and the peak number of
// concurrent writes is tracked.
type fakeCore struct {
	mu        sync.Mutex
	values    map[string]interface{}
	failNames map[string]error
	slowNames map[string]time.Duration
	sets      []qrwc.SetCommand
	slow      time.Duration
	inFlight  int
	peak      int
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		values:    map[string]interface{}{},
		failNames: map[string]error{},
		slowNames: map[string]time.Duration{},
	}
}

func (f *fakeCore) ControlValues(_ context.Context, names []string) ([]qrwc.NamedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]qrwc.NamedValue, 0, len(names))
	for _, n := range names {
		v, ok := f.values[n]
		if !ok {
			v = float64(0)
		}
		out = append(out, qrwc.NamedValue{Name: n, Value: v})
	}
	return out, nil
}

func (f *fakeCore) SetControlValues(ctx context.Context, cmds []qrwc.SetCommand) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	delay := f.slow
	for _, c := range cmds {
		if d, ok := f.slowNames[c.Name]; ok && d > delay {
			delay = d
		}
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return qerr.Wrap(ctx.Err(), qerr.KindCancelled, "write cancelled")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cmds {
		if err, bad := f.failNames[c.Name]; bad {
			return err
		}
	}
	f.sets = append(f.sets, cmds...)
	for _, c := range cmds {
		f.values[c.Name] = c.Value
	}
	return nil
}

func (f *fakeCore) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets)
}

func newTestExecutor(core Core) *Executor {
	return NewExecutor(core, 4, slog.Default())
}

func TestExecuteAllSucceed(t *testing.T) {
	core := newFakeCore()
	ex := newTestExecutor(core)

	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "Mixer.gain", Value: float64(-6)},
		{Name: "Mixer.mute", Value: true},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalControls)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
	assert.False(t, res.RollbackPerformed)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
	for _, r := range res.Results {
		assert.True(t, r.Success)
	}
}

func TestValidationRejectsBadEntries(t *testing.T) {
	ex := newTestExecutor(newFakeCore())
	ctx := context.Background()

	_, err := ex.Execute(ctx, nil, Options{})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	_, err = ex.Execute(ctx, []Entry{{Name: "", Value: 1.0}}, Options{})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	_, err = ex.Execute(ctx, []Entry{{Name: "a", Value: nil}}, Options{})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	neg := -1.0
	_, err = ex.Execute(ctx, []Entry{{Name: "a", Value: 1.0, Ramp: &neg}}, Options{})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	_, err = ex.Execute(ctx, []Entry{
		{Name: "a", Value: 1.0},
		{Name: "a", Value: 2.0},
	}, Options{})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	_, err = ex.Execute(ctx, []Entry{{Name: "a", Value: 1.0}}, Options{MaxConcurrentChanges: -1})
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))
}

func TestPartialFailureRollsBack(t *testing.T) {
	core := newFakeCore()
	core.values["good"] = float64(1)
	core.failNames["bad"] = qerr.New(qerr.KindCoreError, "control refused")
	ex := newTestExecutor(core)

	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "good", Value: float64(2)},
		{Name: "bad", Value: float64(3)},
	}, Options{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.True(t, res.RollbackPerformed)

	// The snapshot value was written back.
	core.mu.Lock()
	assert.Equal(t, float64(1), core.values["good"])
	core.mu.Unlock()

	for _, r := range res.Results {
		if r.Name == "bad" {
			require.NotNil(t, r.Error)
			assert.Equal(t, string(qerr.KindCoreError), r.Error.Code)
		}
	}
}

func TestRollbackDisabled(t *testing.T) {
	core := newFakeCore()
	core.values["good"] = float64(1)
	core.failNames["bad"] = qerr.New(qerr.KindCoreError, "control refused")
	ex := newTestExecutor(core)

	off := false
	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "good", Value: float64(2)},
		{Name: "bad", Value: float64(3)},
	}, Options{RollbackOnFailure: &off, ContinueOnError: true})
	require.NoError(t, err)

	assert.False(t, res.RollbackPerformed)
	core.mu.Lock()
	assert.Equal(t, float64(2), core.values["good"])
	core.mu.Unlock()
}

func TestCancelGroupCancelsBatch(t *testing.T) {
	core := newFakeCore()
	core.slow = 200 * time.Millisecond
	ex := newTestExecutor(core)

	done := make(chan *Result, 1)
	go func() {
		res, _ := ex.Execute(context.Background(), []Entry{
			{Name: "a", Value: 1.0},
			{Name: "b", Value: 2.0},
		}, Options{ChangeGroupID: "meters", ContinueOnError: true})
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	ex.CancelGroup("meters")

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, 0, res.SuccessCount)
		for _, r := range res.Results {
			require.NotNil(t, r.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after cancellation")
	}
}

func TestBatchTimeout(t *testing.T) {
	core := newFakeCore()
	core.slow = time.Second
	ex := newTestExecutor(core)

	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "a", Value: 1.0},
	}, Options{TimeoutMs: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailureCount)
}

func TestFirstFailureLetsRunningEntriesFinish(t *testing.T) {
	core := newFakeCore()
	core.slowNames["slow"] = 150 * time.Millisecond
	core.failNames["bad"] = qerr.New(qerr.KindCoreError, "control refused")
	ex := newTestExecutor(core)

	// Both entries are admitted before the failure lands; the slow write
	// must still run to completion and record its success.
	off := false
	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "slow", Value: 1.0},
		{Name: "bad", Value: 2.0},
	}, Options{RollbackOnFailure: &off})
	require.NoError(t, err)

	assert.Equal(t, 1, res.FailureCount)
	for _, r := range res.Results {
		if r.Name == "slow" {
			assert.True(t, r.Success)
		}
	}
	core.mu.Lock()
	assert.Equal(t, 1.0, core.values["slow"])
	core.mu.Unlock()
}

func TestMaxConcurrentChanges(t *testing.T) {
	core := newFakeCore()
	core.slow = 50 * time.Millisecond
	ex := newTestExecutor(core)

	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "a", Value: 1.0},
		{Name: "b", Value: 2.0},
		{Name: "c", Value: 3.0},
		{Name: "d", Value: 4.0},
	}, Options{MaxConcurrentChanges: 2})
	require.NoError(t, err)

	assert.Equal(t, 4, res.SuccessCount)
	core.mu.Lock()
	assert.LessOrEqual(t, core.peak, 2)
	core.mu.Unlock()
}

func TestRampSplitRoutesThroughSetRamp(t *testing.T) {
	core := newFakeCore()
	ex := newTestExecutor(core)

	ramp := 2.5
	res, err := ex.Execute(context.Background(), []Entry{
		{Name: "Mixer.gain", Value: float64(-6), Ramp: &ramp},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, core.setCount())
}
