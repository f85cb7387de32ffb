package eventlog

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/state"
)

func testBuffer(t *testing.T, opts Options) *Buffer {
	t.Helper()
	b := New(opts, slog.Default())
	t.Cleanup(b.Close)
	return b
}

func record(b *Buffer, group, control string, value float64) *Event {
	b.CreateGroup(group)
	now := time.Now()
	ev := &Event{
		GroupID:        group,
		ControlName:    control,
		Value:          state.Number(value),
		StringRepr:     fmt.Sprintf("%g", value),
		TimestampNs:    now.UnixNano(),
		TimestampMs:    now.UnixMilli(),
		SequenceNumber: b.NextSequence(group),
		EventType:      TypeChange,
	}
	b.Append(ev)
	return ev
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	b := testBuffer(t, Options{})
	b.CreateGroup("g1")
	b.CreateGroup("g2")

	var last uint64
	for i := 0; i < 50; i++ {
		seq := b.NextSequence("g1")
		assert.Greater(t, seq, last)
		last = seq
	}

	// Independent per group.
	assert.Equal(t, uint64(1), b.NextSequence("g2"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	b := testBuffer(t, Options{MaxEventsPerGroup: 5})

	for i := 0; i < 8; i++ {
		record(b, "g1", "ctl", float64(i))
	}
	assert.Equal(t, 5, b.GroupSize("g1"))

	res, err := b.Query(Query{GroupID: "g1"})
	require.NoError(t, err)
	require.Len(t, res.Events, 5)
	// The three oldest were dropped; sequences resume at 4.
	assert.Equal(t, uint64(4), res.Events[0].SequenceNumber)
}

func TestSequenceNeverReusedAfterEviction(t *testing.T) {
	b := testBuffer(t, Options{MaxEventsPerGroup: 2})

	for i := 0; i < 4; i++ {
		record(b, "g1", "ctl", float64(i))
	}
	seq := b.NextSequence("g1")
	assert.Equal(t, uint64(5), seq)
}

func TestDropGroupReleasesBytes(t *testing.T) {
	b := testBuffer(t, Options{})

	record(b, "g1", "ctl", 1)
	record(b, "g2", "ctl", 2)
	require.Greater(t, b.TotalBytes(), int64(0))

	g2Bytes := b.TotalBytes()
	b.DropGroup("g1")
	assert.Less(t, b.TotalBytes(), g2Bytes)
	assert.Equal(t, 0, b.GroupSize("g1"))
	assert.Equal(t, 1, b.GroupSize("g2"))
}

func TestCriticalPressureRefusesLowPriority(t *testing.T) {
	b := testBuffer(t, Options{GlobalMemoryLimit: 950, CheckInterval: time.Hour})
	b.CreateGroup("low")
	b.CreateGroup("high")
	b.SetPriority("low", PriorityLow)
	b.SetPriority("high", PriorityHigh)

	// Push usage over the refusal threshold, then force a pressure check.
	for i := 0; i < 20; i++ {
		record(b, "high", "ctl", float64(i))
	}
	b.checkPressure()

	now := time.Now()
	refused := &Event{
		GroupID: "low", ControlName: "ctl", Value: state.Number(1),
		TimestampNs: now.UnixNano(), TimestampMs: now.UnixMilli(),
		SequenceNumber: b.NextSequence("low"), EventType: TypeChange,
	}
	assert.False(t, b.Append(refused))

	accepted := &Event{
		GroupID: "high", ControlName: "ctl", Value: state.Number(1),
		TimestampNs: now.UnixNano(), TimestampMs: now.UnixMilli(),
		SequenceNumber: b.NextSequence("high"), EventType: TypeChange,
	}
	assert.True(t, b.Append(accepted))
}

func TestPressureEvictsLowestPriorityFirst(t *testing.T) {
	b := testBuffer(t, Options{GlobalMemoryLimit: 1 << 20, CheckInterval: time.Hour})
	b.SetPriority("low", PriorityLow)
	b.SetPriority("high", PriorityHigh)

	for i := 0; i < 100; i++ {
		record(b, "low", "ctl", float64(i))
		record(b, "high", "ctl", float64(i))
	}
	highBefore := b.GroupSize("high")

	b.evictLowestPriority(0.10)

	assert.Equal(t, 90, b.GroupSize("low"))
	assert.Equal(t, highBefore, b.GroupSize("high"))
}

func TestPressureEventEmitted(t *testing.T) {
	b := testBuffer(t, Options{GlobalMemoryLimit: 2000, CheckInterval: time.Hour})

	for i := 0; i < 10; i++ {
		record(b, "g1", "ctl", float64(i))
	}
	b.checkPressure()

	select {
	case ev := <-b.Pressure():
		assert.Contains(t, []PressureLevel{PressureWarn, PressureHigh, PressureCritical}, ev.Level)
		assert.Greater(t, ev.UsageFraction, 0.0)
	default:
		t.Fatal("expected a pressure event")
	}
}

func TestAppendRefusedForUnknownOrDroppedGroup(t *testing.T) {
	b := testBuffer(t, Options{})

	// Never created.
	assert.Equal(t, uint64(0), b.NextSequence("ghost"))
	assert.False(t, b.Append(&Event{GroupID: "ghost", Value: state.Number(1)}))

	record(b, "g1", "ctl", 1)
	require.Equal(t, 1, b.GroupSize("g1"))

	// Dropped rings stay gone; appends must not resurrect them.
	b.DropGroup("g1")
	assert.False(t, b.Append(&Event{GroupID: "g1", Value: state.Number(2)}))
	assert.Equal(t, uint64(0), b.NextSequence("g1"))
	assert.Equal(t, 0, b.GroupSize("g1"))
}

func TestGlobalBudgetEnforcedOnAppend(t *testing.T) {
	// CheckInterval is an hour: only the synchronous path can keep usage
	// under the limit here.
	b := testBuffer(t, Options{GlobalMemoryLimit: 2000, CheckInterval: time.Hour})

	for i := 0; i < 50; i++ {
		record(b, "g1", "ctl", float64(i))
		assert.LessOrEqual(t, b.TotalBytes(), int64(2000))
	}
	assert.Greater(t, b.GroupSize("g1"), 0)
}
