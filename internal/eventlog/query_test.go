package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/state"
)

func seedEvents(t *testing.T, b *Buffer) {
	t.Helper()
	base := time.Now().Add(-time.Minute)
	add := func(group, control string, v state.Value, prev *state.Value, typ EventType, offset time.Duration) {
		b.CreateGroup(group)
		ts := base.Add(offset)
		b.Append(&Event{
			GroupID:        group,
			ControlName:    control,
			Value:          v,
			StringRepr:     v.String(),
			PreviousValue:  prev,
			TimestampNs:    ts.UnixNano(),
			TimestampMs:    ts.UnixMilli(),
			SequenceNumber: b.NextSequence(group),
			EventType:      typ,
		})
	}

	prevGain := state.Number(-10)
	add("g1", "Mixer.gain", state.Number(-6), &prevGain, TypeThresholdCrossed, 0)
	add("g1", "Mixer.gain", state.Number(-3), nil, TypeSignificantChange, 10*time.Second)
	prevMute := state.Bool(false)
	add("g1", "Mixer.mute", state.Bool(true), &prevMute, TypeStateTransition, 20*time.Second)
	add("g2", "Amp.level", state.Number(0.7), nil, TypeChange, 30*time.Second)
}

func TestQueryByGroup(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	res, err := b.Query(Query{GroupID: "g1"})
	require.NoError(t, err)
	assert.Len(t, res.Events, 3)
	assert.Equal(t, 3, res.TotalMatched)
	assert.False(t, res.Truncated)

	res, err = b.Query(Query{GroupID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestQueryOrdering(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	res, err := b.Query(Query{})
	require.NoError(t, err)
	require.Len(t, res.Events, 4)
	for i := 1; i < len(res.Events); i++ {
		assert.LessOrEqual(t, res.Events[i-1].TimestampNs, res.Events[i].TimestampNs)
	}
}

func TestQueryControlAndComponentFilters(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	res, err := b.Query(Query{ControlNames: []string{"Mixer.mute"}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Mixer.mute", res.Events[0].ControlName)

	res, err = b.Query(Query{ComponentNames: []string{"Amp"}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Amp.level", res.Events[0].ControlName)
}

func TestQueryEventTypeFilter(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	res, err := b.Query(Query{EventTypes: []EventType{TypeStateTransition, TypeThresholdCrossed}})
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
}

func TestQueryTimeWindow(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	all, err := b.Query(Query{})
	require.NoError(t, err)
	require.Len(t, all.Events, 4)

	mid := all.Events[1].TimestampMs
	res, err := b.Query(Query{StartMs: mid})
	require.NoError(t, err)
	assert.Len(t, res.Events, 3)

	res, err = b.Query(Query{EndMs: mid})
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
}

func TestQueryValueFilters(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	cases := []struct {
		name   string
		filter ValueFilter
		want   int
	}{
		{"gt", ValueFilter{Operator: "gt", Value: -5.0}, 2}, // -3 and 0.7
		{"lte", ValueFilter{Operator: "lte", Value: -6.0}, 1},
		{"eq bool", ValueFilter{Operator: "eq", Value: true}, 1},
		{"changed_to", ValueFilter{Operator: "changed_to", Value: true}, 1},
		{"changed_from", ValueFilter{Operator: "changed_from", Value: -10.0}, 1},
		{"neq", ValueFilter{Operator: "neq", Value: true}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.Query(Query{ValueFilter: &tc.filter})
			require.NoError(t, err)
			assert.Len(t, res.Events, tc.want)
		})
	}
}

func TestQueryRejectsBadInput(t *testing.T) {
	b := testBuffer(t, Options{})

	_, err := b.Query(Query{ValueFilter: &ValueFilter{Operator: "between", Value: 1}})
	assert.Error(t, err)

	_, err = b.Query(Query{EventTypes: []EventType{"spike"}})
	assert.Error(t, err)

	_, err = b.Query(Query{StartMs: 2000, EndMs: 1000})
	assert.Error(t, err)

	_, err = b.Query(Query{Offset: -1})
	assert.Error(t, err)
}

func TestQueryLimitAndOffset(t *testing.T) {
	b := testBuffer(t, Options{})
	b.CreateGroup("g1")
	now := time.Now()
	for i := 0; i < 30; i++ {
		ts := now.Add(time.Duration(i) * time.Millisecond)
		b.Append(&Event{
			GroupID: "g1", ControlName: "ctl", Value: state.Number(float64(i)),
			TimestampNs: ts.UnixNano(), TimestampMs: ts.UnixMilli(),
			SequenceNumber: b.NextSequence("g1"), EventType: TypeChange,
		})
	}

	res, err := b.Query(Query{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Events, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, 30, res.TotalMatched)

	res, err = b.Query(Query{Limit: 10, Offset: 25})
	require.NoError(t, err)
	assert.Len(t, res.Events, 5)
	assert.False(t, res.Truncated)

	res, err = b.Query(Query{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestAggregationMinMax(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	res, err := b.Query(Query{GroupID: "g1", Aggregate: "minmax"})
	require.NoError(t, err)
	require.Len(t, res.Aggregations, 2)

	gain := res.Aggregations[0]
	assert.Equal(t, "Mixer.gain", gain.ControlName)
	assert.Equal(t, 2, gain.Count)
	require.NotNil(t, gain.Min)
	assert.Equal(t, -6.0, *gain.Min)
	assert.Equal(t, -3.0, *gain.Max)

	mute := res.Aggregations[1]
	assert.Equal(t, "Mixer.mute", mute.ControlName)
	assert.Equal(t, 1, mute.Count)
	assert.Nil(t, mute.Min) // booleans have no numeric range
}

func TestStatisticsGroupBy(t *testing.T) {
	b := testBuffer(t, Options{})
	seedEvents(t, b)

	byGroup, err := b.Statistics("changeGroup", 0, 0)
	require.NoError(t, err)
	require.Len(t, byGroup, 2)
	assert.Equal(t, "g1", byGroup[0].Key)
	assert.Equal(t, 3, byGroup[0].Count)
	assert.Equal(t, 2, byGroup[0].UniqueCtl)

	byComponent, err := b.Statistics("component", 0, 0)
	require.NoError(t, err)
	require.Len(t, byComponent, 2)
	assert.Equal(t, "Amp", byComponent[0].Key)

	_, err = b.Statistics("bogus", 0, 0)
	assert.Error(t, err)
}
