package eventlog

import (
	"sort"
	"time"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

// ValueFilter is a value predicate on matched events. Numeric operators only
// match numeric values; changed_to / changed_from compare by strict equality
// against the current / previous value.
type ValueFilter struct {
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Query selects events from the buffer. Zero fields mean "no constraint".
type Query struct {
	GroupID        string
	StartMs        int64
	EndMs          int64
	ControlNames   []string
	ComponentNames []string
	EventTypes     []EventType
	ValueFilter    *ValueFilter
	Limit          int
	Offset         int
	Aggregate      string // "", "count", "minmax"
}

// Aggregation summarizes matched events per control.
type Aggregation struct {
	ControlName string   `json:"controlName"`
	Count       int      `json:"count"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// QueryResult is the query response: either events or aggregations.
type QueryResult struct {
	Events       []Event       `json:"events,omitempty"`
	Aggregations []Aggregation `json:"aggregations,omitempty"`
	TotalMatched int           `json:"totalMatched"`
	Truncated    bool          `json:"truncated"`
}

// Query runs a filtered scan over the live rings. Results order by
// (timestampNs, sequenceNumber) ascending; expired events are excluded even
// when a lazy eviction has not collected them yet.
func (b *Buffer) Query(q Query) (*QueryResult, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	rings := b.selectRings(q.GroupID)
	cutoffNs := time.Now().Add(-b.opts.MaxAge).UnixNano()

	var matched []Event
	for _, r := range rings {
		r.mu.Lock()
		for _, e := range r.events {
			if e.TimestampNs < cutoffNs {
				continue
			}
			if q.matches(e) {
				matched = append(matched, *e)
			}
		}
		r.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TimestampNs != matched[j].TimestampNs {
			return matched[i].TimestampNs < matched[j].TimestampNs
		}
		return matched[i].SequenceNumber < matched[j].SequenceNumber
	})

	res := &QueryResult{TotalMatched: len(matched)}

	if q.Aggregate != "" {
		res.Aggregations = aggregate(matched, q.Aggregate)
		return res, nil
	}

	if q.Offset >= len(matched) {
		res.Events = []Event{}
		return res, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
		res.Truncated = true
	}
	res.Events = matched
	return res, nil
}

func (q Query) validate() error {
	if q.StartMs != 0 && q.EndMs != 0 && q.EndMs < q.StartMs {
		return qerr.New(qerr.KindValidation, "endTime precedes startTime")
	}
	if q.Offset < 0 {
		return qerr.New(qerr.KindValidation, "offset must be non-negative")
	}
	switch q.Aggregate {
	case "", "count", "minmax":
	default:
		return qerr.Newf(qerr.KindValidation, "unknown aggregation %q", q.Aggregate)
	}
	if q.ValueFilter != nil {
		switch q.ValueFilter.Operator {
		case "eq", "neq", "lt", "lte", "gt", "gte", "changed_to", "changed_from":
		default:
			return qerr.Newf(qerr.KindValidation, "unknown value filter operator %q", q.ValueFilter.Operator)
		}
	}
	for _, t := range q.EventTypes {
		switch t {
		case TypeChange, TypeThresholdCrossed, TypeStateTransition, TypeSignificantChange:
		default:
			return qerr.Newf(qerr.KindValidation, "unknown event type %q", t)
		}
	}
	return nil
}

func (b *Buffer) selectRings(groupID string) []*ring {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if groupID != "" {
		if r, ok := b.groups[groupID]; ok {
			return []*ring{r}
		}
		return nil
	}
	out := make([]*ring, 0, len(b.groups))
	for _, r := range b.groups {
		out = append(out, r)
	}
	return out
}

func (q Query) matches(e *Event) bool {
	if q.StartMs != 0 && e.TimestampMs < q.StartMs {
		return false
	}
	if q.EndMs != 0 && e.TimestampMs > q.EndMs {
		return false
	}
	if len(q.ControlNames) > 0 && !containsString(q.ControlNames, e.ControlName) {
		return false
	}
	if len(q.ComponentNames) > 0 && !containsString(q.ComponentNames, componentOf(e.ControlName)) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsType(q.EventTypes, e.EventType) {
		return false
	}
	if q.ValueFilter != nil && !q.ValueFilter.matches(e) {
		return false
	}
	return true
}

func (f *ValueFilter) matches(e *Event) bool {
	want, err := state.FromRaw(f.Value)
	if err != nil {
		return false
	}

	switch f.Operator {
	case "eq":
		return e.Value.Equal(want)
	case "neq":
		return !e.Value.Equal(want)
	case "changed_to":
		if e.PreviousValue == nil {
			return e.Value.Equal(want)
		}
		return e.Value.Equal(want) && !e.PreviousValue.Equal(want)
	case "changed_from":
		return e.PreviousValue != nil && e.PreviousValue.Equal(want)
	}

	// Ordering operators need numbers on both sides.
	have, ok := e.Value.Float()
	if !ok {
		return false
	}
	target, ok := want.Float()
	if !ok {
		return false
	}
	switch f.Operator {
	case "lt":
		return have < target
	case "lte":
		return have <= target
	case "gt":
		return have > target
	case "gte":
		return have >= target
	}
	return false
}

func aggregate(events []Event, mode string) []Aggregation {
	byControl := make(map[string]*Aggregation)
	order := make([]string, 0)
	for i := range events {
		e := &events[i]
		agg, ok := byControl[e.ControlName]
		if !ok {
			agg = &Aggregation{ControlName: e.ControlName}
			byControl[e.ControlName] = agg
			order = append(order, e.ControlName)
		}
		agg.Count++
		if mode == "minmax" {
			if v, isNum := e.Value.Float(); isNum {
				if agg.Min == nil || v < *agg.Min {
					mv := v
					agg.Min = &mv
				}
				if agg.Max == nil || v > *agg.Max {
					mv := v
					agg.Max = &mv
				}
			}
		}
	}

	sort.Strings(order)
	out := make([]Aggregation, 0, len(order))
	for _, name := range order {
		out = append(out, *byControl[name])
	}
	return out
}

// StatBucket is one get-statistics grouping row.
type StatBucket struct {
	Key       string `json:"key"`
	Count     int    `json:"count"`
	FirstMs   int64  `json:"firstMs"`
	LastMs    int64  `json:"lastMs"`
	UniqueCtl int    `json:"uniqueControls"`
}

// Statistics groups live events by changeGroup, control, component, or hour
// over an optional window.
func (b *Buffer) Statistics(groupBy string, startMs, endMs int64) ([]StatBucket, error) {
	keyFn, err := bucketKey(groupBy)
	if err != nil {
		return nil, err
	}

	rings := b.selectRings("")
	cutoffNs := time.Now().Add(-b.opts.MaxAge).UnixNano()

	type acc struct {
		bucket   StatBucket
		controls map[string]struct{}
	}
	buckets := make(map[string]*acc)

	for _, r := range rings {
		r.mu.Lock()
		for _, e := range r.events {
			if e.TimestampNs < cutoffNs {
				continue
			}
			if startMs != 0 && e.TimestampMs < startMs {
				continue
			}
			if endMs != 0 && e.TimestampMs > endMs {
				continue
			}
			key := keyFn(e)
			a, ok := buckets[key]
			if !ok {
				a = &acc{
					bucket:   StatBucket{Key: key, FirstMs: e.TimestampMs, LastMs: e.TimestampMs},
					controls: make(map[string]struct{}),
				}
				buckets[key] = a
			}
			a.bucket.Count++
			if e.TimestampMs < a.bucket.FirstMs {
				a.bucket.FirstMs = e.TimestampMs
			}
			if e.TimestampMs > a.bucket.LastMs {
				a.bucket.LastMs = e.TimestampMs
			}
			a.controls[e.ControlName] = struct{}{}
		}
		r.mu.Unlock()
	}

	out := make([]StatBucket, 0, len(buckets))
	for _, a := range buckets {
		a.bucket.UniqueCtl = len(a.controls)
		out = append(out, a.bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func bucketKey(groupBy string) (func(*Event) string, error) {
	switch groupBy {
	case "", "changeGroup":
		return func(e *Event) string { return e.GroupID }, nil
	case "control":
		return func(e *Event) string { return e.ControlName }, nil
	case "component":
		return func(e *Event) string { return componentOf(e.ControlName) }, nil
	case "hour":
		return func(e *Event) string {
			return time.UnixMilli(e.TimestampMs).UTC().Format("2006-01-02T15")
		}, nil
	case "day":
		return func(e *Event) string {
			return time.UnixMilli(e.TimestampMs).UTC().Format("2006-01-02")
		}, nil
	case "eventType":
		return func(e *Event) string { return string(e.EventType) }, nil
	default:
		return nil, qerr.Newf(qerr.KindValidation, "unknown groupBy %q", groupBy)
	}
}

// componentOf extracts the component segment of a dotted control name.
func componentOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsType(xs []EventType, t EventType) bool {
	for _, x := range xs {
		if x == t {
			return true
		}
	}
	return false
}
