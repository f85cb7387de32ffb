package changegroup

import (
	"strings"

	"github.com/qsys-tools/mcp-bridge/internal/eventlog"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// defaultAudioThreshold is the crossing point inferred for gain/level-ish
// controls, in dB.
const defaultAudioThreshold = -6.0

// Classifier labels each observed change with an event type. Explicit
// per-control thresholds from configuration win over inference.
type Classifier struct {
	thresholds map[string]float64
}

func NewClassifier(thresholds map[string]float64) *Classifier {
	if thresholds == nil {
		thresholds = map[string]float64{}
	}
	return &Classifier{thresholds: thresholds}
}

// Classify labels a single transition. threshold is non-nil only for
// threshold_crossed events.
func (c *Classifier) Classify(name string, prev *state.Value, cur state.Value) (eventlog.EventType, *float64) {
	// Non-numeric controls flip between discrete states.
	if cur.Kind != state.KindNumber {
		return eventlog.TypeStateTransition, nil
	}
	if prev == nil || prev.Kind != state.KindNumber {
		return eventlog.TypeChange, nil
	}

	old := prev.Num
	now := cur.Num

	if th, ok := c.thresholdFor(name, old, now); ok && crossed(old, now, th) {
		t := th
		return eventlog.TypeThresholdCrossed, &t
	}

	if old != 0 && abs((now-old)/old) > 0.05 {
		return eventlog.TypeSignificantChange, nil
	}
	return eventlog.TypeChange, nil
}

func (c *Classifier) thresholdFor(name string, old, now float64) (float64, bool) {
	if th, ok := c.thresholds[name]; ok {
		return th, true
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, "gain") || strings.Contains(lower, "level") || strings.Contains(lower, "volume") {
		return defaultAudioThreshold, true
	}
	// Position-like controls live in [0, 1]; use the midpoint.
	if old >= 0 && old <= 1 && now >= 0 && now <= 1 {
		return 0.5, true
	}
	return 0, false
}

func crossed(old, now, th float64) bool {
	return (old < th && now >= th) || (old >= th && now < th)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
