package qrwc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

// CallOptions overrides the adapter's per-call retry policy.
type CallOptions struct {
	// MaxRetries is attempts beyond the first. Negative means "use the
	// method default": 2 for reads, 0 for writes.
	MaxRetries  int
	RetryBase   time.Duration
	RetryFactor float64
	Timeout     time.Duration
}

func defaultOptions(method string) CallOptions {
	retries := 2
	if isWrite(method) {
		retries = 0
	}
	return CallOptions{
		MaxRetries:  retries,
		RetryBase:   100 * time.Millisecond,
		RetryFactor: 2,
		Timeout:     DefaultCallTimeout,
	}
}

func isWrite(method string) bool {
	switch method {
	case MethodComponentSet, MethodControlSet, MethodControlSetRamp:
		return true
	}
	return false
}

// CommandObserver sees every Core request attempt. The bridge wires it to
// the request counters.
type CommandObserver func(method string, err error, elapsed time.Duration)

// Adapter is the typed façade over the transport: one SendCommand with
// retry policy plus helpers for every Core method the bridge uses. All
// errors it returns carry taxonomy kinds.
type Adapter struct {
	conns   *Manager
	logger  *slog.Logger
	observe CommandObserver
}

func NewAdapter(conns *Manager, logger *slog.Logger) *Adapter {
	return &Adapter{conns: conns, logger: logger}
}

// Observe installs the command observer. Call before the adapter is shared.
func (a *Adapter) Observe(fn CommandObserver) {
	a.observe = fn
}

// ConnState exposes the connection state for status reporting.
func (a *Adapter) ConnState() ConnState {
	return a.conns.State()
}

// SendCommand issues one Core call with the per-call retry policy. The Core
// result payload is returned verbatim. Non-retryable failures (not
// connected, validation, auth, method-not-found) surface immediately.
func (a *Adapter) SendCommand(ctx context.Context, method string, params interface{}, opts *CallOptions) (json.RawMessage, error) {
	o := defaultOptions(method)
	if opts != nil {
		if opts.MaxRetries >= 0 {
			o.MaxRetries = opts.MaxRetries
		}
		if opts.RetryBase > 0 {
			o.RetryBase = opts.RetryBase
		}
		if opts.RetryFactor > 0 {
			o.RetryFactor = opts.RetryFactor
		}
		if opts.Timeout > 0 {
			o.Timeout = opts.Timeout
		}
	}

	var lastErr error
	delay := o.RetryBase

	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			a.logger.Debug("retrying core command",
				"method", method,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, qerr.Wrap(ctx.Err(), qerr.KindCancelled, method+" cancelled")
			}
			delay = time.Duration(float64(delay) * o.RetryFactor)
		}

		tr, err := a.conns.Transport()
		if err != nil {
			// Not connected is never retried; the reconnect loop owns it.
			return nil, err
		}

		start := time.Now()
		result, err := tr.Request(ctx, method, params, o.Timeout)
		if a.observe != nil {
			a.observe(method, err, time.Since(start))
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsMethodNotFound(err) || !qerr.Retryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// ============================================================================
// Typed helpers
// ============================================================================

// SetCommand is one write in Control.SetValues / Control.SetRamp terms.
type SetCommand struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
	Ramp  *float64    `json:"Ramp,omitempty"`
}

// Status fetches and parses the Core status.
func (a *Adapter) Status(ctx context.Context) (*EngineStatus, error) {
	raw, err := a.SendCommand(ctx, MethodStatusGet, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseEngineStatus(raw)
}

// Components lists the design's components.
func (a *Adapter) Components(ctx context.Context) ([]Component, error) {
	raw, err := a.SendCommand(ctx, MethodGetComponents, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseComponents(raw)
}

// Controls lists one component's controls.
func (a *Adapter) Controls(ctx context.Context, component string) ([]Control, error) {
	raw, err := a.SendCommand(ctx, MethodGetControls, map[string]string{"Name": component}, nil)
	if err != nil {
		return nil, err
	}
	return ParseControls(raw)
}

// ControlValues reads named controls ("Component.control" names).
func (a *Adapter) ControlValues(ctx context.Context, names []string) ([]NamedValue, error) {
	raw, err := a.SendCommand(ctx, MethodControlGet, names, nil)
	if err != nil {
		return nil, err
	}
	return ParseNamedValues(raw)
}

// SetControlValues writes named controls. Entries with a Ramp are routed
// through Control.SetRamp; ramp 0 is equivalent to the non-ramp path.
func (a *Adapter) SetControlValues(ctx context.Context, cmds []SetCommand) error {
	ramped := make([]SetCommand, 0)
	plain := make([]SetCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Ramp != nil && *c.Ramp > 0 {
			ramped = append(ramped, c)
		} else {
			c.Ramp = nil
			plain = append(plain, c)
		}
	}

	if len(plain) > 0 {
		if _, err := a.SendCommand(ctx, MethodControlSet, plain, nil); err != nil {
			return err
		}
	}
	for _, c := range ramped {
		if _, err := a.SendCommand(ctx, MethodControlSetRamp, c, nil); err != nil {
			return err
		}
	}
	return nil
}

// ChangeGroupAddControls registers named controls with a Core-side group.
func (a *Adapter) ChangeGroupAddControls(ctx context.Context, id string, names []string) error {
	_, err := a.SendCommand(ctx, MethodCGAddControl, map[string]interface{}{
		"Id":       id,
		"Controls": names,
	}, nil)
	return err
}

// ChangeGroupAddComponentControls registers component-scoped controls.
func (a *Adapter) ChangeGroupAddComponentControls(ctx context.Context, id, component string, names []string) error {
	ctls := make([]map[string]string, len(names))
	for i, n := range names {
		ctls[i] = map[string]string{"Name": n}
	}
	_, err := a.SendCommand(ctx, MethodCGAddComponent, map[string]interface{}{
		"Id": id,
		"Component": map[string]interface{}{
			"Name":     component,
			"Controls": ctls,
		},
	}, nil)
	return err
}

// ChangeGroupRemoveControls drops named controls from a Core-side group.
func (a *Adapter) ChangeGroupRemoveControls(ctx context.Context, id string, names []string) error {
	_, err := a.SendCommand(ctx, MethodCGRemove, map[string]interface{}{
		"Id":       id,
		"Controls": names,
	}, nil)
	return err
}

// ChangeGroupClear empties a Core-side group.
func (a *Adapter) ChangeGroupClear(ctx context.Context, id string) error {
	_, err := a.SendCommand(ctx, MethodCGClear, map[string]string{"Id": id}, nil)
	return err
}

// ChangeGroupPoll polls a Core-side group.
func (a *Adapter) ChangeGroupPoll(ctx context.Context, id string) (*PollResult, error) {
	raw, err := a.SendCommand(ctx, MethodCGPoll, map[string]string{"Id": id}, nil)
	if err != nil {
		return nil, err
	}
	return ParsePollResult(raw)
}

// ChangeGroupAutoPoll arms Core-side pushes at the given rate in seconds.
func (a *Adapter) ChangeGroupAutoPoll(ctx context.Context, id string, rateSeconds float64) error {
	_, err := a.SendCommand(ctx, MethodCGAutoPoll, map[string]interface{}{
		"Id":   id,
		"Rate": rateSeconds,
	}, nil)
	return err
}

// ChangeGroupInvalidate forces the next poll to report every member.
func (a *Adapter) ChangeGroupInvalidate(ctx context.Context, id string) error {
	_, err := a.SendCommand(ctx, MethodCGInvalidate, map[string]string{"Id": id}, nil)
	return err
}

// ChangeGroupDestroy removes a Core-side group.
func (a *Adapter) ChangeGroupDestroy(ctx context.Context, id string) error {
	_, err := a.SendCommand(ctx, MethodCGDestroy, map[string]string{"Id": id}, nil)
	return err
}
