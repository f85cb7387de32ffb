// Package qrwc speaks Q-SYS Remote WebSocket Control: JSON-RPC 2.0 over a
// single persistent WebSocket to the Core. It contains the transport
// (framing, correlation, send queue), the connection manager (reconnect,
// heartbeat, circuit breaker) and the command adapter (per-call retry and
// error translation).
package qrwc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

func asTaxonomy(err error, target **qerr.Error) bool {
	return errors.As(err, target)
}

// Methods the adapter supports. The Core rejects anything else with
// method-not-found, which is never retried.
const (
	MethodStatusGet          = "StatusGet"
	MethodGetComponents      = "Component.GetComponents"
	MethodGetControls        = "Component.GetControls"
	MethodComponentGet       = "Component.Get"
	MethodComponentSet       = "Component.Set"
	MethodControlGet         = "Control.GetValues"
	MethodControlSet         = "Control.SetValues"
	MethodControlSetRamp     = "Control.SetRamp"
	MethodCGAddControl       = "ChangeGroup.AddControl"
	MethodCGAddComponent     = "ChangeGroup.AddComponentControl"
	MethodCGRemove           = "ChangeGroup.Remove"
	MethodCGClear            = "ChangeGroup.Clear"
	MethodCGPoll             = "ChangeGroup.Poll"
	MethodCGAutoPoll         = "ChangeGroup.AutoPoll"
	MethodCGInvalidate       = "ChangeGroup.Invalidate"
	MethodCGDestroy          = "ChangeGroup.Destroy"
	MethodNoOp               = "NoOp"
	MethodEngineStatusNotify = "EngineStatus"
)

// request is the outbound JSON-RPC 2.0 envelope.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// frame is any inbound message: a response (has ID) or a notification
// (has Method, no ID). The Core is known to answer some error paths with
// "id": null, which the transport resolves FIFO against outstanding calls.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CoreError      `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (f *frame) isResponse() bool {
	return f.Method == "" || f.Result != nil || f.Error != nil
}

// CoreError is the JSON-RPC error object returned by the Core.
type CoreError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("core error %d: %s", e.Code, e.Message)
}

// JSON-RPC reserved codes the Core uses.
const (
	coreCodeMethodNotFound = -32601
	coreCodeInvalidParams  = -32602
)

// taxonomy translates a Core error into the bridge taxonomy.
func (e *CoreError) taxonomy() *qerr.Error {
	kind := qerr.KindCoreError
	if e.Code == coreCodeInvalidParams {
		kind = qerr.KindValidation
	}
	return qerr.New(kind, e.Message).WithDetails(map[string]interface{}{
		"coreCode":    e.Code,
		"coreMessage": e.Message,
	})
}

// IsMethodNotFound reports whether err carries the Core's method-not-found
// code; such calls are never retried.
func IsMethodNotFound(err error) bool {
	var e *qerr.Error
	if !asTaxonomy(err, &e) || e.Details == nil {
		return false
	}
	code, ok := e.Details["coreCode"].(int)
	return ok && code == coreCodeMethodNotFound
}

// Notification is an unsolicited frame pushed by the Core.
type Notification struct {
	Method string
	Params json.RawMessage
}

// ============================================================================
// Typed Core payloads
// ============================================================================

// EngineStatus is the payload of the Core's EngineStatus notification and of
// the StatusGet result.
type EngineStatus struct {
	Platform    string `json:"Platform"`
	State       string `json:"State"`
	DesignName  string `json:"DesignName"`
	DesignCode  string `json:"DesignCode"`
	IsRedundant bool   `json:"IsRedundant"`
	IsEmulator  bool   `json:"IsEmulator"`
	Status      struct {
		Code   int    `json:"Code"`
		String string `json:"String"`
	} `json:"Status"`
}

// Component is one named block in the running design.
type Component struct {
	Name       string              `json:"Name"`
	Type       string              `json:"Type"`
	Properties []ComponentProperty `json:"Properties,omitempty"`
}

type ComponentProperty struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// Control is one control of a component as reported by
// Component.GetControls.
type Control struct {
	Name      string      `json:"Name"`
	Type      string      `json:"Type"`
	Value     interface{} `json:"Value"`
	String    string      `json:"String"`
	Position  float64     `json:"Position"`
	Direction string      `json:"Direction,omitempty"`
	ValueMin  *float64    `json:"ValueMin,omitempty"`
	ValueMax  *float64    `json:"ValueMax,omitempty"`
}

// componentControlsResult is the Component.GetControls result envelope.
type componentControlsResult struct {
	Name     string    `json:"Name"`
	Controls []Control `json:"Controls"`
}

// NamedValue is one entry of a Control.GetValues result or a change-group
// poll. Component is set on component-scoped changes only.
type NamedValue struct {
	Component string      `json:"Component,omitempty"`
	Name      string      `json:"Name"`
	Value     interface{} `json:"Value"`
	String    string      `json:"String"`
	Position  float64     `json:"Position,omitempty"`
}

// PollResult is the ChangeGroup.Poll result (and the shape of Core pushes
// while auto-poll is armed Core-side).
type PollResult struct {
	ID      string       `json:"Id"`
	Changes []NamedValue `json:"Changes"`
}

// ============================================================================
// Parse functions
// ============================================================================

// ParseEngineStatus decodes a StatusGet result or EngineStatus notification.
func ParseEngineStatus(raw json.RawMessage) (*EngineStatus, error) {
	var st EngineStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, qerr.Wrap(err, qerr.KindParseError, "malformed EngineStatus payload")
	}
	return &st, nil
}

// ParseComponents decodes a Component.GetComponents result.
func ParseComponents(raw json.RawMessage) ([]Component, error) {
	var comps []Component
	if err := json.Unmarshal(raw, &comps); err != nil {
		return nil, qerr.Wrap(err, qerr.KindParseError, "malformed GetComponents payload")
	}
	return comps, nil
}

// ParseControls decodes a Component.GetControls result.
func ParseControls(raw json.RawMessage) ([]Control, error) {
	var res componentControlsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, qerr.Wrap(err, qerr.KindParseError, "malformed GetControls payload")
	}
	return res.Controls, nil
}

// ParseNamedValues decodes a Control.GetValues result.
func ParseNamedValues(raw json.RawMessage) ([]NamedValue, error) {
	var vals []NamedValue
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, qerr.Wrap(err, qerr.KindParseError, "malformed GetValues payload")
	}
	return vals, nil
}

// ParsePollResult decodes a ChangeGroup.Poll result or Core push.
func ParsePollResult(raw json.RawMessage) (*PollResult, error) {
	var res PollResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, qerr.Wrap(err, qerr.KindParseError, "malformed ChangeGroup.Poll payload")
	}
	return &res, nil
}
