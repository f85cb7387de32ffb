package bridge

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/qsys-tools/mcp-bridge/internal/batch"
	"github.com/qsys-tools/mcp-bridge/internal/dispatch"
	"github.com/qsys-tools/mcp-bridge/internal/eventlog"
	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// NewMCPServer builds the MCP server with every tool registered. The SDK
// owns stdio framing and schema generation; handlers stay thin and return
// the uniform error envelope on failure.
func NewMCPServer(b *Bridge, version string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "qsys-mcp-bridge",
		Version: version,
	}, nil)

	addTool(b, s, "ping",
		"Liveness check. Returns bridge uptime and Core connection state.",
		b.handlePing)
	addTool(b, s, "list_components",
		"List the components of the running Q-SYS design, optionally filtered by name substring.",
		b.handleListComponents)
	addTool(b, s, "get_component_controls",
		"List every control of one component with current values.",
		b.handleGetComponentControls)
	addTool(b, s, "list_controls",
		"List controls across the design, filtered by component or control type.",
		b.handleListControls)
	addTool(b, s, "get_control_values",
		"Read current values for named controls.",
		b.handleGetControlValues)
	addTool(b, s, "set_control_values",
		"Write one or more control values, optionally ramped, as a batch with rollback.",
		b.handleSetControlValues)
	addTool(b, s, "query_core_status",
		"Report the Core's engine status, design info, and the bridge's connection state.",
		b.handleQueryCoreStatus)
	addTool(b, s, "get_all_controls",
		"Catalog every control of every component.",
		b.handleGetAllControls)
	addTool(b, s, "create_change_group",
		"Create a named change group for monitoring control changes.",
		b.handleCreateChangeGroup)
	addTool(b, s, "add_controls_to_change_group",
		"Add controls to an existing change group.",
		b.handleAddControls)
	addTool(b, s, "remove_controls_from_change_group",
		"Remove controls from a change group.",
		b.handleRemoveControls)
	addTool(b, s, "clear_change_group",
		"Remove every control from a change group without destroying it.",
		b.handleClearChangeGroup)
	addTool(b, s, "poll_change_group",
		"Poll a change group for control changes since the last poll.",
		b.handlePollChangeGroup)
	addTool(b, s, "set_change_group_auto_poll",
		"Enable or disable timed polling for a change group.",
		b.handleSetAutoPoll)
	addTool(b, s, "list_change_groups",
		"List every change group with its membership and polling state.",
		b.handleListChangeGroups)
	addTool(b, s, "destroy_change_group",
		"Destroy a change group and discard its buffered events.",
		b.handleDestroyChangeGroup)
	addTool(b, s, "query_change_events",
		"Query buffered change events with time, control, type and value filters.",
		b.handleQueryChangeEvents)
	addTool(b, s, "get_event_statistics",
		"Summarize buffered change events grouped by component, control, change group, hour or day.",
		b.handleGetEventStatistics)
	addTool(b, s, "query_qsys_api",
		"Send a raw QRC method to the Core and return its verbatim result.",
		b.handleQueryQsysAPI)

	return s
}

// addTool registers one tool behind the dispatch gate with metrics and
// panic containment.
func addTool[In any](b *Bridge, s *mcp.Server, name, desc string, fn func(context.Context, In) (map[string]interface{}, error)) {
	mcp.AddTool(s, &mcp.Tool{Name: name, Description: desc},
		func(ctx context.Context, req *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out map[string]interface{}, err error) {
			started := time.Now()
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("tool handler panic", "tool", name, "panic", p, "stack", string(debug.Stack()))
					res, out = failure(qerr.New(qerr.KindInternal, "internal error handling tool call"))
					err = nil
				}
				b.metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
			}()

			var meta map[string]interface{}
			if req != nil && req.Params != nil {
				meta = map[string]interface{}(req.Params.Meta)
			}
			if _, aerr := b.dispatcher.Admit(name, meta); aerr != nil {
				switch qerr.KindOf(aerr) {
				case qerr.KindRateLimited:
					b.metrics.RateLimitRejections.Inc()
				case qerr.KindAuthRequired, qerr.KindAuthInvalid:
					b.metrics.AuthFailures.Inc()
				}
				b.metrics.ToolCalls.WithLabelValues(name, "rejected").Inc()
				res, out = failure(aerr)
				return res, out, nil
			}

			result, herr := fn(ctx, in)
			if herr != nil {
				b.metrics.ToolCalls.WithLabelValues(name, "error").Inc()
				b.logger.Warn("tool call failed", "tool", name, "kind", string(qerr.KindOf(herr)), "error", qerr.Redact(herr.Error()))
				res, out = failure(herr)
				return res, out, nil
			}
			b.metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
			return nil, result, nil
		})
}

// failure renders an error as the uniform envelope.
func failure(err error) (*mcp.CallToolResult, map[string]interface{}) {
	env := dispatch.Envelope(err)
	out := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    env.Error.Code,
			"message": env.Error.Message,
		},
	}
	if len(env.Error.Details) > 0 {
		out["error"].(map[string]interface{})["details"] = env.Error.Details
	}
	return &mcp.CallToolResult{IsError: true}, out
}

// ============================================================================
// Handlers
// ============================================================================

type pingInput struct{}

func (b *Bridge) handlePing(ctx context.Context, _ pingInput) (map[string]interface{}, error) {
	return map[string]interface{}{
		"ok":              true,
		"uptimeSeconds":   int64(time.Since(b.startedAt).Seconds()),
		"connectionState": b.conns.State().String(),
	}, nil
}

type listComponentsInput struct {
	Filter            string `json:"filter,omitempty" jsonschema:"case-insensitive name substring"`
	IncludeProperties bool   `json:"includeProperties,omitempty"`
}

func (b *Bridge) handleListComponents(ctx context.Context, in listComponentsInput) (map[string]interface{}, error) {
	comps, err := b.adapter.Components(ctx)
	if err != nil {
		return nil, err
	}

	filter := strings.ToLower(in.Filter)
	out := make([]map[string]interface{}, 0, len(comps))
	for _, c := range comps {
		if filter != "" && !strings.Contains(strings.ToLower(c.Name), filter) {
			continue
		}
		entry := map[string]interface{}{
			"name": c.Name,
			"type": c.Type,
		}
		if in.IncludeProperties && len(c.Properties) > 0 {
			props := make(map[string]string, len(c.Properties))
			for _, p := range c.Properties {
				props[p.Name] = p.Value
			}
			entry["properties"] = props
		}
		out = append(out, entry)
	}
	return map[string]interface{}{"components": out, "count": len(out)}, nil
}

type getComponentControlsInput struct {
	ComponentName string `json:"componentName" jsonschema:"required"`
}

func (b *Bridge) handleGetComponentControls(ctx context.Context, in getComponentControlsInput) (map[string]interface{}, error) {
	if in.ComponentName == "" {
		return nil, qerr.New(qerr.KindValidation, "componentName is required")
	}
	controls, err := b.adapter.Controls(ctx, in.ComponentName)
	if err != nil {
		return nil, componentError(err, in.ComponentName)
	}

	out := make([]map[string]interface{}, 0, len(controls))
	for _, c := range controls {
		b.cacheControl(in.ComponentName, c)
		out = append(out, controlJSON(in.ComponentName, c, true))
	}
	return map[string]interface{}{"controls": out, "count": len(out)}, nil
}

type listControlsInput struct {
	Component       string `json:"component,omitempty"`
	ControlType     string `json:"controlType,omitempty" jsonschema:"one of gain, mute, input_select, output_select, all"`
	IncludeMetadata bool   `json:"includeMetadata,omitempty"`
}

func (b *Bridge) handleListControls(ctx context.Context, in listControlsInput) (map[string]interface{}, error) {
	switch in.ControlType {
	case "", "all", "gain", "mute", "input_select", "output_select":
	default:
		return nil, qerr.Newf(qerr.KindValidation, "unknown controlType %q", in.ControlType)
	}

	var components []string
	if in.Component != "" {
		components = []string{in.Component}
	} else {
		comps, err := b.adapter.Components(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			components = append(components, c.Name)
		}
	}

	out := make([]map[string]interface{}, 0)
	for _, comp := range components {
		controls, err := b.adapter.Controls(ctx, comp)
		if err != nil {
			if in.Component != "" {
				return nil, componentError(err, comp)
			}
			b.logger.Warn("skipping unreadable component", "component", comp, "error", err)
			continue
		}
		for _, c := range controls {
			if !matchesControlType(c, in.ControlType) {
				continue
			}
			b.cacheControl(comp, c)
			out = append(out, controlJSON(comp, c, in.IncludeMetadata))
		}
	}
	return map[string]interface{}{"controls": out, "count": len(out)}, nil
}

type controlRef struct {
	Component string `json:"component,omitempty"`
	Name      string `json:"name" jsonschema:"required"`
}

func (r controlRef) fullName() string {
	if r.Component != "" && !strings.Contains(r.Name, ".") {
		return r.Component + "." + r.Name
	}
	return r.Name
}

type getControlValuesInput struct {
	Controls []controlRef `json:"controls" jsonschema:"required"`
}

func (b *Bridge) handleGetControlValues(ctx context.Context, in getControlValuesInput) (map[string]interface{}, error) {
	if len(in.Controls) == 0 {
		return nil, qerr.New(qerr.KindValidation, "controls is required")
	}
	names := make([]string, len(in.Controls))
	for i, r := range in.Controls {
		if r.Name == "" {
			return nil, qerr.New(qerr.KindValidation, "every control needs a name")
		}
		names[i] = r.fullName()
	}

	values, err := b.adapter.ControlValues(ctx, names)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(values))
	for _, nv := range values {
		name := nv.Name
		if nv.Component != "" {
			name = nv.Component + "." + nv.Name
		}
		if v, verr := state.FromRaw(nv.Value); verr == nil {
			b.cache.Set(name, v, state.SourceCore, nil)
		}
		out = append(out, map[string]interface{}{
			"component": componentOf(name),
			"name":      name,
			"value":     nv.Value,
			"string":    nv.String,
			"position":  nv.Position,
		})
	}
	return map[string]interface{}{"values": out, "count": len(out)}, nil
}

type setControlEntry struct {
	Component string      `json:"component,omitempty"`
	Name      string      `json:"name" jsonschema:"required"`
	Value     interface{} `json:"value,omitempty"`
	Position  *float64    `json:"position,omitempty"`
	Ramp      *float64    `json:"ramp,omitempty"`
}

type setControlValuesInput struct {
	Controls          []setControlEntry `json:"controls" jsonschema:"required"`
	RollbackOnFailure *bool             `json:"rollbackOnFailure,omitempty"`
	ContinueOnError   bool              `json:"continueOnError,omitempty"`
	TimeoutMs         int               `json:"timeoutMs,omitempty"`

	// MaxConcurrentChanges caps this batch's parallelism; 0 uses the shared
	// executor budget alone.
	MaxConcurrentChanges int    `json:"maxConcurrentChanges,omitempty"`
	ChangeGroupID        string `json:"changeGroupId,omitempty"`
}

func (b *Bridge) handleSetControlValues(ctx context.Context, in setControlValuesInput) (map[string]interface{}, error) {
	if len(in.Controls) == 0 {
		return nil, qerr.New(qerr.KindValidation, "controls is required")
	}

	entries := make([]batch.Entry, 0, len(in.Controls))
	for _, c := range in.Controls {
		if c.Name == "" {
			return nil, qerr.New(qerr.KindValidation, "every control needs a name")
		}
		value := c.Value
		if value == nil {
			if c.Position == nil {
				return nil, qerr.Newf(qerr.KindValidation, "control %q needs value or position", c.Name)
			}
			value = *c.Position
		}
		entries = append(entries, batch.Entry{
			Name:  controlRef{Component: c.Component, Name: c.Name}.fullName(),
			Value: value,
			Ramp:  c.Ramp,
		})
	}

	res, err := b.executor.Execute(ctx, entries, batch.Options{
		RollbackOnFailure:    in.RollbackOnFailure,
		ContinueOnError:      in.ContinueOnError,
		TimeoutMs:            in.TimeoutMs,
		MaxConcurrentChanges: in.MaxConcurrentChanges,
		ChangeGroupID:        in.ChangeGroupID,
	})
	if err != nil {
		return nil, err
	}

	// Successful writes land in the cache as user-sourced until the Core
	// confirms them through a poll.
	for i, r := range res.Results {
		if r.Success {
			if v, verr := state.FromRaw(entries[i].Value); verr == nil {
				b.cache.Set(r.Name, v, state.SourceUser, nil)
			}
		}
	}

	return map[string]interface{}{
		"totalControls":     res.TotalControls,
		"successCount":      res.SuccessCount,
		"failureCount":      res.FailureCount,
		"results":           res.Results,
		"rollbackPerformed": res.RollbackPerformed,
		"executionTimeMs":   res.ExecutionTimeMs,
	}, nil
}

type queryCoreStatusInput struct {
	IncludeDesignInfo  bool `json:"includeDesignInfo,omitempty"`
	IncludeNetworkInfo bool `json:"includeNetworkInfo,omitempty"`
}

func (b *Bridge) handleQueryCoreStatus(ctx context.Context, in queryCoreStatusInput) (map[string]interface{}, error) {
	status, err := b.adapter.Status(ctx)
	if err != nil {
		// Serve the last pushed status when the Core is briefly away.
		b.statusMu.Lock()
		cached := b.lastStatus
		b.statusMu.Unlock()
		if cached == nil {
			return nil, err
		}
		status = cached
	}

	out := map[string]interface{}{
		"status": map[string]interface{}{
			"code":   status.Status.Code,
			"string": status.Status.String,
			"state":  status.State,
		},
		"connectionState": b.conns.State().String(),
		"uptimeSeconds":   int64(time.Since(b.startedAt).Seconds()),
	}
	if in.IncludeDesignInfo {
		out["design"] = map[string]interface{}{
			"name":        status.DesignName,
			"code":        status.DesignCode,
			"platform":    status.Platform,
			"isRedundant": status.IsRedundant,
			"isEmulator":  status.IsEmulator,
		}
	}
	if in.IncludeNetworkInfo {
		out["network"] = map[string]interface{}{
			"host":   b.cfg.Core.Host,
			"port":   b.cfg.Core.Port,
			"secure": b.cfg.Core.Secure,
		}
	}
	return out, nil
}

type getAllControlsInput struct {
	IncludeMetadata  bool `json:"includeMetadata,omitempty"`
	GroupByComponent bool `json:"groupByComponent,omitempty"`
}

func (b *Bridge) handleGetAllControls(ctx context.Context, in getAllControlsInput) (map[string]interface{}, error) {
	comps, err := b.adapter.Components(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	if in.GroupByComponent {
		grouped := make(map[string][]map[string]interface{}, len(comps))
		for _, comp := range comps {
			controls, cerr := b.adapter.Controls(ctx, comp.Name)
			if cerr != nil {
				b.logger.Warn("skipping unreadable component", "component", comp.Name, "error", cerr)
				continue
			}
			list := make([]map[string]interface{}, 0, len(controls))
			for _, c := range controls {
				b.cacheControl(comp.Name, c)
				list = append(list, controlJSON(comp.Name, c, in.IncludeMetadata))
			}
			grouped[comp.Name] = list
			total += len(list)
		}
		return map[string]interface{}{"components": grouped, "count": total}, nil
	}

	flat := make([]map[string]interface{}, 0)
	for _, comp := range comps {
		controls, cerr := b.adapter.Controls(ctx, comp.Name)
		if cerr != nil {
			b.logger.Warn("skipping unreadable component", "component", comp.Name, "error", cerr)
			continue
		}
		for _, c := range controls {
			b.cacheControl(comp.Name, c)
			flat = append(flat, controlJSON(comp.Name, c, in.IncludeMetadata))
		}
	}
	return map[string]interface{}{"controls": flat, "count": len(flat)}, nil
}

type createChangeGroupInput struct {
	ID             string `json:"id" jsonschema:"required"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty" jsonschema:"minimum 30"`
}

func (b *Bridge) handleCreateChangeGroup(ctx context.Context, in createChangeGroupInput) (map[string]interface{}, error) {
	interval := time.Duration(in.PollIntervalMs) * time.Millisecond
	if in.PollIntervalMs != 0 && interval < 30*time.Millisecond {
		return nil, qerr.New(qerr.KindValidation, "pollInterval must be at least 30ms")
	}
	if err := b.registry.Create(ctx, in.ID, interval); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": in.ID, "created": true}, nil
}

type groupControlsInput struct {
	ID        string   `json:"id" jsonschema:"required"`
	Component string   `json:"component,omitempty"`
	Controls  []string `json:"controls" jsonschema:"required"`
}

func (b *Bridge) handleAddControls(ctx context.Context, in groupControlsInput) (map[string]interface{}, error) {
	if len(in.Controls) == 0 {
		return nil, qerr.New(qerr.KindValidation, "controls is required")
	}
	var (
		added int
		err   error
	)
	if in.Component != "" {
		added, err = b.registry.AddComponentControls(ctx, in.ID, in.Component, in.Controls)
	} else {
		added, err = b.registry.AddControls(ctx, in.ID, in.Controls)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"controlsAdded": added}, nil
}

func (b *Bridge) handleRemoveControls(ctx context.Context, in groupControlsInput) (map[string]interface{}, error) {
	if len(in.Controls) == 0 {
		return nil, qerr.New(qerr.KindValidation, "controls is required")
	}
	names := in.Controls
	if in.Component != "" {
		names = make([]string, len(in.Controls))
		for i, c := range in.Controls {
			names[i] = in.Component + "." + c
		}
	}
	removed, err := b.registry.RemoveControls(ctx, in.ID, names)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed}, nil
}

type groupIDInput struct {
	ID string `json:"id" jsonschema:"required"`
}

func (b *Bridge) handleClearChangeGroup(ctx context.Context, in groupIDInput) (map[string]interface{}, error) {
	if err := b.registry.Clear(ctx, in.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

type pollChangeGroupInput struct {
	ID      string `json:"id" jsonschema:"required"`
	ShowAll bool   `json:"showAll,omitempty" jsonschema:"report current values of every member"`
}

func (b *Bridge) handlePollChangeGroup(ctx context.Context, in pollChangeGroupInput) (map[string]interface{}, error) {
	changes, err := b.registry.Poll(ctx, in.ID, in.ShowAll)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(changes))
	for _, c := range changes {
		out = append(out, map[string]interface{}{
			"component":      componentOf(c.Name),
			"name":           c.Name,
			"value":          c.Value,
			"string":         c.StringRepr,
			"eventType":      string(c.EventType),
			"sequenceNumber": c.SequenceNumber,
			"timestamp":      c.TimestampMs,
		})
	}
	return map[string]interface{}{"changes": out, "count": len(out)}, nil
}

type setAutoPollInput struct {
	ID       string   `json:"id" jsonschema:"required"`
	Enabled  bool     `json:"enabled" jsonschema:"required"`
	Interval *float64 `json:"interval,omitempty" jsonschema:"seconds, clamped to [0.1, 300]"`
}

func (b *Bridge) handleSetAutoPoll(ctx context.Context, in setAutoPollInput) (map[string]interface{}, error) {
	interval := time.Second
	if in.Interval != nil {
		interval = time.Duration(*in.Interval * float64(time.Second))
	}
	applied, err := b.registry.SetAutoPoll(ctx, in.ID, in.Enabled, interval)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"ok": true, "enabled": in.Enabled}
	if in.Enabled {
		out["intervalSeconds"] = applied.Seconds()
	}
	return out, nil
}

type listChangeGroupsInput struct{}

func (b *Bridge) handleListChangeGroups(ctx context.Context, _ listChangeGroupsInput) (map[string]interface{}, error) {
	groups := b.registry.List()
	out := make([]map[string]interface{}, 0, len(groups))
	for _, g := range groups {
		entry := map[string]interface{}{
			"id":           g.ID,
			"controlCount": len(g.Controls),
			"autoPoll":     g.AutoPollEnabled,
			"created":      g.CreatedAtMs,
			"pollCount":    g.PollCount,
		}
		if g.PollIntervalMs > 0 {
			entry["pollInterval"] = g.PollIntervalMs
		}
		if g.AutoPollEnabled {
			entry["autoPollIntervalMs"] = g.AutoPollIntervalMs
		}
		out = append(out, entry)
	}
	return map[string]interface{}{"groups": out, "count": len(out)}, nil
}

func (b *Bridge) handleDestroyChangeGroup(ctx context.Context, in groupIDInput) (map[string]interface{}, error) {
	if err := b.registry.Destroy(ctx, in.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

type valueFilterInput struct {
	Operator string      `json:"operator" jsonschema:"one of eq, neq, lt, lte, gt, gte, changed_to, changed_from"`
	Value    interface{} `json:"value"`
}

type queryChangeEventsInput struct {
	StartTime      int64             `json:"startTime,omitempty" jsonschema:"unix milliseconds"`
	EndTime        int64             `json:"endTime,omitempty" jsonschema:"unix milliseconds"`
	ChangeGroupID  string            `json:"changeGroupId,omitempty"`
	ControlNames   []string          `json:"controlNames,omitempty"`
	ComponentNames []string          `json:"componentNames,omitempty"`
	EventTypes     []string          `json:"eventTypes,omitempty"`
	ValueFilter    *valueFilterInput `json:"valueFilter,omitempty"`
	Limit          int               `json:"limit,omitempty" jsonschema:"default 1000, maximum 10000"`
	Offset         int               `json:"offset,omitempty"`
	Aggregate      string            `json:"aggregate,omitempty" jsonschema:"one of count, minmax"`
}

func (b *Bridge) handleQueryChangeEvents(ctx context.Context, in queryChangeEventsInput) (map[string]interface{}, error) {
	q := eventlog.Query{
		GroupID:        in.ChangeGroupID,
		StartMs:        in.StartTime,
		EndMs:          in.EndTime,
		ControlNames:   in.ControlNames,
		ComponentNames: in.ComponentNames,
		Limit:          in.Limit,
		Offset:         in.Offset,
		Aggregate:      in.Aggregate,
	}
	for _, t := range in.EventTypes {
		q.EventTypes = append(q.EventTypes, eventlog.EventType(t))
	}
	if in.ValueFilter != nil {
		q.ValueFilter = &eventlog.ValueFilter{Operator: in.ValueFilter.Operator, Value: in.ValueFilter.Value}
	}

	res, err := b.buffer.Query(q)
	if err != nil {
		return nil, err
	}

	if in.Aggregate != "" {
		return map[string]interface{}{
			"aggregations": res.Aggregations,
			"count":        res.TotalMatched,
		}, nil
	}

	events := make([]map[string]interface{}, 0, len(res.Events))
	for i := range res.Events {
		events = append(events, eventJSON(&res.Events[i]))
	}
	return map[string]interface{}{
		"events":  events,
		"count":   len(events),
		"hasMore": res.Truncated,
	}, nil
}

type getEventStatisticsInput struct {
	StartTime int64  `json:"startTime,omitempty" jsonschema:"unix milliseconds"`
	EndTime   int64  `json:"endTime,omitempty" jsonschema:"unix milliseconds"`
	GroupBy   string `json:"groupBy,omitempty" jsonschema:"one of component, control, changeGroup, hour, day, eventType"`
}

func (b *Bridge) handleGetEventStatistics(ctx context.Context, in getEventStatisticsInput) (map[string]interface{}, error) {
	buckets, err := b.buffer.Statistics(in.GroupBy, in.StartTime, in.EndTime)
	if err != nil {
		return nil, err
	}
	cacheStats := b.cache.Statistics()
	return map[string]interface{}{
		"statistics": map[string]interface{}{
			"buckets":          buckets,
			"bufferTotalBytes": b.buffer.TotalBytes(),
			"cache":            cacheStats,
		},
	}, nil
}

type queryQsysAPIInput struct {
	Method string          `json:"method" jsonschema:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (b *Bridge) handleQueryQsysAPI(ctx context.Context, in queryQsysAPIInput) (map[string]interface{}, error) {
	if in.Method == "" {
		return nil, qerr.New(qerr.KindValidation, "method is required")
	}
	if strings.EqualFold(in.Method, "Logon") {
		return nil, qerr.New(qerr.KindValidation, "Logon is managed by the bridge")
	}

	var params interface{}
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return nil, qerr.Wrap(err, qerr.KindValidation, "params is not valid JSON")
		}
	}

	raw, err := b.adapter.SendCommand(ctx, in.Method, params, nil)
	if err != nil {
		return nil, err
	}
	var result interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, qerr.Wrap(err, qerr.KindParseError, "core returned unparseable result")
		}
	}
	return map[string]interface{}{"result": result}, nil
}

// ============================================================================
// Shared helpers
// ============================================================================

func componentOf(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return ""
}

// cacheControl records a freshly read control in the state cache, with
// metadata when the Core reported a range.
func (b *Bridge) cacheControl(component string, c qrwc.Control) {
	v, err := state.FromRaw(c.Value)
	if err != nil {
		return
	}
	meta := &state.Metadata{
		Type:      c.Type,
		Component: component,
		Min:       c.ValueMin,
		Max:       c.ValueMax,
	}
	b.cache.Set(component+"."+c.Name, v, state.SourceCore, meta)
}

func controlJSON(component string, c qrwc.Control, includeMetadata bool) map[string]interface{} {
	entry := map[string]interface{}{
		"name":     component + "." + c.Name,
		"type":     c.Type,
		"value":    c.Value,
		"string":   c.String,
		"position": c.Position,
	}
	if includeMetadata {
		meta := map[string]interface{}{
			"component": component,
			"direction": c.Direction,
		}
		if c.ValueMin != nil {
			meta["min"] = *c.ValueMin
		}
		if c.ValueMax != nil {
			meta["max"] = *c.ValueMax
		}
		entry["metadata"] = meta
	}
	return entry
}

func matchesControlType(c qrwc.Control, controlType string) bool {
	if controlType == "" || controlType == "all" {
		return true
	}
	name := strings.ToLower(c.Name)
	typ := strings.ToLower(c.Type)
	switch controlType {
	case "gain":
		return typ == "gain" || strings.Contains(name, "gain") || strings.Contains(name, "level")
	case "mute":
		return strings.Contains(name, "mute")
	case "input_select":
		return strings.Contains(name, "input") && strings.Contains(name, "select")
	case "output_select":
		return strings.Contains(name, "output") && strings.Contains(name, "select")
	}
	return false
}

func eventJSON(e *eventlog.Event) map[string]interface{} {
	out := map[string]interface{}{
		"changeGroupId":  e.GroupID,
		"controlName":    e.ControlName,
		"value":          e.Value.Raw(),
		"string":         e.StringRepr,
		"timestampNs":    e.TimestampNs,
		"timestampMs":    e.TimestampMs,
		"sequenceNumber": e.SequenceNumber,
		"eventType":      string(e.EventType),
	}
	if e.PreviousValue != nil {
		out["previousValue"] = e.PreviousValue.Raw()
	}
	if e.Delta != nil {
		out["delta"] = *e.Delta
	}
	if e.Threshold != nil {
		out["threshold"] = *e.Threshold
	}
	return out
}

// componentError refines Core errors from component-scoped calls into the
// taxonomy's not-found kind when the Core reports an unknown component.
func componentError(err error, component string) error {
	if qerr.KindOf(err) != qerr.KindCoreError {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no component") || strings.Contains(msg, "unknown component") {
		return qerr.Newf(qerr.KindComponentNotFound, "component %q not found", component).
			WithDetails(map[string]interface{}{"component": component})
	}
	return err
}
