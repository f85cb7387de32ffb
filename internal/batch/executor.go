// Package batch executes multi-control writes: validate, snapshot, set with
// bounded concurrency, and best-effort rollback when a batch partially
// fails.
package batch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

const (
	defaultConcurrency = 10
	defaultTimeout     = 30 * time.Second
)

// Entry is one control write in a batch.
type Entry struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
	Ramp  *float64    `json:"ramp,omitempty"`
}

// Options tunes one batch run. Zero values take the documented defaults.
type Options struct {
	RollbackOnFailure *bool `json:"rollbackOnFailure,omitempty"`       // default true
	ContinueOnError   bool  `json:"continueOnError,omitempty"`         // default false
	TimeoutMs         int   `json:"timeoutMs,omitempty"`               // default 30000
	Validate          *bool `json:"validateBeforeExecution,omitempty"` // default true

	// MaxConcurrentChanges caps this batch's own parallelism on top of the
	// executor-wide budget. Zero means no per-batch cap.
	MaxConcurrentChanges int `json:"maxConcurrentChanges,omitempty"`

	// ChangeGroupID ties the batch to a group; destroying the group cancels
	// entries that have not started.
	ChangeGroupID string `json:"changeGroupId,omitempty"`
}

// EntryResult reports one entry's outcome.
type EntryResult struct {
	Name    string      `json:"name"`
	Success bool        `json:"success"`
	Error   *EntryError `json:"error,omitempty"`
}

type EntryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the full batch outcome. Partial results are always populated.
type Result struct {
	TotalControls     int           `json:"totalControls"`
	SuccessCount      int           `json:"successCount"`
	FailureCount      int           `json:"failureCount"`
	Results           []EntryResult `json:"results"`
	RollbackPerformed bool          `json:"rollbackPerformed"`
	ExecutionTimeMs   int64         `json:"executionTimeMs"`
}

// Core is the slice of the command adapter the executor needs. Split out so
// tests can substitute a fake Core.
type Core interface {
	ControlValues(ctx context.Context, names []string) ([]qrwc.NamedValue, error)
	SetControlValues(ctx context.Context, cmds []qrwc.SetCommand) error
}

// Executor runs batches against the Core with a shared concurrency budget.
type Executor struct {
	adapter Core
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu    sync.Mutex
	byGrp map[string]map[*struct{}]context.CancelFunc
}

func NewExecutor(adapter Core, concurrency int64, logger *slog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Executor{
		adapter: adapter,
		logger:  logger,
		sem:     semaphore.NewWeighted(concurrency),
		byGrp:   make(map[string]map[*struct{}]context.CancelFunc),
	}
}

// CancelGroup cancels every in-flight batch tied to the group. Wired to the
// change-group registry's destroy hook.
func (e *Executor) CancelGroup(groupID string) {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.byGrp[groupID]))
	for _, cancel := range e.byGrp[groupID] {
		cancels = append(cancels, cancel)
	}
	delete(e.byGrp, groupID)
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		e.logger.Info("batches cancelled by change group destroy", "group", groupID, "count", len(cancels))
	}
}

// Execute runs one batch. The returned Result is populated even on error;
// the error is the batch-level failure (validation, snapshot) when nothing
// ran at all.
func (e *Executor) Execute(ctx context.Context, entries []Entry, opts Options) (*Result, error) {
	started := time.Now()

	rollback := opts.RollbackOnFailure == nil || *opts.RollbackOnFailure
	validate := opts.Validate == nil || *opts.Validate
	timeout := defaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	if len(entries) == 0 {
		return nil, qerr.New(qerr.KindValidation, "batch has no entries")
	}
	if opts.MaxConcurrentChanges < 0 {
		return nil, qerr.New(qerr.KindValidation, "maxConcurrentChanges must be non-negative")
	}
	if validate {
		if err := validateEntries(entries); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opts.ChangeGroupID != "" {
		token := e.register(opts.ChangeGroupID, cancel)
		defer e.unregister(opts.ChangeGroupID, token)
	}

	var snapshot []qrwc.NamedValue
	if rollback {
		names := make([]string, len(entries))
		for i, en := range entries {
			names[i] = en.Name
		}
		var err error
		snapshot, err = e.adapter.ControlValues(ctx, names)
		if err != nil {
			return nil, qerr.Wrap(err, qerr.KindInternal, "pre-batch snapshot failed")
		}
	}

	results := e.runEntries(ctx, entries, opts.ContinueOnError, opts.MaxConcurrentChanges)

	res := &Result{
		TotalControls: len(entries),
		Results:       results,
	}
	for _, r := range results {
		if r.Success {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}

	if res.FailureCount > 0 && rollback && len(snapshot) > 0 {
		res.RollbackPerformed = e.rollback(snapshot, results)
	}

	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	return res, nil
}

// runEntries executes entries under the shared semaphore, plus a per-batch
// semaphore when maxConcurrent is set. Without continueOnError the first
// failure stops admission of further entries; writes already running finish
// and record their own results. Entries that never started report CANCELLED.
func (e *Executor) runEntries(ctx context.Context, entries []Entry, continueOnError bool, maxConcurrent int) []EntryResult {
	results := make([]EntryResult, len(entries))
	admitCtx, stopAdmission := context.WithCancel(ctx)
	defer stopAdmission()

	var batchSem *semaphore.Weighted
	if maxConcurrent > 0 {
		batchSem = semaphore.NewWeighted(int64(maxConcurrent))
	}

	var wg sync.WaitGroup
	for i := range entries {
		if admitCtx.Err() != nil {
			results[i] = cancelledResult(entries[i].Name, ctx)
			continue
		}
		if batchSem != nil {
			if err := batchSem.Acquire(admitCtx, 1); err != nil {
				results[i] = cancelledResult(entries[i].Name, ctx)
				continue
			}
		}
		if err := e.sem.Acquire(admitCtx, 1); err != nil {
			if batchSem != nil {
				batchSem.Release(1)
			}
			results[i] = cancelledResult(entries[i].Name, ctx)
			continue
		}

		wg.Add(1)
		go func(idx int, en Entry) {
			defer wg.Done()
			defer e.sem.Release(1)
			if batchSem != nil {
				defer batchSem.Release(1)
			}
			defer func() {
				if p := recover(); p != nil {
					e.logger.Error("batch entry panic", "control", en.Name, "panic", p, "stack", string(debug.Stack()))
					results[idx] = EntryResult{Name: en.Name, Error: &EntryError{
						Code:    string(qerr.KindInternal),
						Message: "internal failure executing control write",
					}}
				}
			}()

			// The write runs on the batch context, not the admission one: a
			// failing sibling stops new entries but never aborts this write.
			err := e.adapter.SetControlValues(ctx, []qrwc.SetCommand{{
				Name:  en.Name,
				Value: en.Value,
				Ramp:  en.Ramp,
			}})
			if err != nil {
				results[idx] = EntryResult{Name: en.Name, Error: &EntryError{
					Code:    string(qerr.KindOf(err)),
					Message: qerr.Redact(err.Error()),
				}}
				if !continueOnError {
					stopAdmission()
				}
				return
			}
			results[idx] = EntryResult{Name: en.Name, Success: true}
		}(i, entries[i])
	}
	wg.Wait()
	return results
}

// rollback restores snapshot values for entries that succeeded before the
// batch failed. Best effort, no ramps, never recursive.
func (e *Executor) rollback(snapshot []qrwc.NamedValue, results []EntryResult) bool {
	succeeded := make(map[string]struct{})
	for _, r := range results {
		if r.Success {
			succeeded[r.Name] = struct{}{}
		}
	}
	if len(succeeded) == 0 {
		return false
	}

	cmds := make([]qrwc.SetCommand, 0, len(succeeded))
	for _, nv := range snapshot {
		name := nv.Name
		if nv.Component != "" {
			name = nv.Component + "." + nv.Name
		}
		if _, ok := succeeded[name]; !ok {
			continue
		}
		cmds = append(cmds, qrwc.SetCommand{Name: name, Value: nv.Value})
	}
	if len(cmds) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := e.adapter.SetControlValues(ctx, cmds); err != nil {
		e.logger.Warn("batch rollback incomplete", "controls", len(cmds), "error", err)
		return false
	}
	e.logger.Info("batch rolled back", "controls", len(cmds))
	return true
}

func (e *Executor) register(groupID string, cancel context.CancelFunc) *struct{} {
	token := new(struct{})
	e.mu.Lock()
	if e.byGrp[groupID] == nil {
		e.byGrp[groupID] = make(map[*struct{}]context.CancelFunc)
	}
	e.byGrp[groupID][token] = cancel
	e.mu.Unlock()
	return token
}

func (e *Executor) unregister(groupID string, token *struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m := e.byGrp[groupID]; m != nil {
		delete(m, token)
		if len(m) == 0 {
			delete(e.byGrp, groupID)
		}
	}
}

func validateEntries(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, en := range entries {
		if en.Name == "" {
			return qerr.New(qerr.KindValidation, "batch entry is missing a control name")
		}
		if _, dup := seen[en.Name]; dup {
			return qerr.Newf(qerr.KindValidation, "control %q appears twice in batch", en.Name)
		}
		seen[en.Name] = struct{}{}
		if _, err := state.FromRaw(en.Value); err != nil {
			return qerr.Newf(qerr.KindValidation, "control %q: %v", en.Name, err)
		}
		if en.Ramp != nil && *en.Ramp < 0 {
			return qerr.Newf(qerr.KindValidation, "control %q: ramp must be non-negative", en.Name)
		}
	}
	return nil
}

func cancelledResult(name string, ctx context.Context) EntryResult {
	code := qerr.KindCancelled
	if ctx.Err() == context.DeadlineExceeded {
		code = qerr.KindTimeout
	}
	return EntryResult{Name: name, Error: &EntryError{
		Code:    string(code),
		Message: "entry not executed",
	}}
}
