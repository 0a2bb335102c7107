// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plexushq/plexus/pkg/errutil"
)

// CycleState is the phase a reinitialization cycle is in, or the terminal
// state of the most recent cycle.
type CycleState int32

// Cycle states.
const (
	StateIdle CycleState = iota
	StateLoading
	StateValidating
	StateCommitted
	StateFailed
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateValidating:
		return "validating"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CycleReport summarizes one reinitialization cycle.
type CycleReport struct {
	ID         ulid.ULID
	Trigger    Trigger
	State      CycleState
	Err        error
	Generation uint64
	Plugins    []string
	Started    time.Time
	Finished   time.Time
}

// CycleRecord is the journal form of a completed cycle.
type CycleRecord struct {
	ID       string
	Trigger  string
	Detail   string
	State    string
	Error    string
	Plugins  int
	Started  time.Time
	Finished time.Time
}

// InvocationRecord is the journal form of one plugin invocation within a
// dispatch.
type InvocationRecord struct {
	DispatchID string
	Event      string
	Plugin     string
	Status     string
	Error      string
	Elapsed    time.Duration
	At         time.Time
}

// Journal persists cycle and invocation history. Implementations must
// tolerate concurrent writers.
type Journal interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
}

// ControllerConfig carries the required collaborators for a Controller.
type ControllerConfig struct {
	HostVersion *semver.Version
	Tables      TableProvider
	Loader      *Loader
	Registry    *Registry
	Log         *slog.Logger
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithJournal records every completed cycle in j.
func WithJournal(j Journal) ControllerOption {
	return func(c *Controller) { c.journal = j }
}

// WithWatching arms a filesystem watch on every registered source path after
// each committed cycle. A settled change triggers a full reinitialization.
func WithWatching(quiet time.Duration) ControllerOption {
	return func(c *Controller) {
		c.watch = true
		c.watchQuiet = quiet
	}
}

// WithRetry retries cycles that fail during loading up to attempts times
// with fibonacci backoff starting at base. Validation failures are
// deterministic and are never retried.
func WithRetry(attempts uint64, base time.Duration) ControllerOption {
	return func(c *Controller) {
		c.retryAttempts = attempts
		c.retryBase = base
	}
}

// Controller drives the reinitialization lifecycle: load every registered
// plugin, validate compatibility and arguments, then atomically commit the
// new registry generation. Any failure abandons the cycle and leaves the
// previous generation untouched.
type Controller struct {
	cfg           ControllerConfig
	journal       Journal
	watcher       *Watcher
	watch         bool
	watchQuiet    time.Duration
	retryAttempts uint64
	retryBase     time.Duration

	tracer trace.Tracer

	mu      sync.Mutex
	pending atomic.Bool
	state   atomic.Int32
	closed  atomic.Bool
	wg      sync.WaitGroup

	lastMu sync.Mutex
	last   *CycleReport
}

// NewController validates cfg and returns a controller in the idle state.
// No cycle runs until Reinitialize or Trigger is called.
func NewController(cfg ControllerConfig, opts ...ControllerOption) (*Controller, error) {
	if cfg.HostVersion == nil {
		return nil, oops.In("reinit").New("host version is required")
	}
	if cfg.Tables == nil {
		return nil, oops.In("reinit").New("table provider is required")
	}
	if cfg.Loader == nil {
		return nil, oops.In("reinit").New("loader is required")
	}
	if cfg.Registry == nil {
		return nil, oops.In("reinit").New("registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Controller{
		cfg:    cfg,
		tracer: otel.Tracer("plexus/plugin"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryAttempts > 0 && c.retryBase <= 0 {
		c.retryBase = 100 * time.Millisecond
	}

	if c.watch {
		w, err := NewWatcher(WatcherConfig{
			Quiet: c.watchQuiet,
			Log:   cfg.Log,
			OnChange: func(path string) {
				cfg.Log.Info("plugin source changed, reinitializing", "path", path)
				c.Trigger(context.Background(), Trigger{Kind: TriggerFileChange, Detail: path})
			},
		})
		if err != nil {
			return nil, err
		}
		c.watcher = w
	}
	return c, nil
}

// Reinitialize runs one full cycle synchronously and returns its report.
// Cycles are serialized; a concurrent caller blocks until the in-flight
// cycle finishes.
func (c *Controller) Reinitialize(ctx context.Context, trig Trigger) (*CycleReport, error) {
	if c.closed.Load() {
		return nil, ErrControllerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrControllerClosed
	}
	return c.runCycleWithRetry(ctx, trig)
}

// Trigger requests a cycle asynchronously. Triggers arriving while a cycle
// is in flight coalesce into at most one follow-up cycle.
func (c *Controller) Trigger(ctx context.Context, trig Trigger) {
	if c.closed.Load() {
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		c.cfg.Log.Debug("reinitialization already pending, coalescing trigger",
			"trigger", trig.Kind,
			"detail", trig.Detail)
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pending.Store(false)
		if c.closed.Load() {
			return
		}
		// Failures are logged and captured in the last report.
		_, _ = c.runCycleWithRetry(ctx, trig)
	}()
}

// Validate dry-runs a cycle: every registered plugin is loaded and
// validated exactly as Reinitialize would, then discarded. The registry is
// never touched.
func (c *Controller) Validate(ctx context.Context) error {
	if c.closed.Load() {
		return ErrControllerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	registrations, events := c.cfg.Tables.Tables()
	names := sortedNames(registrations)
	built, err := c.loadAll(ctx, names, registrations)
	if err == nil {
		err = c.validateAll(ctx, names, built, events)
	}
	closeDescriptors(built)
	return err
}

// State returns the phase of the in-flight cycle, or the terminal state of
// the most recent one.
func (c *Controller) State() CycleState {
	return CycleState(c.state.Load())
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle.
func (c *Controller) LastReport() *CycleReport {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

// Registry returns the registry this controller commits into.
func (c *Controller) Registry() *Registry {
	return c.cfg.Registry
}

// Close stops the watcher, waits for any pending cycle to drain, and
// releases the active registry generation.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	c.cfg.Registry.Close()
	return err
}

func (c *Controller) runCycleWithRetry(ctx context.Context, trig Trigger) (*CycleReport, error) {
	if c.retryAttempts == 0 {
		return c.runCycle(ctx, trig)
	}
	var report *CycleReport
	backoff := retry.WithMaxRetries(c.retryAttempts, retry.NewFibonacci(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var cycleErr error
		report, cycleErr = c.runCycle(ctx, trig)
		if cycleErr == nil {
			return nil
		}
		var loadErr *LoadError
		if errors.As(cycleErr, &loadErr) {
			return retry.RetryableError(cycleErr)
		}
		return cycleErr
	})
	return report, err
}

func (c *Controller) runCycle(ctx context.Context, trig Trigger) (report *CycleReport, err error) {
	ctx, span := c.tracer.Start(ctx, "plugin.reinitialize",
		trace.WithAttributes(
			attribute.String("trigger.kind", trig.Kind),
			attribute.String("trigger.detail", trig.Detail),
		))
	defer span.End()

	report = &CycleReport{ID: ulid.Make(), Trigger: trig, Started: time.Now()}
	span.SetAttributes(attribute.String("cycle.id", report.ID.String()))

	defer func() {
		report.Finished = time.Now()
		c.finish(ctx, report)
	}()

	registrations, events := c.cfg.Tables.Tables()
	names := sortedNames(registrations)

	c.setState(StateLoading)
	report.State = StateLoading
	c.cfg.Log.Info("loading plugins",
		"cycle", report.ID.String(),
		"trigger", trig.Kind,
		"detail", trig.Detail,
		"plugins", len(names))

	built, err := c.loadAll(ctx, names, registrations)
	if err == nil {
		c.setState(StateValidating)
		report.State = StateValidating
		c.cfg.Log.Debug("validating plugins", "cycle", report.ID.String())
		err = c.validateAll(ctx, names, built, events)
	}
	if err != nil {
		closeDescriptors(built)
		c.setState(StateFailed)
		report.State = StateFailed
		report.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "reinitialization failed")
		errutil.LogError(ctx, c.cfg.Log, err,
			"reinitialization failed; previous registry remains active")
		return report, err
	}

	gen := c.cfg.Registry.Commit(built)
	c.setState(StateCommitted)
	report.State = StateCommitted
	report.Generation = gen.Seq()
	report.Plugins = gen.Names()
	span.SetAttributes(attribute.Int64("registry.generation", int64(gen.Seq())))

	c.cfg.Log.Info("registry committed",
		"cycle", report.ID.String(),
		"generation", gen.Seq(),
		"plugins", len(report.Plugins))

	if c.watcher != nil {
		paths := make([]string, 0, len(registrations))
		for _, entry := range registrations {
			paths = append(paths, entry.SourcePath)
		}
		if armErr := c.watcher.Rearm(paths); armErr != nil {
			// The new generation is already live; a watch that failed to
			// arm only means changes to that source go unnoticed.
			errutil.LogError(ctx, c.cfg.Log, armErr, "failed to arm source watches")
		} else {
			c.cfg.Log.Debug("watching plugin sources", "paths", len(paths))
		}
	}
	return report, nil
}

func (c *Controller) loadAll(ctx context.Context, names []string, registrations RegistrationTable) (map[string]*Descriptor, error) {
	built := make(map[string]*Descriptor, len(names))
	for _, name := range names {
		d, err := c.cfg.Loader.Load(ctx, name, registrations[name])
		if err != nil {
			return built, err
		}
		built[name] = d
	}
	return built, nil
}

func (c *Controller) validateAll(ctx context.Context, names []string, built map[string]*Descriptor, events EventTable) error {
	for _, name := range names {
		d := built[name]
		if err := ValidateCompatibility(c.cfg.HostVersion, d); err != nil {
			return err
		}
		if err := CheckArguments(ctx, d, d.DefaultArgs); err != nil {
			return err
		}
		for _, args := range events.overridesFor(name) {
			if err := CheckArguments(ctx, d, args); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, report *CycleReport) {
	elapsed := report.Finished.Sub(report.Started)
	recordCycle(report.Trigger.Kind, report.State.String(), len(report.Plugins), elapsed)

	c.lastMu.Lock()
	c.last = report
	c.lastMu.Unlock()

	if c.journal == nil {
		return
	}
	rec := CycleRecord{
		ID:       report.ID.String(),
		Trigger:  report.Trigger.Kind,
		Detail:   report.Trigger.Detail,
		State:    report.State.String(),
		Plugins:  len(report.Plugins),
		Started:  report.Started,
		Finished: report.Finished,
	}
	if report.Err != nil {
		rec.Error = report.Err.Error()
	}
	if err := c.journal.RecordCycle(ctx, rec); err != nil {
		c.cfg.Log.Warn("failed to journal reinitialization cycle",
			"cycle", rec.ID,
			"error", err)
	}
}

func (c *Controller) setState(s CycleState) {
	c.state.Store(int32(s))
}

func sortedNames(registrations RegistrationTable) []string {
	names := make([]string, 0, len(registrations))
	for name := range registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeDescriptors(built map[string]*Descriptor) {
	for _, d := range built {
		_ = d.Close()
	}
}
