// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackedHandler is a scripted plugin for controller tests: version
// constraint, predicate outcome, and close state are all observable.
type trackedHandler struct {
	min      string
	validate func(args any) bool
	vCalls   atomic.Int64
	closed   atomic.Bool
}

func (h *trackedHandler) Invoke(_ context.Context, payload any) (any, error) {
	return payload, nil
}

func (h *trackedHandler) MinHostVersion() string { return h.min }

func (h *trackedHandler) ValidateArguments(_ context.Context, args any) (bool, error) {
	h.vCalls.Add(1)
	if h.validate == nil {
		return true, nil
	}
	return h.validate(args), nil
}

func (h *trackedHandler) Close() error {
	h.closed.Store(true)
	return nil
}

// swappableTables lets a test change the configured tables between cycles,
// the way a config reload would.
type swappableTables struct {
	mu     sync.Mutex
	reg    RegistrationTable
	events EventTable
	reads  atomic.Int64
}

func (s *swappableTables) Tables() (RegistrationTable, EventTable) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg, s.events
}

func (s *swappableTables) swap(reg RegistrationTable, events EventTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
	s.events = events
}

func newTestController(t *testing.T, tables TableProvider, rt Runtime, opts ...ControllerOption) *Controller {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	ctrl, err := NewController(ControllerConfig{
		HostVersion: semver.MustParse("1.4.0"),
		Tables:      tables,
		Loader:      NewLoader(log, rt),
		Registry:    NewRegistry(),
		Log:         log,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func TestController_FirstCycleCommits(t *testing.T) {
	rt := &fakeRuntime{name: "fake", ext: ".lua"}
	tables := StaticTables{
		Registration: RegistrationTable{
			"echo":  {SourcePath: "/p/echo.lua"},
			"audit": {SourcePath: "/p/audit.lua"},
		},
	}
	ctrl := newTestController(t, tables, rt)

	report, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, report.State)
	assert.Equal(t, uint64(1), report.Generation)
	assert.Equal(t, []string{"audit", "echo"}, report.Plugins)
	assert.Equal(t, TriggerStartup, report.Trigger.Kind)
	assert.False(t, report.Finished.Before(report.Started))

	gen, release := ctrl.Registry().Acquire()
	defer release()
	assert.Equal(t, []string{"audit", "echo"}, gen.Names())
	assert.Equal(t, StateCommitted, ctrl.State())
}

func TestController_FailedCyclePreservesPreviousRegistry(t *testing.T) {
	good := &trackedHandler{}
	rt := &fakeRuntime{
		name: "fake",
		ext:  ".lua",
		handler: func(name, _ string) (Handler, error) {
			if name == "broken" {
				return nil, errors.New("syntax error")
			}
			return good, nil
		},
	}
	tables := &swappableTables{
		reg: RegistrationTable{"stable": {SourcePath: "/p/stable.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.NoError(t, err)

	// Second cycle picks up a plugin that no longer loads.
	tables.swap(RegistrationTable{
		"stable": {SourcePath: "/p/stable.lua"},
		"broken": {SourcePath: "/p/broken.lua"},
	}, nil)

	report, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerFileChange, Detail: "/p/broken.lua"})
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.Plugin)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateFailed, ctrl.State())

	// The first generation is still the active one, bit for bit.
	gen, release := ctrl.Registry().Acquire()
	defer release()
	assert.Equal(t, uint64(1), gen.Seq(), "failed cycle must not advance the generation")
	assert.Equal(t, []string{"stable"}, gen.Names())

	out, invokeErr := mustLookup(t, gen, "stable").Handler.Invoke(context.Background(), "ping")
	require.NoError(t, invokeErr)
	assert.Equal(t, "ping", out, "previous generation stays fully usable")
}

func mustLookup(t *testing.T, gen *Generation, name string) *Descriptor {
	t.Helper()
	d, ok := gen.Lookup(name)
	require.True(t, ok, "plugin %q missing from generation", name)
	return d
}

func TestController_FailFastSkipsRemainingLoads(t *testing.T) {
	var loaded []string
	rt := &fakeRuntime{
		name: "fake",
		ext:  ".lua",
		handler: func(name, _ string) (Handler, error) {
			loaded = append(loaded, name)
			if name == "bravo" {
				return nil, errors.New("boom")
			}
			return &trackedHandler{}, nil
		},
	}
	tables := StaticTables{
		Registration: RegistrationTable{
			"alpha":   {SourcePath: "/p/alpha.lua"},
			"bravo":   {SourcePath: "/p/bravo.lua"},
			"charlie": {SourcePath: "/p/charlie.lua"},
		},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.Error(t, err)

	// Names load in sorted order and the first failure stops the cycle.
	assert.Equal(t, []string{"alpha", "bravo"}, loaded)
}

func TestController_IncompatiblePluginNeverCommits(t *testing.T) {
	demanding := &trackedHandler{min: "99.0.0"}
	rt := &fakeRuntime{
		name:    "fake",
		ext:     ".lua",
		handler: func(_, _ string) (Handler, error) { return demanding, nil },
	}
	tables := StaticTables{
		Registration: RegistrationTable{"greedy": {SourcePath: "/p/greedy.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	report, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.Error(t, err)

	var incompatErr *IncompatibleVersionError
	require.ErrorAs(t, err, &incompatErr)
	assert.Equal(t, StateFailed, report.State)

	gen, release := ctrl.Registry().Acquire()
	defer release()
	assert.Zero(t, gen.Len(), "incompatible plugin must never appear in the registry")
	assert.True(t, demanding.closed.Load(), "abandoned cycle closes what it loaded")
}

func TestController_DefaultArgsValidatedBeforeCommit(t *testing.T) {
	fussy := &trackedHandler{validate: func(args any) bool { return args == nil }}
	rt := &fakeRuntime{
		name:    "fake",
		ext:     ".lua",
		handler: func(_, _ string) (Handler, error) { return fussy, nil },
	}
	tables := StaticTables{
		Registration: RegistrationTable{
			"fussy": {SourcePath: "/p/fussy.lua", DefaultArgs: map[string]any{"bad": true}},
		},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.Error(t, err)

	var valErr *ArgumentValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "fussy", valErr.Plugin)

	gen, release := ctrl.Registry().Acquire()
	defer release()
	assert.Zero(t, gen.Len())
}

func TestController_OverridesValidatedBeforeCommit(t *testing.T) {
	fussy := &trackedHandler{
		validate: func(args any) bool {
			m, ok := args.(map[string]any)
			return !ok || m["level"] != "bogus"
		},
	}
	rt := &fakeRuntime{
		name:    "fake",
		ext:     ".lua",
		handler: func(_, _ string) (Handler, error) { return fussy, nil },
	}
	tables := StaticTables{
		Registration: RegistrationTable{"fussy": {SourcePath: "/p/fussy.lua"}},
		Events: EventTable{
			"deploy": {RouteWith("fussy", map[string]any{"level": "bogus"})},
		},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.Error(t, err)

	var valErr *ArgumentValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, map[string]any{"level": "bogus"}, valErr.Args,
		"the override payload, not the defaults, must be reported")
}

func TestController_DuplicateOverridesValidatedOnce(t *testing.T) {
	counting := &trackedHandler{}
	rt := &fakeRuntime{
		name:    "fake",
		ext:     ".lua",
		handler: func(_, _ string) (Handler, error) { return counting, nil },
	}
	override := map[string]any{"level": "high"}
	tables := StaticTables{
		Registration: RegistrationTable{"audit": {SourcePath: "/p/audit.lua"}},
		Events: EventTable{
			"deploy":   {RouteWith("audit", override)},
			"rollback": {RouteWith("audit", override)},
			"scale":    {RouteWith("audit", map[string]any{"level": "low"})},
		},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.NoError(t, err)

	// Defaults once, plus one call per distinct override payload.
	assert.Equal(t, int64(3), counting.vCalls.Load())
}

func TestController_TriggersCoalesce(t *testing.T) {
	rt := &fakeRuntime{name: "fake", ext: ".lua", block: make(chan struct{})}
	tables := &swappableTables{
		reg: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	// First trigger starts a cycle that parks inside the runtime.
	ctrl.Trigger(context.Background(), Trigger{Kind: TriggerFileChange, Detail: "/p/echo.lua"})
	require.Eventually(t, func() bool { return rt.loads.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "first cycle should reach the runtime")

	// Both of these arrive mid-cycle; they must collapse into one follow-up.
	ctrl.Trigger(context.Background(), Trigger{Kind: TriggerFileChange, Detail: "/p/echo.lua"})
	ctrl.Trigger(context.Background(), Trigger{Kind: TriggerFileChange, Detail: "/p/echo.lua"})

	close(rt.block)

	require.Eventually(t, func() bool { return tables.reads.Load() == 2 },
		2*time.Second, 10*time.Millisecond, "exactly one follow-up cycle should run")

	// Give a stray third cycle time to appear; it must not.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), tables.reads.Load())
}

func TestController_ValidateIsDryRun(t *testing.T) {
	probe := &trackedHandler{}
	rt := &fakeRuntime{
		name:    "fake",
		ext:     ".lua",
		handler: func(_, _ string) (Handler, error) { return probe, nil },
	}
	tables := StaticTables{
		Registration: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	require.NoError(t, ctrl.Validate(context.Background()))

	gen, release := ctrl.Registry().Acquire()
	defer release()
	assert.Zero(t, gen.Len(), "dry run must not commit")
	assert.Equal(t, uint64(0), gen.Seq())
	assert.True(t, probe.closed.Load(), "dry run releases what it loaded")
	assert.Equal(t, StateIdle, ctrl.State(), "dry run does not move the state machine")
}

func TestController_RetryReloadsAfterTransientLoadFailure(t *testing.T) {
	var attempts atomic.Int64
	rt := &fakeRuntime{
		name: "fake",
		ext:  ".lua",
		handler: func(_, _ string) (Handler, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("file mid-save")
			}
			return &trackedHandler{}, nil
		},
	}
	tables := StaticTables{
		Registration: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt, WithRetry(2, time.Millisecond))

	report, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerFileChange})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, report.State)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestController_RetryDoesNotRetryValidationFailures(t *testing.T) {
	var attempts atomic.Int64
	rt := &fakeRuntime{
		name: "fake",
		ext:  ".lua",
		handler: func(_, _ string) (Handler, error) {
			attempts.Add(1)
			return &trackedHandler{min: "99.0.0"}, nil
		},
	}
	tables := StaticTables{
		Registration: RegistrationTable{"greedy": {SourcePath: "/p/greedy.lua"}},
	}
	ctrl := newTestController(t, tables, rt, WithRetry(3, time.Millisecond))

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerFileChange})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load(), "deterministic failures retry nothing")
}

type recordingJournal struct {
	mu          sync.Mutex
	cycles      []CycleRecord
	invocations []InvocationRecord
}

func (j *recordingJournal) RecordCycle(_ context.Context, rec CycleRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cycles = append(j.cycles, rec)
	return nil
}

func (j *recordingJournal) RecordInvocation(_ context.Context, rec InvocationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.invocations = append(j.invocations, rec)
	return nil
}

func (j *recordingJournal) cycleRecords() []CycleRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]CycleRecord(nil), j.cycles...)
}

func (j *recordingJournal) invocationRecords() []InvocationRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]InvocationRecord(nil), j.invocations...)
}

func TestController_JournalsEveryCycle(t *testing.T) {
	journal := &recordingJournal{}
	rt := &fakeRuntime{
		name: "fake",
		ext:  ".lua",
		handler: func(name, _ string) (Handler, error) {
			if name == "broken" {
				return nil, errors.New("boom")
			}
			return &trackedHandler{}, nil
		},
	}
	tables := &swappableTables{
		reg: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt, WithJournal(journal))

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.NoError(t, err)

	tables.swap(RegistrationTable{"broken": {SourcePath: "/p/broken.lua"}}, nil)
	_, err = ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerSignal, Detail: "SIGHUP"})
	require.Error(t, err)

	records := journal.cycleRecords()
	require.Len(t, records, 2)

	assert.Equal(t, "committed", records[0].State)
	assert.Equal(t, TriggerStartup, records[0].Trigger)
	assert.Equal(t, 1, records[0].Plugins)
	assert.Empty(t, records[0].Error)
	assert.NotEmpty(t, records[0].ID)

	assert.Equal(t, "failed", records[1].State)
	assert.Equal(t, TriggerSignal, records[1].Trigger)
	assert.Equal(t, "SIGHUP", records[1].Detail)
	assert.Contains(t, records[1].Error, "boom")
}

func TestController_LastReport(t *testing.T) {
	rt := &fakeRuntime{name: "fake", ext: ".lua"}
	tables := StaticTables{
		Registration: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	assert.Nil(t, ctrl.LastReport(), "no report before the first cycle")

	report, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, report, ctrl.LastReport())
}

func TestController_CloseRejectsFurtherCycles(t *testing.T) {
	rt := &fakeRuntime{name: "fake", ext: ".lua"}
	tables := StaticTables{
		Registration: RegistrationTable{"echo": {SourcePath: "/p/echo.lua"}},
	}
	ctrl := newTestController(t, tables, rt)

	_, err := ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerStartup})
	require.NoError(t, err)

	require.NoError(t, ctrl.Close())
	require.NoError(t, ctrl.Close(), "Close is idempotent")

	_, err = ctrl.Reinitialize(context.Background(), Trigger{Kind: TriggerManual})
	assert.ErrorIs(t, err, ErrControllerClosed)
	assert.Error(t, ctrl.Validate(context.Background()))
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	base := ControllerConfig{
		HostVersion: semver.MustParse("1.0.0"),
		Tables:      StaticTables{},
		Loader:      NewLoader(log),
		Registry:    NewRegistry(),
		Log:         log,
	}

	for name, mutate := range map[string]func(*ControllerConfig){
		"host version": func(c *ControllerConfig) { c.HostVersion = nil },
		"tables":       func(c *ControllerConfig) { c.Tables = nil },
		"loader":       func(c *ControllerConfig) { c.Loader = nil },
		"registry":     func(c *ControllerConfig) { c.Registry = nil },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := NewController(cfg)
			assert.Error(t, err)
		})
	}
}
