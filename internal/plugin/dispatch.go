// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plexushq/plexus/pkg/errutil"
)

// InvocationResult is the outcome of invoking one route entry.
type InvocationResult struct {
	Plugin  string
	Args    any
	Output  any
	Err     error
	Elapsed time.Duration
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchJournal records every invocation in j.
func WithDispatchJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// Dispatcher runs the plugins routed to an event, in route order, against a
// registry snapshot captured when the dispatch starts. A reinitialization
// committing mid-dispatch does not affect entries still to run.
type Dispatcher struct {
	registry *Registry
	tables   TableProvider
	log      *slog.Logger
	journal  Journal
	tracer   trace.Tracer
}

// NewDispatcher returns a dispatcher resolving plugins from registry and
// routes from tables.
func NewDispatcher(registry *Registry, tables TableProvider, log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		tables:   tables,
		log:      log,
		tracer:   otel.Tracer("plexus/plugin"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch invokes every plugin routed to event and returns their results
// in route order. Entries naming a plugin absent from the active generation
// are skipped and produce no result. An invocation failure is confined to
// its entry; later entries still run.
func (d *Dispatcher) Dispatch(ctx context.Context, event string) []InvocationResult {
	dispatchID := ulid.Make()
	ctx, span := d.tracer.Start(ctx, "plugin.dispatch",
		trace.WithAttributes(
			attribute.String("event", event),
			attribute.String("dispatch.id", dispatchID.String()),
		))
	defer span.End()

	_, events := d.tables.Tables()
	entries := events[event]

	gen, release := d.registry.Acquire()
	defer release()

	dispatches.WithLabelValues(event).Inc()

	if len(entries) == 0 {
		d.log.Debug("no plugins routed to event",
			"event", event,
			"dispatch", dispatchID.String())
		return nil
	}

	d.log.Debug("dispatching event",
		"event", event,
		"dispatch", dispatchID.String(),
		"generation", gen.Seq(),
		"entries", len(entries))

	results := make([]InvocationResult, 0, len(entries))
	for _, entry := range entries {
		desc, ok := gen.Lookup(entry.Plugin)
		if !ok {
			d.log.Debug("plugin not registered, skipping",
				"event", event,
				"plugin", entry.Plugin,
				"dispatch", dispatchID.String())
			recordInvocation(entry.Plugin, StatusSkipped, 0)
			d.journalInvocation(ctx, dispatchID, event, entry.Plugin, StatusSkipped, 0, nil)
			continue
		}

		args := desc.DefaultArgs
		if entry.Override {
			args = entry.Args
		}

		start := time.Now()
		output, err := desc.Handler.Invoke(ctx, args)
		elapsed := time.Since(start)

		status := StatusSuccess
		if err != nil {
			status = StatusError
			err = &InvocationError{
				Plugin: entry.Plugin,
				Event:  event,
				Err: oops.
					In("dispatcher").
					With("dispatch_id", dispatchID.String()).
					With("event", event).
					Wrap(err),
			}
			errutil.LogError(ctx, d.log, err, "plugin invocation failed")
			span.RecordError(err)
		}

		recordInvocation(entry.Plugin, status, elapsed)
		d.journalInvocation(ctx, dispatchID, event, entry.Plugin, status, elapsed, err)

		results = append(results, InvocationResult{
			Plugin:  entry.Plugin,
			Args:    args,
			Output:  output,
			Err:     err,
			Elapsed: elapsed,
		})
	}
	return results
}

func (d *Dispatcher) journalInvocation(ctx context.Context, dispatchID ulid.ULID, event, plugin, status string, elapsed time.Duration, err error) {
	if d.journal == nil {
		return
	}
	rec := InvocationRecord{
		DispatchID: dispatchID.String(),
		Event:      event,
		Plugin:     plugin,
		Status:     status,
		Elapsed:    elapsed,
		At:         time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := d.journal.RecordInvocation(ctx, rec); jerr != nil {
		d.log.Warn("failed to journal invocation",
			"dispatch", rec.DispatchID,
			"plugin", plugin,
			"error", jerr)
	}
}
