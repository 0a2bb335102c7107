// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"encoding/json"
	"sort"
)

// RegistrationEntry locates one configured plugin and carries its default
// invocation arguments.
type RegistrationEntry struct {
	SourcePath  string
	DefaultArgs any
}

// RegistrationTable maps plugin name to source location and default
// arguments. Supplied by configuration; read-only from this package's
// perspective.
type RegistrationTable map[string]RegistrationEntry

// RouteEntry is one configured binding of an event to a plugin: either a
// bare name (invoke with the plugin's registered default arguments) or a
// name plus argument override.
type RouteEntry struct {
	Plugin   string
	Args     any
	Override bool
}

// RouteTo returns a bare-name route entry.
func RouteTo(name string) RouteEntry {
	return RouteEntry{Plugin: name}
}

// RouteWith returns a route entry carrying an argument override.
func RouteWith(name string, args any) RouteEntry {
	return RouteEntry{Plugin: name, Args: args, Override: true}
}

// EventTable maps an event name to its ordered route entries. Order is
// significant and preserved from configuration: it is the invocation order
// when the event fires.
type EventTable map[string][]RouteEntry

// TableProvider supplies the current tables. The controller reads them at
// the start of each reinitialization cycle; the dispatcher reads the event
// table at the start of each dispatch.
type TableProvider interface {
	Tables() (RegistrationTable, EventTable)
}

// StaticTables is a TableProvider over fixed tables.
type StaticTables struct {
	Registration RegistrationTable
	Events       EventTable
}

// Tables implements TableProvider.
func (s StaticTables) Tables() (RegistrationTable, EventTable) {
	return s.Registration, s.Events
}

// overridesFor collects the distinct argument overrides referencing the
// named plugin anywhere in the event table, in deterministic order.
// Distinctness is by canonical JSON encoding; an override that cannot be
// encoded is kept as-is so the validator still sees it once.
func (t EventTable) overridesFor(plugin string) []any {
	events := make([]string, 0, len(t))
	for event := range t {
		events = append(events, event)
	}
	sort.Strings(events)

	var out []any
	seen := make(map[string]struct{})
	for _, event := range events {
		for _, entry := range t[event] {
			if entry.Plugin != plugin || !entry.Override {
				continue
			}
			if key, err := json.Marshal(entry.Args); err == nil {
				if _, dup := seen[string(key)]; dup {
					continue
				}
				seen[string(key)] = struct{}{}
			}
			out = append(out, entry.Args)
		}
	}
	return out
}
