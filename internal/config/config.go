// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package config loads and normalizes the plexus configuration file. The
// file supplies the registration and event tables as data; everything past
// this package consumes already-normalized in-memory tables.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/plexushq/plexus/internal/plugin"
)

// DevVersion is the host version assumed when neither the build nor the
// config file carries a parseable semver.
const DevVersion = "0.0.0-dev"

// delim separates koanf key segments. It cannot be "." because event names
// ("content.added") and argument keys routinely contain dots.
const delim = "::"

// File is the raw shape of a plexus.yaml file. Field tags drive both koanf
// decoding and JSON schema generation.
type File struct {
	HostVersion   string                  `koanf:"host_version" json:"host_version,omitempty" jsonschema:"description=Semver override for the running host version. Defaults to the build version."`
	Log           LogConfig               `koanf:"log" json:"log,omitempty"`
	Plugins       map[string]PluginEntry  `koanf:"plugins" json:"plugins,omitempty" jsonschema:"description=Registration table: plugin name to source location and default arguments."`
	Discover      DiscoverConfig          `koanf:"discover" json:"discover,omitempty"`
	Events        map[string][]RouteValue `koanf:"events" json:"events,omitempty" jsonschema:"description=Event table: event name to the ordered plugins invoked when it fires."`
	Watch         WatchConfig             `koanf:"watch" json:"watch,omitempty"`
	Journal       JournalConfig           `koanf:"journal" json:"journal,omitempty"`
	Observability ObservabilityConfig     `koanf:"observability" json:"observability,omitempty"`
	Control       ControlConfig           `koanf:"control" json:"control,omitempty"`
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=text,enum=json,default=text"`
}

// PluginEntry registers one plugin: where its source lives and the default
// arguments it is invoked with.
type PluginEntry struct {
	Path string `koanf:"path" json:"path" jsonschema:"description=Plugin source path. Relative paths resolve against the config file's directory."`
	Args any    `koanf:"args" json:"args,omitempty" jsonschema:"description=Default invocation arguments."`
}

// DiscoverConfig scans a directory into the registration table. Explicit
// plugins entries win on name collision.
type DiscoverConfig struct {
	Dir     string   `koanf:"dir" json:"dir,omitempty" jsonschema:"description=Directory to scan for plugin sources. Empty disables discovery."`
	Include []string `koanf:"include" json:"include,omitempty" jsonschema:"description=Glob patterns a base name must match to be discovered."`
	Exclude []string `koanf:"exclude" json:"exclude,omitempty" jsonschema:"description=Glob patterns that exclude a base name from discovery."`
}

// RouteValue is one event-table entry in the config file: either a bare
// plugin name, or a map carrying an argument override. Omitting args means
// the plugin's registered defaults are used.
type RouteValue struct {
	Plugin string `koanf:"plugin" json:"plugin"`
	Args   any    `koanf:"args" json:"args,omitempty"`
}

// WatchConfig controls the file-change watch supervisor.
type WatchConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled,omitempty" jsonschema:"default=true"`
	Quiet   string `koanf:"quiet" json:"quiet,omitempty" jsonschema:"description=Debounce window as a Go duration,default=500ms"`
	Retries int    `koanf:"retries" json:"retries,omitempty" jsonschema:"description=Retry attempts for watch-triggered cycles that fail during loading,minimum=0,default=0"`
}

// JournalConfig controls the cycle/invocation journal.
type JournalConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled,omitempty" jsonschema:"default=true"`
	Path    string `koanf:"path" json:"path,omitempty" jsonschema:"description=Journal database path. Empty means the XDG state directory."`
}

// ObservabilityConfig controls the metrics and health endpoint.
type ObservabilityConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled,omitempty" jsonschema:"default=false"`
	Addr    string `koanf:"addr" json:"addr,omitempty" jsonschema:"default=127.0.0.1:9464"`
}

// ControlConfig controls the unix control socket.
type ControlConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled,omitempty" jsonschema:"default=true"`
}

// WatchSettings is the normalized watch configuration.
type WatchSettings struct {
	Enabled bool
	Quiet   time.Duration
	Retries int
}

// Config is the normalized configuration the rest of the host consumes.
type Config struct {
	// Path is the absolute path of the loaded config file, empty when
	// running on defaults alone.
	Path          string
	HostVersion   *semver.Version
	Log           LogConfig
	Registration  plugin.RegistrationTable
	Events        plugin.EventTable
	Watch         WatchSettings
	Journal       JournalConfig
	Observability ObservabilityConfig
	Control       ControlConfig
}

// Tables implements plugin.TableProvider.
func (c *Config) Tables() (plugin.RegistrationTable, plugin.EventTable) {
	return c.Registration, c.Events
}

// Options parameterizes Load.
type Options struct {
	// Path of the config file. Empty loads defaults only.
	Path string
	// Flags overrides file values (--log-level, --log-format). May be nil.
	Flags *pflag.FlagSet
	// HostVersion is the build-time version. A host_version in the file
	// wins; when neither parses as semver the host runs as DevVersion.
	HostVersion string
}

func defaultFile() File {
	return File{
		Log:           LogConfig{Level: "info", Format: "text"},
		Discover:      DiscoverConfig{Include: []string{"*.lua", "*.go", "*.bin"}},
		Watch:         WatchConfig{Enabled: true, Quiet: "500ms"},
		Journal:       JournalConfig{Enabled: true},
		Observability: ObservabilityConfig{Addr: "127.0.0.1:9464"},
		Control:       ControlConfig{Enabled: true},
	}
}

// Load reads, schema-validates, and normalizes the configuration.
func Load(opts Options) (*Config, error) {
	errb := oops.In("config")

	f := defaultFile()
	k := koanf.New(delim)

	cfgPath := ""
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, errb.Wrap(err)
	}

	if opts.Path != "" {
		abs, err := filepath.Abs(opts.Path)
		if err != nil {
			return nil, errb.With("path", opts.Path).Wrap(err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errb.With("path", abs).
				Hint("config file must exist and be readable").
				Wrap(err)
		}
		if err := ValidateSchema(data); err != nil {
			return nil, errb.With("path", abs).Wrap(err)
		}
		if err := k.Load(file.Provider(abs), yaml.Parser()); err != nil {
			return nil, errb.With("path", abs).Hint("failed to parse config file").Wrap(err)
		}
		cfgPath = abs
		baseDir = filepath.Dir(abs)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithValue(opts.Flags, delim, k, flagKey), nil); err != nil {
			return nil, errb.Hint("failed to apply flag overrides").Wrap(err)
		}
	}

	if err := k.UnmarshalWithConf("", &f, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       routeValueHook(),
			Result:           &f,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, errb.With("path", cfgPath).Hint("config does not match the expected shape").Wrap(err)
	}

	return f.normalize(opts, cfgPath, baseDir)
}

// flagKey maps CLI flag names onto config keys. Flags without a mapping are
// not configuration and are dropped.
func flagKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	switch key {
	case "log-level":
		return "log" + delim + "level", value
	case "log-format":
		return "log" + delim + "format", value
	}
	return "", nil
}

// routeValueHook decodes the bare-name form of an event-table entry. The map
// form decodes through the normal struct path.
func routeValueHook() mapstructure.DecodeHookFuncType {
	routeType := reflect.TypeOf(RouteValue{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != routeType || from.Kind() != reflect.String {
			return data, nil
		}
		return RouteValue{Plugin: data.(string)}, nil
	}
}

func (f *File) normalize(opts Options, cfgPath, baseDir string) (*Config, error) {
	errb := oops.In("config").With("path", cfgPath)

	hostVersion, err := resolveHostVersion(f.HostVersion, opts.HostVersion)
	if err != nil {
		return nil, errb.Wrap(err)
	}

	switch f.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, errb.With("level", f.Log.Level).New("log level must be one of debug, info, warn, error")
	}
	switch f.Log.Format {
	case "text", "json":
	default:
		return nil, errb.With("format", f.Log.Format).New("log format must be text or json")
	}

	quiet, err := time.ParseDuration(f.Watch.Quiet)
	if err != nil {
		return nil, errb.With("quiet", f.Watch.Quiet).
			Hint("watch.quiet is a Go duration such as 500ms").
			Wrap(err)
	}
	if quiet <= 0 {
		return nil, errb.With("quiet", f.Watch.Quiet).New("watch.quiet must be positive")
	}
	if f.Watch.Retries < 0 {
		return nil, errb.With("retries", f.Watch.Retries).New("watch.retries cannot be negative")
	}

	if f.Observability.Enabled && f.Observability.Addr == "" {
		return nil, errb.New("observability.addr is required when observability is enabled")
	}

	registration := make(plugin.RegistrationTable, len(f.Plugins))
	for name, entry := range f.Plugins {
		if err := validateName(name); err != nil {
			return nil, errb.Wrap(err)
		}
		if entry.Path == "" {
			return nil, errb.With("plugin", name).New("plugin path is required")
		}
		registration[name] = plugin.RegistrationEntry{
			SourcePath:  resolvePath(baseDir, entry.Path),
			DefaultArgs: entry.Args,
		}
	}

	if err := f.Discover.expand(baseDir, registration); err != nil {
		return nil, errb.Wrap(err)
	}

	events := make(plugin.EventTable, len(f.Events))
	for event, routes := range f.Events {
		if event == "" {
			return nil, errb.New("event name cannot be empty")
		}
		entries := make([]plugin.RouteEntry, 0, len(routes))
		for _, rv := range routes {
			if rv.Plugin == "" {
				return nil, errb.With("event", event).New("event route is missing a plugin name")
			}
			if rv.Args == nil {
				entries = append(entries, plugin.RouteTo(rv.Plugin))
			} else {
				entries = append(entries, plugin.RouteWith(rv.Plugin, rv.Args))
			}
		}
		events[event] = entries
	}

	journal := f.Journal
	if journal.Path != "" {
		journal.Path = resolvePath(baseDir, journal.Path)
	}

	return &Config{
		Path:          cfgPath,
		HostVersion:   hostVersion,
		Log:           f.Log,
		Registration:  registration,
		Events:        events,
		Watch:         WatchSettings{Enabled: f.Watch.Enabled, Quiet: quiet, Retries: f.Watch.Retries},
		Journal:       journal,
		Observability: f.Observability,
		Control:       f.Control,
	}, nil
}

// resolveHostVersion picks the effective host version. An explicit
// host_version in the file must parse; a build version that does not parse
// (plain "dev" builds) falls back to DevVersion.
func resolveHostVersion(fromFile, fromBuild string) (*semver.Version, error) {
	if fromFile != "" {
		v, err := semver.NewVersion(fromFile)
		if err != nil {
			return nil, oops.With("host_version", fromFile).
				Hint("host_version must be a semantic version").
				Wrap(err)
		}
		return v, nil
	}
	if fromBuild != "" {
		if v, err := semver.NewVersion(fromBuild); err == nil {
			return v, nil
		}
	}
	return semver.MustParse(DevVersion), nil
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

func validateName(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return oops.With("plugin", name).
			New("plugin name must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen")
	}
	if len(name) > maxNameLength {
		return oops.With("plugin", name).
			Errorf("plugin name must be %d characters or less, got %d", maxNameLength, len(name))
	}
	return nil
}
