// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package goplugin loads binary plugins as subprocesses using HashiCorp's
// go-plugin framework over net/rpc. Payloads cross the process boundary
// JSON-encoded; the wire contract lives in pkg/pluginsdk so plugin authors
// and the host share one definition.
package goplugin

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/plexushq/plexus/internal/plugin"
	"github.com/plexushq/plexus/pkg/pluginsdk"
)

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// PluginClient wraps a go-plugin client for testability.
type PluginClient interface {
	// Client returns the RPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig: pluginsdk.HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			pluginsdk.PluginName: &pluginsdk.RPCPlugin{},
		},
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from the registration table, which is operator-supplied configuration
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
	})
}

// remote is the host-side view of a served plugin. *pluginsdk.Remote
// implements it; test doubles stand in for it.
type remote interface {
	Invoke(ctx context.Context, payload any) (any, error)
	ValidateArguments(ctx context.Context, args any) (bool, error)
	Describe(ctx context.Context) (pluginsdk.Description, error)
}

// Runtime loads binary plugin sources. Each load spawns a fresh subprocess,
// killing any previous subprocess for the same plugin name first, so a
// reload always runs the executable currently on disk.
type Runtime struct {
	factory ClientFactory
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]PluginClient
}

// NewRuntime returns the binary runtime using real go-plugin clients.
func NewRuntime(log *slog.Logger) *Runtime {
	return NewRuntimeWithFactory(log, &DefaultClientFactory{})
}

// NewRuntimeWithFactory returns a runtime with a custom client factory (for
// testing). Panics if factory is nil.
func NewRuntimeWithFactory(log *slog.Logger, factory ClientFactory) *Runtime {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		factory: factory,
		log:     log,
		clients: make(map[string]PluginClient),
	}
}

// Name implements plugin.Runtime.
func (r *Runtime) Name() string { return "binary" }

// CanLoad claims .bin paths and files with an executable bit.
func (r *Runtime) CanLoad(sourcePath string) bool {
	if strings.EqualFold(filepath.Ext(sourcePath), ".bin") {
		return true
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Load spawns the executable at sourcePath as a plugin subprocess, performs
// the Describe RPC to collect metadata, and returns a handler that invokes
// over the wire. A previous subprocess loaded under the same name is killed
// first.
func (r *Runtime) Load(ctx context.Context, name, sourcePath string) (plugin.Handler, error) {
	errb := oops.In("goplugin").With("plugin", name).With("path", sourcePath)

	r.evict(name)

	client := r.factory.NewClient(sourcePath)

	proto, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, errb.Hint("failed to start plugin subprocess").Wrap(err)
	}

	raw, err := proto.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, errb.Hint("failed to dispense plugin").Wrap(err)
	}

	rem, ok := raw.(remote)
	if !ok {
		client.Kill()
		return nil, errb.Errorf("invalid plugin format: dispensed %T, want a plexus plugin", raw)
	}

	desc, err := rem.Describe(ctx)
	if err != nil {
		client.Kill()
		return nil, errb.Hint("failed to describe plugin").Wrap(err)
	}

	r.track(name, client)

	r.log.Debug("started binary plugin",
		"plugin", name,
		"path", sourcePath,
		"version", desc.Metadata.Version,
		"has_validator", desc.HasValidator)

	h := &handler{
		name:    name,
		runtime: r,
		client:  client,
		remote:  rem,
		meta:    desc.Metadata,
	}
	if desc.HasValidator {
		return &validatingHandler{handler: h}, nil
	}
	return h, nil
}

// Close kills every subprocess still tracked by the runtime. Descriptors
// normally kill their own subprocess when their generation is superseded;
// this is the backstop for shutdown.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Kill()
		delete(r.clients, name)
	}
	return nil
}

func (r *Runtime) evict(name string) {
	r.mu.Lock()
	client, ok := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()
	if ok {
		r.log.Debug("killing superseded plugin subprocess", "plugin", name)
		client.Kill()
	}
}

func (r *Runtime) track(name string, client PluginClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// forget drops the tracking entry for client if it is still current. A newer
// load may already have replaced it; that entry must survive.
func (r *Runtime) forget(name string, client PluginClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[name] == client {
		delete(r.clients, name)
	}
}

// handler is a loaded binary plugin without an argument predicate.
type handler struct {
	name    string
	runtime *Runtime
	client  PluginClient
	remote  remote
	meta    pluginsdk.Metadata

	closeOnce sync.Once
}

var _ interface {
	plugin.Handler
	plugin.VersionConstrained
	plugin.Describer
	io.Closer
} = (*handler)(nil)

// Invoke calls the plugin's Invoke over the wire.
func (h *handler) Invoke(ctx context.Context, payload any) (any, error) {
	out, err := h.remote.Invoke(ctx, payload)
	if err != nil {
		return nil, oops.In("goplugin").With("plugin", h.name).With("operation", "invoke").Wrap(err)
	}
	return out, nil
}

// MinHostVersion implements plugin.VersionConstrained.
func (h *handler) MinHostVersion() string { return h.meta.MinHostVersion }

// Describe implements plugin.Describer.
func (h *handler) Describe() plugin.Info {
	return plugin.Info{
		Version:        h.meta.Version,
		Description:    h.meta.Description,
		Authors:        h.meta.Authors,
		DeclaredEvents: h.meta.DeclaredEvents,
	}
}

// Close kills the plugin subprocess. Called when the descriptor's registry
// generation is superseded or its cycle fails.
func (h *handler) Close() error {
	h.closeOnce.Do(func() {
		h.client.Kill()
		h.runtime.forget(h.name, h.client)
	})
	return nil
}

// validatingHandler is a loaded binary plugin that also serves the
// ValidateArguments RPC.
type validatingHandler struct {
	*handler
}

var _ plugin.ArgumentValidator = (*validatingHandler)(nil)

// ValidateArguments calls the plugin's predicate over the wire.
func (h *validatingHandler) ValidateArguments(ctx context.Context, args any) (bool, error) {
	ok, err := h.remote.ValidateArguments(ctx, args)
	if err != nil {
		return false, oops.In("goplugin").With("plugin", h.name).With("operation", "validate_arguments").Wrap(err)
	}
	return ok, nil
}
