// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package pluginsdk provides the SDK for building plexus binary plugins.
//
// Binary plugins are standalone executables that talk to the plexus host
// over net/rpc via the HashiCorp go-plugin framework. Payloads cross the
// process boundary JSON-encoded, so a binary plugin sees the same
// JSON-compatible values (nil, bool, float64, string, []any, map[string]any)
// that in-process runtimes do.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/plexushq/plexus/pkg/pluginsdk"
//	)
//
//	type EchoPlugin struct{}
//
//	func (p *EchoPlugin) Invoke(_ context.Context, payload any) (any, error) {
//		return payload, nil
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			Handler:  &EchoPlugin{},
//			Metadata: pluginsdk.Metadata{Version: "1.0.0"},
//		})
//	}
package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"

	hashiplug "github.com/hashicorp/go-plugin"
)

// Handler is the interface binary plugins must implement.
type Handler interface {
	// Invoke processes a payload and returns an output payload.
	Invoke(ctx context.Context, payload any) (any, error)
}

// ArgumentValidator is an optional interface a Handler may also implement to
// vet argument payloads before the host ever dispatches through the plugin.
type ArgumentValidator interface {
	ValidateArguments(ctx context.Context, args any) (bool, error)
}

// Metadata describes a plugin to the host.
type Metadata struct {
	// MinHostVersion is the minimum compatible host version (semver).
	// Empty means compatible with any host version.
	MinHostVersion string
	// Version is the plugin's own version. Informational.
	Version string
	// Description is a one-line summary. Informational.
	Description string
	// Authors lists the plugin authors. Informational.
	Authors []string
	// DeclaredEvents lists the events the plugin expects to handle.
	// Informational.
	DeclaredEvents []string
}

// Description is what a plugin reports about itself when the host loads it.
type Description struct {
	Metadata     Metadata
	HasValidator bool
}

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLEXUS_PLUGIN",
	MagicCookieValue: "plexus-v1",
}

// PluginName is the dispense key shared by host and plugin processes.
const PluginName = "plugin"

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Handler is the plugin implementation. Required; Serve panics if nil.
	Handler Handler
	// Metadata is reported to the host during load.
	Metadata Metadata
}

// Serve starts the plugin server. Call it from main(); it blocks and never
// returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Handler == nil {
		panic("pluginsdk: config.Handler cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &RPCPlugin{Impl: config.Handler, Meta: config.Metadata},
		},
	})
}

// RPCPlugin implements go-plugin's Plugin interface over net/rpc. Plugin
// processes set Impl (Serve does this); the host dispenses it with Impl nil.
type RPCPlugin struct {
	Impl Handler
	Meta Metadata
}

// Server returns the RPC server (called in the plugin process).
func (p *RPCPlugin) Server(*hashiplug.MuxBroker) (any, error) {
	if p.Impl == nil {
		return nil, fmt.Errorf("pluginsdk: handler is nil")
	}
	return &rpcServer{handler: p.Impl, meta: p.Meta}, nil
}

// Client returns the host-side handle (called in the host process).
func (p *RPCPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (any, error) {
	return &Remote{client: c}, nil
}

// Wire types. net/rpc encodes them with gob; payloads stay JSON inside
// opaque byte slices so arbitrary values survive the trip.

// InvokeRequest carries a JSON-encoded payload to the plugin.
type InvokeRequest struct {
	Payload []byte
}

// InvokeResponse carries the JSON-encoded output back to the host.
type InvokeResponse struct {
	Output []byte
}

// ValidateRequest carries JSON-encoded arguments to the plugin's predicate.
type ValidateRequest struct {
	Args []byte
}

// ValidateResponse carries the predicate verdict.
type ValidateResponse struct {
	OK bool
}

// DescribeRequest is empty; Describe takes no input.
type DescribeRequest struct{}

// DescribeResponse carries the plugin's self-description.
type DescribeResponse struct {
	Description Description
}

// rpcServer adapts a Handler to net/rpc. go-plugin registers it under the
// name "Plugin" in the plugin process.
type rpcServer struct {
	handler Handler
	meta    Metadata
}

// Invoke implements the Plugin.Invoke RPC.
func (s *rpcServer) Invoke(req InvokeRequest, resp *InvokeResponse) error {
	payload, err := decodeValue(req.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	out, err := s.handler.Invoke(context.Background(), payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	resp.Output = raw
	return nil
}

// ValidateArguments implements the Plugin.ValidateArguments RPC. A handler
// without a predicate accepts everything.
func (s *rpcServer) ValidateArguments(req ValidateRequest, resp *ValidateResponse) error {
	v, ok := s.handler.(ArgumentValidator)
	if !ok {
		resp.OK = true
		return nil
	}
	args, err := decodeValue(req.Args)
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	accepted, err := v.ValidateArguments(context.Background(), args)
	if err != nil {
		return err
	}
	resp.OK = accepted
	return nil
}

// Describe implements the Plugin.Describe RPC.
func (s *rpcServer) Describe(_ DescribeRequest, resp *DescribeResponse) error {
	_, hasValidator := s.handler.(ArgumentValidator)
	resp.Description = Description{Metadata: s.meta, HasValidator: hasValidator}
	return nil
}

// Remote is the host-side handle to a served plugin.
type Remote struct {
	client *rpc.Client
}

// Invoke calls the plugin's Invoke over the wire.
func (r *Remote) Invoke(ctx context.Context, payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var resp InvokeResponse
	if err := r.call(ctx, "Plugin.Invoke", InvokeRequest{Payload: raw}, &resp); err != nil {
		return nil, err
	}
	return decodeValue(resp.Output)
}

// ValidateArguments calls the plugin's predicate over the wire.
func (r *Remote) ValidateArguments(ctx context.Context, args any) (bool, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return false, fmt.Errorf("encode arguments: %w", err)
	}
	var resp ValidateResponse
	if err := r.call(ctx, "Plugin.ValidateArguments", ValidateRequest{Args: raw}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Describe asks the plugin for its metadata.
func (r *Remote) Describe(ctx context.Context) (Description, error) {
	var resp DescribeResponse
	if err := r.call(ctx, "Plugin.Describe", DescribeRequest{}, &resp); err != nil {
		return Description{}, err
	}
	return resp.Description, nil
}

// call runs one RPC, honoring ctx. net/rpc has no cancellation of its own;
// an abandoned call is discarded when the client closes.
func (r *Remote) call(ctx context.Context, method string, req, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan *rpc.Call, 1)
	r.client.Go(method, req, resp, done)
	select {
	case call := <-done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
