// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Command echo is an example plexus binary plugin. It returns whatever
// payload it is invoked with and accepts any map-shaped arguments.
//
// Build it into something the binary runtime claims:
//
//	go build -o echo.bin ./plugins/echo
//
// then register it:
//
//	plugins:
//	  echo:
//	    path: echo.bin
package main

import (
	"context"

	"github.com/plexushq/plexus/pkg/pluginsdk"
)

// EchoPlugin bounces payloads back to the host.
type EchoPlugin struct{}

// Invoke returns the payload unchanged.
func (p *EchoPlugin) Invoke(_ context.Context, payload any) (any, error) {
	return payload, nil
}

// ValidateArguments accepts absent or map-shaped arguments. Anything else
// (a bare string, a list) is rejected before a route can carry it.
func (p *EchoPlugin) ValidateArguments(_ context.Context, args any) (bool, error) {
	if args == nil {
		return true, nil
	}
	_, ok := args.(map[string]any)
	return ok, nil
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{
		Handler: &EchoPlugin{},
		Metadata: pluginsdk.Metadata{
			Version:        "1.0.0",
			Description:    "Echoes every payload back to the host.",
			Authors:        []string{"Plexus Contributors"},
			DeclaredEvents: []string{"echo"},
		},
	})
}
