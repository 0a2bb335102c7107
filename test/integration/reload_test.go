// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/journal"
	"github.com/plexushq/plexus/internal/logging"
	"github.com/plexushq/plexus/internal/plugin"
	"github.com/plexushq/plexus/internal/plugin/gosrc"
	"github.com/plexushq/plexus/internal/plugin/lua"
)

// hostEnv is one isolated plugin host, wired the way the daemon wires it:
// loader, registry, reinit controller, and dispatcher.
type hostEnv struct {
	dir        string
	cfg        *config.Config
	controller *plugin.Controller
	dispatcher *plugin.Dispatcher
}

func newLogger() *slog.Logger {
	return logging.Setup("plexus-integration", "test", "text", "debug", GinkgoWriter)
}

func writeFile(dir, name, body string) string {
	path := filepath.Join(dir, name)
	ExpectWithOffset(1, os.WriteFile(path, []byte(body), 0o600)).To(Succeed())
	return path
}

// startHost loads configBody from dir and brings up a host around it. A
// non-nil store journals cycles and invocations.
func startHost(dir, configBody string, store *journal.Store) *hostEnv {
	cfgPath := writeFile(dir, "plexus.yaml", configBody)
	cfg, err := config.Load(config.Options{Path: cfgPath, HostVersion: "1.0.0"})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	logger := newLogger()
	loader := plugin.NewLoader(logger, lua.NewRuntime(logger), gosrc.NewRuntime(logger))
	registry := plugin.NewRegistry()

	var ctrlOpts []plugin.ControllerOption
	var dispOpts []plugin.DispatcherOption
	if store != nil {
		ctrlOpts = append(ctrlOpts, plugin.WithJournal(store))
		dispOpts = append(dispOpts, plugin.WithDispatchJournal(store))
	}
	if cfg.Watch.Enabled {
		ctrlOpts = append(ctrlOpts, plugin.WithWatching(cfg.Watch.Quiet))
	}

	controller, err := plugin.NewController(plugin.ControllerConfig{
		HostVersion: cfg.HostVersion,
		Tables:      cfg,
		Loader:      loader,
		Registry:    registry,
		Log:         logger,
	}, ctrlOpts...)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		Expect(controller.Close()).To(Succeed())
	})

	return &hostEnv{
		dir:        dir,
		cfg:        cfg,
		controller: controller,
		dispatcher: plugin.NewDispatcher(registry, cfg, logger, dispOpts...),
	}
}

// startup runs the initial cycle and requires it to commit.
func (e *hostEnv) startup() *plugin.CycleReport {
	report, err := e.controller.Reinitialize(context.Background(),
		plugin.Trigger{Kind: plugin.TriggerStartup, Detail: e.cfg.Path})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return report
}

// generation reports the sequence number of the active registry generation.
func (e *hostEnv) generation() uint64 {
	gen, release := e.controller.Registry().Acquire()
	defer release()
	return gen.Seq()
}

// dispatchVersion dispatches event and extracts the "version" field the test
// plugins put in their output.
func dispatchVersion(env *hostEnv, event string) string {
	results := env.dispatcher.Dispatch(context.Background(), event)
	ExpectWithOffset(1, results).To(HaveLen(1))
	ExpectWithOffset(1, results[0].Err).NotTo(HaveOccurred())
	out, ok := results[0].Output.(map[string]any)
	ExpectWithOffset(1, ok).To(BeTrue(), "plugin output should be a table")
	version, _ := out["version"].(string)
	return version
}

var _ = Describe("Hot reloading", func() {
	const watchedConfig = `
plugins:
  greeter:
    path: greeter.lua
events:
  greet:
    - greeter
watch:
  enabled: true
  quiet: 100ms
journal:
  enabled: false
`

	luaGreeter := func(version string) string {
		return fmt.Sprintf(`
plugin_version = %q

function invoke(payload)
  return { version = %q }
end
`, version, version)
	}

	It("picks up an edited source once the change settles", func() {
		dir := GinkgoT().TempDir()
		writeFile(dir, "greeter.lua", luaGreeter("v1"))
		env := startHost(dir, watchedConfig, nil)

		report := env.startup()
		Expect(report.Generation).To(Equal(uint64(1)))
		Expect(dispatchVersion(env, "greet")).To(Equal("v1"))

		writeFile(dir, "greeter.lua", luaGreeter("v2"))

		Eventually(env.generation, "10s", "50ms").Should(Equal(uint64(2)))
		Expect(dispatchVersion(env, "greet")).To(Equal("v2"))
	})

	It("keeps the previous generation when an edit breaks the plugin", func() {
		dir := GinkgoT().TempDir()
		writeFile(dir, "greeter.lua", luaGreeter("v1"))
		env := startHost(dir, watchedConfig, nil)

		env.startup()
		Expect(dispatchVersion(env, "greet")).To(Equal("v1"))

		By("breaking the source")
		writeFile(dir, "greeter.lua", "function invoke(")
		Eventually(env.controller.State, "10s", "50ms").Should(Equal(plugin.StateFailed))

		By("still serving the last committed generation")
		Expect(env.generation()).To(Equal(uint64(1)))
		Expect(dispatchVersion(env, "greet")).To(Equal("v1"))

		By("recovering on the next good save")
		writeFile(dir, "greeter.lua", luaGreeter("v3"))
		Eventually(env.generation, "10s", "50ms").Should(Equal(uint64(2)))
		Expect(dispatchVersion(env, "greet")).To(Equal("v3"))
	})
})

var _ = Describe("Mixed runtimes", func() {
	It("runs lua and interpreted Go routes in order", func() {
		dir := GinkgoT().TempDir()
		writeFile(dir, "shout.lua", `
function invoke(payload)
  return { voice = "lua" }
end
`)
		writeFile(dir, "stamp.go", `
package main

func Invoke(payload any) (any, error) {
	return map[string]any{"voice": "gosrc"}, nil
}
`)
		env := startHost(dir, `
plugins:
  shout:
    path: shout.lua
  stamp:
    path: stamp.go
events:
  announce:
    - shout
    - stamp
watch:
  enabled: false
journal:
  enabled: false
`, nil)
		env.startup()

		results := env.dispatcher.Dispatch(context.Background(), "announce")
		Expect(results).To(HaveLen(2))
		Expect(results[0].Plugin).To(Equal("shout"))
		Expect(results[0].Output).To(HaveKeyWithValue("voice", "lua"))
		Expect(results[1].Plugin).To(Equal("stamp"))
		Expect(results[1].Output).To(HaveKeyWithValue("voice", "gosrc"))
	})
})
