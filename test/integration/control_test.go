// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plexushq/plexus/internal/control"
	"github.com/plexushq/plexus/internal/journal"
	"github.com/plexushq/plexus/internal/plugin"
)

// unixClient returns an HTTP client pinned to the daemon's unix socket. The
// URL host is ignored by the transport.
func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func getJSON(client *http.Client, path string, out any) {
	resp, err := client.Get("http://plexus" + path)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	ExpectWithOffset(1, resp.StatusCode).To(Equal(http.StatusOK))
	ExpectWithOffset(1, json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
}

func postJSON(client *http.Client, path string, body, out any) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		reader = bytes.NewReader(data)
	}
	resp, err := client.Post("http://plexus"+path, "application/json", reader)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	ExpectWithOffset(1, resp.StatusCode).To(Equal(http.StatusOK))
	ExpectWithOffset(1, json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
}

var _ = Describe("Control socket", func() {
	var (
		env    *hostEnv
		store  *journal.Store
		srv    *control.Server
		client *http.Client
	)

	BeforeEach(func() {
		// Unix socket paths have a tight length limit and ginkgo temp dirs
		// nest deep, so the runtime dir lives directly under /tmp.
		runtimeDir, err := os.MkdirTemp("/tmp", "plexus-int-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(os.RemoveAll(runtimeDir)).To(Succeed())
		})
		GinkgoT().Setenv("XDG_RUNTIME_DIR", runtimeDir)

		dir := GinkgoT().TempDir()
		writeFile(dir, "greeter.lua", `
function invoke(payload)
  return { greeting = "hello" }
end
`)

		store, err = journal.Open(filepath.Join(dir, "journal.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(store.Close()).To(Succeed())
		})

		env = startHost(dir, `
plugins:
  greeter:
    path: greeter.lua
events:
  greet:
    - greeter
watch:
  enabled: false
journal:
  enabled: true
  path: journal.db
`, store)
		env.startup()

		srv = control.NewServer(control.ServerConfig{
			Status: func() control.HostStatus {
				gen, release := env.controller.Registry().Acquire()
				defer release()
				return control.HostStatus{
					Version:    env.cfg.HostVersion.String(),
					CycleState: env.controller.State().String(),
					Generation: gen.Seq(),
					Plugins:    gen.Names(),
				}
			},
			Reload: func(ctx context.Context) (*plugin.CycleReport, error) {
				return env.controller.Reinitialize(ctx,
					plugin.Trigger{Kind: plugin.TriggerControl, Detail: "reload"})
			},
			Dispatch: env.dispatcher.Dispatch,
			Log:      newLogger(),
		})
		Expect(srv.Start()).To(Succeed())
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(srv.Stop(ctx)).To(Succeed())
		})

		client = unixClient(srv.Path())
	})

	It("serves status, reload, and dispatch over the socket", func() {
		By("reporting host status")
		var status control.StatusResponse
		getJSON(client, "/status", &status)
		Expect(status.Running).To(BeTrue())
		Expect(status.PID).To(Equal(os.Getpid()))
		Expect(status.Version).To(Equal("1.0.0"))
		Expect(status.CycleState).To(Equal("committed"))
		Expect(status.Generation).To(Equal(uint64(1)))
		Expect(status.Plugins).To(ConsistOf("greeter"))

		By("running a reload cycle")
		var cycle control.CycleSummary
		postJSON(client, "/reload", nil, &cycle)
		Expect(cycle.State).To(Equal("committed"))
		Expect(cycle.Trigger).To(Equal(plugin.TriggerControl))
		Expect(cycle.Generation).To(Equal(uint64(2)))
		Expect(cycle.Plugins).To(ConsistOf("greeter"))

		By("dispatching an event")
		var dispatched control.DispatchResponse
		postJSON(client, "/dispatch", control.DispatchRequest{Event: "greet"}, &dispatched)
		Expect(dispatched.Event).To(Equal("greet"))
		Expect(dispatched.Results).To(HaveLen(1))
		Expect(dispatched.Results[0].Plugin).To(Equal("greeter"))
		Expect(dispatched.Results[0].Status).To(Equal(plugin.StatusSuccess))
		Expect(dispatched.Results[0].Output).To(HaveKeyWithValue("greeting", "hello"))

		By("journaling both cycles newest first")
		cycles, err := store.RecentCycles(context.Background(), 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(cycles).To(HaveLen(2))
		Expect(cycles[0].Trigger).To(Equal(plugin.TriggerControl))
		Expect(cycles[0].State).To(Equal("committed"))
		Expect(cycles[1].Trigger).To(Equal(plugin.TriggerStartup))

		By("journaling the dispatch")
		invocations, err := store.RecentInvocations(context.Background(), 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(invocations).To(HaveLen(1))
		Expect(invocations[0].Event).To(Equal("greet"))
		Expect(invocations[0].Plugin).To(Equal("greeter"))
		Expect(invocations[0].Status).To(Equal(plugin.StatusSuccess))
	})

	It("answers health checks", func() {
		var health control.HealthResponse
		getJSON(client, "/health", &health)
		Expect(health.Status).To(Equal("healthy"))
		Expect(health.Timestamp).NotTo(BeEmpty())
	})
})
