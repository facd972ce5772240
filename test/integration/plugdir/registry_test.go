// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugdir_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plugdir/internal/registry"
)

func byIdentifier(id string) func(registry.Record) bool {
	return func(r registry.Record) bool { return r.BundleIdentifier == id }
}

var _ = Describe("Plugin directory", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("installing bundles", func() {
		It("records two bundles with distinct identifiers without conflict", func() {
			results := env.reg.Install(env.ctx, []string{
				env.stage("A.bundle", "com.x.a", "1.0.0"),
				env.stage("B.bundle", "com.x.b", "1.0.0"),
			})
			Expect(results).To(HaveLen(2))
			for _, res := range results {
				Expect(res.Err).NotTo(HaveOccurred())
			}

			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(2))
			Expect(env.reg.Snapshot()).To(HaveEach(HaveField("Conflicted", BeFalse())))
		})

		It("flags the newer of two bundles sharing an identifier", func() {
			Expect(env.reg.Install(env.ctx, []string{env.stage("A.bundle", "com.x.a", "1.0.0")})[0].Err).To(Succeed())
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(1))

			res := env.reg.Install(env.ctx, []string{env.stage("B.bundle", "com.x.a", "1.0.0")})[0]
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.Conflict).To(BeTrue())

			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(2))
			snap := env.reg.Snapshot()
			Expect(snap[0].Location).To(Equal(filepath.Join(env.plugins, "A.bundle")))
			Expect(snap[0].Conflicted).To(BeFalse())
			Expect(snap[1].Conflicted).To(BeTrue())
			Expect(snap[1].Enabled).To(BeFalse())
		})

		It("reports each failed item without stopping the others", func() {
			missing := filepath.Join(env.staging, "Missing.bundle")
			results := env.reg.Install(env.ctx, []string{missing, env.stage("A.bundle", "com.x.a", "1.0.0")})

			Expect(results[0].Err).To(HaveOccurred())
			Expect(results[1].Err).NotTo(HaveOccurred())
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(ContainElement(Satisfy(byIdentifier("com.x.a"))))
		})
	})

	Describe("the plugins walkthrough", func() {
		It("follows add, overwrite, conflicting add, and removal", func() {
			By("adding A.bundle")
			writeBundle(env.plugins, "A.bundle", "com.x.a", "1.0.0")
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(1))
			a := env.reg.Snapshot()[0]
			Expect(a.Enabled).To(BeTrue())
			Expect(a.Conflicted).To(BeFalse())

			By("overwriting A.bundle with v2")
			res := env.reg.Install(env.ctx, []string{env.stage("A.bundle", "com.x.a", "2.0.0")})[0]
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.Replaced).To(BeTrue())
			Eventually(func() string {
				snap := env.reg.Snapshot()
				if len(snap) != 1 {
					return ""
				}
				return snap[0].BundleVersion
			}).WithTimeout(settle).WithPolling(poll).Should(Equal("2.0.0"))
			Expect(env.reg.Snapshot()[0].Conflicted).To(BeFalse())

			By("adding B.bundle with the same identifier")
			b := writeBundle(env.plugins, "B.bundle", "com.x.a", "1.0.0")
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(2))
			Expect(env.reg.Snapshot()[1].Conflicted).To(BeTrue())

			By("removing B.bundle")
			Expect(os.RemoveAll(b)).To(Succeed())
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(1))
			Expect(env.reg.Snapshot()[0].Conflicted).To(BeFalse())
		})
	})

	Describe("enable state", func() {
		It("survives a restart", func() {
			writeBundle(env.plugins, "A.bundle", "com.x.a", "1.0.0")
			Eventually(env.records()).WithTimeout(settle).WithPolling(poll).Should(HaveLen(1))
			Expect(env.reg.SetEnabled("com.x.a", false)).To(Succeed())

			env.restart()

			rec, ok := env.reg.Lookup("com.x.a")
			Expect(ok).To(BeTrue())
			Expect(rec.Enabled).To(BeFalse())
		})
	})

	Describe("change notifications", func() {
		It("tells subscribers about additions and removals", func() {
			ch := env.reg.Subscribe()
			DeferCleanup(func() { env.reg.Unsubscribe(ch) })

			a := writeBundle(env.plugins, "A.bundle", "com.x.a", "1.0.0")
			Eventually(ch).WithTimeout(settle).Should(Receive(Equal(registry.Change{
				Kind: registry.ChangeAdded, Identifier: "com.x.a", Location: a,
			})))

			Expect(os.RemoveAll(a)).To(Succeed())
			Eventually(ch).WithTimeout(settle).Should(Receive(Equal(registry.Change{
				Kind: registry.ChangeRemoved, Identifier: "com.x.a", Location: a,
			})))
		})
	})
})
