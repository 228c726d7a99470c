package cmd

import (
	"bytes"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func execute(args ...string) (string, error) {
	out := &bytes.Buffer{}

	root := NewRootCommand()
	root.SetOut(out)
	root.SetErr(GinkgoWriter)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

var _ = Describe("simulate", func() {
	It("should run every client to completion without a hang", func() {
		out, err := execute("simulate",
			"--contexts", "2", "--submissions", "4", "--hang-context", "0")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("GPU A320 (a3xx): active"))
		Expect(out).To(ContainSubstring("completed"))
		Expect(out).To(ContainSubstring("recoveries: 0"))
		Expect(out).NotTo(ContainSubstring("last snapshot"))
	})

	It("should quarantine the hanging client and keep the others", func() {
		out, err := execute("simulate",
			"--contexts", "3", "--submissions", "6",
			"--hang-context", "2", "--hang-at", "3")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("recoveries: 1"))
		Expect(out).To(ContainSubstring("context caused a gpu hang"))
		Expect(out).To(ContainSubstring("last snapshot: recovery"))
	})

	It("should simulate the older family", func() {
		out, err := execute("simulate", "--family", "a2xx",
			"--contexts", "1", "--submissions", "2", "--hang-context", "0")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("A220"))
	})

	It("should reject bad options", func() {
		_, err := execute("simulate", "--contexts", "2", "--hang-context", "3")
		Expect(err).To(HaveOccurred())

		_, err = execute("simulate", "--submissions", "2", "--hang-at", "5")
		Expect(err).To(HaveOccurred())

		_, err = execute("simulate", "--family", "a9xx")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("inspect", func() {
	It("should print what a simulation recorded", func() {
		path := filepath.Join(GinkgoT().TempDir(), "run")

		_, err := execute("simulate",
			"--contexts", "2", "--submissions", "5",
			"--hang-context", "1", "--hang-at", "2",
			"--record", path)
		Expect(err).NotTo(HaveOccurred())

		out, err := execute("inspect", path+".sqlite3")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Recoveries (1)"))
		Expect(out).To(ContainSubstring("Snapshots (1)"))
		Expect(out).To(ContainSubstring("recovered"))
		Expect(out).To(ContainSubstring("Snapshot contexts (2)"))
	})

	It("should fail on a missing recording", func() {
		_, err := execute("inspect", filepath.Join(GinkgoT().TempDir(), "none"))

		Expect(err).To(HaveOccurred())
	})
})
