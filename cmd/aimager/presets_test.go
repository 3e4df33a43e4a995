/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/types"
)

func TestAimagerCmd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cmd/aimager suite")
}

var _ = Describe("findPreset", func() {
	It("finds a preset by tag", func() {
		p, ok := findPreset(distroPresets, "archlinuxarm")
		Expect(ok).To(BeTrue())
		Expect(p.summary).To(ContainSubstring("ARM"))
	})

	It("reports not found for an unknown tag", func() {
		_, ok := findPreset(distroPresets, "does-not-exist")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("distroPresets", func() {
	It("populates RepoCore-eligible BaseRepos including core for every distro", func() {
		for _, p := range distroPresets {
			bc := &types.BuildContext{}
			Expect(p.apply(bc)).To(Succeed())
			Expect(bc.BaseRepos).To(ContainElement("core"))
			Expect(bc.Distro.Tag).To(Equal(p.tag))
		}
	})
})

var _ = Describe("boardPresets", func() {
	It("leaves the context untouched for the none preset", func() {
		p, ok := findPreset(boardPresets, "none")
		Expect(ok).To(BeTrue())
		bc := &types.BuildContext{Board: "custom"}
		Expect(p.apply(bc)).To(Succeed())
		Expect(bc.Board).To(Equal("custom"))
	})

	It("sets a default table preset only when none was already chosen", func() {
		p, ok := findPreset(boardPresets, "rpi4")
		Expect(ok).To(BeTrue())
		bc := &types.BuildContext{}
		Expect(p.apply(bc)).To(Succeed())
		Expect(bc.Table).To(Equal("=sd"))

		bc2 := &types.BuildContext{Table: "label: dos\n"}
		Expect(p.apply(bc2)).To(Succeed())
		Expect(bc2.Table).To(Equal("label: dos\n"))
	})
})

var _ = Describe("helpText", func() {
	It("lists every preset sorted by tag", func() {
		text := helpText("board", boardPresets, "")
		Expect(text).To(ContainSubstring("generic-efi"))
		Expect(text).To(ContainSubstring("rpi4"))
	})

	It("filters to a single tag when only is set", func() {
		text := helpText("board", boardPresets, "rpi4")
		Expect(text).To(ContainSubstring("rpi4"))
		Expect(text).NotTo(ContainSubstring("generic-efi"))
	})

	It("reports an error string for an unknown tag", func() {
		text := helpText("board", boardPresets, "nope")
		Expect(text).To(ContainSubstring("no such board preset"))
	})
})

var _ = Describe("resolveTablePreset", func() {
	It("expands a known =preset name", func() {
		decl, err := resolveTablePreset("=efi")
		Expect(err).NotTo(HaveOccurred())
		Expect(decl).To(ContainSubstring("aimager@boot"))
	})

	It("errors on an unknown =preset name", func() {
		_, err := resolveTablePreset("=nonexistent")
		Expect(err).To(HaveOccurred())
	})

	It("reads an @file declaration from disk", func() {
		dir, err := os.MkdirTemp("", "aimager-table-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "table.txt")
		Expect(os.WriteFile(path, []byte("label: dos\n"), 0644)).To(Succeed())

		decl, err := resolveTablePreset("@" + path)
		Expect(err).NotTo(HaveOccurred())
		Expect(decl).To(Equal("label: dos\n"))
	})

	It("errors when the @file doesn't exist", func() {
		_, err := resolveTablePreset("@/no/such/file")
		Expect(err).To(HaveOccurred())
	})

	It("passes a literal declaration through unchanged", func() {
		decl, err := resolveTablePreset("label: gpt\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(decl).To(Equal("label: gpt\n"))
	})
})

var _ = Describe("artifactHelpText", func() {
	It("lists every known create target", func() {
		text := artifactHelpText()
		for _, name := range []string{"root.tar", "part-boot.img", "part-root.img", "part-home.img", "disk.img", "keyring-helper.tar"} {
			Expect(text).To(ContainSubstring(name))
		}
	})
})
