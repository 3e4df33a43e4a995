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

package types_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/types"
)

func TestTypes(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "types suite")
}

var _ = Describe("Distro.Sanitize", func() {
	It("rejects an empty tag", func() {
		d := types.Distro{}
		Expect(d.Sanitize()).To(HaveOccurred())
	})

	It("fills Name and SafeName from Tag when empty", func() {
		d := types.Distro{Tag: "archlinux"}
		Expect(d.Sanitize()).To(Succeed())
		Expect(d.Name).To(Equal("archlinux"))
		Expect(d.SafeName).To(Equal("archlinux"))
	})

	It("leaves an explicit Name/SafeName alone", func() {
		d := types.Distro{Tag: "archlinux", Name: "Arch Linux", SafeName: "archlinux"}
		Expect(d.Sanitize()).To(Succeed())
		Expect(d.Name).To(Equal("Arch Linux"))
	})
})

var _ = Describe("BuildContext.Sanitize", func() {
	var bc *types.BuildContext

	BeforeEach(func() {
		bc = &types.BuildContext{
			HostArch:   "x86_64",
			TargetArch: "x86_64",
			Distro:     types.Distro{Tag: "archlinux"},
		}
	})

	It("requires a resolved host architecture", func() {
		bc.HostArch = ""
		Expect(bc.Sanitize()).To(HaveOccurred())
	})

	It("requires a non-empty target architecture", func() {
		bc.TargetArch = ""
		Expect(bc.Sanitize()).To(HaveOccurred())
	})

	It("marks Cross when host and target architectures differ", func() {
		bc.TargetArch = "aarch64"
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.Cross).To(BeTrue())
	})

	It("does not mark Cross for a matching pair", func() {
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.Cross).To(BeFalse())
	})

	It("defaults RepoCore to core", func() {
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.RepoCore).To(Equal("core"))
	})

	It("rejects a base repo list missing the declared core repo", func() {
		bc.BaseRepos = []string{"extra"}
		Expect(bc.Sanitize()).To(HaveOccurred())
	})

	It("rejects the reserved options section in the base repo list", func() {
		bc.BaseRepos = []string{"core", "options"}
		Expect(bc.Sanitize()).To(HaveOccurred())
	})

	It("accepts a base repo list containing the declared core repo", func() {
		bc.BaseRepos = []string{"core", "extra"}
		Expect(bc.Sanitize()).To(Succeed())
	})

	It("derives a stable build id from distro, arch and board", func() {
		bc.Board = "rpi4"
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.BuildID).To(Equal("archlinux-x86_64-rpi4"))
	})

	It("defaults Board to none", func() {
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.Board).To(Equal("none"))
	})

	It("defaults OutPrefix to the constants out directory", func() {
		Expect(bc.Sanitize()).To(Succeed())
		Expect(bc.OutPrefix).NotTo(BeEmpty())
	})
})

var _ = Describe("CacheLayout", func() {
	It("derives the build scratch directory from the build id", func() {
		layout := types.NewCacheLayout("/work")
		Expect(layout.BuildScratchDir("myid")).To(Equal("/work/cache/build.myid"))
	})

	It("falls back to the default out directory for an empty prefix", func() {
		layout := types.NewCacheLayout("/work")
		Expect(layout.OutDir("")).To(Equal("/work/out"))
	})

	It("honors an explicit out prefix", func() {
		layout := types.NewCacheLayout("/work")
		Expect(layout.OutDir("dist")).To(Equal("/work/dist"))
	})
})
