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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/types"
)

var _ = Describe("extraRepoStanza", func() {
	It("renders a Server line when a url is given", func() {
		Expect(extraRepoStanza("myrepo", "https://example.com/$repo")).To(Equal(
			"[myrepo]\nSigLevel = Never\nServer = https://example.com/$repo\n"))
	})

	It("omits the Server line when the url is empty", func() {
		Expect(extraRepoStanza("myrepo", "")).To(Equal("[myrepo]\nSigLevel = Never\n"))
	})
})

var _ = Describe("appendCmdlineFor", func() {
	var bc *types.BuildContext

	BeforeEach(func() {
		bc = &types.BuildContext{AppendCmdline: map[string]string{
			"all":     "quiet",
			"default": "splash",
			"linux":   "extra_param=1",
		}}
	})

	It("combines all, default and the per-kernel override for the default kernel", func() {
		Expect(appendCmdlineFor(bc, "linux", true)).To(Equal(" quiet splash extra_param=1"))
	})

	It("skips the default-only piece for a non-default kernel", func() {
		Expect(appendCmdlineFor(bc, "linux", false)).To(Equal(" quiet extra_param=1"))
	})

	It("returns an empty string when nothing applies", func() {
		bc2 := &types.BuildContext{AppendCmdline: map[string]string{}}
		Expect(appendCmdlineFor(bc2, "linux-lts", false)).To(Equal(""))
	})
})

var _ = Describe("bootEntries", func() {
	It("builds one entry per kernel, threading microcode images and append text", func() {
		bc := &types.BuildContext{
			Kernels:       []string{"linux", "linux-lts"},
			Microcodes:    []string{"intel-ucode"},
			AppendCmdline: map[string]string{"all": "quiet"},
		}
		entries := bootEntries(bc, nil)
		Expect(entries).To(HaveLen(2))

		first := entries[0]
		Expect(first.Kernel).To(Equal("linux"))
		Expect(first.LinuxPath).To(Equal("vmlinuz-linux"))
		Expect(first.InitrdPaths).To(Equal([]string{"intel-ucode.img", "initramfs-linux.img"}))
		Expect(first.Append).To(Equal(" quiet"))
		Expect(first.RootUUID).To(BeEmpty())

		second := entries[1]
		Expect(second.Kernel).To(Equal("linux-lts"))
	})

	It("resolves the root partition's uuid from the table when present", func() {
		table := &types.PartitionTable{Partitions: types.PartitionList{
			{Role: constants.RoleRoot, UUID: "deadbeef-0000-0000-0000-000000000000"},
		}}
		bc := &types.BuildContext{Kernels: []string{"linux"}}
		entries := bootEntries(bc, table)
		Expect(entries[0].RootUUID).To(Equal("deadbeef-0000-0000-0000-000000000000"))
	})
})
