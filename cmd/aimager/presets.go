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
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/7Ji/aimager/pkg/types"
)

// preset is a named transform from one BuildContext to another, per
// spec.md §9's "polymorphic dispatch by function-name-prefix" redesign
// note: board_*/distro_*/repo_* become a closed table of (tag, handler)
// instead of shell function-name dispatch.
type preset struct {
	tag     string
	summary string
	apply   func(*types.BuildContext) error
}

// distroPresets covers the architecture ports named in spec.md §1: each
// Arch Linux port publishes its own distro name and mirror layout.
var distroPresets = []preset{
	{
		tag:     "archlinux",
		summary: "Arch Linux, x86_64",
		apply: func(c *types.BuildContext) error {
			c.Distro = types.Distro{Tag: "archlinux", Name: "Arch Linux", SafeName: "archlinux"}
			c.BaseRepos = []string{"core", "extra"}
			c.RepoURLs = map[string]string{
				"core":  "https://geo.mirror.pkgbuild.com/$repo/os/$arch",
				"extra": "https://geo.mirror.pkgbuild.com/$repo/os/$arch",
			}
			c.RepoKeyrings = map[string][]string{"core": {"archlinux-keyring"}}
			return nil
		},
	},
	{
		tag:     "archlinuxarm",
		summary: "Arch Linux ARM, aarch64/armv7h",
		apply: func(c *types.BuildContext) error {
			c.Distro = types.Distro{Tag: "archlinuxarm", Name: "Arch Linux ARM", SafeName: "archlinuxarm"}
			c.BaseRepos = []string{"core", "extra", "alarm"}
			c.RepoURLs = map[string]string{
				"core":  "http://mirror.archlinuxarm.org/$arch/$repo",
				"extra": "http://mirror.archlinuxarm.org/$arch/$repo",
				"alarm": "http://mirror.archlinuxarm.org/$arch/$repo",
			}
			c.RepoKeyrings = map[string][]string{"core": {"archlinuxarm-keyring"}}
			return nil
		},
	},
	{
		tag:     "archlinux32",
		summary: "Arch Linux 32, i686",
		apply: func(c *types.BuildContext) error {
			c.Distro = types.Distro{Tag: "archlinux32", Name: "Arch Linux 32", SafeName: "archlinux32"}
			c.BaseRepos = []string{"core", "extra"}
			c.RepoURLs = map[string]string{
				"core":  "https://de3.mirror.archlinux32.org/$arch/$repo",
				"extra": "https://de3.mirror.archlinux32.org/$arch/$repo",
			}
			c.RepoKeyrings = map[string][]string{"core": {"archlinux32-keyring"}}
			return nil
		},
	},
	{
		tag:     "archriscv",
		summary: "Arch Linux RISC-V, riscv64",
		apply: func(c *types.BuildContext) error {
			c.Distro = types.Distro{Tag: "archriscv", Name: "Arch Linux RISC-V", SafeName: "archriscv"}
			c.BaseRepos = []string{"core", "extra"}
			c.RepoURLs = map[string]string{
				"core":  "https://riscv.mirror.pkgbuild.com/$repo/os/$arch",
				"extra": "https://riscv.mirror.pkgbuild.com/$repo/os/$arch",
			}
			c.RepoKeyrings = map[string][]string{"core": {"archriscv-keyring"}}
			return nil
		},
	},
	{
		tag:     "archloongarch",
		summary: "Arch Linux LoongArch, loong64",
		apply: func(c *types.BuildContext) error {
			c.Distro = types.Distro{Tag: "archloongarch", Name: "Arch Linux LoongArch", SafeName: "archloongarch"}
			c.BaseRepos = []string{"core", "extra"}
			c.RepoURLs = map[string]string{
				"core":  "https://loongarch.lcpu.dev/loongarch/archlinux/$repo/os/$arch",
				"extra": "https://loongarch.lcpu.dev/loongarch/archlinux/$repo/os/$arch",
			}
			c.RepoKeyrings = map[string][]string{"core": {"archlinux-keyring"}}
			return nil
		},
	},
}

// boardPresets are convenience bundles of kernel/bootloader/package
// choices for known targets. "none" (the default) leaves the caller's
// explicit flags untouched.
var boardPresets = []preset{
	{
		tag:     "none",
		summary: "no board convenience preset; use explicit flags",
		apply:   func(c *types.BuildContext) error { return nil },
	},
	{
		tag:     "generic-efi",
		summary: "generic UEFI machine: systemd-boot, linux, a GPT table",
		apply: func(c *types.BuildContext) error {
			c.Board = "generic-efi"
			c.Bootloaders = []string{"systemd-boot"}
			c.Kernels = []string{"linux"}
			if c.Table == "" {
				c.Table = "=efi"
			}
			return nil
		},
	},
	{
		tag:     "generic-bios",
		summary: "generic BIOS machine: syslinux, linux, a DOS table",
		apply: func(c *types.BuildContext) error {
			c.Board = "generic-bios"
			c.Bootloaders = []string{"syslinux"}
			c.Kernels = []string{"linux"}
			if c.Table == "" {
				c.Table = "=bios"
			}
			return nil
		},
	},
	{
		tag:     "rpi4",
		summary: "Raspberry Pi 4: u-boot-extlinux, linux-rpi",
		apply: func(c *types.BuildContext) error {
			c.Board = "rpi4"
			c.Bootloaders = []string{"u-boot-extlinux"}
			c.Kernels = []string{"linux-rpi"}
			if c.Table == "" {
				c.Table = "=sd"
			}
			return nil
		},
	},
}

// tablePresets name canned partition declarations for --table=<preset>,
// per spec.md §4.4's declaration grammar.
var tablePresets = map[string]string{
	"efi": "label: gpt\n" +
		"aimager@boot: size=512MiB, type=uefi\n" +
		"aimager@root: type=linux\n",
	"bios": "label: dos\n" +
		"aimager@boot: size=512MiB, type=0c\n" +
		"aimager@root: type=83\n",
	"sd": "label: dos\n" +
		"aimager@boot: size=256MiB, type=0c\n" +
		"aimager@root: type=83\n",
}

// artifactHelpText lists the --create targets, per spec.md §6.
func artifactHelpText() string {
	var b strings.Builder
	for _, a := range []struct{ name, summary string }{
		{"root.tar", "tar of the chroot, excluding /dev /mnt /proc /sys"},
		{"part-boot.img", "FAT image of the boot partition"},
		{"part-root.img", "ext4 image of the root partition"},
		{"part-home.img", "ext4 image of the home partition"},
		{"disk.img", "assembled disk image with all role partitions stamped in"},
		{"keyring-helper.tar", "tar subset of the chroot usable as a keyring-helper on another build"},
	} {
		fmt.Fprintf(&b, "%-20s %s\n", a.name, a.summary)
	}
	return b.String()
}

func findPreset(list []preset, tag string) (preset, bool) {
	for _, p := range list {
		if p.tag == tag {
			return p, true
		}
	}
	return preset{}, false
}

// helpText renders a preset table's tags and summaries, for
// "--board help"/"--distro help" and "help=<tag>" variants.
func helpText(kind string, list []preset, only string) string {
	var b strings.Builder
	sorted := append([]preset(nil), list...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].tag < sorted[j].tag })
	for _, p := range sorted {
		if only != "" && p.tag != only {
			continue
		}
		fmt.Fprintf(&b, "%-16s %s\n", p.tag, p.summary)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("no such %s preset %q\n", kind, only)
	}
	return b.String()
}

// resolveTablePreset expands --table's "=<preset>"/"@<file>" forms,
// passing through a literal declaration unchanged.
func resolveTablePreset(table string) (string, error) {
	switch {
	case strings.HasPrefix(table, "="):
		name := strings.TrimPrefix(table, "=")
		decl, ok := tablePresets[name]
		if !ok {
			return "", fmt.Errorf("unknown table preset %q", name)
		}
		return decl, nil
	case strings.HasPrefix(table, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(table, "@"))
		if err != nil {
			return "", fmt.Errorf("reading table declaration file: %w", err)
		}
		return string(data), nil
	default:
		return table, nil
	}
}
