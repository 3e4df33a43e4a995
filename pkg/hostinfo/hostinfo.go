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

// Package hostinfo probes the host's own architecture, used to decide
// whether a build is cross-architecture and whether a keyring-helper
// tree can run without emulation, per spec.md §2.
package hostinfo

import (
	"runtime"

	"github.com/jaypipes/ghw"
)

// archAliases maps Go's runtime.GOARCH values to Arch Linux's own
// architecture tags.
var archAliases = map[string]string{
	"amd64":   "x86_64",
	"386":     "i686",
	"arm64":   "aarch64",
	"arm":     "armv7h",
	"loong64": "loong64",
	"riscv64": "riscv64",
}

// Info is what Probe reports about the machine aimager runs on.
type Info struct {
	Arch        string
	CPUVendor   string
	CPUModel    string
	Processors  int
}

// Probe reports the host's Arch-Linux-style architecture tag, derived
// from runtime.GOARCH (the authority on what instruction set this
// binary itself runs), alongside the CPU vendor/model ghw reports for
// the debug dump (spec.md §9's "dump resolved config" debug aid).
// ghw failing to probe (containers without /proc/cpuinfo access) never
// fails the build: the architecture still comes from runtime.GOARCH.
func Probe() Info {
	info := Info{Arch: runtime.GOARCH}
	if arch, ok := archAliases[runtime.GOARCH]; ok {
		info.Arch = arch
	}
	if cpu, err := ghw.CPU(); err == nil && cpu != nil {
		info.Processors = int(cpu.TotalCores)
		if len(cpu.Processors) > 0 {
			info.CPUVendor = cpu.Processors[0].Vendor
			info.CPUModel = cpu.Processors[0].Model
		}
	}
	return info
}

// HostArch is a convenience wrapper around Probe for callers that only
// need the architecture tag.
func HostArch() string {
	return Probe().Arch
}
