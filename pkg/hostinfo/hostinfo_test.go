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

package hostinfo_test

import (
	"runtime"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/hostinfo"
)

func TestHostinfo(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "hostinfo suite")
}

var _ = Describe("Probe", func() {
	It("always reports a non-empty architecture tag", func() {
		Expect(hostinfo.Probe().Arch).NotTo(BeEmpty())
	})

	It("translates amd64 to x86_64 like every other known GOARCH alias", func() {
		if runtime.GOARCH != "amd64" {
			Skip("host is not amd64")
		}
		Expect(hostinfo.Probe().Arch).To(Equal("x86_64"))
	})

	It("never fails even if ghw cannot probe cpu details", func() {
		info := hostinfo.Probe()
		Expect(info.Processors).To(BeNumerically(">=", 0))
	})
})

var _ = Describe("HostArch", func() {
	It("matches Probe().Arch", func() {
		Expect(hostinfo.HostArch()).To(Equal(hostinfo.Probe().Arch))
	})
})
