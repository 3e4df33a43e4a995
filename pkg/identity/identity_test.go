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

package identity_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/identity"
)

func TestIdentity(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "identity suite")
}

var _ = Describe("CheckNotRoot", func() {
	It("rejects uid 0", func() {
		Expect(identity.CheckNotRoot(identity.Caller{Name: "builder", UID: 0, GID: 1000})).To(MatchError(identity.ErrRealRoot))
	})

	It("rejects gid 0", func() {
		Expect(identity.CheckNotRoot(identity.Caller{Name: "builder", UID: 1000, GID: 0})).To(MatchError(identity.ErrRealRoot))
	})

	It("rejects the name root regardless of numeric ids", func() {
		Expect(identity.CheckNotRoot(identity.Caller{Name: "root", UID: 1000, GID: 1000})).To(MatchError(identity.ErrRealRoot))
	})

	It("accepts an ordinary caller", func() {
		Expect(identity.CheckNotRoot(identity.Caller{Name: "builder", UID: 1000, GID: 1000})).To(Succeed())
	})
})

var _ = Describe("Resolve", func() {
	var caller identity.Caller

	BeforeEach(func() {
		caller = identity.Caller{Name: "builder", UID: 1000, GID: 1000}
	})

	It("resolves by login name when present", func() {
		subuid := strings.NewReader("builder:100000:65536\n")
		subgid := strings.NewReader("builder:100000:65536\n")
		uidRange, gidRange, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).NotTo(HaveOccurred())
		Expect(uidRange).To(Equal(identity.Range{Start: 100000, Count: 65536}))
		Expect(gidRange).To(Equal(identity.Range{Start: 100000, Count: 65536}))
	})

	It("falls back to the numeric uid/gid when the name is absent", func() {
		subuid := strings.NewReader("1000:200000:65536\n")
		subgid := strings.NewReader("1000:200000:65536\n")
		uidRange, _, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).NotTo(HaveOccurred())
		Expect(uidRange.Start).To(Equal(uint32(200000)))
	})

	It("skips blank lines and comments", func() {
		subuid := strings.NewReader("# comment\n\nbuilder:100000:65536\n")
		subgid := strings.NewReader("builder:100000:65536\n")
		_, _, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails when neither name nor uid has an entry", func() {
		subuid := strings.NewReader("someoneelse:100000:65536\n")
		subgid := strings.NewReader("builder:100000:65536\n")
		_, _, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("resolving subuid range"))
	})

	It("fails when the contiguous range is smaller than MapSubRangeMin", func() {
		subuid := strings.NewReader("builder:100000:100\n")
		subgid := strings.NewReader("builder:100000:65536\n")
		_, _, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).To(HaveOccurred())
	})

	It("ignores malformed lines instead of failing the scan", func() {
		subuid := strings.NewReader("garbage-line\nbuilder:100000:65536\n")
		subgid := strings.NewReader("builder:100000:65536\n")
		_, _, err := identity.Resolve(caller, subuid, subgid)
		Expect(err).NotTo(HaveOccurred())
	})
})
