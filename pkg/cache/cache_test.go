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

package cache_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/types"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cache suite")
}

var _ = Describe("Store", func() {
	var (
		dir       string
		layout    types.CacheLayout
		startTime time.Time
		store     *cache.Store
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "aimager-cache-test-")
		Expect(err).NotTo(HaveOccurred())
		layout = types.NewCacheLayout(dir)
		startTime = time.Now()
		store = cache.New(layout, nil, startTime)
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	Describe("Fresh", func() {
		It("reports false for a path that does not exist", func() {
			Expect(store.Fresh(filepath.Join(dir, "missing"))).To(BeFalse())
		})

		It("reports false for a file modified before StartTime", func() {
			p := filepath.Join(dir, "stale")
			Expect(os.WriteFile(p, []byte("x"), 0644)).To(Succeed())
			old := startTime.Add(-time.Hour)
			Expect(os.Chtimes(p, old, old)).To(Succeed())
			Expect(store.Fresh(p)).To(BeFalse())
		})

		It("reports true for a file modified at or after StartTime", func() {
			p := filepath.Join(dir, "fresh")
			Expect(os.WriteFile(p, []byte("x"), 0644)).To(Succeed())
			future := startTime.Add(time.Hour)
			Expect(os.Chtimes(p, future, future)).To(Succeed())
			Expect(store.Fresh(p)).To(BeTrue())
		})
	})

	Describe("EnsureDirs", func() {
		It("creates the repo, pkg and keyring cache directories", func() {
			Expect(store.EnsureDirs()).To(Succeed())
			for _, sub := range []string{"repo", "pkg", "keyring"} {
				info, err := os.Stat(filepath.Join(dir, "cache", sub))
				Expect(err).NotTo(HaveOccurred())
				Expect(info.IsDir()).To(BeTrue())
			}
		})
	})

	Describe("AtomicWrite", func() {
		It("writes the file and leaves no temp file behind", func() {
			p := filepath.Join(dir, "sub", "entry")
			Expect(store.AtomicWrite(p, []byte("hello"))).To(Succeed())
			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("hello"))
			_, err = os.Stat(p + ".temp")
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("overwrites an existing entry", func() {
			p := filepath.Join(dir, "entry")
			Expect(store.AtomicWrite(p, []byte("v1"))).To(Succeed())
			Expect(store.AtomicWrite(p, []byte("v2"))).To(Succeed())
			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("v2"))
		})

		It("removes a leftover temp file from a previous failed write", func() {
			p := filepath.Join(dir, "entry")
			Expect(os.WriteFile(p+".temp", []byte("leftover"), 0644)).To(Succeed())
			Expect(store.AtomicWrite(p, []byte("final"))).To(Succeed())
			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("final"))
		})
	})

	Describe("AtomicWriteFrom", func() {
		It("streams the reader into the destination and returns the byte count", func() {
			p := filepath.Join(dir, "streamed")
			n, err := store.AtomicWriteFrom(p, strings.NewReader("streamed content"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(len("streamed content"))))
			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("streamed content"))
		})
	})
})
