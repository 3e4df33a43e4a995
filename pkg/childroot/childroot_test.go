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

package childroot_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/internal/testfakes"
	"github.com/7Ji/aimager/pkg/childroot"
	"github.com/7Ji/aimager/pkg/types"
)

func TestChildroot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "childroot suite")
}

var _ = Describe("Builder", func() {
	var (
		fs      types.Fs
		dir     string
		cleanup func()
		mounter *testfakes.Mounter
		builder *childroot.Builder
		root    string
	)

	BeforeEach(func() {
		fs, dir, cleanup = testfakes.NewFs()
		mounter = testfakes.NewMounter()
		builder = &childroot.Builder{Fs: fs, Mounter: mounter, Logger: testfakes.NewLogger()}
		root = filepath.Join(dir, "root")
	})

	AfterEach(func() {
		cleanup()
	})

	Describe("Prepare", func() {
		It("bind-mounts the root onto itself for RootKindBindSelf", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			Expect(mounter.Calls[0]).To(Equal(testfakes.Call{Method: "Mount", Args: []string{root, root, "", "[bind]"}}))
		})

		It("mounts a tmpfs root for RootKindTmpfs with a default mode", func() {
			Expect(builder.Prepare(root, childroot.RootKindTmpfs, "")).To(Succeed())
			Expect(mounter.Calls[0]).To(Equal(testfakes.Call{Method: "Mount", Args: []string{"tmpfs", root, "tmpfs", "[mode=0755]"}}))
		})

		It("honors an explicit tmpfs size option", func() {
			Expect(builder.Prepare(root, childroot.RootKindTmpfs, "size=2G")).To(Succeed())
			Expect(mounter.Calls[0]).To(Equal(testfakes.Call{Method: "Mount", Args: []string{"tmpfs", root, "tmpfs", "[size=2G]"}}))
		})

		It("rejects an unsupported root kind", func() {
			err := builder.Prepare(root, childroot.RootKind(99), "")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unsupported root kind"))
		})

		It("creates the full directory skeleton", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			for _, sub := range []string{"dev/pts", "proc", "sys", "etc/pacman.d", "var/lib/pacman", "boot", "home"} {
				info, err := os.Stat(filepath.Join(root, sub))
				Expect(err).NotTo(HaveOccurred())
				Expect(info.IsDir()).To(BeTrue())
			}
		})

		It("mounts proc, dev, devpts, dev/shm and the device nodes after the root mount", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			var targets []string
			for _, c := range mounter.Calls {
				if c.Method == "Mount" {
					targets = append(targets, c.Args[1])
				}
			}
			Expect(targets).To(ContainElements(
				filepath.Join(root, "proc"),
				filepath.Join(root, "dev"),
				filepath.Join(root, "dev/pts"),
				filepath.Join(root, "dev/shm"),
				filepath.Join(root, "dev/full"),
				filepath.Join(root, "dev/null"),
				filepath.Join(root, "dev/random"),
				filepath.Join(root, "dev/tty"),
				filepath.Join(root, "dev/urandom"),
				filepath.Join(root, "dev/zero"),
				filepath.Join(root, "sys"),
			))
		})

		It("mounts sys as a tmpfs, not sysfs, and creates sys/module", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			var sysMount *testfakes.Call
			for _, c := range mounter.Calls {
				if c.Method == "Mount" && c.Args[1] == filepath.Join(root, "sys") {
					call := c
					sysMount = &call
				}
			}
			Expect(sysMount).NotTo(BeNil())
			Expect(sysMount.Args[0]).To(Equal("tmpfs"))
			Expect(sysMount.Args[2]).To(Equal("tmpfs"))

			info, err := os.Stat(filepath.Join(root, "sys/module"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})

		It("bind-mounts every required device node from the host", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			for _, name := range []string{"full", "null", "random", "tty", "urandom", "zero"} {
				target := filepath.Join(root, "dev", name)
				Expect(mounter.Calls).To(ContainElement(testfakes.Call{
					Method: "Mount",
					Args:   []string{filepath.Join("/dev", name), target, "", "[bind]"},
				}))
				_, err := os.Lstat(target)
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("creates the conventional /dev symlinks", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			for name, target := range map[string]string{
				"stderr": "/proc/self/fd/2",
				"stdout": "/proc/self/fd/1",
				"stdin":  "/proc/self/fd/0",
				"core":   "/proc/kcore",
				"fd":     "/proc/self/fd",
				"ptmx":   "pts/ptmx",
			} {
				got, err := os.Readlink(filepath.Join(root, "dev", name))
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(target))
			}
			_, err := os.Readlink(filepath.Join(root, "dev/console"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("sets the sticky bit on tmp", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			info, err := os.Stat(filepath.Join(root, "tmp"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode() & os.ModeSticky).NotTo(BeZero())
		})
	})

	Describe("Teardown", func() {
		// deviceNodeSubs mirrors the unexported deviceNodes list in
		// childroot.go: full, null, random, tty, urandom, zero under dev/.
		deviceNodeSubs := []string{"dev/full", "dev/null", "dev/random", "dev/tty", "dev/urandom", "dev/zero"}

		It("unmounts every submount that is actually mounted, innermost first", func() {
			Expect(builder.Prepare(root, childroot.RootKindBindSelf, "")).To(Succeed())
			mounter.Calls = nil
			subs := append([]string{"dev/shm", "dev/pts"}, deviceNodeSubs...)
			subs = append(subs, "dev", "sys", "proc")
			for _, sub := range subs {
				mounter.NotMountPoint[filepath.Join(root, sub)] = false
			}
			mounter.NotMountPoint[root] = false

			Expect(builder.Teardown(root)).To(Succeed())

			var unmounted []string
			for _, c := range mounter.Calls {
				if c.Method == "Unmount" {
					unmounted = append(unmounted, c.Args[0])
				}
			}
			var expected []string
			for _, sub := range subs {
				expected = append(expected, filepath.Join(root, sub))
			}
			expected = append(expected, root)
			Expect(unmounted).To(Equal(expected))
		})

		It("skips anything that isn't actually mounted", func() {
			Expect(builder.Teardown(root)).To(Succeed())
			for _, c := range mounter.Calls {
				Expect(c.Method).NotTo(Equal("Unmount"))
			}
		})

		It("keeps going and returns the first error when an unmount fails", func() {
			subs := append([]string{"dev/shm", "dev/pts"}, deviceNodeSubs...)
			subs = append(subs, "dev", "sys", "proc")
			for _, sub := range subs {
				mounter.NotMountPoint[filepath.Join(root, sub)] = false
			}
			mounter.NotMountPoint[root] = false
			mounter.UnmountErr = os.ErrPermission

			err := builder.Teardown(root)
			Expect(err).To(HaveOccurred())

			unmountCalls := 0
			for _, c := range mounter.Calls {
				if c.Method == "Unmount" {
					unmountCalls++
				}
			}
			Expect(unmountCalls).To(Equal(len(subs) + 1))
		})
	})
})
