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

package keyring_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/internal/testfakes"
	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/keyring"
	"github.com/7Ji/aimager/pkg/types"
)

func TestKeyring(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "keyring suite")
}

func writeKeyringFile(dir, name, content string) {
	p := filepath.Join(dir, "usr/share/pacman/keyrings", name)
	Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
	Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
}

var _ = Describe("ComputeID", func() {
	var chrootPath string
	var cleanupDir func()

	BeforeEach(func() {
		_, workDir, cleanup := testfakes.NewFs()
		cleanupDir = cleanup
		chrootPath = filepath.Join(workDir, "root")
		writeKeyringFile(chrootPath, "archlinux.gpg", "keydata-a")
		writeKeyringFile(chrootPath, "archlinuxarm.gpg", "keydata-b")
	})

	AfterEach(func() { cleanupDir() })

	It("derives a stable md5-prefixed id from file names and content", func() {
		id, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(HavePrefix("md5-"))
	})

	It("is deterministic across repeated calls on the same tree", func() {
		id1, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		id2, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).To(Equal(id2))
	})

	It("changes when a keyring file's content changes", func() {
		id1, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		writeKeyringFile(chrootPath, "archlinux.gpg", "different-keydata")
		id2, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).NotTo(Equal(id2))
	})
})

var _ = Describe("Manager.Bootstrap", func() {
	var (
		fs         types.Fs
		workDir    string
		cleanupDir func()
		chrootPath string
		runner     *testfakes.Runner
		mgr        *keyring.Manager
	)

	BeforeEach(func() {
		fs, workDir, cleanupDir = testfakes.NewFs()
		chrootPath = filepath.Join(workDir, "build", "root")
		writeKeyringFile(chrootPath, "archlinux.gpg", "keydata")
		runner = testfakes.NewRunner()
		layout := types.NewCacheLayout(filepath.Join(workDir, "cachehome"))
		store := cache.New(layout, testfakes.NewLogger(), time.Now())
		mgr = &keyring.Manager{
			Store:   store,
			Fs:      fs,
			Runner:  runner,
			Mounter: testfakes.NewMounter(),
			Logger:  testfakes.NewLogger(),
			Distro:  "archlinux",
		}
	})

	AfterEach(func() { cleanupDir() })

	It("initializes and populates the native keyring when no helper tar is given", func() {
		id, err := mgr.Bootstrap(context.Background(), chrootPath, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(HavePrefix("md5-"))

		var sawInit, sawPopulate bool
		for _, c := range runner.Calls {
			if len(c.Args) >= 3 && c.Args[0] == "chroot" && c.Args[2] == "pacman-key" {
				if len(c.Args) >= 4 && c.Args[3] == "--init" {
					sawInit = true
				}
				if len(c.Args) >= 4 && c.Args[3] == "--populate" {
					sawPopulate = true
				}
			}
		}
		Expect(sawInit).To(BeTrue())
		Expect(sawPopulate).To(BeTrue())
	})

	It("archives the gnupg tree to the cache after a fresh bootstrap", func() {
		gnupgDir := filepath.Join(chrootPath, "etc/pacman.d/gnupg")
		Expect(os.MkdirAll(gnupgDir, 0700)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(gnupgDir, "pubring.gpg"), []byte("pub"), 0644)).To(Succeed())

		id, err := mgr.Bootstrap(context.Background(), chrootPath, "")
		Expect(err).NotTo(HaveOccurred())

		layout := types.NewCacheLayout(filepath.Join(workDir, "cachehome"))
		_, statErr := os.Stat(layout.KeyringBackupPath(id))
		Expect(statErr).NotTo(HaveOccurred())
	})

	It("restores a previously cached keyring instead of reinitializing", func() {
		id, err := keyring.ComputeID(chrootPath)
		Expect(err).NotTo(HaveOccurred())
		layout := types.NewCacheLayout(filepath.Join(workDir, "cachehome"))
		backupPath := layout.KeyringBackupPath(id)
		Expect(os.MkdirAll(filepath.Dir(backupPath), 0755)).To(Succeed())
		Expect(os.WriteFile(backupPath, []byte("fake-tar"), 0644)).To(Succeed())

		gotID, err := mgr.Bootstrap(context.Background(), chrootPath, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotID).To(Equal(id))

		for _, c := range runner.Calls {
			Expect(c.Args).NotTo(ContainElement("--init"))
		}
		var sawExtract bool
		for _, c := range runner.Calls {
			if c.Args[0] == "bsdtar" {
				sawExtract = true
			}
		}
		Expect(sawExtract).To(BeTrue())
	})

	It("routes through the helper backend and binds/unbinds it when a helper tar is given", func() {
		mounter := testfakes.NewMounter()
		mgr.Mounter = mounter
		id, err := mgr.Bootstrap(context.Background(), chrootPath, "/cache/keyring-helper.tar")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(HavePrefix("md5-"))

		var mounts, unmounts int
		for _, c := range mounter.Calls {
			switch c.Method {
			case "Mount":
				mounts++
			case "Unmount":
				unmounts++
			}
		}
		Expect(mounts).To(Equal(4))
		Expect(unmounts).To(Equal(4))
	})
})

var _ = Describe("BorrowSetPaths", func() {
	It("returns a copy, not the internal slice", func() {
		paths := keyring.BorrowSetPaths()
		Expect(paths).NotTo(BeEmpty())
		paths[0] = "mutated"
		Expect(keyring.BorrowSetPaths()[0]).NotTo(Equal("mutated"))
	})
})
