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

// Package keyring bootstraps the target's package-signing keyring, per
// spec.md §4.7: compute a deterministic keyring-id over the installed
// keyring package set, restore or build the gnupg tree under that id,
// optionally borrowing a native-architecture helper tree to dodge
// emulator slowness, and archive the result back to the cache.
package keyring

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/types"
)

// borrowPaths is the subset of a root filesystem a keyring-helper
// archive carries, per spec.md §4.7 step 3.
var borrowPaths = []string{
	"bin", "etc/pacman.conf", "etc/pacman.d",
	"lib", "lib64", "usr/bin", "usr/lib/getconf", "usr/lib/*.so*", "usr/share/makepkg",
}

// keyringBackend is the swappable piece of the bootstrap that actually
// runs key initialization: either straight in the target chroot
// (emulated, cross-arch slow) or inside a borrowed native-arch helper
// tree bind-mounted at <chroot>/mnt. Mirrors the teacher's
// subvolumeBackend/Btrfs composition: Manager always does the
// id-computation/caching bookkeeping, the backend only does the
// native-vs-borrowed key-init invocation.
type keyringBackend interface {
	initAndPopulate(ctx context.Context, chrootPath string) error
}

// Manager owns the bootstrap/keyring protocol for one build.
type Manager struct {
	Store   *cache.Store
	Fs      types.Fs
	Runner  types.Runner
	Mounter types.Mounter
	Logger  types.Logger
	Distro  string
}

// nativeBackend chroots straight into the target tree and runs the
// distro's own keyring init/populate commands under emulation.
type nativeBackend struct {
	runner types.Runner
	distro string
}

func (b nativeBackend) initAndPopulate(ctx context.Context, chrootPath string) error {
	if _, err := b.runner.Run("chroot", chrootPath, "pacman-key", "--init"); err != nil {
		return errors.Wrap(err, "pacman-key --init in target chroot")
	}
	if _, err := b.runner.Run("chroot", chrootPath, "pacman-key", "--populate", b.distro); err != nil {
		return errors.Wrap(err, "pacman-key --populate in target chroot")
	}
	return nil
}

// helperBackend extracts a native-architecture helper tree under
// <chroot>/mnt, bind-mounts the shared state over it, and performs key
// init/populate there instead, at native (not emulated) speed.
type helperBackend struct {
	runner       types.Runner
	fs           types.Fs
	mounter      types.Mounter
	helperTar    string
	distro       string
}

func (b helperBackend) initAndPopulate(ctx context.Context, chrootPath string) (err error) {
	mnt := filepath.Join(chrootPath, "mnt")
	if err := b.fs.MkdirAll(mnt, 0755); err != nil {
		return errors.Wrap(err, "creating helper mount point")
	}
	if _, err := b.runner.Run("bsdtar", "-xpf", b.helperTar, "-C", mnt); err != nil {
		return errors.Wrap(err, "extracting keyring helper tree")
	}

	binds := map[string]string{
		filepath.Join(chrootPath, "dev"):                       filepath.Join(mnt, "dev"),
		filepath.Join(chrootPath, "proc"):                      filepath.Join(mnt, "proc"),
		filepath.Join(chrootPath, "etc/pacman.d/gnupg"):        filepath.Join(mnt, "etc/pacman.d/gnupg"),
		filepath.Join(chrootPath, "usr/share/pacman/keyrings"): filepath.Join(mnt, "usr/share/pacman/keyrings"),
	}
	var bound []string
	for src, dst := range binds {
		if err := b.fs.MkdirAll(dst, 0755); err != nil {
			return errors.Wrapf(err, "creating bind target %s", dst)
		}
		if err := b.mounter.Mount(src, dst, "", []string{"bind"}); err != nil {
			return errors.Wrapf(err, "bind-mounting %s over %s", src, dst)
		}
		bound = append(bound, dst)
	}
	defer func() {
		for i := len(bound) - 1; i >= 0; i-- {
			if uerr := b.mounter.Unmount(bound[i]); uerr != nil && err == nil {
				err = errors.Wrapf(uerr, "unmounting %s", bound[i])
			}
		}
	}()

	if _, err := b.runner.Run("chroot", mnt, "pacman-key", "--init"); err != nil {
		return errors.Wrap(err, "pacman-key --init in helper tree")
	}
	if _, err := b.runner.Run("chroot", mnt, "pacman-key", "--populate", b.distro); err != nil {
		return errors.Wrap(err, "pacman-key --populate in helper tree")
	}
	return nil
}

// ComputeID hashes /usr/share/pacman/keyrings under chrootPath into the
// deterministic "md5-<hex>" keyring-id of spec.md §4.7 step 2: a tar of
// the tree with every entry's owner/group forced to root and mtime
// forced to the epoch, so only file content and names affect the id.
func ComputeID(chrootPath string) (string, error) {
	keyringsDir := filepath.Join(chrootPath, "usr/share/pacman/keyrings")
	var names []string
	err := filepath.Walk(keyringsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(keyringsDir, path)
		if err != nil {
			return err
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walking keyrings tree")
	}
	sort.Strings(names)

	hasher := md5.New()
	tw := tar.NewWriter(hasher)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(keyringsDir, name))
		if err != nil {
			return "", errors.Wrapf(err, "reading %s", name)
		}
		hdr := &tar.Header{
			Name:     filepath.ToSlash(name),
			Mode:     0644,
			Size:     int64(len(data)),
			Uname:    "root",
			Gname:    "root",
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", errors.Wrap(err, "writing tar header")
		}
		if _, err := tw.Write(data); err != nil {
			return "", errors.Wrap(err, "writing tar content")
		}
	}
	if err := tw.Close(); err != nil {
		return "", errors.Wrap(err, "closing tar stream")
	}

	return "md5-" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Bootstrap restores or initializes and populates the keyring: it
// assumes the caller has already installed the base group and keyring
// packages with the loose config, and leaves the strict-config
// re-download to the caller. chrootPath is the target tree; helperTar, if non-empty,
// selects the borrowed-helper path over the native/emulated one.
func (m *Manager) Bootstrap(ctx context.Context, chrootPath, helperTar string) (string, error) {
	keyringID, err := ComputeID(chrootPath)
	if err != nil {
		return "", err
	}

	backupPath := m.Store.Layout.KeyringBackupPath(keyringID)
	gnupgDir := filepath.Join(chrootPath, "etc/pacman.d/gnupg")

	if _, err := os.Stat(backupPath); err == nil {
		m.Logger.Infof("restoring cached keyring %s", keyringID)
		if err := m.extractBackup(backupPath, gnupgDir); err != nil {
			return "", err
		}
		return keyringID, nil
	}

	if err := m.Fs.MkdirAll(gnupgDir, 0700); err != nil {
		return "", errors.Wrap(err, "creating gnupg directory")
	}

	var backend keyringBackend
	if helperTar != "" {
		backend = helperBackend{runner: m.Runner, fs: m.Fs, mounter: m.Mounter, helperTar: helperTar, distro: m.Distro}
	} else {
		backend = nativeBackend{runner: m.Runner, distro: m.Distro}
	}

	m.Logger.Infof("initializing keyring %s", keyringID)
	if err := backend.initAndPopulate(ctx, chrootPath); err != nil {
		return "", err
	}

	if err := m.archiveBackup(gnupgDir, backupPath); err != nil {
		return "", err
	}
	return keyringID, nil
}

// extractBackup extracts a cached keyring tar over dest.
func (m *Manager) extractBackup(backupPath, dest string) error {
	if err := m.Fs.MkdirAll(dest, 0700); err != nil {
		return errors.Wrap(err, "creating gnupg directory")
	}
	if _, err := m.Runner.Run("bsdtar", "-xpf", backupPath, "-C", dest); err != nil {
		return errors.Wrap(err, "extracting cached keyring")
	}
	return nil
}

// archiveBackup tars gnupgDir (excluding ephemeral "S.*" sockets) to
// backupPath via the cache store's temp+rename writer.
func (m *Manager) archiveBackup(gnupgDir, backupPath string) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		tw := tar.NewWriter(pw)
		errCh <- func() error {
			err := filepath.Walk(gnupgDir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(gnupgDir, path)
				if err != nil {
					return err
				}
				if rel == "." {
					return nil
				}
				if strings.HasPrefix(filepath.Base(path), "S.") {
					if info.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				hdr, err := tar.FileInfoHeader(info, "")
				if err != nil {
					return err
				}
				hdr.Name = filepath.ToSlash(rel)
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				_, err = io.Copy(tw, f)
				return err
			})
			if err != nil {
				return err
			}
			return tw.Close()
		}()
		pw.Close()
	}()

	if _, err := m.Store.AtomicWriteFrom(backupPath, pr); err != nil {
		return errors.Wrap(err, "writing keyring backup")
	}
	if err := <-errCh; err != nil {
		return errors.Wrap(err, "archiving gnupg tree")
	}
	return nil
}

// BorrowSetPaths returns the chroot-relative paths a keyring-helper
// tarball should carry, per spec.md §4.7 step 3 and §5's
// keyring-helper.tar artifact definition.
func BorrowSetPaths() []string {
	out := make([]string, len(borrowPaths))
	copy(out, borrowPaths)
	return out
}
