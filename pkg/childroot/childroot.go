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

// Package childroot builds the mount tree the child process works in
// once it has entered its new namespaces, per spec.md §4.6: a tmpfs (or
// bind-mounted-onto-self) root, the directory skeleton, and the
// /dev, /sys, /proc, /dev/pts mounts a chroot needs to run pacman and
// the target's own tooling.
package childroot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/types"
)

// deviceNodes is the minimal device set a target's package manager and
// installed tooling expect under /dev, bind-mounted in from the host
// since mknod is unavailable without real root, per spec.md §4.6.
var deviceNodes = []string{"full", "null", "random", "tty", "urandom", "zero"}

// devSymlink is one of the conventional /dev symlinks a working system
// expects to already exist.
type devSymlink struct {
	name   string
	target string
}

// devSymlinks is evaluated against the running system at the time the
// image actually boots, not at build time, so every target except
// console (resolved from the host building the image) is a fixed
// /proc path.
var devSymlinks = []devSymlink{
	{"stderr", "/proc/self/fd/2"},
	{"stdout", "/proc/self/fd/1"},
	{"stdin", "/proc/self/fd/0"},
	{"core", "/proc/kcore"},
	{"fd", "/proc/self/fd"},
	{"ptmx", "pts/ptmx"},
}

// ErrUnsupportedRootKind is returned for a RootKind other than the two
// spec.md §4.6 defines.
var ErrUnsupportedRootKind = errors.New("unsupported root kind")

// RootKind selects how the chroot's own root is provisioned.
type RootKind int

const (
	// RootKindTmpfs mounts a fresh tmpfs at the chroot path.
	RootKindTmpfs RootKind = iota
	// RootKindBindSelf bind-mounts the chroot path onto itself, turning
	// it into its own mount point so later submounts can be torn down
	// without affecting the parent mount namespace.
	RootKindBindSelf
)

// skeleton is the directory layout every chroot needs, per spec.md §4.6,
// minus the subtrees under dev/ and sys/: those two mountpoints get a
// fresh tmpfs later, which would hide anything created under them now.
var skeleton = []string{
	"dev", "proc", "sys", "run", "tmp",
	"etc", "etc/pacman.d", "var", "var/lib/pacman", "var/cache/pacman/pkg",
	"var/log", "boot", "home", "root",
}

// Builder constructs the mount tree for one chroot path.
type Builder struct {
	Fs      types.Fs
	Mounter types.Mounter
	Logger  types.Logger
}

// Prepare provisions root as a chroot: the root mount itself, the
// directory skeleton, and /proc, /sys, /dev, /dev/pts, /dev/shm.
func (b *Builder) Prepare(root string, kind RootKind, tmpfsRootOpts string) error {
	if err := b.Fs.MkdirAll(root, 0755); err != nil {
		return errors.Wrapf(err, "creating chroot root %s", root)
	}

	switch kind {
	case RootKindTmpfs:
		opts := tmpfsRootOpts
		if opts == "" {
			opts = "mode=0755"
		}
		if err := b.Mounter.Mount("tmpfs", root, "tmpfs", []string{opts}); err != nil {
			return errors.Wrapf(err, "mounting tmpfs root at %s", root)
		}
	case RootKindBindSelf:
		if err := b.Mounter.Mount(root, root, "", []string{"bind"}); err != nil {
			return errors.Wrapf(err, "bind-mounting root onto itself at %s", root)
		}
	default:
		return errors.Wrapf(ErrUnsupportedRootKind, "kind %d", kind)
	}

	for _, dir := range skeleton {
		if err := b.Fs.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}

	if err := b.Mounter.Mount("proc", filepath.Join(root, "proc"), "proc", nil); err != nil {
		return errors.Wrap(err, "mounting proc")
	}

	if err := b.Mounter.Mount("tmpfs", filepath.Join(root, "dev"), "tmpfs", []string{"mode=0755", "nosuid"}); err != nil {
		return errors.Wrap(err, "mounting tmpfs dev")
	}
	if err := b.Fs.MkdirAll(filepath.Join(root, "dev/pts"), 0755); err != nil {
		return errors.Wrap(err, "creating dev/pts")
	}
	if err := b.Mounter.Mount("devpts", filepath.Join(root, "dev/pts"), "devpts", []string{"newinstance", "ptmxmode=0666", "mode=0620"}); err != nil {
		return errors.Wrap(err, "mounting devpts")
	}
	if err := b.Fs.MkdirAll(filepath.Join(root, "dev/shm"), 0755); err != nil {
		return errors.Wrap(err, "creating dev/shm")
	}
	if err := b.Mounter.Mount("tmpfs", filepath.Join(root, "dev/shm"), "tmpfs", []string{"mode=1777"}); err != nil {
		return errors.Wrap(err, "mounting shm")
	}

	for _, name := range deviceNodes {
		target := filepath.Join(root, "dev", name)
		if err := b.Fs.WriteFile(target, nil, 0666); err != nil {
			return errors.Wrapf(err, "creating bind target for device node %s", name)
		}
		if err := b.Mounter.Mount(filepath.Join("/dev", name), target, "", []string{"bind"}); err != nil {
			return errors.Wrapf(err, "bind-mounting device node %s", name)
		}
	}

	for _, sym := range append(append([]devSymlink(nil), devSymlinks...), devSymlink{"console", consoleTarget(b.Fs)}) {
		if err := b.Fs.Symlink(sym.target, filepath.Join(root, "dev", sym.name)); err != nil {
			b.Logger.Warnf("symlinking dev/%s: %v", sym.name, err)
		}
	}

	if err := b.Mounter.Mount("tmpfs", filepath.Join(root, "sys"), "tmpfs", []string{"mode=0755", "nosuid"}); err != nil {
		return errors.Wrap(err, "mounting tmpfs sys")
	}
	if err := b.Fs.MkdirAll(filepath.Join(root, "sys/module"), 0755); err != nil {
		return errors.Wrap(err, "creating sys/module")
	}

	if err := b.Fs.Chmod(filepath.Join(root, "tmp"), os.ModeSticky|0777); err != nil {
		b.Logger.Warnf("chmod tmp: %v", err)
	}
	if err := b.Fs.Chmod(filepath.Join(root, "proc"), 0555); err != nil {
		b.Logger.Warnf("chmod proc: %v", err)
	}
	if err := b.Fs.Chmod(filepath.Join(root, "sys"), 0555); err != nil {
		b.Logger.Warnf("chmod sys: %v", err)
	}

	return nil
}

// consoleTarget resolves the host's own controlling terminal so the
// built image's /dev/console symlink points somewhere real once it
// boots; a host running headless (no controlling tty) falls back to
// the conventional /dev/console device path.
func consoleTarget(fs types.Fs) string {
	if link, err := fs.Readlink("/proc/self/fd/0"); err == nil && link != "" {
		return link
	}
	return "/dev/console"
}

// Teardown unmounts the submounts created by Prepare, innermost first,
// followed by the root mount itself.
func (b *Builder) Teardown(root string) error {
	order := []string{"dev/shm", "dev/pts"}
	for _, name := range deviceNodes {
		order = append(order, filepath.Join("dev", name))
	}
	order = append(order, "dev", "sys", "proc")
	var firstErr error
	for _, dir := range order {
		target := filepath.Join(root, dir)
		notMounted, err := b.Mounter.IsLikelyNotMountPoint(target)
		if err != nil || notMounted {
			continue
		}
		if err := b.Mounter.Unmount(target); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unmounting %s", target)
		}
	}
	if notMounted, err := b.Mounter.IsLikelyNotMountPoint(root); err == nil && !notMounted {
		if err := b.Mounter.Unmount(root); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unmounting root %s", root)
		}
	}
	return firstErr
}
