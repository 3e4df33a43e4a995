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

// Package hostenv wires the types.Fs/Runner/Mounter interfaces to the
// real host: twpayne/go-vfs's OSFS, os/exec, and k8s.io/mount-utils.
// cmd/aimager is the only caller; every other package only ever sees
// the interfaces in pkg/types, which keeps them testable against fakes.
package hostenv

import (
	"bytes"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	vfs "github.com/twpayne/go-vfs/v4"
	mountutils "k8s.io/mount-utils"

	"github.com/7Ji/aimager/pkg/types"
)

// osFs adapts vfs.OSFS (the real operating system filesystem) to
// types.Fs. go-vfs's FS interface already matches the os package
// signatures aimager needs, so this is a thin pass-through.
type osFs struct {
	inner vfs.FS
}

// NewFs returns the real host filesystem.
func NewFs() types.Fs {
	return osFs{inner: vfs.OSFS}
}

func (o osFs) Create(name string) (fs.File, error)                     { return o.inner.Create(name) }
func (o osFs) Open(name string) (fs.File, error)                       { return o.inner.Open(name) }
func (o osFs) OpenFile(name string, flag int, perm fs.FileMode) (fs.File, error) {
	return o.inner.OpenFile(name, flag, perm)
}
func (o osFs) Remove(name string) error                 { return o.inner.Remove(name) }
func (o osFs) RemoveAll(path string) error               { return o.inner.RemoveAll(path) }
func (o osFs) Rename(oldpath, newpath string) error      { return o.inner.Rename(oldpath, newpath) }
func (o osFs) Mkdir(name string, perm fs.FileMode) error { return o.inner.Mkdir(name, perm) }
func (o osFs) MkdirAll(path string, perm fs.FileMode) error {
	return o.inner.MkdirAll(path, perm)
}
func (o osFs) Chmod(name string, perm fs.FileMode) error { return o.inner.Chmod(name, perm) }
func (o osFs) Stat(name string) (fs.FileInfo, error)  { return o.inner.Stat(name) }
func (o osFs) Lstat(name string) (fs.FileInfo, error) { return o.inner.Lstat(name) }
func (o osFs) ReadFile(name string) ([]byte, error)   { return o.inner.ReadFile(name) }
func (o osFs) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return o.inner.WriteFile(name, data, perm)
}
func (o osFs) Symlink(oldname, newname string) error { return o.inner.Symlink(oldname, newname) }
func (o osFs) Readlink(name string) (string, error)  { return o.inner.Readlink(name) }
func (o osFs) ReadDir(name string) ([]fs.DirEntry, error) { return o.inner.ReadDir(name) }
func (o osFs) Chown(name string, uid, gid int) error      { return o.inner.Chown(name, uid, gid) }

// WriteFileAt bypasses the vfs.FS abstraction deliberately: go-vfs's FS
// interface has no random-access write, and this is the only place
// aimager needs one (staging an MBR at a fixed byte offset into a
// larger container file).
func (o osFs) WriteFileAt(name string, data []byte, offset int64) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// execRunner invokes external tools via os/exec, combining stdout and
// stderr into the single byte slice the teacher's config.go helpers
// expect back from shelled-out commands.
type execRunner struct{}

// NewRunner returns the real os/exec-backed Runner.
func NewRunner() types.Runner { return execRunner{} }

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	return runCombined("", "", name, args...)
}

func (execRunner) RunIn(dir, name string, args ...string) ([]byte, error) {
	return runCombined(dir, "", name, args...)
}

func (execRunner) RunWithInput(input string, name string, args ...string) ([]byte, error) {
	return runCombined("", input, name, args...)
}

func runCombined(dir, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return buf.Bytes(), errors.Wrapf(err, "running %s %v", name, args)
	}
	return buf.Bytes(), nil
}

// mounter adapts k8s.io/mount-utils to types.Mounter.
type mounter struct {
	inner mountutils.Interface
}

// NewMounter returns the real k8s.io/mount-utils-backed Mounter.
func NewMounter() types.Mounter {
	return mounter{inner: mountutils.New("")}
}

func (m mounter) Mount(source, target, fstype string, options []string) error {
	return m.inner.Mount(source, target, fstype, options)
}

func (m mounter) Unmount(target string) error {
	return mountutils.CleanupMountPoint(target, m.inner, true)
}

func (m mounter) IsLikelyNotMountPoint(target string) (bool, error) {
	return m.inner.IsLikelyNotMountPoint(target)
}
