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

// Package types holds the entities shared across every aimager package:
// the immutable BuildContext, the cache layout, the partition table
// model, and the small ambient interfaces (Logger, Fs, Runner, Mounter)
// that let every layer below cmd/aimager be tested without touching the
// real host.
package types

import "io/fs"

// Logger is the levelled logger every aimager package logs through.
// Implementations render one stderr line per call, matching the
// "[script:LEVEL] function@line: message" record format.
type Logger interface {
	Debugf(format string, args ...interface{})
	Debug(args ...interface{})
	Infof(format string, args ...interface{})
	Info(args ...interface{})
	Warnf(format string, args ...interface{})
	Warn(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// Fs is the filesystem abstraction the chroot-side packages address
// instead of the os package directly, so tests can supply their own
// instance (internal/testfakes roots one in a temporary directory).
type Fs interface {
	Create(name string) (fs.File, error)
	Open(name string) (fs.File, error)
	OpenFile(name string, flag int, perm fs.FileMode) (fs.File, error)
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Mkdir(name string, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	Chmod(name string, perm fs.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Symlink(oldname, newname string) error
	Readlink(name string) (string, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	Chown(name string, uid, gid int) error
	// WriteFileAt writes data at byte offset into name, creating the
	// file (and any missing parent directories' absence is the
	// caller's problem, matching os.OpenFile) if it doesn't exist yet,
	// without truncating bytes outside the written range. Used for
	// staging fixed-offset blobs (an MBR, a partition image) into a
	// larger container file.
	WriteFileAt(name string, data []byte, offset int64) error
}

// Runner invokes external tools. Every third-party binary named in
// spec.md §1 (mkfs.fat, mkfs.ext4, sfdisk, bsdtar, mcopy, chroot, the
// target distro's package manager, the unshare --help probe) is invoked
// through this interface. pkg/nsorch is the exception: it starts the
// supervised unshare child and newuidmap/newgidmap with os/exec.
type Runner interface {
	// Run executes name with args, returning combined stdout+stderr.
	Run(name string, args ...string) ([]byte, error)
	// RunIn is Run with an explicit working directory.
	RunIn(dir, name string, args ...string) ([]byte, error)
	// RunWithInput is Run with stdin fed from input, for tools like
	// sfdisk that read their declaration from standard input.
	RunWithInput(input string, name string, args ...string) ([]byte, error)
}

// Mounter performs and undoes mounts. Backed by k8s.io/mount-utils in
// production; fakeable in tests.
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string) error
	IsLikelyNotMountPoint(target string) (bool, error)
}

// UUIDSource yields partition UUIDs. Swappable in tests per spec.md §9's
// "inject a uuid source" design note.
type UUIDSource func() string
