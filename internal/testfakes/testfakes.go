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

// Package testfakes provides the fakes every other package's test
// suite needs for types.Fs, types.Runner, types.Mounter and
// types.Logger: a namespaced chroot has no business mounting devpts
// or shelling out to pacman during a unit test run. Fs is backed by a
// real temporary directory through pkg/hostenv rather than an
// in-memory tree, since go-vfs's production adapter already gives
// every call real os semantics for free; Runner and Mounter record
// calls and return canned results, since they front operations (mount
// syscalls, external binaries) a unit test must never actually perform.
package testfakes

import (
	"fmt"
	"os"

	"github.com/7Ji/aimager/pkg/hostenv"
	"github.com/7Ji/aimager/pkg/types"
)

// NewFs returns the real host filesystem rooted nowhere in particular;
// callers pass a t.TempDir()-style path to every call so production
// files are never touched. dir is returned for convenience.
func NewFs() (types.Fs, string, func()) {
	dir, err := os.MkdirTemp("", "aimager-test-")
	if err != nil {
		panic(err)
	}
	return hostenv.NewFs(), dir, func() { _ = os.RemoveAll(dir) }
}

// Call records one invocation of a fake for later assertion.
type Call struct {
	Method string
	Args   []string
}

// Runner is a types.Runner that records every invocation instead of
// executing anything, returning a canned response keyed by the binary
// name, or a default if none was registered.
type Runner struct {
	Calls     []Call
	Responses map[string]RunnerResponse
	Default   RunnerResponse
}

// RunnerResponse is the canned (output, error) pair a Runner hands
// back for a given binary name.
type RunnerResponse struct {
	Output []byte
	Err    error
}

func NewRunner() *Runner {
	return &Runner{Responses: map[string]RunnerResponse{}}
}

func (r *Runner) respond(name string) ([]byte, error) {
	if resp, ok := r.Responses[name]; ok {
		return resp.Output, resp.Err
	}
	return r.Default.Output, r.Default.Err
}

func (r *Runner) Run(name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Method: "Run", Args: append([]string{name}, args...)})
	return r.respond(name)
}

func (r *Runner) RunIn(dir, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Method: "RunIn", Args: append([]string{dir, name}, args...)})
	return r.respond(name)
}

func (r *Runner) RunWithInput(input string, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Method: "RunWithInput", Args: append([]string{input, name}, args...)})
	return r.respond(name)
}

// Mounter is a types.Mounter that records every mount/unmount instead
// of touching the host's mount namespace.
type Mounter struct {
	Calls         []Call
	NotMountPoint map[string]bool
	MountErr      error
	UnmountErr    error
	IsNotMountErr error
}

func NewMounter() *Mounter {
	return &Mounter{NotMountPoint: map[string]bool{}}
}

func (m *Mounter) Mount(source, target, fstype string, options []string) error {
	m.Calls = append(m.Calls, Call{Method: "Mount", Args: []string{source, target, fstype, fmt.Sprint(options)}})
	return m.MountErr
}

func (m *Mounter) Unmount(target string) error {
	m.Calls = append(m.Calls, Call{Method: "Unmount", Args: []string{target}})
	return m.UnmountErr
}

func (m *Mounter) IsLikelyNotMountPoint(target string) (bool, error) {
	m.Calls = append(m.Calls, Call{Method: "IsLikelyNotMountPoint", Args: []string{target}})
	if m.IsNotMountErr != nil {
		return false, m.IsNotMountErr
	}
	notMount, ok := m.NotMountPoint[target]
	if !ok {
		// Default: nothing is mounted, matching a freshly created skeleton.
		return true, nil
	}
	return notMount, nil
}

// Logger is a types.Logger that discards every line; tests assert on
// behavior, not log output.
type Logger struct{}

func NewLogger() Logger { return Logger{} }

func (Logger) Debugf(format string, args ...interface{}) {}
func (Logger) Debug(args ...interface{})                 {}
func (Logger) Infof(format string, args ...interface{})  {}
func (Logger) Info(args ...interface{})                  {}
func (Logger) Warnf(format string, args ...interface{})  {}
func (Logger) Warn(args ...interface{})                  {}
func (Logger) Errorf(format string, args ...interface{}) {}
func (Logger) Error(args ...interface{})                 {}
func (Logger) Fatalf(format string, args ...interface{}) {}
func (Logger) Fatal(args ...interface{})                 {}
