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

// Package nsorch spawns the child process in new user/pid/mount
// namespaces and maps its uid/gid ranges, per spec.md §4.5. Two
// implementation modes are supported depending on the installed
// "unshare" helper's capabilities: sync (the helper maps ids itself)
// and async (newuidmap/newgidmap run against the child's pid after a
// short wait).
package nsorch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/7Ji/aimager/pkg/identity"
	"github.com/7Ji/aimager/pkg/types"
)

// MappingMode selects how uid/gid mapping is performed.
type MappingMode int

const (
	MappingModeSync MappingMode = iota
	MappingModeAsync
)

// UnshareArgStyle is the two known argument formats for the unshare
// helper's mapping options, per spec.md §4.5.
type UnshareArgStyle int

const (
	ArgStyleInnerOuterCount UnshareArgStyle = iota // inner:outer:count
	ArgStyleOuterInnerCount                        // outer,inner,count
)

// ErrMapTimeout is returned when the child does not clear its
// wait-for-map handshake within the fixed budget, per spec.md §5.
var ErrMapTimeout = errors.New("namespace id-mapping timed out")

// ProbeUnshare inspects the unshare helper's --help output to decide
// whether it supports synchronous mapping and, if so, which argument
// style it expects.
func ProbeUnshare(runner types.Runner) (MappingMode, UnshareArgStyle, error) {
	out, err := runner.Run("unshare", "--help")
	if err != nil {
		return MappingModeAsync, ArgStyleInnerOuterCount, nil
	}
	help := string(out)
	if !strings.Contains(help, "--map-users") || !strings.Contains(help, "--map-groups") {
		return MappingModeAsync, ArgStyleInnerOuterCount, nil
	}
	if strings.Contains(help, "outer,inner,count") {
		return MappingModeSync, ArgStyleOuterInnerCount, nil
	}
	return MappingModeSync, ArgStyleInnerOuterCount, nil
}

// IDMapping is a single "inner:outer:count" mapping entry.
type IDMapping struct {
	Inner uint32
	Outer uint32
	Count uint32
}

// mappingsFor builds the two required mappings for a uid or gid range,
// per spec.md §4.5: inner 0 <-> caller id (count 1), inner 1..N <->
// subrange start..+N.
func mappingsFor(callerID uint32, sub identity.Range) []IDMapping {
	return []IDMapping{
		{Inner: 0, Outer: callerID, Count: 1},
		{Inner: 1, Outer: sub.Start, Count: sub.Count},
	}
}

func formatMapping(style UnshareArgStyle, m IDMapping) string {
	switch style {
	case ArgStyleOuterInnerCount:
		return fmt.Sprintf("%d,%d,%d", m.Outer, m.Inner, m.Count)
	default:
		return fmt.Sprintf("%d:%d:%d", m.Inner, m.Outer, m.Count)
	}
}

// Orchestrator spawns and supervises the child build process.
type Orchestrator struct {
	Logger types.Logger
	Caller identity.Caller
	UIDSub identity.Range
	GIDSub identity.Range
}

// Spawn forks childArgv under new user/pid/mount namespaces, maps its
// ids, and waits for it to exit. childArgv[0] re-execs the same binary
// with a marker argument the child side recognizes (see cmd/aimager).
func (o *Orchestrator) Spawn(ctx context.Context, mode MappingMode, style UnshareArgStyle, childArgv []string, async bool) error {
	if async {
		mode = MappingModeAsync
	}
	switch mode {
	case MappingModeSync:
		return o.spawnSync(ctx, style, childArgv)
	default:
		return o.spawnAsync(ctx, style, childArgv, false)
	}
}

func (o *Orchestrator) spawnSync(ctx context.Context, style UnshareArgStyle, childArgv []string) error {
	args := []string{"--user", "--pid", "--mount", "--fork"}
	for _, m := range mappingsFor(o.Caller.UID, o.UIDSub) {
		args = append(args, "--map-users", formatMapping(style, m))
	}
	for _, m := range mappingsFor(o.Caller.GID, o.GIDSub) {
		args = append(args, "--map-groups", formatMapping(style, m))
	}
	args = append(args, childArgv...)

	cmd := exec.CommandContext(ctx, "unshare", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return o.runWithCancellation(cmd)
}

func (o *Orchestrator) spawnAsync(ctx context.Context, style UnshareArgStyle, childArgv []string, async bool) error {
	args := []string{"--user", "--pid", "--mount", "--fork"}
	args = append(args, childArgv...)
	cmd := exec.CommandContext(ctx, "unshare", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting unshare")
	}

	// No direct signal that the child reached its mapping wait; sleep
	// briefly before running newuidmap/newgidmap, per spec.md §4.5 and
	// the redesign note in spec.md §9 (a pipe fd would be cleaner).
	time.Sleep(200 * time.Millisecond)

	pid := cmd.Process.Pid
	if err := runIDMap("newuidmap", pid, style, mappingsFor(o.Caller.UID, o.UIDSub)); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	if err := runIDMap("newgidmap", pid, style, mappingsFor(o.Caller.GID, o.GIDSub)); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	if async {
		go o.watchCancellation(cmd)
		return nil
	}
	return o.runWithCancellation(cmd)
}

func runIDMap(tool string, pid int, style UnshareArgStyle, mappings []IDMapping) error {
	args := []string{fmt.Sprintf("%d", pid)}
	for _, m := range mappings {
		args = append(args, fmt.Sprintf("%d", m.Inner), fmt.Sprintf("%d", m.Outer), fmt.Sprintf("%d", m.Count))
	}
	cmd := exec.Command(tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s failed: %s", tool, stderr.String())
	}
	return nil
}

// runWithCancellation traps SIGINT/SIGTERM and sends SIGKILL to the
// child on receipt. Other ways the parent can exit send the child no
// signal.
func (o *Orchestrator) runWithCancellation(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil && cmd.Process == nil {
		return errors.Wrap(err, "starting child")
	}
	o.watchCancellation(cmd)
	return cmd.Wait()
}

func (o *Orchestrator) watchCancellation(cmd *exec.Cmd) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-sigCh
		o.Logger.Warnf("received cancellation signal, killing child pid %d", cmd.Process.Pid)
		_ = cmd.Process.Signal(unix.SIGKILL)
	}()
}
