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

package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/hostenv"
	"github.com/7Ji/aimager/pkg/identity"
	"github.com/7Ji/aimager/pkg/nsorch"
	"github.com/7Ji/aimager/pkg/repoclient"
	"github.com/7Ji/aimager/pkg/types"
)

// runParent performs spec.md §2's "control flow" parent-side half:
// configuration is already frozen by the caller, so this resolves the
// caller's identity, locates or fetches a host package manager binary,
// writes the frozen context for the child to pick up, and forks the
// child into new namespaces.
func runParent(ctx context.Context, logger *logrus.Logger, startTime time.Time, bc *types.BuildContext) error {
	bc.Logger = logger
	bc.Fs = hostenv.NewFs()
	bc.Runner = hostenv.NewRunner()
	bc.Mounter = hostenv.NewMounter()
	if bc.WorkDir == "" {
		bc.WorkDir = "."
	}

	layout := types.NewCacheLayout(bc.WorkDir)
	store := cache.New(layout, bc.Logger, startTime)
	if err := store.EnsureDirs(); err != nil {
		return errors.Wrap(err, "preparing cache directories")
	}

	if bc.CleanBuilds {
		if err := cleanStaleBuilds(bc.WorkDir, bc.BuildID); err != nil {
			return errors.Wrap(err, "cleaning stale build scratch directories")
		}
	}

	if bc.BinfmtCheck && bc.Cross {
		if err := checkBinfmt(bc.Runner, bc.TargetArch); err != nil {
			return err
		}
	}

	caller, err := callerIdentity()
	if err != nil {
		return err
	}
	if err := identity.CheckNotRoot(caller); err != nil {
		return err
	}

	subuidFile, err := os.Open("/etc/subuid")
	if err != nil {
		return errors.Wrap(err, "opening /etc/subuid")
	}
	defer subuidFile.Close()
	subgidFile, err := os.Open("/etc/subgid")
	if err != nil {
		return errors.Wrap(err, "opening /etc/subgid")
	}
	defer subgidFile.Close()

	uidRange, gidRange, err := identity.Resolve(caller, subuidFile, subgidFile)
	if err != nil {
		return err
	}

	pacmanBin, err := resolveHostPacman(ctx, bc, store)
	if err != nil {
		return err
	}

	scratchDir := layout.BuildScratchDir(bc.BuildID)
	if err := bc.Fs.MkdirAll(scratchDir, 0755); err != nil {
		return errors.Wrap(err, "creating build scratch directory")
	}
	bc.WorkDir, _ = filepath.Abs(bc.WorkDir)

	ctxData, err := yaml.Marshal(bc)
	if err != nil {
		return errors.Wrap(err, "marshalling build context for the child")
	}
	ctxPath := filepath.Join(scratchDir, "context.yaml")
	if err := os.WriteFile(ctxPath, ctxData, 0600); err != nil {
		return errors.Wrap(err, "writing build context for the child")
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "pacman-bin"), []byte(pacmanBin), 0600); err != nil {
		return errors.Wrap(err, "recording host package manager path for the child")
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable path")
	}

	runner := bc.Runner
	mode, style, err := nsorch.ProbeUnshare(runner)
	if err != nil {
		return err
	}

	orch := &nsorch.Orchestrator{
		Logger: bc.Logger,
		Caller: caller,
		UIDSub: uidRange,
		GIDSub: gidRange,
	}
	childArgv := []string{exe, childMarkerFlag, ctxPath}
	if err := orch.Spawn(ctx, mode, style, childArgv, bc.AsyncChild); err != nil {
		return errors.Wrap(err, "running child build")
	}
	return nil
}

func callerIdentity() (identity.Caller, error) {
	u, err := user.Current()
	if err != nil {
		return identity.Caller{}, errors.Wrap(err, "resolving current user")
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return identity.Caller{}, errors.Wrap(err, "parsing current uid")
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return identity.Caller{}, errors.Wrap(err, "parsing current gid")
	}
	return identity.Caller{Name: u.Username, UID: uint32(uid), GID: uint32(gid)}, nil
}

// resolveHostPacman implements spec.md §4.2: use the host's own pacman
// if present and not overridden, otherwise fetch a statically linked
// build from archlinuxcn and cache it.
func resolveHostPacman(ctx context.Context, bc *types.BuildContext, store *cache.Store) (string, error) {
	if !bc.UsePacmanStatic {
		if path, err := lookPath("pacman"); err == nil {
			return path, nil
		}
	}

	dest := filepath.Join(bc.WorkDir, constants.CacheDir, "pacman-static")
	if bc.FreezePacmanStatic {
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
	}

	client := repoclient.New(store, bc.Logger, "archlinuxcn", map[string]string{
		"archlinuxcn": "https://repo.archlinuxcn.org/$arch",
	})
	extracted, err := client.ExtractFile(ctx, "archlinuxcn", bc.HostArch, "pacman-static", "usr/bin/pacman-static")
	if err != nil {
		return "", errors.Wrap(err, "fetching pacman-static")
	}
	data, err := os.ReadFile(extracted)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0755); err != nil {
		return "", err
	}
	return dest, nil
}

func lookPath(name string) (string, error) {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH", name)
}

// cleanStaleBuilds removes every cache/build.* directory except the one
// for the current buildID, per --clean-builds.
func cleanStaleBuilds(workDir, buildID string) error {
	base := filepath.Join(workDir, constants.CacheDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	keep := "build." + buildID
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if len(e.Name()) < 6 || e.Name()[:6] != "build." {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// checkBinfmt verifies a binfmt_misc handler is registered for arch,
// per spec.md §6's --binfmt-check flag: a cross build with no
// registered emulator handler would otherwise fail deep inside the
// child with a confusing "exec format error".
func checkBinfmt(runner types.Runner, arch string) error {
	qemuName := map[string]string{
		"aarch64":  "qemu-aarch64",
		"armv7h":   "qemu-arm",
		"riscv64":  "qemu-riscv64",
		"loong64":  "qemu-loongarch64",
		"i686":     "qemu-i386",
		"x86_64":   "qemu-x86_64",
	}[arch]
	if qemuName == "" {
		return nil
	}
	out, err := runner.Run("sh", "-c", "cat /proc/sys/fs/binfmt_misc/"+qemuName)
	if err != nil {
		return fmt.Errorf("no binfmt_misc handler %q registered for target architecture %q: %v", qemuName, arch, err)
	}
	_ = out
	return nil
}
