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
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/childroot"
	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/emitter"
	"github.com/7Ji/aimager/pkg/hostenv"
	"github.com/7Ji/aimager/pkg/keyring"
	"github.com/7Ji/aimager/pkg/nsorch"
	"github.com/7Ji/aimager/pkg/parttable"
	"github.com/7Ji/aimager/pkg/pmconfig"
	"github.com/7Ji/aimager/pkg/repoclient"
	"github.com/7Ji/aimager/pkg/types"
)

// bootloaderPackages names the package to install for each supported
// bootloader tag, per spec.md §4.8 step 2. systemd-boot and
// u-boot-extlinux ship as part of systemd/the kernel respectively and
// need no dedicated package.
var bootloaderPackages = map[string]string{
	constants.BootloaderSyslinux: "syslinux",
}

// runChildEntry is the re-exec'd child-side entrypoint: argv is
// whatever followed the childMarkerFlag, namely the path to the
// YAML-serialized BuildContext the parent froze before spawning.
func runChildEntry(logger *logrus.Logger, startTime time.Time, argv []string) error {
	if len(argv) < 1 {
		return fmt.Errorf("missing build context path")
	}
	ctxPath := argv[0]
	data, err := os.ReadFile(ctxPath)
	if err != nil {
		return errors.Wrap(err, "reading build context")
	}
	bc := &types.BuildContext{}
	if err := yaml.Unmarshal(data, bc); err != nil {
		return errors.Wrap(err, "parsing build context")
	}
	bc.Logger = logger
	bc.Fs = hostenv.NewFs()
	bc.Runner = hostenv.NewRunner()
	bc.Mounter = hostenv.NewMounter()

	scratchDir := filepath.Dir(ctxPath)
	// WorkDir carries types.BuildContext's "yaml:-" tag (it is resolved
	// fresh on each process, not frozen with the rest of the context),
	// so the child recovers it from the scratch directory the parent
	// laid it out under: <workdir>/cache/build.<id>.
	bc.WorkDir = filepath.Dir(filepath.Dir(scratchDir))
	pacmanBinRaw, err := os.ReadFile(filepath.Join(scratchDir, "pacman-bin"))
	if err != nil {
		return errors.Wrap(err, "reading host package manager path")
	}

	return runChild(context.Background(), bc, scratchDir, strings.TrimSpace(string(pacmanBinRaw)), startTime)
}

// waitForMap implements spec.md §4.5's child wait-for-map handshake:
// writing to /sys/sys_write_test must fail (the mapping leaves the
// child without real root) before the build proceeds.
func waitForMap(logger types.Logger) error {
	for i := 0; i < constants.MapWaitMaxPolls; i++ {
		err := os.WriteFile("/sys/sys_write_test", []byte("x"), 0644)
		if err != nil {
			return nil
		}
		logger.Warnf("unexpected write success to /sys/sys_write_test, id mapping may not have completed yet")
		time.Sleep(constants.MapWaitPollSeconds * time.Second)
	}
	return errors.Wrapf(nsorch.ErrMapTimeout, "real root detected: /sys/sys_write_test accepted a write after %d polls", constants.MapWaitMaxPolls)
}

// runChild implements spec.md §2's child-side control flow: build the
// chroot, bootstrap or reuse a root, run setup, emit artifacts, tear
// down.
func runChild(ctx context.Context, bc *types.BuildContext, scratchDir, pacmanBin string, startTime time.Time) error {
	if err := waitForMap(bc.Logger); err != nil {
		return err
	}

	chrootPath := filepath.Join(scratchDir, "root")
	builder := &childroot.Builder{Fs: bc.Fs, Mounter: bc.Mounter, Logger: bc.Logger}
	kind := childroot.RootKindBindSelf
	if bc.TmpfsRootOpts != "" {
		kind = childroot.RootKindTmpfs
	}
	if err := builder.Prepare(chrootPath, kind, bc.TmpfsRootOpts); err != nil {
		return err
	}

	teardownAndClean := func(success bool) error {
		err := builder.Teardown(chrootPath)
		if success {
			_ = os.RemoveAll(scratchDir)
		}
		return err
	}

	layout := types.NewCacheLayout(bc.WorkDir)
	store := cache.New(layout, bc.Logger, startTime)
	client := repoclient.New(store, bc.Logger, bc.Distro.Tag, bc.RepoURLs)

	pm := &pmconfig.Builder{
		Client:     client,
		Store:      store,
		Logger:     bc.Logger,
		Distro:     bc.Distro.Tag,
		TargetArch: bc.TargetArch,
		ChrootPath: chrootPath,
		CacheDir:   filepath.Join(bc.WorkDir, constants.CacheDir),
		ExtraRepos: bc.ExtraRepos,
	}
	pmResult, err := pm.Build(ctx, scratchDir, bc.BaseRepos, bc.FreezePacmanConfig)
	if err != nil {
		_ = teardownAndClean(false)
		return err
	}

	if bc.ReuseRootTar != "" {
		if _, err := bc.Runner.Run("bsdtar", "-xpf", bc.ReuseRootTar, "-C", chrootPath, "--xattrs", "--acls"); err != nil {
			_ = teardownAndClean(false)
			return errors.Wrap(err, "extracting reused root tarball")
		}
		if bc.Cross {
			if _, err := bc.Runner.Run("chroot", chrootPath, "true"); err != nil {
				_ = teardownAndClean(false)
				return errors.Wrap(err, "cross-arch smoke test on reused root")
			}
		}
	} else {
		if err := bootstrapFresh(ctx, bc, store, chrootPath, pacmanBin, pmResult); err != nil {
			_ = teardownAndClean(false)
			return err
		}
	}

	if bc.OnlyBackupKeyring {
		return teardownAndClean(true)
	}

	table, err := parseTable(bc)
	if err != nil {
		_ = teardownAndClean(false)
		return err
	}

	if !bc.OnlyPrepareChild {
		if err := runSetupStage(ctx, bc, pmResult, scratchDir, chrootPath, table); err != nil {
			_ = teardownAndClean(false)
			return err
		}

		em := emitter.New(bc.Fs, bc.Runner, bc.Logger, chrootPath, scratchDir, layout.OutDir(bc.OutPrefix))
		if err := emitArtifacts(bc, em, table); err != nil {
			_ = teardownAndClean(false)
			return err
		}
	}

	return teardownAndClean(true)
}

// bootstrapFresh implements spec.md §4.7's fresh-bootstrap path.
func bootstrapFresh(ctx context.Context, bc *types.BuildContext, store *cache.Store, chrootPath, pacmanBin string, pmResult *pmconfig.Result) error {
	pkgs := []string{"base"}
	for _, ks := range bc.RepoKeyrings {
		pkgs = append(pkgs, ks...)
	}
	installArgs := append([]string{"--config", pmResult.LoosePath, "--root", chrootPath, "-Sy", "--noconfirm", "--needed"}, pkgs...)
	if _, err := bc.Runner.Run(pacmanBin, installArgs...); err != nil {
		return errors.Wrap(err, "installing base group and keyring packages")
	}

	mgr := &keyring.Manager{
		Store:   store,
		Fs:      bc.Fs,
		Runner:  bc.Runner,
		Mounter: bc.Mounter,
		Logger:  bc.Logger,
		Distro:  bc.Distro.Tag,
	}
	if _, err := mgr.Bootstrap(ctx, chrootPath, bc.KeyringHelper); err != nil {
		return err
	}

	redlArgs := append([]string{"--config", pmResult.StrictPath, "--root", chrootPath, "-Sy", "--downloadonly", "--noconfirm", "--needed"}, pkgs...)
	if _, err := bc.Runner.Run(pacmanBin, redlArgs...); err != nil {
		return errors.Wrap(err, "re-downloading bootstrap set under the strict config")
	}
	return nil
}

func parseTable(bc *types.BuildContext) (*types.PartitionTable, error) {
	if bc.Table == "" {
		return nil, nil
	}
	return parttable.NewParser().Parse(bc.Table)
}
