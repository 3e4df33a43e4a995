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
	"path/filepath"
	"strings"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/emitter"
	"github.com/7Ji/aimager/pkg/pmconfig"
	"github.com/7Ji/aimager/pkg/setup"
	"github.com/7Ji/aimager/pkg/types"
)

// runSetupStage drives pkg/setup through spec.md §4.8's in-chroot steps,
// in order.
func runSetupStage(ctx context.Context, bc *types.BuildContext, pmResult *pmconfig.Result, scratchDir, chrootPath string, table *types.PartitionTable) error {
	stage := &setup.Stage{Fs: bc.Fs, Runner: bc.Runner, Logger: bc.Logger}

	if bc.InitrdMaker != "" {
		if err := stage.InstallPackages(ctx, pmResult.StrictPath, chrootPath, []string{bc.InitrdMaker}); err != nil {
			return err
		}
	}
	if err := stage.PinInitrdMaker(chrootPath, bc.InitrdMaker); err != nil {
		return err
	}

	pkgs := append([]string(nil), bc.Kernels...)
	pkgs = append(pkgs, bc.Microcodes...)
	for _, bl := range bc.Bootloaders {
		if pkg, ok := bootloaderPackages[bl]; ok {
			pkgs = append(pkgs, pkg)
		}
	}
	pkgs = append(pkgs, bc.UserPkgs...)
	if err := stage.InstallPackages(ctx, pmResult.StrictPath, chrootPath, pkgs); err != nil {
		return err
	}

	if bc.InitrdMaker == constants.InitrdMakerMkinitcpio {
		if err := stage.RestoreMkinitcpioPresets(chrootPath, bc.Kernels); err != nil {
			return err
		}
	}

	for _, repo := range bc.ExtraRepos {
		if err := stage.AppendExtraRepos(chrootPath, extraRepoStanza(repo, bc.RepoURLs[repo])); err != nil {
			return err
		}
	}

	if table != nil {
		if err := stage.WriteFstab(chrootPath, table); err != nil {
			return err
		}
	}

	if len(bc.Bootloaders) > 0 {
		entries := bootEntries(bc, table)
		for _, bl := range bc.Bootloaders {
			switch bl {
			case constants.BootloaderSystemdBoot:
				if err := stage.SystemdBoot(chrootPath, bc.TargetArch, entries); err != nil {
					return err
				}
			case constants.BootloaderSyslinux:
				headImgPath := filepath.Join(scratchDir, "head.img."+constants.ArtifactPartBootImg)
				bootImgPath := filepath.Join(scratchDir, "syslinux-boot.img")
				if err := stage.Syslinux(ctx, chrootPath, bootImgPath, headImgPath, table, entries); err != nil {
					return err
				}
			case constants.BootloaderUBoot:
				if err := stage.UBoot(chrootPath, entries); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown bootloader %q", bl)
			}
		}
	}

	if err := stage.Hostname(chrootPath, bc.Hostname, bc.Board, bc.Distro.SafeName); err != nil {
		return err
	}
	if err := stage.GenerateLocales(ctx, chrootPath, bc.Locales); err != nil {
		return err
	}
	return stage.ExtractOverlays(chrootPath, bc.Overlays)
}

// extraRepoStanza renders the pacman.conf stanza for one caller-supplied
// extra repo, per spec.md §4.8 step 3.
func extraRepoStanza(repo, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", repo)
	b.WriteString("SigLevel = Never\n")
	if url != "" {
		fmt.Fprintf(&b, "Server = %s\n", url)
	}
	return b.String()
}

// bootEntries renders one setup.BootEntry per kernel, threading in
// microcode images, the root filesystem UUID, and the --append-<kernel>
// flag family's extra command-line text.
func bootEntries(bc *types.BuildContext, table *types.PartitionTable) []setup.BootEntry {
	var microcodeImgs []string
	for _, pkg := range bc.Microcodes {
		microcodeImgs = append(microcodeImgs, pkg+".img")
	}

	var rootUUID string
	if table != nil {
		if root := table.ByRole(constants.RoleRoot); root != nil {
			rootUUID = root.UUID
		}
	}

	entries := make([]setup.BootEntry, 0, len(bc.Kernels))
	for i, kernel := range bc.Kernels {
		entries = append(entries, setup.BootEntry{
			Kernel:      kernel,
			LinuxPath:   "vmlinuz-" + kernel,
			InitrdPaths: append(append([]string(nil), microcodeImgs...), "initramfs-"+kernel+".img"),
			RootUUID:    rootUUID,
			Append:      appendCmdlineFor(bc, kernel, i == 0),
			Title:       kernel,
		})
	}
	return entries
}

func appendCmdlineFor(bc *types.BuildContext, kernel string, isDefault bool) string {
	var pieces []string
	if v := bc.AppendCmdline["all"]; v != "" {
		pieces = append(pieces, v)
	}
	if isDefault {
		if v := bc.AppendCmdline["default"]; v != "" {
			pieces = append(pieces, v)
		}
	}
	if v := bc.AppendCmdline[kernel]; v != "" {
		pieces = append(pieces, v)
	}
	if len(pieces) == 0 {
		return ""
	}
	return " " + strings.Join(pieces, " ")
}

// emitArtifacts drives pkg/emitter through spec.md §4.9's --create list,
// auto-building any role partition image disk.img depends on that the
// caller didn't separately request.
func emitArtifacts(bc *types.BuildContext, em *emitter.Emitter, table *types.PartitionTable) error {
	partImages := map[string]string{}

	ensurePartImage := func(role string) (string, error) {
		if path, ok := partImages[role]; ok {
			return path, nil
		}
		path, err := buildPartImage(bc, em, table, role)
		if err != nil {
			return "", err
		}
		partImages[role] = path
		return path, nil
	}

	for _, name := range bc.Create {
		switch name {
		case constants.ArtifactRootTar:
			if _, err := em.RootTar(bc.OutPrefix); err != nil {
				return err
			}
		case constants.ArtifactKeyringHelper:
			if _, err := em.KeyringHelperTar(bc.OutPrefix); err != nil {
				return err
			}
		case constants.ArtifactPartBootImg:
			if _, err := ensurePartImage(constants.RoleBoot); err != nil {
				return err
			}
		case constants.ArtifactPartRootImg:
			if _, err := ensurePartImage(constants.RoleRoot); err != nil {
				return err
			}
		case constants.ArtifactPartHomeImg:
			if _, err := ensurePartImage(constants.RoleHome); err != nil {
				return err
			}
		case constants.ArtifactDiskImg:
			if table == nil {
				return fmt.Errorf("%s requested but no partition table was declared", constants.ArtifactDiskImg)
			}
			for _, p := range table.Partitions {
				if p.Role == constants.RoleSwap {
					continue
				}
				if _, err := ensurePartImage(p.Role); err != nil {
					return err
				}
			}
			if _, err := em.DiskImg(bc.OutPrefix, table, bc.Table, partImages); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown artifact %q", name)
		}
	}
	return nil
}

func buildPartImage(bc *types.BuildContext, em *emitter.Emitter, table *types.PartitionTable, role string) (string, error) {
	if table == nil {
		return "", fmt.Errorf("partition image for role %q requested but no partition table was declared", role)
	}
	part := table.ByRole(role)
	if part == nil {
		return "", fmt.Errorf("partition image for role %q requested but the table declares no such partition", role)
	}

	switch role {
	case constants.RoleBoot:
		seed := ""
		for _, bl := range bc.Bootloaders {
			if bl == constants.BootloaderSyslinux {
				seed = filepath.Join(em.ScratchDir, "syslinux-boot.img")
			}
		}
		return em.PartBootImg(bc.OutPrefix, part, seed, bc.MkfsArgs[role])
	case constants.RoleRoot:
		shadow := []string{"dev", "mnt", "proc", "sys"}
		if table.ByRole(constants.RoleBoot) != nil {
			shadow = append(shadow, "boot")
		}
		if table.ByRole(constants.RoleHome) != nil {
			shadow = append(shadow, "home")
		}
		return em.PartRootImg(bc.OutPrefix, part, shadow, bc.MkfsArgs[role])
	case constants.RoleHome:
		return em.PartHomeImg(bc.OutPrefix, part, bc.MkfsArgs[role])
	default:
		return "", fmt.Errorf("no image builder for role %q", role)
	}
}
