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

// Package emitter produces the artifacts named in the build description:
// root tarball, per-partition filesystem images, a keyring-helper
// tarball, and the assembled disk image, per spec.md §4.9. Every
// artifact writes to "<out>.temp" then renames into place, and the
// registry makes repeated requests for the same artifact name within
// one run a no-op.
package emitter

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/keyring"
	"github.com/7Ji/aimager/pkg/types"
)

// excludedRootPaths are never copied into root.tar/keyring-helper.tar,
// per spec.md §4.9.
var excludedRootPaths = map[string]bool{
	"dev": true, "mnt": true, "proc": true, "sys": true,
}

// Emitter owns the artifact registry for one build.
type Emitter struct {
	Fs         types.Fs
	Runner     types.Runner
	Logger     types.Logger
	ChrootPath string
	ScratchDir string
	OutDir     string

	mu       sync.Mutex
	produced map[string]string // artifact name -> output path
}

func New(fs types.Fs, runner types.Runner, logger types.Logger, chroot, scratch, outDir string) *Emitter {
	return &Emitter{
		Fs: fs, Runner: runner, Logger: logger,
		ChrootPath: chroot, ScratchDir: scratch, OutDir: outDir,
		produced: map[string]string{},
	}
}

// HeadImgPath is the per-artifact staging path decided for spec.md §9's
// head.img open question: keyed by artifact name so two unrelated
// create targets in the same scratch directory never share an MBR
// stage file. pkg/setup.Syslinux writes the MBR bytes to this path
// (cmd/aimager builds the same name); nothing in this package reads the
// file back, so disk.img does not carry the staged MBR.
func (e *Emitter) HeadImgPath(artifactName string) string {
	return filepath.Join(e.ScratchDir, "head.img."+artifactName)
}

// Emit produces artifactName if it hasn't already been produced this
// run, returning its output path either way.
func (e *Emitter) Emit(name string, outPrefix string, build func(tempPath string) error) (string, error) {
	e.mu.Lock()
	if path, ok := e.produced[name]; ok {
		e.mu.Unlock()
		return path, nil
	}
	e.mu.Unlock()

	outPath := filepath.Join(e.OutDir, outPrefix+"-"+name)
	tmp := outPath + ".temp"
	_ = os.Remove(tmp)

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", err
	}
	if err := build(tmp); err != nil {
		return "", errors.Wrapf(err, "building artifact %s", name)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return "", errors.Wrapf(err, "renaming artifact %s into place", name)
	}

	e.mu.Lock()
	e.produced[name] = outPath
	e.mu.Unlock()
	return outPath, nil
}

// RootTar emits root.tar: a tar of the chroot excluding /dev /mnt
// /proc /sys and transient gpg sockets.
func (e *Emitter) RootTar(outPrefix string) (string, error) {
	return e.Emit(constants.ArtifactRootTar, outPrefix, func(tmp string) error {
		return tarTree(e.ChrootPath, tmp, nil)
	})
}

// KeyringHelperTar emits keyring-helper.tar: the borrow set of
// pkg/keyring.BorrowSetPaths. If root.tar already exists this run, its
// tarball is reused as the walk source instead of re-walking the
// chroot, per spec.md §4.9.
func (e *Emitter) KeyringHelperTar(outPrefix string) (string, error) {
	return e.Emit(constants.ArtifactKeyringHelper, outPrefix, func(tmp string) error {
		allow := keyring.BorrowSetPaths()
		if rootTar, ok := e.produced[constants.ArtifactRootTar]; ok {
			return filterTar(rootTar, tmp, allow)
		}
		return tarTree(e.ChrootPath, tmp, allow)
	})
}

// tarTree writes a plain uncompressed tar of root to dest. When allow
// is non-nil, only entries whose path is, or is nested under, one of
// allow's prefixes are included; otherwise every path is included
// except excludedRootPaths and transient "S.*" gpg sockets.
func tarTree(root, dest string, allow []string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, constants.FilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	tw := tar.NewWriter(f)

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(rel, string(filepath.Separator), 2)[0]

		if allow != nil {
			if !pathAllowed(rel, allow) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		} else if excludedRootPaths[top] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(filepath.Base(path), "S.") {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Linkname = link
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			if _, err := io.Copy(tw, src); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func pathAllowed(rel string, allow []string) bool {
	for _, a := range allow {
		if rel == a || strings.HasPrefix(rel, a+string(filepath.Separator)) || strings.HasPrefix(a, rel+string(filepath.Separator)) {
			return true
		}
		if strings.Contains(a, "*") {
			if ok, _ := filepath.Match(a, rel); ok {
				return true
			}
		}
	}
	return false
}

// filterTar re-packs srcTar into dest, keeping only entries allowed by
// allow.
func filterTar(srcTar, dest string, allow []string) error {
	in, err := os.Open(srcTar)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, constants.FilePerm)
	if err != nil {
		return err
	}
	defer out.Close()

	tr := tar.NewReader(in)
	tw := tar.NewWriter(out)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !pathAllowed(strings.TrimSuffix(hdr.Name, "/"), allow) {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

// PartBootImg emits part-boot.img: a FAT image of boot's declared size,
// pre-populated with /boot/* via mcopy. If seedImg (the FAT image the
// syslinux bootloader stage built, when syslinux is configured) is
// non-empty, that file is copied in as the starting point instead of
// creating an empty image.
func (e *Emitter) PartBootImg(outPrefix string, boot *types.Partition, seedImg string, extraArgs []string) (string, error) {
	return e.Emit(constants.ArtifactPartBootImg, outPrefix, func(tmp string) error {
		if seedImg != "" {
			data, err := e.Fs.ReadFile(seedImg)
			if err != nil {
				return errors.Wrap(err, "reading boot image seed")
			}
			if err := e.Fs.WriteFile(tmp, data, constants.FilePerm); err != nil {
				return err
			}
		} else {
			if _, err := e.Runner.Run("dd", "if=/dev/zero", "of="+tmp, "bs=1M", fmt.Sprintf("count=%d", boot.SizeMiB)); err != nil {
				return errors.Wrap(err, "allocating boot image")
			}
			volID := strings.ReplaceAll(boot.UUID, "-", "")
			if len(volID) > 8 {
				volID = volID[:8]
			}
			args := append([]string{"-n", "BOOT", "-i", volID}, extraArgs...)
			args = append(args, tmp)
			if _, err := e.Runner.Run("mkfs.fat", args...); err != nil {
				return errors.Wrap(err, "formatting boot image")
			}
		}
		bootDir := filepath.Join(e.ChrootPath, "boot")
		if _, err := e.Runner.Run("mcopy", "-os", "-i", tmp, filepath.Join(bootDir, "*"), "::"); err != nil {
			return errors.Wrap(err, "populating boot image")
		}
		return nil
	})
}

// PartRootImg emits part-root.img: an ext4 image built with
// `mkfs.ext4 -d`, shadowing dev/mnt/proc/sys (and boot/home when they
// are separate partitions) with empty tmpfs so they contribute no data.
func (e *Emitter) PartRootImg(outPrefix string, root *types.Partition, shadowedDirs, extraArgs []string) (string, error) {
	return e.Emit(constants.ArtifactPartRootImg, outPrefix, func(tmp string) error {
		for _, d := range shadowedDirs {
			dir := filepath.Join(e.ChrootPath, d)
			if err := e.Fs.MkdirAll(dir, 0755); err != nil {
				return err
			}
			if _, err := e.Runner.Run("mount", "-t", "tmpfs", "tmpfs", dir); err != nil {
				return errors.Wrapf(err, "shadowing %s with tmpfs", d)
			}
			defer e.Runner.Run("umount", dir)
		}
		args := append([]string{"-d", e.ChrootPath, "-F"}, extraArgs...)
		args = append(args, tmp, fmt.Sprintf("%dM", root.SizeMiB))
		if _, err := e.Runner.Run("mkfs.ext4", args...); err != nil {
			return errors.Wrap(err, "building root ext4 image")
		}
		return nil
	})
}

// PartHomeImg emits part-home.img from <chroot>/home.
func (e *Emitter) PartHomeImg(outPrefix string, home *types.Partition, extraArgs []string) (string, error) {
	return e.Emit(constants.ArtifactPartHomeImg, outPrefix, func(tmp string) error {
		homeDir := filepath.Join(e.ChrootPath, "home")
		args := append([]string{"-d", homeDir, "-F"}, extraArgs...)
		args = append(args, tmp, fmt.Sprintf("%dM", home.SizeMiB))
		if _, err := e.Runner.Run("mkfs.ext4", args...); err != nil {
			return errors.Wrap(err, "building home ext4 image")
		}
		return nil
	})
}

// DiskImg assembles disk.img: truncate to table.SizeMiB, apply the
// partition table via sfdisk, then dd each role image into place at
// its declared offset.
func (e *Emitter) DiskImg(outPrefix string, table *types.PartitionTable, tableDecl string, partImages map[string]string) (string, error) {
	return e.Emit(constants.ArtifactDiskImg, outPrefix, func(tmp string) error {
		if _, err := e.Runner.Run("truncate", "-s", fmt.Sprintf("%dM", table.SizeMiB), tmp); err != nil {
			return errors.Wrap(err, "truncating disk image")
		}
		if _, err := e.Runner.RunWithInput(tableDecl, "sfdisk", tmp); err != nil {
			return errors.Wrap(err, "applying partition table with sfdisk")
		}
		for _, p := range table.Partitions {
			img, ok := partImages[p.Role]
			if !ok {
				continue
			}
			if _, err := e.Runner.Run("dd", "if="+img, "of="+tmp, "bs=1M",
				fmt.Sprintf("seek=%d", p.OffsetMiB), "conv=notrunc"); err != nil {
				return errors.Wrapf(err, "stamping %s partition image at offset %d", p.Role, p.OffsetMiB)
			}
		}
		return nil
	})
}
