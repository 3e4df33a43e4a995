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

// Package setup runs the in-chroot setup stage, per spec.md §4.8:
// initrd maker pinning, kernel/bootloader/user package install, fstab
// generation, bootloader stanza rendering, hostname, locales and
// overlay extraction.
package setup

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/types"
)

// ErrNotImplemented is returned for features spec.md §4.8 explicitly
// pins as unimplemented (dracut), rather than silently no-opping.
var ErrNotImplemented = errors.New("not yet implemented")

// Stage runs the setup steps against one prepared chroot.
type Stage struct {
	Fs     types.Fs
	Runner types.Runner
	Logger types.Logger
}

// PinInitrdMaker implements spec.md §4.8 step 1.
func (s *Stage) PinInitrdMaker(chroot, maker string) error {
	switch maker {
	case constants.InitrdMakerBooster:
		return s.pinBooster(chroot)
	case constants.InitrdMakerMkinitcpio:
		return s.pinMkinitcpio(chroot)
	case constants.InitrdMakerDracut:
		return errors.Wrap(ErrNotImplemented, "dracut initrd maker pinning")
	case "":
		return nil
	default:
		return fmt.Errorf("unknown initrd maker %q", maker)
	}
}

func (s *Stage) pinBooster(chroot string) error {
	cfg := filepath.Join(chroot, "etc/booster.yaml")
	data, err := s.Fs.ReadFile(cfg)
	if err != nil {
		return errors.Wrap(err, "reading booster.yaml")
	}
	if err := s.Fs.WriteFile(cfg+".pacsave", data, constants.FilePerm); err != nil {
		return errors.Wrap(err, "saving booster.yaml.pacsave")
	}
	return s.Fs.WriteFile(cfg, []byte("universal: true\n"), constants.FilePerm)
}

func (s *Stage) pinMkinitcpio(chroot string) error {
	presetDir := filepath.Join(chroot, "etc/mkinitcpio.d")
	entries, err := s.Fs.ReadDir(presetDir)
	if err != nil {
		return errors.Wrap(err, "reading mkinitcpio.d")
	}
	var merr *multierror.Error
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".preset") {
			continue
		}
		path := filepath.Join(presetDir, e.Name())
		data, err := s.Fs.ReadFile(path)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := s.Fs.WriteFile(path+".pacsave", data, constants.FilePerm); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		patched := presetsRe.ReplaceAll(data, []byte(`PRESETS=('fallback')`))
		if err := s.Fs.WriteFile(path, patched, constants.FilePerm); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

var presetsRe = regexp.MustCompile(`(?m)^PRESETS=\(.*\)$`)

// RestoreMkinitcpioPresets re-renders each kernel's preset from the
// saved .pacsave hook template, per spec.md §4.8 step 1's "restore
// originals" pass, substituting each installed kernel's name in.
func (s *Stage) RestoreMkinitcpioPresets(chroot string, kernels []string) error {
	presetDir := filepath.Join(chroot, "etc/mkinitcpio.d")
	entries, err := s.Fs.ReadDir(presetDir)
	if err != nil {
		return errors.Wrap(err, "reading mkinitcpio.d")
	}
	var merr *multierror.Error
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".preset.pacsave") {
			continue
		}
		tmplData, err := s.Fs.ReadFile(filepath.Join(presetDir, e.Name()))
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for _, kernel := range kernels {
			rendered := strings.ReplaceAll(string(tmplData), "%PKGBASE%", kernel)
			name := strings.TrimSuffix(e.Name(), ".pacsave")
			out := filepath.Join(presetDir, strings.Replace(name, "linux", kernel, 1))
			if err := s.Fs.WriteFile(out, []byte(rendered), constants.FilePerm); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}

// InstallPackages runs the strict-config install of kernels, microcode,
// bootloader and user packages, per spec.md §4.8 step 2.
func (s *Stage) InstallPackages(ctx context.Context, strictConfig, chroot string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"--config", strictConfig, "--root", chroot, "-S", "--needed", "--noconfirm"}, pkgs...)
	if _, err := s.Runner.Run("pacman", args...); err != nil {
		return errors.Wrap(err, "installing setup packages")
	}
	return nil
}

// AppendExtraRepos appends extra third-party repo stanzas to the
// target's own /etc/pacman.conf, per spec.md §4.8 step 3.
func (s *Stage) AppendExtraRepos(chroot string, stanza string) error {
	path := filepath.Join(chroot, "etc/pacman.conf")
	data, err := s.Fs.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading target pacman.conf")
	}
	data = append(data, []byte("\n"+stanza)...)
	return s.Fs.WriteFile(path, data, constants.FilePerm)
}

// fstabDefaults is the role->(fstype,options,mountpoint,pass) table of
// spec.md §4.8 step 4.
type fstabDefault struct {
	fstype, options, mountpoint string
	pass                        int
}

var fstabDefaults = map[string]fstabDefault{
	constants.RoleRoot: {"ext4", "rw,noatime,defaults", "/", 1},
	constants.RoleBoot: {"vfat", "rw,defaults", "/boot", 2},
	constants.RoleHome: {"ext4", "defaults", "/home", 1},
	constants.RoleSwap: {"swap", "defaults", "none", 0},
}

// WriteFstab generates /etc/fstab from the partition table, keyed by
// filesystem UUID, per spec.md §4.8 step 4.
func (s *Stage) WriteFstab(chroot string, table *types.PartitionTable) error {
	var b strings.Builder
	b.WriteString("# generated by aimager\n")
	for _, p := range table.Partitions {
		def, ok := fstabDefaults[p.Role]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "UUID=%s\t%s\t%s\t%s\t0\t%d\n", p.UUID, def.mountpoint, def.fstype, def.options, def.pass)
	}
	return s.Fs.WriteFile(filepath.Join(chroot, "etc/fstab"), []byte(b.String()), constants.FilePerm)
}

// Hostname sanitizes candidate per spec.md §4.8 step 6 and writes
// /etc/hostname.
func (s *Stage) Hostname(chroot string, candidates ...string) error {
	name := SanitizeHostname(candidates...)
	return s.Fs.WriteFile(filepath.Join(chroot, "etc/hostname"), []byte(name+"\n"), constants.FilePerm)
}

var hostnameStrip = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeHostname picks the first non-empty candidate (falling back to
// "aimager"), strips everything but [A-Za-z0-9-] and lowercases it.
func SanitizeHostname(candidates ...string) string {
	for _, c := range candidates {
		cleaned := strings.ToLower(hostnameStrip.ReplaceAllString(c, ""))
		if cleaned != "" {
			return cleaned
		}
	}
	return "aimager"
}

// GenerateLocales implements spec.md §4.8 step 7.
func (s *Stage) GenerateLocales(ctx context.Context, chroot string, locales []string) error {
	if len(locales) == 0 {
		return nil
	}
	genPath := filepath.Join(chroot, "etc/locale.gen")
	data, err := s.Fs.ReadFile(genPath)
	if err != nil {
		return errors.Wrap(err, "reading locale.gen")
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		for _, loc := range locales {
			trimmed := strings.TrimPrefix(strings.TrimSpace(line), "#")
			if strings.HasPrefix(strings.TrimSpace(trimmed), loc) {
				lines[i] = trimmed
			}
		}
	}
	if err := s.Fs.WriteFile(genPath, []byte(strings.Join(lines, "\n")), constants.FilePerm); err != nil {
		return errors.Wrap(err, "writing locale.gen")
	}
	if _, err := s.Runner.Run("chroot", chroot, "locale-gen"); err != nil {
		return errors.Wrap(err, "running locale-gen")
	}
	return s.Fs.WriteFile(filepath.Join(chroot, "etc/locale.conf"), []byte("LANG="+locales[0]+"\n"), constants.FilePerm)
}

// ExtractOverlays extracts each caller-supplied overlay tar over the
// chroot in order, per spec.md §4.8 step 8.
func (s *Stage) ExtractOverlays(chroot string, overlays []string) error {
	for _, overlay := range overlays {
		if _, err := s.Runner.Run("bsdtar", "-xpf", overlay, "-C", chroot); err != nil {
			return errors.Wrapf(err, "extracting overlay %s", overlay)
		}
	}
	return nil
}

const loaderConfTmpl = `default {{.DefaultEntry}}
timeout 3
`

const loaderEntryTmpl = `title {{.Title}}
linux /{{.LinuxPath}}
{{- range .InitrdPaths}}
initrd /{{.}}
{{- end}}
{{- if .FDTDir}}
fdtdir /{{.FDTDir}}
{{- end}}
options root=UUID={{.RootUUID}} rw{{.Append}}
`

// BootEntry describes one systemd-boot loader entry.
type BootEntry struct {
	Kernel       string
	LinuxPath    string
	InitrdPaths  []string
	FDTDir       string
	RootUUID     string
	Append       string
	Title        string
}

// SystemdBoot implements spec.md §4.8 step 5's systemd-boot branch.
func (s *Stage) SystemdBoot(chroot, targetArch string, entries []BootEntry) error {
	stub := constants.EFIStubArch(targetArch)
	if stub == "" {
		return fmt.Errorf("no EFI stub mapping for architecture %q", targetArch)
	}
	bootDir := filepath.Join(chroot, "boot/EFI/BOOT")
	if err := s.Fs.MkdirAll(bootDir, 0755); err != nil {
		return err
	}
	stubSrc := filepath.Join(chroot, "usr/lib/systemd/boot/efi", fmt.Sprintf("systemd-boot%s.efi", strings.ToLower(stub)))
	stubData, err := s.Fs.ReadFile(stubSrc)
	if err != nil {
		return errors.Wrap(err, "reading prebuilt EFI stub")
	}
	dst := filepath.Join(bootDir, fmt.Sprintf("BOOT%s.EFI", stub))
	if err := s.Fs.WriteFile(dst, stubData, constants.FilePerm); err != nil {
		return err
	}

	loaderDir := filepath.Join(chroot, "boot/loader")
	entriesDir := filepath.Join(loaderDir, "entries")
	if err := s.Fs.MkdirAll(entriesDir, 0755); err != nil {
		return err
	}
	if err := s.Fs.WriteFile(filepath.Join(loaderDir, "entries.srel"), []byte("type1\n"), constants.FilePerm); err != nil {
		return err
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return errors.Wrap(err, "generating loader random-seed")
	}
	if err := s.Fs.WriteFile(filepath.Join(loaderDir, "random-seed"), seed, 0600); err != nil {
		return err
	}

	if len(entries) == 0 {
		return fmt.Errorf("no kernels to render systemd-boot entries for")
	}
	defaultName := entries[0].Kernel + ".conf"
	confTmpl := template.Must(template.New("loader.conf").Parse(loaderConfTmpl))
	var confBuf strings.Builder
	if err := confTmpl.Execute(&confBuf, struct{ DefaultEntry string }{defaultName}); err != nil {
		return err
	}
	if err := s.Fs.WriteFile(filepath.Join(loaderDir, "loader.conf"), []byte(confBuf.String()), constants.FilePerm); err != nil {
		return err
	}

	entryTmpl := template.Must(template.New("entry").Parse(loaderEntryTmpl))
	for _, e := range entries {
		var buf strings.Builder
		if err := entryTmpl.Execute(&buf, e); err != nil {
			return err
		}
		if err := s.Fs.WriteFile(filepath.Join(entriesDir, e.Kernel+".conf"), []byte(buf.String()), constants.FilePerm); err != nil {
			return err
		}
	}
	return nil
}

const extlinuxTmpl = `DEFAULT {{.Default}}
{{range .Entries}}
LABEL {{.Kernel}}
	LINUX /{{.LinuxPath}}
{{- range .InitrdPaths}}
	INITRD /{{.}}
{{- end}}
	APPEND root=UUID={{.RootUUID}} rw{{.Append}}
{{end}}`

// Syslinux implements spec.md §4.8 step 5's syslinux branch: stages 440
// bytes of mbr.bin into headImgPath, creates and pre-populates a FAT
// image, runs the installer inside the chroot, and writes the extlinux
// config.
func (s *Stage) Syslinux(ctx context.Context, chroot, bootImgPath, headImgPath string, table *types.PartitionTable, entries []BootEntry) error {
	if table.Label != constants.LabelDOS {
		return fmt.Errorf("syslinux requires a dos partition label, got %q", table.Label)
	}
	boot := table.ByRole(constants.RoleBoot)
	if boot == nil {
		return fmt.Errorf("syslinux requires a dedicated boot partition")
	}

	mbrData, err := s.Fs.ReadFile(filepath.Join(chroot, "usr/lib/syslinux/bios/mbr.bin"))
	if err != nil {
		return errors.Wrap(err, "reading mbr.bin")
	}
	if len(mbrData) > 440 {
		mbrData = mbrData[:440]
	}
	if err := s.writeAt(headImgPath, 0, mbrData); err != nil {
		return errors.Wrap(err, "staging mbr into head.img")
	}

	if _, err := s.Runner.Run("dd", "if=/dev/zero", "of="+bootImgPath, "bs=1M", fmt.Sprintf("count=%d", boot.SizeMiB)); err != nil {
		return errors.Wrap(err, "allocating boot image")
	}
	if _, err := s.Runner.Run("mkfs.fat", "-n", "BOOT", "-i", strings.ReplaceAll(boot.UUID, "-", ""), bootImgPath); err != nil {
		return errors.Wrap(err, "formatting boot image")
	}

	c32Dir := filepath.Join(chroot, "usr/lib/syslinux/bios")
	c32Entries, err := s.Fs.ReadDir(c32Dir)
	if err == nil {
		for _, e := range c32Entries {
			if strings.HasSuffix(e.Name(), ".c32") {
				if _, err := s.Runner.Run("mcopy", "-os", "-i", bootImgPath, filepath.Join(c32Dir, e.Name()), "::"); err != nil {
					return errors.Wrapf(err, "copying %s into boot image", e.Name())
				}
			}
		}
	}

	if _, err := s.Runner.Run("chroot", chroot, "extlinux", "--install", "/boot"); err != nil {
		return errors.Wrap(err, "running extlinux installer")
	}

	return s.writeExtlinuxConf(filepath.Join(chroot, "boot/extlinux.conf"), entries)
}

func (s *Stage) writeExtlinuxConf(path string, entries []BootEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no kernels to render extlinux entries for")
	}
	tmpl := template.Must(template.New("extlinux").Parse(extlinuxTmpl))
	var buf strings.Builder
	if err := tmpl.Execute(&buf, struct {
		Default string
		Entries []BootEntry
	}{entries[0].Kernel, entries}); err != nil {
		return err
	}
	return s.Fs.WriteFile(path, []byte(buf.String()), constants.FilePerm)
}

// UBoot implements spec.md §4.8 step 5's u-boot branch: extlinux config
// only, no bootloader binary deployment.
func (s *Stage) UBoot(chroot string, entries []BootEntry) error {
	if err := s.Fs.MkdirAll(filepath.Join(chroot, "boot/extlinux"), 0755); err != nil {
		return err
	}
	return s.writeExtlinuxConf(filepath.Join(chroot, "boot/extlinux/extlinux.conf"), entries)
}

// writeAt stages data at a fixed byte offset into path via the Fs
// abstraction.
func (s *Stage) writeAt(path string, offset int64, data []byte) error {
	return s.Fs.WriteFileAt(path, data, offset)
}
