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

package types

import (
	"fmt"
	"path/filepath"

	"github.com/7Ji/aimager/pkg/constants"
)

// Distro describes the target distribution: its short tag (used in
// cache keys and mirror templates), its stylised display name, and a
// filesystem-safe name used for output filenames.
type Distro struct {
	Tag        string `yaml:"tag,omitempty" mapstructure:"tag"`
	Name       string `yaml:"name,omitempty" mapstructure:"name"`
	SafeName   string `yaml:"safe-name,omitempty" mapstructure:"safe-name"`
}

// Sanitize fills SafeName/Name defaults from Tag when left empty.
func (d *Distro) Sanitize() error {
	if d.Tag == "" {
		return fmt.Errorf("distro tag must not be empty")
	}
	if d.Name == "" {
		d.Name = d.Tag
	}
	if d.SafeName == "" {
		d.SafeName = d.Tag
	}
	return nil
}

// BuildContext is the immutable-after-configuration description of one
// build. It is produced by board/distro presets (plain functions from
// BuildContext to BuildContext, see cmd/aimager) and frozen before any
// I/O happens.
type BuildContext struct {
	Logger  Logger  `yaml:"-" mapstructure:"-"`
	Fs      Fs      `yaml:"-" mapstructure:"-"`
	Runner  Runner  `yaml:"-" mapstructure:"-"`
	Mounter Mounter `yaml:"-" mapstructure:"-"`

	HostArch   string `yaml:"arch-host,omitempty" mapstructure:"arch-host"`
	TargetArch string `yaml:"arch-target,omitempty" mapstructure:"arch-target"`
	Cross      bool   `yaml:"-" mapstructure:"-"`

	Distro Distro `yaml:"distro,omitempty" mapstructure:"distro"`
	Board  string `yaml:"board,omitempty" mapstructure:"board"`

	BuildID string `yaml:"build-id,omitempty" mapstructure:"build-id"`

	ExtraRepos   []string          `yaml:"extra-repos,omitempty" mapstructure:"extra-repos"`
	RepoURLs     map[string]string `yaml:"repo-urls,omitempty" mapstructure:"repo-urls"`
	RepoKeyrings map[string][]string `yaml:"repo-keyrings,omitempty" mapstructure:"repo-keyrings"`
	RepoCore     string            `yaml:"repo-core,omitempty" mapstructure:"repo-core"`
	BaseRepos    []string          `yaml:"base-repos,omitempty" mapstructure:"base-repos"`

	InitrdMaker string   `yaml:"initrd-maker,omitempty" mapstructure:"initrd-maker"`
	Bootloaders []string `yaml:"bootloaders,omitempty" mapstructure:"bootloaders"`
	Kernels     []string `yaml:"kernels,omitempty" mapstructure:"kernels"`
	Microcodes  []string `yaml:"microcodes,omitempty" mapstructure:"microcodes"`
	UserPkgs    []string `yaml:"user-packages,omitempty" mapstructure:"user-packages"`

	Locales  []string `yaml:"locales,omitempty" mapstructure:"locales"`
	Hostname string   `yaml:"hostname,omitempty" mapstructure:"hostname"`

	// AppendCmdline maps a kernel name (or "all"/"default") to extra
	// bootloader-entry kernel command-line text, per spec.md §6's
	// "--append-<kernel-or-all-or-default>" flag family.
	AppendCmdline map[string]string `yaml:"append-cmdline,omitempty" mapstructure:"append-cmdline"`
	// MkfsArgs maps a partition role to extra arguments for that
	// role's mkfs invocation in the emitter, per spec.md §6's
	// "--mkfs-arg <part=arg>" flag.
	MkfsArgs map[string][]string `yaml:"mkfs-args,omitempty" mapstructure:"mkfs-args"`

	ReuseRootTar     string `yaml:"reuse-root-tar,omitempty" mapstructure:"reuse-root-tar"`
	KeyringHelper    string `yaml:"keyring-helper,omitempty" mapstructure:"keyring-helper"`
	FreezePacmanConfig bool `yaml:"freeze-pacman-config,omitempty" mapstructure:"freeze-pacman-config"`
	FreezePacmanStatic bool `yaml:"freeze-pacman-static,omitempty" mapstructure:"freeze-pacman-static"`
	UsePacmanStatic    bool `yaml:"use-pacman-static,omitempty" mapstructure:"use-pacman-static"`
	AsyncChild         bool `yaml:"async-child,omitempty" mapstructure:"async-child"`

	TmpfsRootOpts string `yaml:"tmpfs-root,omitempty" mapstructure:"tmpfs-root"`

	Overlays []string `yaml:"overlays,omitempty" mapstructure:"overlays"`

	Table string `yaml:"table,omitempty" mapstructure:"table"`

	Create []string `yaml:"create,omitempty" mapstructure:"create"`

	OutPrefix string `yaml:"out-prefix,omitempty" mapstructure:"out-prefix"`

	BinfmtCheck       bool `yaml:"binfmt-check,omitempty" mapstructure:"binfmt-check"`
	CleanBuilds       bool `yaml:"clean-builds,omitempty" mapstructure:"clean-builds"`
	OnlyPrepareChild  bool `yaml:"only-prepare-child,omitempty" mapstructure:"only-prepare-child"`
	OnlyBackupKeyring bool `yaml:"only-backup-keyring,omitempty" mapstructure:"only-backup-keyring"`

	WorkDir string `yaml:"-" mapstructure:"-"`
}

// Sanitize validates the context and fills defaults. It is called once,
// after every board/distro preset has been applied, right before the
// context is frozen and handed to the orchestrator.
func (c *BuildContext) Sanitize() error {
	if c.HostArch == "" {
		return fmt.Errorf("host architecture must be resolved before sanitizing the build context")
	}
	if c.TargetArch == "" {
		return fmt.Errorf("target architecture must not be empty")
	}
	c.Cross = c.HostArch != c.TargetArch

	if err := c.Distro.Sanitize(); err != nil {
		return err
	}

	if c.RepoCore == "" {
		c.RepoCore = "core"
	}
	if len(c.BaseRepos) > 0 {
		found := false
		for _, r := range c.BaseRepos {
			if r == c.RepoCore {
				found = true
			}
			if r == "options" {
				return fmt.Errorf("base repo list must not contain the reserved 'options' section")
			}
		}
		if !found {
			return fmt.Errorf("base repo list must contain the declared core repo %q", c.RepoCore)
		}
	}

	if c.BuildID == "" {
		c.BuildID = fmt.Sprintf("%s-%s-%s", c.Distro.SafeName, c.TargetArch, c.Board)
	}
	if c.Board == "" {
		c.Board = "none"
	}
	if c.OutPrefix == "" {
		c.OutPrefix = constants.OutDir
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	return nil
}

// CacheLayout resolves the fixed directory skeleton documented in
// spec.md §3, relative to a working directory.
type CacheLayout struct {
	WorkDir string
}

func NewCacheLayout(workDir string) CacheLayout {
	return CacheLayout{WorkDir: workDir}
}

func (c CacheLayout) RepoDBPath(distro, repo, arch string) string {
	return filepath.Join(c.WorkDir, constants.CacheRepoDir, fmt.Sprintf("%s:%s:%s.db", distro, repo, arch))
}

func (c CacheLayout) PkgPath(distro, repo, arch, pkgFile string) string {
	return filepath.Join(c.WorkDir, constants.CachePkgDir, fmt.Sprintf("%s:%s:%s:%s", distro, repo, arch, pkgFile))
}

func (c CacheLayout) PkgExtractDir(distro, repo, arch, pkgFileNoExt string) string {
	return filepath.Join(c.WorkDir, constants.CachePkgDir, fmt.Sprintf("%s:%s:%s:%s", distro, repo, arch, pkgFileNoExt))
}

func (c CacheLayout) KeyringBackupPath(keyringID string) string {
	return filepath.Join(c.WorkDir, constants.CacheKeyringDir, keyringID+".tar")
}

func (c CacheLayout) BuildScratchDir(buildID string) string {
	return filepath.Join(c.WorkDir, fmt.Sprintf(constants.BuildScratchFmt, buildID))
}

func (c CacheLayout) OutDir(prefix string) string {
	if prefix == "" {
		prefix = constants.OutDir
	}
	return filepath.Join(c.WorkDir, prefix)
}
