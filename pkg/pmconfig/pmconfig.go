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

// Package pmconfig builds the two target-package-manager configurations
// described in spec.md §4.3: a "loose" one that skips signature
// verification, and a "strict" one that requires it.
package pmconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/repoclient"
	"github.com/7Ji/aimager/pkg/types"
)

// Builder generates pacman.conf-style loose/strict configurations
// pointing at the cache and the target chroot.
type Builder struct {
	Client     *repoclient.Client
	Store      *cache.Store
	Logger     types.Logger
	Distro     string
	TargetArch string
	ChrootPath string
	CacheDir   string
	ExtraRepos []string
}

// Result carries the paths of the two generated configs and the
// resolved base repo list.
type Result struct {
	LoosePath  string
	StrictPath string
	BaseRepos  []string
}

// Build performs the procedure in spec.md §4.3.
func (b *Builder) Build(ctx context.Context, scratchDir string, callerBaseRepos []string, freeze bool) (*Result, error) {
	loosePath := filepath.Join(scratchDir, "pacman-loose.conf")
	strictPath := filepath.Join(scratchDir, "pacman-strict.conf")

	if freeze {
		if exists(loosePath) && exists(strictPath) {
			return &Result{LoosePath: loosePath, StrictPath: strictPath, BaseRepos: callerBaseRepos}, nil
		}
		if b.Store.Fresh(loosePath) && b.Store.Fresh(strictPath) {
			return &Result{LoosePath: loosePath, StrictPath: strictPath, BaseRepos: callerBaseRepos}, nil
		}
	}

	extractedConf, err := b.Client.ExtractFile(ctx, b.Distro, "pacman", b.TargetArch, "etc/pacman.conf")
	if err != nil {
		return nil, errors.Wrap(err, "extracting reference pacman.conf")
	}

	reference, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, extractedConf)
	if err != nil {
		return nil, errors.Wrap(err, "parsing reference pacman.conf")
	}

	baseRepos, err := resolveBaseRepos(reference, callerBaseRepos)
	if err != nil {
		return nil, err
	}

	if err := b.renderOne(loosePath, baseRepos, constants.SigLevelNever); err != nil {
		return nil, err
	}
	if err := b.renderOne(strictPath, baseRepos, constants.SigLevelRequire); err != nil {
		return nil, err
	}

	return &Result{LoosePath: loosePath, StrictPath: strictPath, BaseRepos: baseRepos}, nil
}

// resolveBaseRepos returns a caller-supplied list unchanged (its checks
// run earlier, in types.BuildContext.Sanitize), or else parses the
// ordered [section] headers from the reference pacman.conf, discarding
// [options], per spec.md §4.3 step 2.
func resolveBaseRepos(reference *ini.File, callerBaseRepos []string) ([]string, error) {
	if len(callerBaseRepos) > 0 {
		return callerBaseRepos, nil
	}
	var repos []string
	for _, s := range reference.SectionStrings() {
		if s == ini.DefaultSection || s == "options" {
			continue
		}
		repos = append(repos, s)
	}
	if len(repos) == 0 {
		return nil, errors.New("no base repos found in reference pacman.conf")
	}
	return repos, nil
}

func (b *Builder) renderOne(path string, baseRepos []string, sigLevel string) error {
	f := ini.Empty()
	opts, err := f.NewSection("options")
	if err != nil {
		return err
	}
	set := func(key, val string) {
		_, _ = opts.NewKey(key, val)
	}
	set("RootDir", b.ChrootPath)
	set("DBPath", filepath.Join(b.ChrootPath, "var/lib/pacman"))
	set("CacheDir", b.CacheDir)
	set("LogFile", filepath.Join(b.ChrootPath, "var/log/pacman.log"))
	set("GPGDir", filepath.Join(b.ChrootPath, "etc/pacman.d/gnupg"))
	set("HookDir", filepath.Join(b.ChrootPath, "etc/pacman.d/hooks"))
	set("Architecture", b.TargetArch)
	set("SigLevel", sigLevel)

	for _, repo := range baseRepos {
		sec, err := f.NewSection(repo)
		if err != nil {
			return err
		}
		_, _ = sec.NewKey("Include", filepath.Join(b.ChrootPath, "etc/pacman.d/mirrorlist"))
	}
	for _, repo := range b.ExtraRepos {
		sec, err := f.NewSection(repo)
		if err != nil {
			return err
		}
		_, _ = sec.NewKey("SigLevel", constants.SigLevelNever)
		_, _ = sec.NewKey("Server", fmt.Sprintf("file://%s", filepath.Join(b.CacheDir, "extra", repo)))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".temp"
	if err := f.SaveTo(tmp); err != nil {
		return errors.Wrap(err, "writing pacman config")
	}
	return os.Rename(tmp, path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
