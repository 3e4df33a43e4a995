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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/7Ji/aimager/pkg/hostinfo"
	"github.com/7Ji/aimager/pkg/types"
)

// splitCSV joins repeatable and comma-separated variants of the same
// flag (e.g. --install-pkg and --install-pkgs), per spec.md §6.
func splitCSV(repeated []string, csv string) []string {
	out := append([]string(nil), repeated...)
	if csv != "" {
		out = append(out, strings.Split(csv, ",")...)
	}
	return out
}

// splitKV parses a set of "key=value" flag values into a map, used for
// the dynamic --repo-url and --append flags.
func splitKV(pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected \"key=value\", got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// buildContextFromFlags reads the bound pflags (env-overridable through
// viper) field by field into a BuildContext -- repeated and key=value
// flags need splitCSV/splitKV, which viper.Unmarshal can't express, so
// this stays a bespoke decode rather than a mapstructure one despite
// types.BuildContext still carrying mapstructure tags for a possible
// future config-file path -- applies the board/distro presets, resolves
// the partition table declaration, and sanitizes.
func buildContextFromFlags(v *viper.Viper, startTime time.Time) (*types.BuildContext, error) {
	bc := &types.BuildContext{
		HostArch:           v.GetString("arch-host"),
		TargetArch:         firstNonEmpty(v.GetString("arch-target"), v.GetString("arch")),
		Board:              v.GetString("board"),
		BuildID:            v.GetString("build-id"),
		RepoCore:           v.GetString("repo-core"),
		ReuseRootTar:       v.GetString("reuse-root-tar"),
		InitrdMaker:        v.GetString("initrd-maker"),
		Hostname:           v.GetString("hostname"),
		Table:              v.GetString("table"),
		OutPrefix:          v.GetString("out-prefix"),
		KeyringHelper:      v.GetString("keyring-helper"),
		FreezePacmanConfig: v.GetBool("freeze-pacman-config"),
		FreezePacmanStatic: v.GetBool("freeze-pacman-static"),
		UsePacmanStatic:    v.GetBool("use-pacman-static"),
		AsyncChild:         v.GetBool("async-child"),
		BinfmtCheck:        v.GetBool("binfmt-check"),
		CleanBuilds:        v.GetBool("clean-builds"),
		OnlyPrepareChild:   v.GetBool("only-prepare-child"),
		OnlyBackupKeyring:  v.GetBool("only-backup-keyring"),
		TmpfsRootOpts:      v.GetString("tmpfs-root"),
		ExtraRepos:         splitCSV(v.GetStringSlice("add-repo"), v.GetString("add-repos")),
		UserPkgs:           splitCSV(v.GetStringSlice("install-pkg"), v.GetString("install-pkgs")),
		Locales:            splitCSV(v.GetStringSlice("locale"), v.GetString("locales")),
		Overlays:           v.GetStringSlice("overlay"),
		Create:             v.GetStringSlice("create"),
	}

	if repoBase := v.GetString("repos-base"); repoBase != "" {
		bc.BaseRepos = strings.Split(repoBase, ",")
	}

	appendCmdline, err := splitKV(v.GetStringSlice("append"))
	if err != nil {
		return nil, err
	}
	bc.AppendCmdline = appendCmdline

	mkfsArgs := map[string][]string{}
	for _, p := range v.GetStringSlice("mkfs-arg") {
		part, arg, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected \"part=arg\", got %q", p)
		}
		mkfsArgs[part] = append(mkfsArgs[part], arg)
	}
	bc.MkfsArgs = mkfsArgs

	if bc.HostArch == "" {
		bc.HostArch = hostinfo.HostArch()
	}
	if bc.TargetArch == "" {
		bc.TargetArch = bc.HostArch
	}

	if bc.Distro.Tag == "" {
		distroTag := v.GetString("distro")
		if distroTag == "" {
			distroTag = "archlinux"
		}
		p, ok := findPreset(distroPresets, distroTag)
		if !ok {
			return nil, fmt.Errorf("unknown distro %q (try --distro help)", distroTag)
		}
		if err := p.apply(bc); err != nil {
			return nil, err
		}
	}

	if bc.Board != "" {
		if p, ok := findPreset(boardPresets, bc.Board); ok {
			if err := p.apply(bc); err != nil {
				return nil, err
			}
		}
	}

	urls, err := splitKV(v.GetStringSlice("repo-url"))
	if err != nil {
		return nil, err
	}
	if bc.RepoURLs == nil {
		bc.RepoURLs = map[string]string{}
	}
	for tag, url := range urls {
		bc.RepoURLs[tag] = url
	}
	if parent := v.GetString("repo-url-parent"); parent != "" {
		for _, repo := range append(append([]string(nil), bc.BaseRepos...), bc.ExtraRepos...) {
			if _, ok := bc.RepoURLs[repo]; !ok {
				bc.RepoURLs[repo] = parent
			}
		}
	}

	if bc.Table != "" {
		decl, err := resolveTablePreset(bc.Table)
		if err != nil {
			return nil, err
		}
		bc.Table = decl
	}

	if err := bc.Sanitize(); err != nil {
		return nil, err
	}
	return bc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
