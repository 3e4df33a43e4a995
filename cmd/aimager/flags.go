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
	"github.com/spf13/cobra"
)

// registerFlags declares the CLI surface from spec.md §6, plus the
// SPEC_FULL.md-added --dump-config debug flag. Dynamic per-tag flags
// (--repo-url-<tag>, --append-<kernel-or-all-or-default>) are modeled
// as repeated "key=value" pairs instead of one pflag per possible tag,
// since pflag's flag set is fixed at registration time.
func registerFlags(cmd *cobra.Command, dumpConfig *bool, boardHelp, distroHelp *string) {
	f := cmd.Flags()

	f.String("arch-host", "", "host CPU architecture (default: autodetected)")
	f.String("arch", "", "target CPU architecture")
	f.String("arch-target", "", "target CPU architecture (alias of --arch)")

	f.StringVar(boardHelp, "board", "", "board tag, or \"help\"/\"help=<tag>\"")
	f.StringVar(distroHelp, "distro", "", "distro tag, or \"help\"/\"help=<tag>\"")
	f.String("build-id", "", "stable identifier for this build run")
	f.String("out-prefix", "", "output directory/filename prefix")

	f.StringArray("add-repo", nil, "extra third-party repo tag (repeatable)")
	f.String("add-repos", "", "comma-separated extra third-party repo tags")
	f.String("repo-core", "", "name of the target distro's core repo")
	f.String("repo-url-parent", "", "default mirror URL template for repos without their own")
	f.StringArray("repo-url", nil, "\"tag=url-template\" mirror override (repeatable)")
	f.String("repos-base", "", "comma-separated ordered list of base repos, overriding autodetection")
	f.String("reuse-root-tar", "", "skip bootstrap, extract this root tarball instead")

	f.String("initrd-maker", "", "initrd generator: booster, mkinitcpio or dracut")
	f.StringArray("install-pkg", nil, "extra package to install (repeatable)")
	f.String("install-pkgs", "", "comma-separated extra packages to install")
	f.StringArray("append", nil, "\"kernel-or-all-or-default=extra kernel cmdline\" (repeatable)")
	f.StringArray("locale", nil, "locale to enable (repeatable)")
	f.String("locales", "", "comma-separated locales to enable")
	f.String("hostname", "", "target hostname")
	f.StringArray("overlay", nil, "overlay tar to extract over the chroot, in order (repeatable)")
	f.String("table", "", "sfdisk-dump declaration, \"=<preset>\", \"@<file>\", \"help\" or \"help=<preset>\"")
	f.StringArray("mkfs-arg", nil, "\"part=extra mkfs argument\" (repeatable)")

	f.Bool("async-child", false, "use the async newuidmap/newgidmap id-mapping path unconditionally")
	f.Bool("freeze-pacman-config", false, "skip regenerating pacman.conf if already present")
	f.Bool("freeze-pacman-static", false, "skip refreshing the cached pacman-static binary if already present")
	f.String("keyring-helper", "", "path to a keyring-helper tarball, to borrow native keyring binaries")
	f.String("tmpfs-root", "", "mount the chroot root as tmpfs with these options (empty uses defaults)")
	f.Lookup("tmpfs-root").NoOptDefVal = "mode=0755"
	f.Bool("use-pacman-static", false, "prefer a cached pacman-static binary over the host's own pacman")

	f.Bool("binfmt-check", false, "verify a binfmt_misc handler is registered for the target architecture before building")
	f.Bool("clean-builds", false, "remove stale cache/build.* scratch directories before starting")
	f.StringArray("create", nil, "artifact to produce, or \"help\" (repeatable): root.tar, part-boot.img, part-root.img, part-home.img, disk.img, keyring-helper.tar")
	f.Bool("only-prepare-child", false, "build the chroot and install base packages, then stop")
	f.Bool("only-backup-keyring", false, "bootstrap and archive the keyring, then stop")

	f.BoolVar(dumpConfig, "dump-config", false, "print the resolved build context as YAML and exit without building")
}
