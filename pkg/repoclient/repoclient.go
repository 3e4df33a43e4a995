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

// Package repoclient formats mirror URLs, fetches repository database
// indices, resolves package versions from them, and downloads and
// extracts files out of individual packages, per spec.md §4.1.
package repoclient

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/glob"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/cache"
	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/types"
)

// Error kinds produced by the repo client, per spec.md §4.1.
var (
	ErrNetworkFetch    = errors.New("network fetch failed")
	ErrDBParse         = errors.New("repository database parse failure")
	ErrPackageNotFound = errors.New("package not found")
	ErrExtractFailure  = errors.New("extraction failure")
)

// Client resolves packages against a set of mirror URL templates.
type Client struct {
	Store    *cache.Store
	Logger   types.Logger
	Distro   string
	Mirrors  map[string]string // repo -> url template, containing $repo and $arch
}

func New(store *cache.Store, logger types.Logger, distro string, mirrors map[string]string) *Client {
	return &Client{Store: store, Logger: logger, Distro: distro, Mirrors: mirrors}
}

// expandMirror substitutes the literal $repo/$arch placeholders in a
// mirror URL template. No other substitutions are performed, per
// spec.md §4.1.
func expandMirror(tmpl, repo, arch string) string {
	r := strings.ReplaceAll(tmpl, "$repo", repo)
	r = strings.ReplaceAll(r, "$arch", arch)
	return r
}

func (c *Client) mirror(repo string) (string, error) {
	tmpl, ok := c.Mirrors[repo]
	if !ok {
		return "", errors.Wrapf(ErrNetworkFetch, "no mirror template configured for repo %q", repo)
	}
	return tmpl, nil
}

// download fetches url to dest using grab, retrying up to
// constants.DownloadRetries times with a fixed
// constants.DownloadRetryDelaySeconds delay between attempts, per
// spec.md §5.
func (c *Client) download(ctx context.Context, url, dest string) error {
	_ = os.Remove(dest + ".temp")
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(constants.DownloadRetryDelaySeconds*time.Second),
		constants.DownloadRetries,
	)
	op := func() error {
		req, err := grab.NewRequest(dest+".temp", url)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "building download request"))
		}
		resp := grab.DefaultClient.Do(req.WithContext(ctx))
		if err := resp.Err(); err != nil {
			c.Logger.Warnf("download of %s failed: %v", url, err)
			return errors.Wrapf(ErrNetworkFetch, "fetching %s: %v", url, err)
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.Rename(dest+".temp", dest)
}

// zstdMagic is the 4-byte frame magic number every zstd stream starts
// with (RFC 8878 §3.1.1).
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// decompressingReader detects which of zstd, gzip or plain tar f holds
// and returns a reader over its decompressed content, plus a closer
// for whichever decoder it opened. zstd is checked first since that is
// what pacman 5.0+ actually ships both repo databases and packages as;
// gzip and plain tar remain as fallbacks for older or third-party
// mirrors that still produce them.
func decompressingReader(f *os.File) (io.Reader, func(), error) {
	magic := make([]byte, 4)
	n, _ := io.ReadFull(f, magic)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}

	if n == 4 && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	if gz, err := gzip.NewReader(f); err == nil {
		return gz, func() { gz.Close() }, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	return f, func() {}, nil
}

// FetchDB downloads repo's database for arch into the cache, unless a
// fresh copy (mtime >= StartTime) already exists.
func (c *Client) FetchDB(ctx context.Context, repo, arch string) (string, error) {
	path := c.Store.Layout.RepoDBPath(c.Distro, repo, arch)
	if c.Store.Fresh(path) {
		return path, nil
	}
	tmpl, err := c.mirror(repo)
	if err != nil {
		return "", err
	}
	url := expandMirror(tmpl, repo, arch) + "/" + repo + ".db"
	c.Logger.Infof("fetching repo db %s", url)
	if err := c.download(ctx, url, path); err != nil {
		return "", err
	}
	return path, nil
}

// ResolvePackage returns the filename/version of pkgName as recorded in
// repo's database, per spec.md §4.1.
func (c *Client) ResolvePackage(ctx context.Context, repo, arch, pkgName string) (types.PackageDesc, error) {
	dbPath, err := c.FetchDB(ctx, repo, arch)
	if err != nil {
		return types.PackageDesc{}, err
	}
	db, err := parseDB(dbPath, pkgName)
	if err != nil {
		return types.PackageDesc{}, err
	}
	desc, ok := db.Resolve(pkgName)
	if !ok {
		return types.PackageDesc{}, errors.Wrapf(ErrPackageNotFound, "%s in repo %s/%s", pkgName, repo, arch)
	}
	return desc, nil
}

// parseDB streams dbPath's tar, extracting every "<pkgName>-*/desc"
// entry into a RepoDB. Only entries whose directory name matches the
// glob are considered, per spec.md §4.1.
func parseDB(dbPath, pkgName string) (*types.RepoDB, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening repo db")
	}
	defer f.Close()

	r, closeR, err := decompressingReader(f)
	if err != nil {
		return nil, errors.Wrap(ErrDBParse, err.Error())
	}
	defer closeR()

	pattern := glob.MustCompile(pkgName + "-*/desc")

	db := types.NewRepoDB()
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(ErrDBParse, err.Error())
		}
		if !pattern.Match(hdr.Name) {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, errors.Wrap(ErrDBParse, err.Error())
		}
		desc, err := parseDesc(buf.Bytes())
		if err != nil {
			return nil, err
		}
		db.Packages[desc.Name] = desc
	}
	return db, nil
}

// parseDesc parses one desc file's %FILENAME%/%NAME%/%VERSION%
// sections. Each value is the line immediately following its header.
func parseDesc(data []byte) (types.PackageDesc, error) {
	var desc types.PackageDesc
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var section string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "%FILENAME%" || line == "%NAME%" || line == "%VERSION%":
			section = line
			continue
		case line == "":
			section = ""
			continue
		}
		switch section {
		case "%FILENAME%":
			desc.Filename = line
		case "%NAME%":
			desc.Name = line
		case "%VERSION%":
			desc.Version = line
		}
		section = ""
	}
	if err := scanner.Err(); err != nil {
		return desc, errors.Wrap(ErrDBParse, err.Error())
	}
	if desc.Filename == "" || desc.Name == "" || desc.Version == "" {
		return desc, errors.Wrap(ErrDBParse, "desc record missing filename, name or version")
	}
	return desc, nil
}

// FetchPackage resolves pkgName in repo/arch and ensures its archive is
// present locally, downloading it from the mirror if needed.
func (c *Client) FetchPackage(ctx context.Context, repo, arch, pkgName string) (string, types.PackageDesc, error) {
	desc, err := c.ResolvePackage(ctx, repo, arch, pkgName)
	if err != nil {
		return "", desc, err
	}
	local := c.Store.Layout.PkgPath(c.Distro, repo, arch, desc.Filename)
	if _, err := os.Stat(local); err == nil {
		return local, desc, nil
	}
	tmpl, err := c.mirror(repo)
	if err != nil {
		return "", desc, err
	}
	url := expandMirror(tmpl, repo, arch) + "/" + desc.Filename
	c.Logger.Infof("fetching package %s", url)
	if err := c.download(ctx, url, local); err != nil {
		return "", desc, err
	}
	return local, desc, nil
}

// ExtractFile resolves pkgName, ensures it's downloaded, and extracts
// pathInPkg into a sibling directory named after the package's archive
// stem. It always re-extracts: the cost is cheap and the requested
// file may have changed since the package was last resolved.
func (c *Client) ExtractFile(ctx context.Context, repo, arch, pkgName, pathInPkg string) (string, error) {
	local, desc, err := c.FetchPackage(ctx, repo, arch, pkgName)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(strings.TrimSuffix(desc.Filename, ".zst"), ".tar")
	stem = strings.TrimSuffix(stem, ".tar.zst")
	destDir := c.Store.Layout.PkgExtractDir(c.Distro, repo, arch, stem)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", errors.Wrap(ErrExtractFailure, err.Error())
	}
	destFile := filepath.Join(destDir, filepath.Base(pathInPkg))
	if err := extractOne(local, pathInPkg, destFile); err != nil {
		return "", err
	}
	return destFile, nil
}

// extractOne extracts exactly pathInPkg from the package archive at
// pkgPath into destFile. Since pacman 5.0, Arch/archlinuxcn packages
// are zstd-compressed tars (".pkg.tar.zst"); older repo databases and
// some mirrors still hand out plain or gzip-compressed tars, so the
// reader picks whichever of the three the stream actually is.
func extractOne(pkgPath, pathInPkg, destFile string) error {
	f, err := os.Open(pkgPath)
	if err != nil {
		return errors.Wrap(ErrExtractFailure, err.Error())
	}
	defer f.Close()

	r, closeR, err := decompressingReader(f)
	if err != nil {
		return errors.Wrap(ErrExtractFailure, err.Error())
	}
	defer closeR()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return errors.Wrapf(ErrExtractFailure, "path %s not found in %s", pathInPkg, pkgPath)
		}
		if err != nil {
			return errors.Wrap(ErrExtractFailure, err.Error())
		}
		if strings.TrimPrefix(hdr.Name, "./") != pathInPkg {
			continue
		}
		out, err := os.OpenFile(destFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(ErrExtractFailure, err.Error())
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return errors.Wrap(ErrExtractFailure, err.Error())
		}
		return nil
	}
}
