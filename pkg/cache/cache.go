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

// Package cache implements the content-addressed local store described
// in spec.md §4.1/§3: every write goes to "<path>.temp" and is renamed
// into place only on success, and an entry is considered already
// fetched for the current run once its mtime is at or after the run's
// StartTime.
package cache

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/types"
)

// Store wraps a CacheLayout with the StartTime freshness predicate and
// atomic-write helpers shared by every layer that touches the cache.
type Store struct {
	Layout    types.CacheLayout
	Logger    types.Logger
	StartTime time.Time
}

func New(layout types.CacheLayout, logger types.Logger, startTime time.Time) *Store {
	return &Store{Layout: layout, Logger: logger, StartTime: startTime}
}

// Fresh reports whether path exists and was last modified at or after
// the run's StartTime, meaning it does not need to be re-fetched this
// run (spec.md §3 "Lifecycles").
func (s *Store) Fresh(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(s.StartTime)
}

// EnsureDirs creates the cache directory skeleton under the layout's
// working directory.
func (s *Store) EnsureDirs() error {
	for _, d := range []string{
		filepath.Join(s.Layout.WorkDir, constants.CacheRepoDir),
		filepath.Join(s.Layout.WorkDir, constants.CachePkgDir),
		filepath.Join(s.Layout.WorkDir, constants.CacheKeyringDir),
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// AtomicWrite writes data to path via "<path>.temp" then renames it
// into place, per the "never written in place" invariant in spec.md §3.
// An existing leftover temp file is removed first.
func (s *Store) AtomicWrite(path string, data []byte) error {
	tmp := path + ".temp"
	_ = os.Remove(tmp)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, constants.FilePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Debugf("wrote cache entry %s (digest %s)", path, digest(data))
	}
	return nil
}

// AtomicWriteFrom streams r into path via the same temp+rename pattern,
// for large downloads that should never be buffered fully in memory.
func (s *Store) AtomicWriteFrom(path string, r io.Reader) (int64, error) {
	tmp := path + ".temp"
	_ = os.Remove(tmp)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, constants.FilePerm)
	if err != nil {
		return 0, err
	}
	h := sha3.New256()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return n, closeErr
	}
	if err := os.Rename(tmp, path); err != nil {
		return n, err
	}
	if s.Logger != nil {
		s.Logger.Debugf("wrote cache entry %s (%d bytes, sha3-256 %s)", path, n, hex.EncodeToString(h.Sum(nil)))
	}
	return n, nil
}

// digest returns the sha3-256 hex digest of data, used only for debug
// logging alongside the atomic rename (spec.md §4.1 extension).
func digest(data []byte) string {
	h := sha3.Sum256(data)
	return hex.EncodeToString(h[:])
}
