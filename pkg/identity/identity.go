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

// Package identity resolves the caller's subordinate uid/gid range out
// of /etc/subuid and /etc/subgid, per spec.md §4.5.
package identity

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/constants"
)

// ErrRealRoot is returned when the caller is the real root user; this
// tool refuses to run as root, per spec.md §4.5.
var ErrRealRoot = errors.New("refusing to run as real root")

// ErrNoSubIDRange is returned when the caller has no usable subid
// range, either because it is absent from the file or because the
// contiguous range available is smaller than constants.MapSubRangeMin.
//
// This is the documented decision for spec.md §9's open question about
// the subid fallback: aimager looks the caller up by login name first,
// falling back to the numeric uid/gid only if the name is absent, and
// fails outright rather than guessing a partial range if neither key is
// present.
var ErrNoSubIDRange = errors.New("no usable subordinate id range")

// Range is a contiguous block of subordinate ids.
type Range struct {
	Start uint32
	Count uint32
}

// Caller identifies the current process's owner for subuid/subgid
// lookups.
type Caller struct {
	Name string
	UID  uint32
	GID  uint32
}

// Resolve reads subuidData/subgidData (the contents of /etc/subuid and
// /etc/subgid) and returns the caller's uid and gid ranges. Each file
// must give at least constants.MapSubRangeMin contiguous ids.
func Resolve(caller Caller, subuidData, subgidData io.Reader) (uidRange, gidRange Range, err error) {
	uidRange, err = resolveOne(caller.Name, caller.UID, subuidData)
	if err != nil {
		return Range{}, Range{}, errors.Wrap(err, "resolving subuid range")
	}
	gidRange, err = resolveOne(caller.Name, caller.GID, subgidData)
	if err != nil {
		return Range{}, Range{}, errors.Wrap(err, "resolving subgid range")
	}
	return uidRange, gidRange, nil
}

func resolveOne(name string, numericID uint32, data io.Reader) (Range, error) {
	byName, byID, err := parseSubIDFile(data)
	if err != nil {
		return Range{}, err
	}
	r, ok := byName[name]
	if !ok {
		r, ok = byID[strconv.FormatUint(uint64(numericID), 10)]
	}
	if !ok {
		return Range{}, ErrNoSubIDRange
	}
	if r.Count < constants.MapSubRangeMin {
		return Range{}, errors.Wrapf(ErrNoSubIDRange, "only %d contiguous ids available, need %d", r.Count, constants.MapSubRangeMin)
	}
	return r, nil
}

// parseSubIDFile parses the "name:start:count" lines of /etc/subuid or
// /etc/subgid, indexing by both the literal key text and numerically.
func parseSubIDFile(data io.Reader) (byKey map[string]Range, byNumeric map[string]Range, err error) {
	byKey = map[string]Range{}
	byNumeric = map[string]Range{}
	scanner := bufio.NewScanner(data)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			continue
		}
		start, errS := strconv.ParseUint(fields[1], 10, 32)
		count, errC := strconv.ParseUint(fields[2], 10, 32)
		if errS != nil || errC != nil {
			continue
		}
		r := Range{Start: uint32(start), Count: uint32(count)}
		byKey[fields[0]] = r
		byNumeric[fields[0]] = r
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return byKey, byNumeric, nil
}

// CheckNotRoot verifies the caller is not the real root user: neither
// uid, gid nor name may be root, per spec.md §4.5.
func CheckNotRoot(c Caller) error {
	if c.UID == 0 || c.GID == 0 || c.Name == "root" {
		return ErrRealRoot
	}
	return nil
}
