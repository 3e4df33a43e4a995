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

// Package parttable parses the sfdisk-dump-like declaration described
// in spec.md §4.4 into a types.PartitionTable, and computes the
// minimum disk size.
package parttable

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	efi "github.com/canonical/go-efilib"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/types"
)

// Error kinds, per spec.md §4.4.
var (
	ErrDuplicateRole    = errors.New("duplicate partition role")
	ErrUnknownSuffix    = errors.New("unknown size suffix")
	ErrMissingTableRoot = errors.New("missing table root declaration")
)

// gptTypeGUIDs maps aimager's bareword partition types to their GPT
// type GUID, represented with efilib.GUID for validation.
var gptTypeGUIDs = map[string]efi.GUID{
	"uefi":  efi.MakeGUID(0xc12a7328, 0xf81f, 0x11d2, 0xba4b, [6]uint8{0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b}),
	"linux": efi.MakeGUID(0x0fc63daf, 0x8483, 0x4772, 0x8e79, [6]uint8{0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4}),
	"swap":  efi.MakeGUID(0x0657fd6d, 0xa4ab, 0x43c4, 0x84e5, [6]uint8{0x09, 0x33, 0xc8, 0x4b, 0x4f, 0x4f}),
}

// Parser parses partition table declarations. UUIDGen is injectable so
// tests can pin deterministic values, per spec.md §9.
type Parser struct {
	UUIDGen func() string
}

func NewParser() *Parser {
	return &Parser{UUIDGen: func() string { return uuid.New().String() }}
}

// Parse parses decl (the text accepted by "sfdisk --dump", extended
// with "aimager@<role>:" lines) into a PartitionTable.
func (p *Parser) Parse(decl string) (*types.PartitionTable, error) {
	table := &types.PartitionTable{Label: constants.LabelDOS, FirstLBA: constants.DefaultFirstLBA}
	seenRoles := map[string]bool{}
	var merr *multierror.Error

	scanner := bufio.NewScanner(strings.NewReader(decl))
	nextOffsetMiB := sectorsToMiB(constants.DefaultFirstLBA)
	sawRoot := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "label:"):
			sawRoot = true
			val := strings.TrimSpace(strings.TrimPrefix(line, "label:"))
			if val == constants.LabelGPT {
				table.Label = constants.LabelGPT
			} else {
				table.Label = constants.LabelDOS
			}
		case strings.HasPrefix(line, "first-lba:"):
			sawRoot = true
			v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "first-lba:")), 10, 64)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrap(err, "parsing first-lba"))
				continue
			}
			table.FirstLBA = v
			nextOffsetMiB = sectorsToMiB(v)
		case strings.HasPrefix(line, "last-lba:"):
			sawRoot = true
			v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "last-lba:")), 10, 64)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrap(err, "parsing last-lba"))
				continue
			}
			table.LastLBA = v
		case strings.HasPrefix(line, constants.AimagerLinePrefix):
			part, err := parseAimagerLine(line, nextOffsetMiB, p.UUIDGen)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			if seenRoles[part.Role] {
				merr = multierror.Append(merr, errors.Wrapf(ErrDuplicateRole, "role %q declared more than once", part.Role))
				continue
			}
			seenRoles[part.Role] = true
			table.Partitions = append(table.Partitions, part)
			nextOffsetMiB = part.OffsetMiB + part.SizeMiB
		default:
			// Plain sfdisk partition lines outside the aimager@ convention
			// are not aimager-managed and are ignored here; sfdisk itself
			// still receives the full original declaration text verbatim.
		}
	}
	if err := scanner.Err(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if !sawRoot && len(table.Partitions) == 0 {
		merr = multierror.Append(merr, ErrMissingTableRoot)
	}

	if merr.ErrorOrNil() != nil {
		return nil, merr
	}

	table.SizeMiB = computeSize(table)
	return table, nil
}

func parseAimagerLine(line string, defaultOffsetMiB uint64, uuidGen func() string) (*types.Partition, error) {
	rest := strings.TrimPrefix(line, constants.AimagerLinePrefix)
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return nil, fmt.Errorf("malformed aimager partition line: %q", line)
	}
	role := strings.ToLower(strings.TrimSpace(rest[:colon]))
	if !constants.RoleIsKnown(role) {
		return nil, fmt.Errorf("unknown partition role %q in line %q", role, line)
	}
	fields := strings.Split(rest[colon+1:], ",")

	part := &types.Partition{
		Role:      role,
		Name:      constants.AimagerLinePrefix + role,
		OffsetMiB: defaultOffsetMiB,
		Raw:       line,
	}

	for _, raw := range fields {
		kv := strings.SplitN(strings.TrimSpace(raw), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		val = strings.Trim(val, `"`)
		switch key {
		case "size":
			mib, err := parseSizeToMiB(val)
			if err != nil {
				return nil, err
			}
			part.SizeMiB = mib
		case "offset":
			mib, err := parseSizeToMiB(val)
			if err != nil {
				return nil, err
			}
			part.OffsetMiB = mib
		case "type":
			part.Type = val
		}
	}

	if part.SizeMiB == 0 {
		return nil, fmt.Errorf("partition role %q declared without a size: %q", role, line)
	}
	if guid, ok := gptTypeGUIDs[part.Type]; ok {
		part.Type = guid.String()
	}

	id := uuidGen()
	if role == constants.RoleBoot {
		id = fatVolumeID(id)
	}
	part.UUID = id

	return part, nil
}

// fatVolumeID truncates a uuid string down to the XXXX-XXXX form FAT
// volume ids require, per spec.md §3.
func fatVolumeID(id string) string {
	hex := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(hex) < 8 {
		hex = hex + strings.Repeat("0", 8-len(hex))
	}
	return hex[0:4] + "-" + hex[4:8]
}

// parseSizeToMiB accepts integer sectors, or a number with a
// K/M/G/T/P/E suffix (optionally followed by "i[Bb]" or "[Bb]"),
// converting to MiB rounded up, per spec.md §4.4.
func parseSizeToMiB(val string) (uint64, error) {
	if val == "" {
		return 0, fmt.Errorf("%w: empty size", ErrUnknownSuffix)
	}
	// Pure integer: sectors.
	if n, err := strconv.ParseUint(val, 10, 64); err == nil {
		return sectorsToMiB(n), nil
	}

	i := 0
	for i < len(val) && (val[i] >= '0' && val[i] <= '9' || val[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: %q has no numeric prefix", ErrUnknownSuffix, val)
	}
	numPart := val[:i]
	suffix := strings.TrimSuffix(strings.TrimSuffix(val[i:], "B"), "b")
	suffix = strings.TrimSuffix(suffix, "i")
	suffix = strings.ToUpper(suffix)

	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing size number")
	}

	var multiplierMiB float64
	switch suffix {
	case "K":
		multiplierMiB = 1.0 / 1024
	case "M":
		multiplierMiB = 1
	case "G":
		multiplierMiB = 1024
	case "T":
		multiplierMiB = 1024 * 1024
	case "P":
		multiplierMiB = 1024 * 1024 * 1024
	case "E":
		multiplierMiB = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSuffix, val)
	}

	mib := num * multiplierMiB
	return uint64(mib + 0.999999), nil // round up
}

func sectorsToMiB(sectors uint64) uint64 {
	bytes := sectors * constants.SectorSize
	return (bytes + constants.MiB - 1) / constants.MiB
}

// computeSize computes the total disk size in MiB, per spec.md §4.4:
// if last-lba is present, from it directly; otherwise from the highest
// partition end, plus 1 MiB of gpt footer reserve.
func computeSize(table *types.PartitionTable) uint64 {
	if table.LastLBA != 0 {
		reserve := uint64(0)
		if table.Label == constants.LabelGPT {
			reserve = constants.GPTBackupReserve
		}
		bytesTotal := (table.LastLBA + reserve + 1) * constants.SectorSize
		return (bytesTotal + constants.MiB - 1) / constants.MiB
	}
	var maxEnd uint64
	for _, p := range table.Partitions {
		end := p.OffsetMiB + p.SizeMiB
		if end > maxEnd {
			maxEnd = end
		}
	}
	if table.Label == constants.LabelGPT {
		maxEnd++
	}
	return maxEnd
}
