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

// Partition is one row of a PartitionTable. Grounded on the teacher's
// Partition/ElementalPartitions modeling, reduced to the four roles
// aimager understands.
type Partition struct {
	Role      string // boot | root | home | swap
	Name      string // raw declared name, e.g. "aimager@boot"
	SizeMiB   uint64
	OffsetMiB uint64
	Type      string // gpt type GUID string, or dos two-hex-digit type
	UUID      string
	Raw       string // original declaration line, kept for diagnostics
}

// PartitionList is an ordered collection of Partition entries, in the
// order they appeared in the declaration.
type PartitionList []*Partition

// GetByRole returns the first partition with the given role, or nil.
func (pl PartitionList) GetByRole(role string) *Partition {
	for _, p := range pl {
		if p.Role == role {
			return p
		}
	}
	return nil
}

// PartitionTable is the parsed form of an sfdisk-dump-like declaration.
type PartitionTable struct {
	Label      string // gpt | dos
	FirstLBA   uint64
	LastLBA    uint64 // 0 if not present in the declaration
	Partitions PartitionList
	SizeMiB    uint64 // computed total disk size
}

// ByRole is a convenience accessor equivalent to Partitions.GetByRole.
func (t PartitionTable) ByRole(role string) *Partition {
	return t.Partitions.GetByRole(role)
}
