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

package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/types"
)

var _ = Describe("PartitionTable.ByRole", func() {
	table := types.PartitionTable{
		Partitions: types.PartitionList{
			{Role: "boot", Name: "aimager@boot"},
			{Role: "root", Name: "aimager@root"},
		},
	}

	It("finds a declared role", func() {
		p := table.ByRole("root")
		Expect(p).NotTo(BeNil())
		Expect(p.Name).To(Equal("aimager@root"))
	})

	It("returns nil for an undeclared role", func() {
		Expect(table.ByRole("home")).To(BeNil())
	})
})
