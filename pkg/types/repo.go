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

// PackageDesc is one package's %FILENAME%/%NAME%/%VERSION% record, as
// parsed out of a repository database tar.
type PackageDesc struct {
	Name     string
	Version  string
	Filename string
}

// RepoDB is the set of package descriptions parsed from one
// distro:repo:arch database tar, keyed by package name.
type RepoDB struct {
	Packages map[string]PackageDesc
}

func NewRepoDB() *RepoDB {
	return &RepoDB{Packages: map[string]PackageDesc{}}
}

// Resolve returns the desc record for name, and whether it was found.
func (db *RepoDB) Resolve(name string) (PackageDesc, bool) {
	d, ok := db.Packages[name]
	return d, ok
}
