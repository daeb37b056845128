// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive extracts the archive formats a source cache entry may
// arrive in (tar, tar.gz, tar.bz2, zip) onto a billy.Filesystem.
package archive

// Format represents the archive format of a fetched source.
type Format int

// Format constants name the archive kinds sourcecache.Unpack understands.
const (
	UnknownFormat Format = iota
	TarGzFormat
	TarBz2Format
	TarFormat
	ZipFormat
	RawFormat
)

// ExtractOptions modifies Extract/ExtractTar/ExtractZip behavior.
type ExtractOptions struct {
	// SubDir is a directory within the archive to extract relative to the
	// destination filesystem, stripping that prefix from every entry path.
	// SubDir names the actual top-level directory in the archive; it is
	// ignored when Strip is set.
	SubDir string

	// Strip drops this many leading path components from every entry name,
	// regardless of what those components are named. Entries with Strip or
	// fewer components are skipped entirely. Use this when the top-level
	// directory name inside the archive isn't known ahead of time (e.g. a
	// tarball's conventional pkg-version/ wrapper).
	Strip int
}
