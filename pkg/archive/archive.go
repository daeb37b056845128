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

package archive

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// Extract selects and applies the appropriate extraction routine for the
// given archive format, writing the archive's contents into dst.
func Extract(dst billy.Filesystem, src io.Reader, f Format, opt ExtractOptions) error {
	switch f {
	case ZipFormat:
		srcReader, size, err := toZipCompatibleReader(src)
		if err != nil {
			return errors.Wrap(err, "converting reader")
		}
		return ExtractZip(srcReader, size, dst, opt)
	case TarGzFormat:
		gzr, err := gzip.NewReader(src)
		if err != nil {
			return errors.Wrap(err, "initializing gzip reader")
		}
		defer gzr.Close()
		return ExtractTar(tar.NewReader(gzr), dst, opt)
	case TarBz2Format:
		return ExtractTar(tar.NewReader(bzip2.NewReader(src)), dst, opt)
	case TarFormat:
		return ExtractTar(tar.NewReader(src), dst, opt)
	default:
		return errors.Errorf("unsupported archive format: %v", f)
	}
}
