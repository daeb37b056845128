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
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// ExtractZip writes the contents of a zip to a filesystem. src must support
// io.ReaderAt, which toZipCompatibleReader provides for arbitrary readers.
func ExtractZip(src io.ReaderAt, size int64, fs billy.Filesystem, opt ExtractOptions) error {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return errors.Wrap(err, "initializing zip reader")
	}
	basepath := filepath.Clean(opt.SubDir) + string(filepath.Separator)
	for _, f := range zr.File {
		var path string
		if opt.Strip > 0 {
			var ok bool
			path, ok = stripComponents(f.Name, opt.Strip)
			if !ok {
				continue
			}
		} else {
			var err error
			path, err = filepath.Rel(basepath, f.Name)
			if err != nil {
				return err
			}
		}
		if strings.Contains(path, "..") {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := fs.MkdirAll(path, f.Mode()); err != nil {
				return err
			}
			continue
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		tf, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(tf, rc); err != nil {
			tf.Close()
			rc.Close()
			return err
		}
		if err := tf.Close(); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

// toZipCompatibleReader coerces an io.Reader into an io.ReaderAt required to construct a zip.Reader.
func toZipCompatibleReader(r io.Reader) (io.ReaderAt, int64, error) {
	seeker, seekerOK := r.(io.Seeker)
	readerAt, readerOK := r.(io.ReaderAt)
	if seekerOK && readerOK {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, errors.Wrap(err, "locating reader position")
		}
		size, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, errors.Wrap(err, "retrieving size")
		}
		if _, err := seeker.Seek(pos, io.SeekStart); err != nil {
			return nil, 0, errors.Wrap(err, "restoring reader position")
		}
		return readerAt, size, nil
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, errors.New("unsupported reader")
	}
	return bytes.NewReader(b), int64(len(b)), nil
}
