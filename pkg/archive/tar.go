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
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// stripComponents drops the first n leading path components from name,
// reporting ok=false if name has n or fewer components (the entry is the
// directory being stripped itself, or one of its ancestors).
func stripComponents(name string, n int) (path string, ok bool) {
	name = filepath.ToSlash(name)
	for ; n > 0; n-- {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return "", false
		}
		name = name[i+1:]
	}
	if name == "" {
		return "", false
	}
	return filepath.FromSlash(name), true
}

// ExtractTar writes the contents of a tar to a filesystem.
func ExtractTar(tr *tar.Reader, fs billy.Filesystem, opt ExtractOptions) error {
	basepath := filepath.Clean(opt.SubDir) + string(filepath.Separator)
	for {
		h, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var path string
		if opt.Strip > 0 {
			var ok bool
			path, ok = stripComponents(h.Name, opt.Strip)
			if !ok {
				if h.Linkname == "" && !h.FileInfo().IsDir() {
					if _, err := io.CopyN(io.Discard, tr, h.Size); err != nil {
						return err
					}
				}
				continue
			}
		} else {
			path, err = filepath.Rel(basepath, h.Name)
			if err != nil {
				return err
			}
		}
		skip := slices.Contains(strings.Split(path, string(filepath.Separator)), "..")
		switch {
		case h.Linkname != "":
			var linkpath string
			if opt.Strip > 0 {
				if p, ok := stripComponents(h.Linkname, opt.Strip); ok {
					linkpath = p
				} else {
					linkpath = h.Linkname
				}
			} else {
				linkpath, err = filepath.Rel(basepath, h.Linkname)
				if err != nil {
					return err
				}
			}
			if err := fs.Symlink(linkpath, path); err != nil {
				return err
			}
		case h.FileInfo().IsDir():
			if skip {
				continue
			}
			if err := fs.MkdirAll(path, h.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			if skip {
				if _, err := io.CopyN(io.Discard, tr, h.Size); err != nil {
					return err
				}
				continue
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := fs.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			tf, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, h.FileInfo().Mode())
			if err != nil {
				return err
			}
			if _, err := io.CopyN(tf, tr, h.Size); err != nil {
				tf.Close()
				return err
			}
			if err := tf.Close(); err != nil {
				return err
			}
		}
	}
}
