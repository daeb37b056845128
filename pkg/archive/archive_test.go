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
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// bz2HelloTar is a bzip2-compressed tar archive containing a single
// hello.txt entry with the body "hello bz2". Go's compress/bzip2 is
// decode-only, so this fixture was produced out of band rather than
// generated at test time.
const bz2HelloTar = "QlpoOTFBWSZTWbV5ocMAAHF7gMqAACBAAXWAAIByRJ5QCAggAFQlKA9Q0yaBpo8oJJNQaNNADQH3VxBCCVSEIlScR742IEMDFCbidhGkEJ3CyaGHCrYT08H5qehVnf5tXkiIH4u5IpwoSFq80OGA"

func TestExtractTarGz(t *testing.T) {
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	writeTarEntry(t, tw, "foo.txt", 0o644, []byte("foo"))
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := gw.Write(raw.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	fs := memfs.New()
	if err := Extract(fs, bytes.NewReader(gz.Bytes()), TarGzFormat, ExtractOptions{}); err != nil {
		t.Fatalf("Extract(TarGzFormat) = %v, want nil", err)
	}
	got, err := util.ReadFile(fs, "foo.txt")
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "foo" {
		t.Fatalf("foo.txt = %q, want %q", got, "foo")
	}
}

func TestExtractTarBz2(t *testing.T) {
	compressed, err := base64.StdEncoding.DecodeString(bz2HelloTar)
	if err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	fs := memfs.New()
	if err := Extract(fs, bytes.NewReader(compressed), TarBz2Format, ExtractOptions{}); err != nil {
		t.Fatalf("Extract(TarBz2Format) = %v, want nil", err)
	}
	got, err := util.ReadFile(fs, "hello.txt")
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "hello bz2" {
		t.Fatalf("hello.txt = %q, want %q", got, "hello bz2")
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	fs := memfs.New()
	if err := Extract(fs, bytes.NewReader(nil), RawFormat, ExtractOptions{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
