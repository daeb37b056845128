package buildspec

import "testing"

func validSpec() *Spec {
	return &Spec{
		Name:    "zlib",
		Version: "1.2.7",
		Sources: []Source{{Key: "tar.gz:abc", Target: ".", Strip: 1}},
		Build: Job{
			Import: []Import{{Ref: "gcc", ID: "gcc/4.8/abcd"}},
			Commands: []Command{
				{Cmd: []string{"${gcc}/bin/gcc", "-c", "foo.c"}},
			},
		},
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	s := validSpec()
	id1, b1, err := Canonicalize(s)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	id2, b2, err := Canonicalize(s)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable ArtifactID, got %v vs %v", id1, id2)
	}
	if string(b1) != string(b2) {
		t.Fatalf("expected stable canonical bytes")
	}
	if id1.Name != "zlib" || id1.Version != "1.2.7" {
		t.Fatalf("unexpected ArtifactID fields: %+v", id1)
	}
}

func TestCanonicalizeIgnoresNoHashFields(t *testing.T) {
	s1 := validSpec()
	s2 := validSpec()
	s2.Env = map[string]any{"MAKEFLAGS_nohash": "-j4"}
	id1, _, err := Canonicalize(s1)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	id2, _, err := Canonicalize(s2)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if id1.Hash != id2.Hash {
		t.Fatalf("expected _nohash field to not affect hash: %s != %s", id1.Hash, id2.Hash)
	}
}

func TestCanonicalizeSensitiveToHashedFields(t *testing.T) {
	s1 := validSpec()
	s2 := validSpec()
	s2.Env = map[string]any{"CFLAGS": "-O2"}
	id1, _, _ := Canonicalize(s1)
	id2, _, _ := Canonicalize(s2)
	if id1.Hash == id2.Hash {
		t.Fatalf("expected hashed env field to change the hash")
	}
}

func TestValidateRejectsBadName(t *testing.T) {
	s := validSpec()
	s.Name = "bad name!"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for invalid name")
	}
}

func TestValidateRejectsFirstCommandNotImport(t *testing.T) {
	s := validSpec()
	s.Build.Commands[0].Cmd = []string{"/bin/sh", "-c", "echo hi"}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error: first command must reference a declared import")
	}
}

func TestValidateAllowsHitBootstrap(t *testing.T) {
	s := validSpec()
	s.Build.Import = nil
	s.Build.Commands[0].Cmd = []string{"${hit}/bin/sh", "-c", "true"}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected ${hit} bootstrap token to validate, got %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"name":"zlib","build":{"import":[],"commands":[]},"bogus_field":1}`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for unknown top-level field")
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id := ArtifactID{Name: "zlib", Version: "1.2.7", Hash: "abcd1234"}
	got, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID failed: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, id)
	}
}

func TestParseIDEmptyVersionUsesNToken(t *testing.T) {
	id := ArtifactID{Name: "gcc", Hash: "abcd"}
	s := id.String()
	if s != "gcc/n/abcd" {
		t.Fatalf("expected empty version to serialize as the n token, got %q", s)
	}
	got, err := ParseID(s)
	if err != nil {
		t.Fatalf("ParseID failed: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, id)
	}
}

func TestParseIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"zlib/1.2.7", "zlib//abcd", "zlib/1.2.7/"} {
		if _, err := ParseID(s); err == nil {
			t.Fatalf("expected error parsing %q", s)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	data := []byte(`{"name":"zlib","version":"1.2.7","build":{"import":[{"ref":"gcc","id":"gcc/4.8/abcd"}],"commands":[{"cmd":["${gcc}/bin/gcc","-c","foo.c"]}]}}`)
	s, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Name != "zlib" || s.Version != "1.2.7" {
		t.Fatalf("unexpected parsed spec: %+v", s)
	}
}
