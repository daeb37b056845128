// Package buildspec holds the BuildSpec document model (spec.md §3) and its
// canonicalization into an ArtifactID, per spec.md §4.3.
package buildspec

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_\-+]+$`)
	versionRe = regexp.MustCompile(`^[A-Za-z0-9_\-+.]*$`)
)

// Source is one entry of a Spec's `sources` list: a source to unpack into the
// build directory before running Job.
type Source struct {
	Key    string `json:"key"`
	Target string `json:"target"`
	Strip  int    `json:"strip,omitempty"`
}

// Import binds a previously built artifact (or a caller-resolved virtual
// alias) to a variable name visible to the Job's commands.
type Import struct {
	Ref    string `json:"ref"`
	ID     string `json:"id"`
	Before string `json:"before,omitempty"`
}

// Command is one step of a Job: an argv vector plus optional stdin input and
// a per-command environment override. ToVar is decoded and hashed, but the
// job runner does not capture stdout into it.
type Command struct {
	Cmd    []string          `json:"cmd"`
	Inputs json.RawMessage   `json:"inputs,omitempty"`
	ToVar  string            `json:"to_var,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Job is the `build` sub-document of a Spec: imports plus the command
// sequence to run against them.
type Job struct {
	Import   []Import  `json:"import"`
	Commands []Command `json:"commands"`
}

// Spec is a BuildSpec document as read from build.json.
type Spec struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Build   Job      `json:"build"`

	// ProfileInstall and ImportModifyEnv are opaque passthrough sub-documents
	// (spec.md §3, §9): the core feeds them to the hasher and copies them into
	// artifact.json; the only keys it reads are profile_install.parameters'
	// links and profile-env-vars, which store.writeSeedFiles lifts out.
	ProfileInstall  map[string]any `json:"profile_install,omitempty"`
	ImportModifyEnv map[string]any `json:"import_modify_env,omitempty"`

	// Env and Parameters carry _nohash-suffixed keys that are stripped before
	// hashing (spec.md §9 Open Question (i)). Env is passed through to the
	// build environment unchanged; Parameters is hashed and recorded in
	// build.json but not exported into the build environment.
	Env        map[string]any `json:"env,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ArtifactID is the canonical `name/version/hash` identifier of spec.md §3.
type ArtifactID struct {
	Name    string
	Version string
	Hash    string
}

// String renders the full ArtifactID form name/version/hash.
func (id ArtifactID) String() string {
	v := id.Version
	if v == "" {
		v = "n"
	}
	return id.Name + "/" + v + "/" + id.Hash
}

// ParseID parses the name/version/hash form spec.md §6 defines back into an
// ArtifactID, the inverse of ArtifactID.String.
func ParseID(s string) (ArtifactID, error) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ArtifactID{}, errors.Wrapf(herrors.ErrInvalidSpec, "malformed artifact id %q", s)
	}
	version := parts[1]
	if version == "n" {
		version = ""
	}
	return ArtifactID{Name: parts[0], Version: version, Hash: parts[2]}, nil
}

// Parse decodes JSON bytes into a Spec and validates it per spec.md §4.3,
// rejecting unknown top-level fields (spec.md §6).
func Parse(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrapf(herrors.ErrInvalidSpec, "decoding build spec: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structural invariants spec.md §4.3 requires before a
// Spec may be canonicalized: name/version regexes, and that the first command
// of the job references a declared import.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return errors.Wrap(herrors.ErrInvalidSpec, "missing name")
	}
	if !nameRe.MatchString(s.Name) {
		return errors.Wrapf(herrors.ErrInvalidSpec, "name %q does not match %s", s.Name, nameRe.String())
	}
	if s.Version != "" && !versionRe.MatchString(s.Version) {
		return errors.Wrapf(herrors.ErrInvalidSpec, "version %q does not match %s", s.Version, versionRe.String())
	}
	if len(s.Build.Commands) > 0 {
		first := s.Build.Commands[0]
		if len(first.Cmd) == 0 {
			return errors.Wrap(herrors.ErrInvalidSpec, "first command has empty argv")
		}
		if !referencesImport(first.Cmd[0], s.Build.Import) {
			return errors.Wrapf(herrors.ErrInvalidSpec, "first command %q must reference a declared import", first.Cmd[0])
		}
	}
	return nil
}

// referencesImport reports whether token is a ${ref} substitution (or a
// path rooted at one) naming one of imports, or the self-reference "hit"
// bootstrap token spec.md §4.3 carves out.
func referencesImport(token string, imports []Import) bool {
	refs := make([]string, 0, len(imports)+1)
	refs = append(refs, "hit")
	for _, imp := range imports {
		refs = append(refs, imp.Ref)
	}
	for _, ref := range refs {
		prefix := "${" + ref + "}"
		if token == prefix || (len(token) > len(prefix) && token[:len(prefix)] == prefix) {
			return true
		}
	}
	return false
}
