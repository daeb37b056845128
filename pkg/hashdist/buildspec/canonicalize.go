package buildspec

import (
	"encoding/json"

	"github.com/hashdist/hashdist/internal/canon"
	"github.com/pkg/errors"
)

// Canonicalize normalizes s into the internal/canon document tree, strips any
// *_nohash keys from env/parameters (spec.md §9 Open Question (i)), hashes the
// result, and derives the spec's ArtifactID. It returns the ArtifactID and the
// canonical byte stream that produced it (spec.md §4.3).
func Canonicalize(s *Spec) (ArtifactID, []byte, error) {
	doc, err := toDoc(s)
	if err != nil {
		return ArtifactID{}, nil, errors.Wrap(err, "converting spec to canonical document")
	}
	b, err := canon.Encode(doc)
	if err != nil {
		return ArtifactID{}, nil, errors.Wrap(err, "encoding canonical document")
	}
	hash, err := canon.Hash(doc, canon.DefaultDigestBytes)
	if err != nil {
		return ArtifactID{}, nil, errors.Wrap(err, "hashing canonical document")
	}
	version := s.Version
	if version == "" {
		version = "n"
	}
	return ArtifactID{Name: s.Name, Version: version, Hash: hash}, b, nil
}

// toDoc converts s into the heterogeneous any-tree internal/canon.Encode
// expects, with env/parameters stripped of *_nohash keys (and left out
// entirely when nothing remains after stripping, so a spec whose env holds
// only *_nohash keys hashes like one with no env). profile_install and
// import_modify_env are included verbatim: they pass through to
// artifact.json and are hashed as-is, *_nohash keys inside them included.
func toDoc(s *Spec) (any, error) {
	job, err := jobToDoc(s.Build)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"name":    s.Name,
		"version": s.Version,
		"build":   job,
	}
	if len(s.Sources) > 0 {
		sources := make([]any, len(s.Sources))
		for i, src := range s.Sources {
			sources[i] = map[string]any{
				"key":    src.Key,
				"target": src.Target,
				"strip":  int64(src.Strip),
			}
		}
		doc["sources"] = sources
	}
	if s.ProfileInstall != nil {
		doc["profile_install"] = jsonValueToDoc(s.ProfileInstall)
	}
	if s.ImportModifyEnv != nil {
		doc["import_modify_env"] = jsonValueToDoc(s.ImportModifyEnv)
	}
	if s.Env != nil {
		if env := stripNoHash(jsonValueToDoc(s.Env)).(map[string]any); len(env) > 0 {
			doc["env"] = env
		}
	}
	if s.Parameters != nil {
		if params := stripNoHash(jsonValueToDoc(s.Parameters)).(map[string]any); len(params) > 0 {
			doc["parameters"] = params
		}
	}
	return doc, nil
}

func jobToDoc(j Job) (any, error) {
	imports := make([]any, len(j.Import))
	for i, imp := range j.Import {
		imports[i] = map[string]any{
			"ref":    imp.Ref,
			"id":     imp.ID,
			"before": imp.Before,
		}
	}
	commands := make([]any, len(j.Commands))
	for i, cmd := range j.Commands {
		cmdDoc := map[string]any{
			"cmd":    stringsToAny(cmd.Cmd),
			"to_var": cmd.ToVar,
		}
		if len(cmd.Inputs) > 0 {
			var v any
			if err := json.Unmarshal(cmd.Inputs, &v); err != nil {
				return nil, errors.Wrap(err, "decoding command inputs")
			}
			cmdDoc["inputs"] = jsonValueToDoc(v)
		}
		if cmd.Env != nil {
			envAny := make(map[string]any, len(cmd.Env))
			for k, v := range cmd.Env {
				envAny[k] = v
			}
			cmdDoc["env"] = stripNoHash(envAny)
		}
		commands[i] = cmdDoc
	}
	return map[string]any{
		"import":   imports,
		"commands": commands,
	}, nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// jsonValueToDoc converts a value produced by encoding/json unmarshaling
// (map[string]any/[]any/float64/string/bool/nil, plus our own
// map[string]any from struct fields) into the exact shapes internal/canon
// accepts, recursing through nested maps/lists.
func jsonValueToDoc(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonValueToDoc(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonValueToDoc(val)
		}
		return out
	default:
		return t
	}
}

// stripNoHash recursively removes any map key ending in "_nohash" from v,
// leaving all other structure untouched. Only called on the env/parameters
// subtrees per spec.md §4.3/§9.
func stripNoHash(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if hasNoHashSuffix(k) {
				continue
			}
			out[k] = stripNoHash(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripNoHash(val)
		}
		return out
	default:
		return t
	}
}

func hasNoHashSuffix(k string) bool {
	const suffix = "_nohash"
	return len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix
}
