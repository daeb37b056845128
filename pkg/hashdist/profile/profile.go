// Package profile assembles a profile directory from a set of root
// artifacts' transitive runtime-dependencies closure (spec.md §4.6, C6).
package profile

import (
	"encoding/json"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/linkdsl"
	"github.com/pkg/errors"
)

// ArtifactMeta is the subset of artifact.json a profile build needs: its
// runtime dependency edges, link rules, and exported env vars.
type ArtifactMeta struct {
	RuntimeDependencies []string          `json:"runtime-dependencies"`
	Links               []linkdsl.Rule    `json:"links,omitempty"`
	ProfileEnvVars      map[string]string `json:"profile-env-vars,omitempty"`
}

// ArtifactResolver looks up an artifact's store path and parsed metadata by
// ArtifactID string.
type ArtifactResolver interface {
	Path(artifactID string) (string, error)
	Meta(artifactID string) (ArtifactMeta, error)
	FS(artifactID string) (billy.Filesystem, error)
}

// Assemble computes the transitive runtime-dependencies closure of roots and
// writes the resulting profile into profileFS, emitting profile.json
// (spec.md §4.6).
func Assemble(resolver ArtifactResolver, roots []string, profileFS billy.Filesystem) error {
	closure, order, err := closeOver(resolver, roots)
	if err != nil {
		return err
	}
	linker := linkdsl.NewLinker(profileFS)
	envVars := map[string]string{}
	for _, id := range order {
		meta, err := resolver.Meta(id)
		if err != nil {
			return err
		}
		artifactPath, err := resolver.Path(id)
		if err != nil {
			return err
		}
		artifactFS, err := resolver.FS(id)
		if err != nil {
			return err
		}
		if len(meta.Links) > 0 {
			if err := linker.Apply(meta.Links, artifactFS, artifactPath, "$PROFILE"); err != nil {
				return err
			}
		}
		for k, v := range meta.ProfileEnvVars {
			if existing, ok := envVars[k]; ok && existing != v {
				return errors.Wrapf(herrors.ErrProfileConflict, "conflicting profile-env-vars for %q (from %s)", k, id)
			}
			envVars[k] = v
		}
	}
	return writeProfileJSON(profileFS, closure, envVars)
}

// closeOver computes the transitive closure of roots under
// runtime-dependencies, returning the closure set and a topological order
// (dependencies before dependents) suitable for deterministic link
// application.
func closeOver(resolver ArtifactResolver, roots []string) (map[string]bool, []string, error) {
	visited := map[string]bool{}
	var order []string
	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		meta, err := resolver.Meta(id)
		if err != nil {
			return errors.Wrapf(err, "resolving metadata for %s", id)
		}
		deps := append([]string{}, meta.RuntimeDependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, id)
		return nil
	}
	sortedRoots := append([]string{}, roots...)
	sort.Strings(sortedRoots)
	for _, root := range sortedRoots {
		if err := visit(root); err != nil {
			return nil, nil, err
		}
	}
	return visited, order, nil
}

func writeProfileJSON(fs billy.Filesystem, closure map[string]bool, envVars map[string]string) error {
	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	doc := map[string]any{
		"artifacts":        ids,
		"profile-env-vars": envVars,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling profile.json")
	}
	f, err := fs.Create(path.Join("profile.json"))
	if err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating profile.json: %v", err)
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
