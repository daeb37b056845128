package profile

import (
	"encoding/json"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/store"
	"github.com/pkg/errors"
)

// StoreResolver implements ArtifactResolver directly against a build store,
// reading each artifact's artifact.json for its links/profile-env-vars/
// runtime-dependencies (store.Store.writeSeedFiles promotes those out of the
// opaque profile_install sub-document onto artifact.json's top level).
type StoreResolver struct {
	Store *store.Store
	Root  billy.Filesystem // the store's root filesystem
}

// NewStoreResolver builds a StoreResolver over s, rooted at root (the same
// billy.Filesystem s was constructed with).
func NewStoreResolver(s *store.Store, root billy.Filesystem) *StoreResolver {
	return &StoreResolver{Store: s, Root: root}
}

func (r *StoreResolver) resolve(artifactID string) (store.ArtifactDir, error) {
	id, err := buildspec.ParseID(artifactID)
	if err != nil {
		return store.ArtifactDir{}, err
	}
	dir, ok, err := r.Store.ResolveID(id.Name, id.Version, id.Hash)
	if err != nil {
		return store.ArtifactDir{}, err
	}
	if !ok {
		return store.ArtifactDir{}, errors.Wrapf(herrors.ErrUnresolvedImport, "artifact %s not found in store", artifactID)
	}
	return dir, nil
}

// Path returns artifactID's store directory.
func (r *StoreResolver) Path(artifactID string) (string, error) {
	dir, err := r.resolve(artifactID)
	if err != nil {
		return "", err
	}
	return dir.Path, nil
}

// Meta decodes artifactID's artifact.json into an ArtifactMeta.
func (r *StoreResolver) Meta(artifactID string) (ArtifactMeta, error) {
	dir, err := r.resolve(artifactID)
	if err != nil {
		return ArtifactMeta{}, err
	}
	f, err := r.Root.Open(path.Join(dir.Path, "artifact.json"))
	if err != nil {
		return ArtifactMeta{}, errors.Wrapf(herrors.ErrIntegrityError, "reading artifact.json for %s: %v", artifactID, err)
	}
	defer f.Close()
	var meta ArtifactMeta
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return ArtifactMeta{}, errors.Wrapf(herrors.ErrIntegrityError, "decoding artifact.json for %s: %v", artifactID, err)
	}
	return meta, nil
}

// FS returns a billy.Filesystem rooted at artifactID's store directory.
func (r *StoreResolver) FS(artifactID string) (billy.Filesystem, error) {
	dir, err := r.resolve(artifactID)
	if err != nil {
		return nil, err
	}
	fs, err := r.Root.Chroot(dir.Path)
	if err != nil {
		return nil, errors.Wrapf(herrors.ErrStoreIOError, "chrooting into %s: %v", dir.Path, err)
	}
	return fs, nil
}
