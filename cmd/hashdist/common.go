package main

import (
	"github.com/hashdist/hashdist/internal/hdconfig"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/jobrunner"
	"github.com/hashdist/hashdist/pkg/hashdist/sourcecache"
	"github.com/hashdist/hashdist/pkg/hashdist/store"
	"github.com/pkg/errors"
)

func errorIs(err error, target error) bool { return errors.Is(err, target) }

func errorIsBuildFailed(err error) bool {
	var bf *herrors.BuildFailed
	return errors.As(err, &bf)
}

// env bundles the constructed core components a subcommand needs, built
// from the resolved config path.
type env struct {
	cfgPath string
	ctx     *hdconfig.StoreContext
	sources *sourcecache.Cache
	store   *store.Store
}

func loadEnv() (*env, error) {
	p := configPath
	if p == "" {
		p = hdconfig.DefaultPath()
	}
	cfg, err := hdconfig.Load(p)
	if err != nil {
		return nil, err
	}
	ctx, err := hdconfig.NewStoreContext(cfg)
	if err != nil {
		return nil, err
	}
	sources := sourcecache.New(ctx.SourceCache)
	runner := &jobrunner.Runner{Exec: jobrunner.RealCommandExecutor{}}
	s := store.New(ctx.BuildStore, sources, runner)
	s.SetConfigPath(p)
	return &env{cfgPath: p, ctx: ctx, sources: sources, store: s}, nil
}

// absPath resolves a store-relative path (as returned in store.ArtifactDir.Path)
// to an absolute host path, for handing to jobrunner as a ResolvedImport.Path.
func (e *env) absPath(relPath string) string {
	return e.ctx.BuildStore.Join(e.ctx.BuildStore.Root(), relPath)
}
