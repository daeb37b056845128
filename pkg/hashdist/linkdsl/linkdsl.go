// Package linkdsl interprets an artifact's install.parameters.links rules
// (spec.md §4.6, §4.8, C8): an ant-style glob selector plus a
// symlink/copy/absorb/exclude action, applied relative to a profile root.
package linkdsl

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/hashdist/hashdist/internal/glob"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

// Action names one of the four link-rule behaviors spec.md §4.6 defines.
type Action string

const (
	ActionSymlink Action = "symlink"
	ActionCopy    Action = "copy"
	ActionAbsorb  Action = "absorb" // merge a directory's contents into the target, recursively
	ActionExclude Action = "exclude"
)

// Rule is one entry of install.parameters.links, in the order it must be
// processed (spec.md §4.6).
type Rule struct {
	Action Action
	Select string // ant-style glob, evaluated under Prefix
	Prefix string // directory within the artifact the glob is evaluated under
	Target string // destination under $PROFILE, with $ARTIFACT/$PROFILE substituted
	Dirs   []string
}

// claim records who first wrote a given profile-relative path, so a later
// rule writing the same path can be checked for a compatible conflict
// (spec.md §4.6: "error unless the contents are identical... or resolve to
// the same symlink target").
type claim struct {
	action Action
	source string // symlink target, or the copied file's content for copy
}

// Linker applies link rules for a single artifact into a shared profile
// filesystem, tracking conflicting writes across all artifacts linked into
// that profile.
type Linker struct {
	profileFS billy.Filesystem
	claims    map[string]claim
}

// NewLinker creates a Linker writing into profileFS. Reuse one Linker across
// every artifact assembled into the same profile so conflicts are detected
// across artifacts, not just within one.
func NewLinker(profileFS billy.Filesystem) *Linker {
	return &Linker{profileFS: profileFS, claims: map[string]claim{}}
}

// Apply runs rules against artifactFS (the artifact's root) in order,
// substituting artifactPath/profilePath for $ARTIFACT/$PROFILE in each
// rule's Target. An exclude rule constrains every rule after it in this
// call: a path it matches is skipped by later rules even if they match it
// too (spec.md §4.6 "processed in order"), for the common "exclude *.la
// then symlink everything else" pattern. Exclusions don't carry across
// separate Apply calls.
func (l *Linker) Apply(rules []Rule, artifactFS billy.Filesystem, artifactPath, profilePath string) error {
	excluded := map[string]bool{}
	for _, rule := range rules {
		if err := l.applyRule(rule, artifactFS, artifactPath, profilePath, excluded); err != nil {
			return errors.Wrapf(err, "applying link rule %+v", rule)
		}
	}
	return nil
}

func (l *Linker) applyRule(rule Rule, artifactFS billy.Filesystem, artifactPath, profilePath string, excluded map[string]bool) error {
	matches, err := findMatches(artifactFS, rule.Prefix, rule.Select)
	if err != nil {
		return err
	}
	for _, rel := range matches {
		srcPath := path.Join(rule.Prefix, rel)
		if rule.Action == ActionExclude {
			excluded[srcPath] = true
			continue
		}
		if excluded[srcPath] {
			continue
		}
		target := substitutePlaceholders(rule.Target, artifactPath, profilePath)
		// profileFS is rooted at the profile itself, so write relative to it.
		if rest, ok := strings.CutPrefix(target, profilePath); ok {
			target = strings.TrimPrefix(rest, "/")
		}
		dest := path.Join(target, path.Base(rel))
		switch rule.Action {
		case ActionSymlink:
			if err := l.linkOne(dest, path.Join(artifactPath, rule.Prefix, rel)); err != nil {
				return err
			}
		case ActionCopy:
			if err := l.copyOne(dest, artifactFS, path.Join(rule.Prefix, rel)); err != nil {
				return err
			}
		case ActionAbsorb:
			if err := l.absorbOne(dest, artifactFS, path.Join(rule.Prefix, rel), artifactPath, profilePath); err != nil {
				return err
			}
		default:
			return errors.Wrapf(herrors.ErrInvalidSpec, "unknown link action %q", rule.Action)
		}
	}
	return nil
}

func substitutePlaceholders(s, artifactPath, profilePath string) string {
	s = strings.ReplaceAll(s, "$ARTIFACT", artifactPath)
	s = strings.ReplaceAll(s, "$PROFILE", profilePath)
	return s
}

// findMatches lists entries under prefix (relative to artifactFS's root)
// whose path relative to prefix matches select.
func findMatches(fs billy.Filesystem, prefix, selectPattern string) ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		infos, err := fs.ReadDir(path.Join(prefix, dir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrap(err, "listing artifact tree")
		}
		for _, info := range infos {
			rel := path.Join(dir, info.Name())
			if info.IsDir() {
				if err := walk(rel); err != nil {
					return err
				}
				continue
			}
			ok, err := glob.Match(selectPattern, rel)
			if err != nil {
				return errors.Wrapf(herrors.ErrInvalidSpec, "invalid select pattern %q: %v", selectPattern, err)
			}
			if ok {
				out = append(out, rel)
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Linker) linkOne(dest, linkTarget string) error {
	if err := l.checkClaim(dest, claim{action: ActionSymlink, source: linkTarget}); err != nil {
		return err
	}
	if err := l.profileFS.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", path.Dir(dest), err)
	}
	if err := l.profileFS.Symlink(linkTarget, dest); err != nil && !os.IsExist(err) {
		return errors.Wrapf(herrors.ErrStoreIOError, "symlinking %s -> %s: %v", dest, linkTarget, err)
	}
	return nil
}

func (l *Linker) copyOne(dest string, srcFS billy.Filesystem, srcRel string) error {
	src, err := srcFS.Open(srcRel)
	if err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "opening %s: %v", srcRel, err)
	}
	defer src.Close()
	body, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrap(err, "reading source for copy")
	}
	if err := l.checkClaim(dest, claim{action: ActionCopy, source: string(body)}); err != nil {
		return err
	}
	if err := l.profileFS.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", path.Dir(dest), err)
	}
	out, err := l.profileFS.Create(dest)
	if err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", dest, err)
	}
	defer out.Close()
	_, err = out.Write(body)
	return err
}

func (l *Linker) absorbOne(dest string, srcFS billy.Filesystem, srcRel, artifactPath, profilePath string) error {
	info, err := srcFS.Stat(srcRel)
	if err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "stat %s: %v", srcRel, err)
	}
	if !info.IsDir() {
		return l.copyOne(dest, srcFS, srcRel)
	}
	infos, err := srcFS.ReadDir(srcRel)
	if err != nil {
		return errors.Wrap(err, "listing directory to absorb")
	}
	for _, child := range infos {
		if err := l.absorbOne(path.Join(dest, child.Name()), srcFS, path.Join(srcRel, child.Name()), artifactPath, profilePath); err != nil {
			return err
		}
	}
	return nil
}

// checkClaim records dest's claim if unclaimed, or verifies the new write is
// identical to the existing one (spec.md §4.6 conflict rule).
func (l *Linker) checkClaim(dest string, c claim) error {
	existing, ok := l.claims[dest]
	if !ok {
		l.claims[dest] = c
		return nil
	}
	if existing.action != c.action || existing.source != c.source {
		return errors.Wrapf(herrors.ErrProfileConflict, "conflicting writes to profile path %s", dest)
	}
	return nil
}
