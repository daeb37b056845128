// Package herrors defines the error taxonomy shared by every hashdist core
// component, per spec.md §7. Each class is a sentinel value; call sites wrap
// it with context via github.com/pkg/errors so callers can still match with
// errors.Is while getting a readable message.
package herrors

import "github.com/pkg/errors"

var (
	// ErrInvalidSpec is a schema or regex violation in a BuildSpec or config file.
	ErrInvalidSpec = errors.New("invalid spec")
	// ErrSourceNotFound is returned when a SourceKey has no entry in the cache.
	ErrSourceNotFound = errors.New("source not found")
	// ErrFetchError wraps a retryable network/transport failure during Fetch/FetchGit.
	ErrFetchError = errors.New("fetch error")
	// ErrCorruptSource is returned when unpacked content does not hash to its claimed key.
	ErrCorruptSource = errors.New("corrupt source")
	// ErrUnresolvedImport is returned when a Job references an ArtifactID absent from the store.
	ErrUnresolvedImport = errors.New("unresolved import")
	// ErrStoreIOError wraps a filesystem error during staging or commit.
	ErrStoreIOError = errors.New("store i/o error")
	// ErrIntegrityError is returned when a short-hash symlink mismatches or an artifact
	// directory is present but malformed.
	ErrIntegrityError = errors.New("integrity error")
	// ErrProfileConflict is returned when two artifacts contribute conflicting files
	// to the same profile path.
	ErrProfileConflict = errors.New("profile conflict")
)

// BuildFailed is returned when a job's command exits non-zero. It carries enough
// context for a caller to inspect what failed without re-reading the build log.
type BuildFailed struct {
	ArtifactID string
	Stage      string
	LogPath    string
	LogExcerpt string
	Err        error
}

func (e *BuildFailed) Error() string {
	return "build failed for " + e.ArtifactID + " at stage " + e.Stage + ": " + e.Err.Error()
}

func (e *BuildFailed) Unwrap() error { return e.Err }
