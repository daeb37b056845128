package herrors

import (
	"testing"

	"github.com/pkg/errors"
)

func TestSentinelsWrapAndUnwrap(t *testing.T) {
	wrapped := errors.Wrap(ErrCorruptSource, "unpacking tar.gz:abc123")
	if !errors.Is(wrapped, ErrCorruptSource) {
		t.Fatalf("expected wrapped error to match ErrCorruptSource via errors.Is")
	}
	if errors.Is(wrapped, ErrFetchError) {
		t.Fatalf("wrapped ErrCorruptSource incorrectly matched ErrFetchError")
	}
}

func TestBuildFailedUnwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	bf := &BuildFailed{ArtifactID: "zlib/1.2.7/abcd", Stage: "build", Err: cause}
	if !errors.Is(bf, cause) {
		t.Fatalf("expected BuildFailed to unwrap to its cause")
	}
	if bf.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
