package hashext

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestTypedHashAlgorithm(t *testing.T) {
	th := NewTypedHash(crypto.SHA256)
	if th.Algorithm != crypto.SHA256 {
		t.Fatalf("expected Algorithm to be SHA256, got %v", th.Algorithm)
	}
}

func TestTypedHashSum(t *testing.T) {
	th := NewTypedHash(crypto.SHA256)
	if _, err := th.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := hex.EncodeToString(th.Sum(nil))
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Fatalf("sum mismatch: got %s want %s", got, want)
	}
}
