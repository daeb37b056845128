// Package canon implements the canonical hashing routine shared by every
// hash-identity site in hashdist: source keys, build-spec artifact ids, and
// profile-install keys.
//
// A document is any combination of nil, bool, int64, float64, string, an
// ordered []any, a map[string]any, or the two typed leaves RawBytes and
// Path. Encode walks the tree and produces a byte stream that is a pure
// function of the document's *value* — key order in maps never affects the
// output, list order always does.
package canon

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"encoding/binary"
	"math"
	"sort"

	"github.com/hashdist/hashdist/internal/hashext"
	"github.com/pkg/errors"
)

// RawBytes marks a leaf as opaque bytes, hashed by content rather than
// interpreted as UTF-8 text (used for tarball bodies, file contents, ...).
type RawBytes []byte

// Path marks a leaf as a slash-normalized relative path. Encoded with its own
// type tag, so a Path hashes differently from a string of the same text; the
// distinct type exists so callers can't
// accidentally feed a host-absolute path into the hash without normalizing
// it first — see DefaultDigestBytes and the invariant in spec.md §3 that no
// host paths may enter a hash.
type Path string

// ErrInvalidHashInput is returned when Encode encounters a value of a type
// it does not know how to canonicalize.
var ErrInvalidHashInput = errors.New("invalid hash input")

// DefaultDigestBytes is the default truncation length (in bytes) of the
// SHA-256 digest before base64 encoding, per spec.md §3 ("20 => ~27 chars").
const DefaultDigestBytes = 20

const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagList
	tagMap
	tagRawBytes
	tagPath
)

// Encode produces the canonical byte stream for v. The same value always
// produces the same bytes regardless of map key insertion order; list order
// is always preserved and always significant.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash computes the canonical hash of v: SHA-256 over Encode(v), truncated to
// digestBytes and URL-safe base64 encoded without padding. digestBytes <= 0
// selects DefaultDigestBytes.
func Hash(v any, digestBytes int) (string, error) {
	if digestBytes <= 0 {
		digestBytes = DefaultDigestBytes
	}
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	th := hashext.NewTypedHash(crypto.SHA256)
	if _, err := th.Write(b); err != nil {
		return "", errors.Wrap(err, "hashing canonical bytes")
	}
	sum := th.Sum(nil)
	if digestBytes > len(sum) {
		digestBytes = len(sum)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:digestBytes]), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		return encode(buf, int64(t))
	case int32:
		return encode(buf, int64(t))
	case int64:
		buf.WriteByte(tagInt)
		writeUint64(buf, uint64(t))
	case float64:
		buf.WriteByte(tagFloat)
		writeUint64(buf, math.Float64bits(t))
	case string:
		buf.WriteByte(tagString)
		writeLenPrefixed(buf, []byte(t))
	case RawBytes:
		buf.WriteByte(tagRawBytes)
		writeLenPrefixed(buf, []byte(t))
	case Path:
		buf.WriteByte(tagPath)
		writeLenPrefixed(buf, []byte(normalizePath(string(t))))
	case []any:
		buf.WriteByte(tagList)
		writeUint64(buf, uint64(len(t)))
		for _, item := range t {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeUint64(buf, uint64(len(keys)))
		for _, k := range keys {
			writeLenPrefixed(buf, []byte(k))
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(ErrInvalidHashInput, "%T", v)
	}
	return nil
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func normalizePath(p string) string {
	out := make([]byte, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' {
			out[i] = '/'
		} else {
			out[i] = p[i]
		}
	}
	return string(out)
}
