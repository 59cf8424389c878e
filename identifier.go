// Package blobcache provides the identifier and key layout shared by the
// staging cache, the download cache and the blob backends.
package blobcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// IdentifierSize is the size of an identifier in bytes (BLAKE3-256).
const IdentifierSize = 32

// ErrIntegrity is returned when content does not hash to the identifier it
// is stored under. It is never retried.
var ErrIntegrity = errors.New("blobcache: content does not match identifier")

// Identifier is the content address of a record: the BLAKE3 digest of its
// bytes.
type Identifier [IdentifierSize]byte

// String returns the lowercase hex form used in keys and file names.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a 16 character prefix for logs.
func (id Identifier) Short() string {
	return hex.EncodeToString(id[:8])
}

// Dir returns the shard directory for the identifier.
func (id Identifier) Dir() string {
	return hex.EncodeToString(id[:1])
}

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// MarshalText implements encoding.TextMarshaler.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(text []byte) error {
	if len(text) != IdentifierSize*2 {
		return fmt.Errorf("invalid identifier length: expected %d hex chars, got %d", IdentifierSize*2, len(text))
	}
	_, err := hex.Decode(id[:], text)
	return err
}

// ParseIdentifier parses a hex-encoded identifier.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

// Sum returns the identifier of data.
func Sum(data []byte) Identifier {
	return Identifier(blake3.Sum256(data))
}

// Digest reads r to EOF and returns its identifier and length.
func Digest(r io.Reader) (Identifier, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Identifier{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var id Identifier
	h.Sum(id[:0])
	return id, n, nil
}

// IdentifyingReader computes the identifier of everything read through it.
type IdentifyingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewIdentifyingReader wraps r.
func NewIdentifyingReader(r io.Reader) *IdentifyingReader {
	return &IdentifyingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (ir *IdentifyingReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.h.Write(p[:n])
		ir.n += int64(n)
	}
	return n, err
}

// Identifier returns the identifier of the bytes read so far.
func (ir *IdentifyingReader) Identifier() Identifier {
	var id Identifier
	ir.h.Sum(id[:0])
	return id
}

// BytesRead returns the number of bytes read so far.
func (ir *IdentifyingReader) BytesRead() int64 {
	return ir.n
}

// VerifyingReader passes bytes through and, on EOF, replaces io.EOF with
// ErrIntegrity if the content did not hash to the expected identifier.
type VerifyingReader struct {
	ir       *IdentifyingReader
	expected Identifier
}

// NewVerifyingReader wraps r, checking its content against expected.
func NewVerifyingReader(r io.Reader, expected Identifier) *VerifyingReader {
	return &VerifyingReader{ir: NewIdentifyingReader(r), expected: expected}
}

// Read implements io.Reader.
func (vr *VerifyingReader) Read(p []byte) (int, error) {
	n, err := vr.ir.Read(p)
	if errors.Is(err, io.EOF) && vr.ir.Identifier() != vr.expected {
		return n, fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, vr.expected.Short(), vr.ir.Identifier().Short())
	}
	return n, err
}

// verifyingReadCloser keeps the Close of the wrapped stream.
type verifyingReadCloser struct {
	*VerifyingReader
	io.Closer
}

// VerifyReadCloser wraps rc so that a content mismatch surfaces as
// ErrIntegrity instead of a clean EOF.
func VerifyReadCloser(rc io.ReadCloser, expected Identifier) io.ReadCloser {
	return verifyingReadCloser{VerifyingReader: NewVerifyingReader(rc, expected), Closer: rc}
}
