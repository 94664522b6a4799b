package revisionstore

import (
	"errors"
	"fmt"
	"io"

	"github.com/basinhub/revisionstore/key"
)

// errorType mirrors store/types.errorType in the teacher: an argument-less
// sentinel that still satisfies the error interface, so callers can compare
// with errors.Is against the exported value directly.
type errorType string

func (e errorType) Error() string { return string(e) }

// InvalidWrite is returned for programming errors at the write boundary:
// adding a based delta to the indexed log, or writing to a builder after
// Finalize.
const InvalidWrite = errorType("revisionstore: invalid write")

// NotFound indicates key is not indexed in this store. Recoverable:
// callers iterate to the next store.
type NotFound struct {
	Key key.Key
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("revisionstore: not found: %s", e.Key)
}

// Is makes errors.Is(err, &NotFound{}) match any NotFound regardless of key.
func (e *NotFound) Is(target error) bool {
	_, ok := target.(*NotFound)
	return ok
}

// CorruptPack indicates a magic/version mismatch, truncated record, or an
// index entry pointing outside the file. The checksum trailer that
// packindex.Build writes is not verified when an index is opened, so a
// checksum mismatch alone does not produce this error.
type CorruptPack struct {
	Path   string
	Reason string
}

func (e *CorruptPack) Error() string {
	return fmt.Sprintf("revisionstore: corrupt pack %s: %s", e.Path, e.Reason)
}

func (e *CorruptPack) Is(target error) bool {
	_, ok := target.(*CorruptPack)
	return ok
}

// BrokenChain indicates a delta's base refers to a key absent from the
// same pack, or a delta chain that loops back on itself.
type BrokenChain struct {
	Key key.Key
}

func (e *BrokenChain) Error() string {
	return fmt.Sprintf("revisionstore: broken delta chain at %s: missing base", e.Key)
}

func (e *BrokenChain) Is(target error) bool {
	_, ok := target.(*BrokenChain)
	return ok
}

// Io wraps an underlying filesystem error with the path it occurred on.
type Io struct {
	Path string
	Err  error
}

func (e *Io) Error() string {
	return fmt.Sprintf("revisionstore: io error on %s: %v", e.Path, e.Err)
}

func (e *Io) Unwrap() error { return e.Err }

func (e *Io) Is(target error) bool {
	_, ok := target.(*Io)
	return ok
}

// WrapFileErr classifies a raw filesystem error observed while opening or
// reading a pack/index/log file: a short or unexpected-EOF read means the
// file is shorter than the on-disk format requires, which is CorruptPack,
// not an I/O failure; anything else (permission denied, disk fault, a
// file vanishing mid-scan) is a genuine Io error the caller should be able
// to retry or surface distinctly from corruption, per §7's taxonomy.
func WrapFileErr(path, reason string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &CorruptPack{Path: path, Reason: fmt.Sprintf("%s: %v", reason, err)}
	}
	return &Io{Path: path, Err: fmt.Errorf("%s: %w", reason, err)}
}
