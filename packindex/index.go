// Package packindex implements the on-disk sorted index (C2) that maps a
// node to its offset inside a paired data or history pack: a magic/version
// header, a fanout table keyed by the leading byte(s) of the node, a
// sorted entry table, and a trailing digest.
//
// The header layout follows the load/store shape of the teacher's
// compactindexsized.Header (magic check, then a run of fixed fields), but
// the body is the simpler git-style byte-prefix fanout the spec calls for,
// not compactindexsized's FKS perfect-hash buckets: a single pack's index
// rarely holds enough entries to need perfect hashing, and the spec's
// lookup algorithm (fanout slice + binary search) doesn't have a bucket
// hash step to ground that dependency on.
package packindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/minio/blake2b-simd"

	"github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

var log = logging.Logger("revisionstore/packindex")

// Magic is the first byte of every pack index.
const Magic byte = 1

// Kind distinguishes a data-pack index from a history-pack index.
type Kind uint8

const (
	// KindHistory indexes a history pack: version byte 0.
	KindHistory Kind = 0
	// KindData indexes a data pack: version byte 1.
	KindData Kind = 1
)

const (
	configLargeFanout byte = 1 << 0

	// LargeFanoutThreshold is the entry count at or above which the builder
	// switches from an 8-bit to a 16-bit fanout table, keeping the
	// post-fanout binary-search slice small. See SPEC_FULL.md Open
	// Question 3.
	LargeFanoutThreshold = 1 << 16

	smallFanoutEntries = 1 << 8
	largeFanoutEntries = 1 << 16

	entrySize    = key.NodeSize + 8 // node + offset(u64 BE)
	checksumSize = 20
)

// Entry is one (node, offset) pair in the index.
type Entry struct {
	Node   key.Node
	Offset uint64
}

// Index is a read-only, opened pack index.
type Index struct {
	r          io.ReaderAt
	closer     io.Closer
	kind       Kind
	large      bool
	fanout     []uint32 // cumulative counts, length 256 or 65536
	entryCount uint64
	entriesOff int64 // byte offset of the entry table within the file
	path       string
}

// Open reads and validates the header and fanout table of the index file at
// path, leaving the entry table to be read lazily on Lookup.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		log.Warnf("packindex: open %s: %v", path, err)
		return nil, &revisionstore.Io{Path: path, Err: err}
	}
	idx, err := OpenReaderAt(f, path)
	if err != nil {
		f.Close()
		log.Warnf("packindex: parse %s: %v", path, err)
		return nil, err
	}
	idx.closer = f
	log.Debugf("packindex: opened %s (%d entries)", path, idx.entryCount)
	return idx, nil
}

// OpenReaderAt parses an index from an arbitrary ReaderAt (a file, a
// memory buffer, ...). path is used only for error messages.
func OpenReaderAt(r io.ReaderAt, path string) (*Index, error) {
	var hdr [3]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, revisionstore.WrapFileErr(path, "reading header", err)
	}
	if hdr[0] != Magic {
		return nil, &revisionstore.CorruptPack{Path: path, Reason: fmt.Sprintf("bad magic byte %d", hdr[0])}
	}
	kind := Kind(hdr[1])
	if kind != KindHistory && kind != KindData {
		return nil, &revisionstore.CorruptPack{Path: path, Reason: fmt.Sprintf("unsupported index version %d", hdr[1])}
	}
	large := hdr[2]&configLargeFanout != 0

	numBuckets := smallFanoutEntries
	if large {
		numBuckets = largeFanoutEntries
	}
	fanoutBytes := make([]byte, numBuckets*4)
	if _, err := r.ReadAt(fanoutBytes, 3); err != nil {
		return nil, revisionstore.WrapFileErr(path, "reading fanout table", err)
	}
	fanout := make([]uint32, numBuckets)
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanoutBytes[i*4 : i*4+4])
	}

	countOff := int64(3 + numBuckets*4)
	var countBuf [8]byte
	if _, err := r.ReadAt(countBuf[:], countOff); err != nil {
		return nil, revisionstore.WrapFileErr(path, "reading entry count", err)
	}
	entryCount := binary.BigEndian.Uint64(countBuf[:])

	return &Index{
		r:          r,
		kind:       kind,
		large:      large,
		fanout:     fanout,
		entryCount: entryCount,
		entriesOff: countOff + 8,
		path:       path,
	}, nil
}

// Close releases the underlying file, if Open opened one.
func (idx *Index) Close() error {
	if idx.closer != nil {
		return idx.closer.Close()
	}
	return nil
}

// Kind reports whether this is a data-pack or history-pack index.
func (idx *Index) Kind() Kind { return idx.kind }

// Count returns the number of entries in the index.
func (idx *Index) Count() uint64 { return idx.entryCount }

// Lookup returns the offset recorded for node, and whether it was found.
func (idx *Index) Lookup(node key.Node) (uint64, bool, error) {
	lo, hi := idx.bucketRange(node)
	if lo >= hi {
		return 0, false, nil
	}
	n := hi - lo
	buf := make([]byte, int(n)*entrySize)
	if _, err := idx.r.ReadAt(buf, idx.entriesOff+int64(lo)*entrySize); err != nil && err != io.EOF {
		return 0, false, revisionstore.WrapFileErr(idx.path, "reading entries", err)
	}
	i := sort.Search(int(n), func(i int) bool {
		var e key.Node
		copy(e[:], buf[i*entrySize:i*entrySize+key.NodeSize])
		return string(e[:]) >= string(node[:])
	})
	if i >= int(n) {
		return 0, false, nil
	}
	var got key.Node
	copy(got[:], buf[i*entrySize:i*entrySize+key.NodeSize])
	if got != node {
		return 0, false, nil
	}
	off := binary.BigEndian.Uint64(buf[i*entrySize+key.NodeSize : i*entrySize+entrySize])
	return off, true, nil
}

// bucketRange returns [lo, hi) entry indices for the bucket node hashes to.
func (idx *Index) bucketRange(node key.Node) (uint64, uint64) {
	var b int
	if idx.large {
		b = int(node[0])<<8 | int(node[1])
	} else {
		b = int(node[0])
	}
	var lo uint32
	if b > 0 {
		lo = idx.fanout[b-1]
	}
	hi := idx.fanout[b]
	return uint64(lo), uint64(hi)
}

// All returns every (node, offset) entry in node-sorted order. Used by
// repack to iterate an index without a paired pack scan.
func (idx *Index) All() ([]Entry, error) {
	buf := make([]byte, int(idx.entryCount)*entrySize)
	if _, err := idx.r.ReadAt(buf, idx.entriesOff); err != nil && err != io.EOF {
		return nil, revisionstore.WrapFileErr(idx.path, "reading entries", err)
	}
	out := make([]Entry, idx.entryCount)
	for i := range out {
		copy(out[i].Node[:], buf[i*entrySize:i*entrySize+key.NodeSize])
		out[i].Offset = binary.BigEndian.Uint64(buf[i*entrySize+key.NodeSize : i*entrySize+entrySize])
	}
	return out, nil
}

// Digest returns a 20-byte blake2b digest of buf, used both for the index
// checksum trailer and for deriving a pack's content-addressed name.
func Digest(buf []byte) [checksumSize]byte {
	h, err := blake2b.New(&blake2b.Config{Size: checksumSize})
	if err != nil {
		// Config.Size is a compile-time constant within blake2b's
		// supported range; this cannot fail.
		panic(err)
	}
	h.Write(buf)
	var out [checksumSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
