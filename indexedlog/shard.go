package indexedlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

// shardBufferSize mirrors the teacher's primary-storage I/O buffer size.
const shardBufferSize = 16 * 4096

type entryLoc struct {
	offset uint64
	length uint64
}

// shard is one append-only file of a rotating log, with an in-memory
// node index rebuilt by a single linear scan at open time (the log has no
// on-disk index file of its own; C2's fanout index is specific to packs).
type shard struct {
	num    int
	path   string
	f      *os.File
	writer *bufio.Writer
	size   uint64
	index  map[key.Node]entryLoc
}

func shardPath(dir string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%06d.log", num))
}

func openShard(dir string, num int) (*shard, error) {
	path := shardPath(dir, num)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &revisionstore.Io{Path: path, Err: err}
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, &revisionstore.Io{Path: path, Err: err}
	}

	s := &shard{
		num:    num,
		path:   path,
		f:      f,
		writer: bufio.NewWriterSize(f, shardBufferSize),
		size:   uint64(size),
		index:  make(map[key.Node]entryLoc),
	}
	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// rebuildIndex scans the shard from the start, recording each entry's
// (offset, length). A node seen twice in the same shard keeps the later
// offset, matching the log's "later write wins" read semantics.
func (s *shard) rebuildIndex() error {
	var pos uint64
	for pos < s.size {
		loc, node, next, err := s.scanOne(pos)
		if err != nil {
			return err
		}
		s.index[node] = loc
		pos = next
	}
	return nil
}

// scanOne parses the self-delimiting entry starting at pos without
// decompressing its payload, returning its location and the position of
// the next entry.
func (s *shard) scanOne(pos uint64) (entryLoc, key.Node, uint64, error) {
	var hdr [key.NodeSize + 2]byte
	if _, err := s.f.ReadAt(hdr[:], int64(pos)); err != nil {
		return entryLoc{}, key.Node{}, 0, revisionstore.WrapFileErr(s.path, fmt.Sprintf("scanning shard at %d", pos), err)
	}
	var node key.Node
	copy(node[:], hdr[:key.NodeSize])
	pathLen := int(be16(hdr[key.NodeSize:]))

	cursor := pos + key.NodeSize + 2 + uint64(pathLen)
	metaLen, err := peekMetadataLen(s.f, cursor)
	if err != nil {
		return entryLoc{}, key.Node{}, 0, err
	}
	cursor += uint64(metaLen)

	var compLenBuf [8]byte
	if _, err := s.f.ReadAt(compLenBuf[:], int64(cursor)); err != nil {
		return entryLoc{}, key.Node{}, 0, revisionstore.WrapFileErr(s.path, fmt.Sprintf("scanning shard at %d", cursor), err)
	}
	compLen := be64(compLenBuf[:])
	cursor += 8 + compLen

	return entryLoc{offset: pos, length: cursor - pos}, node, cursor, nil
}

func (s *shard) readAt(loc entryLoc) ([]byte, error) {
	buf := make([]byte, loc.length)
	if _, err := s.f.ReadAt(buf, int64(loc.offset)); err != nil {
		return nil, revisionstore.WrapFileErr(s.path, "reading entry", err)
	}
	return buf, nil
}

// append writes entry bytes to the shard's buffer and records its index
// location; callers must call flush to make it durable.
func (s *shard) append(node key.Node, entry []byte) error {
	n, err := s.writer.Write(entry)
	if err != nil {
		return err
	}
	s.index[node] = entryLoc{offset: s.size, length: uint64(n)}
	s.size += uint64(n)
	return nil
}

func (s *shard) flush() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *shard) close() error {
	if err := s.flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func be16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// peekMetadataLen returns the number of bytes the serialized Metadata
// starting at off occupies, without needing to know its length up front:
// it reads growing chunks until key.Unmarshal can parse a complete value.
func peekMetadataLen(f *os.File, off uint64) (int, error) {
	size := 256
	for {
		buf := make([]byte, size)
		n, err := f.ReadAt(buf, int64(off))
		if err != nil && err != io.EOF {
			return 0, &revisionstore.Io{Path: f.Name(), Err: fmt.Errorf("peeking metadata at %d: %w", off, err)}
		}
		buf = buf[:n]
		_, consumed, uerr := key.Unmarshal(buf)
		if uerr == nil {
			return consumed, nil
		}
		if n < size {
			// Hit EOF without a terminator: genuinely truncated.
			return 0, &revisionstore.CorruptPack{Path: f.Name(), Reason: fmt.Sprintf("truncated metadata at %d: %v", off, uerr)}
		}
		size *= 2
	}
}
