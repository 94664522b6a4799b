// Package packbuilder implements the mutable, write-side half of the
// pack format (C5): stream records into a temp pack + temp index, then
// finalize to a content-addressed name via the same open-append-finalize
// lifecycle the teacher's compactindexsized.Builder uses, adapted from an
// FKS index build to the spec's sorted-fanout index (packindex.Build).
package packbuilder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/datapack"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packindex"
)

var log = logging.Logger("revisionstore/packbuilder")

// blockBufferSize mirrors the teacher's primary-storage I/O buffer size
// (store/primary/gsfaprimary and store/freelist both use 16*4096).
const blockBufferSize = 16 * 4096

// DataPackBuilder streams delta records into a temp file and, on
// Finalize, publishes a content-addressed .datapack/.dataidx pair.
type DataPackBuilder struct {
	dir       string
	file      *os.File
	writer    *bufio.Writer
	tmpPack   string
	tmpIdx    string
	offset    uint64
	entries   []packindex.Entry
	seenNodes map[key.Node]bool
	finalized bool
	canceled  bool
}

// NewDataPackBuilder opens temp.pack (uniquely named) in dir and writes
// the version byte.
func NewDataPackBuilder(dir string) (*DataPackBuilder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmpPack := filepath.Join(dir, fmt.Sprintf("tmp-%s.pack", uuid.NewString()))
	tmpIdx := tmpPack + ".building-idx"

	f, err := os.OpenFile(tmpPack, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, blockBufferSize)
	if err := w.WriteByte(datapack.Version); err != nil {
		f.Close()
		os.Remove(tmpPack)
		return nil, err
	}

	return &DataPackBuilder{
		dir:       dir,
		file:      f,
		writer:    w,
		tmpPack:   tmpPack,
		tmpIdx:    tmpIdx,
		offset:    1,
		seenNodes: make(map[key.Node]bool),
	}, nil
}

// Add appends delta's record to the pack. Duplicate nodes are written
// again but the index keeps only the first offset, so readers
// deterministically see the first record.
func (b *DataPackBuilder) Add(delta key.Delta, meta key.Metadata) error {
	if b.finalized || b.canceled {
		return fmt.Errorf("packbuilder: add after finalize/cancel: %w", revisionstore.InvalidWrite)
	}
	rec := datapack.EncodeRecord(delta, meta)
	n, err := b.writer.Write(rec)
	if err != nil {
		return err
	}
	if !b.seenNodes[delta.Key.Node] {
		b.seenNodes[delta.Key.Node] = true
		b.entries = append(b.entries, packindex.Entry{Node: delta.Key.Node, Offset: b.offset})
	}
	b.offset += uint64(n)
	return nil
}

// Finalize sorts the buffered index, writes the complete index file,
// computes the pack's content-addressed name, and atomically renames
// both files into place: the index is renamed last, so a crash between
// the two renames leaves an orphan .datapack the pack-store ignores.
func (b *DataPackBuilder) Finalize() (packPath, idxPath string, err error) {
	if b.finalized {
		return "", "", fmt.Errorf("packbuilder: already finalized")
	}
	if err := b.writer.Flush(); err != nil {
		return "", "", err
	}
	if err := b.file.Close(); err != nil {
		return "", "", err
	}

	idxData, sum, err := packindex.Build(packindex.KindData, b.entries)
	if err != nil {
		os.Remove(b.tmpPack)
		return "", "", err
	}
	if err := packindex.WriteFile(b.tmpIdx, idxData); err != nil {
		os.Remove(b.tmpPack)
		return "", "", err
	}

	name := fmt.Sprintf("%x", sum)
	finalPack := filepath.Join(b.dir, name+".datapack")
	finalIdx := filepath.Join(b.dir, name+".dataidx")

	if err := os.Rename(b.tmpPack, finalPack); err != nil {
		os.Remove(b.tmpIdx)
		return "", "", err
	}
	if err := os.Rename(b.tmpIdx, finalIdx); err != nil {
		return "", "", err
	}

	b.finalized = true
	log.Debugf("finalized data pack %s (%d entries)", name, len(b.entries))
	return finalPack, finalIdx, nil
}

// Cancel discards the temp files without publishing anything.
func (b *DataPackBuilder) Cancel() error {
	if b.finalized || b.canceled {
		return nil
	}
	b.canceled = true
	b.file.Close()
	os.Remove(b.tmpPack)
	os.Remove(b.tmpIdx)
	return nil
}
