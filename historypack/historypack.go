// Package historypack implements the read side of an immutable history
// pack (C4): one section per path holding fixed-width ancestry records,
// plus a shared copy-source area, looked up through a paired
// packindex.Index keyed by a combined (path, node) digest.
package historypack

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	logging "github.com/ipfs/go-log/v2"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packindex"
)

var log = logging.Logger("revisionstore/historypack")

// Version is the single version byte leading every history pack file.
const Version byte = 1

// nodeEntrySize is node + p1 + p2 + linknode + copyfrom_offset(i32 BE).
const nodeEntrySize = key.NodeSize*4 + 4

type section struct {
	path            key.Path
	start           int64 // absolute offset of the section
	copyAreaStart   int64 // absolute offset of the copyfrom area
	copyAreaEnd     int64 // absolute offset one past the copyfrom area
	entriesAbsStart int64
}

// Pack is an opened, read-only history pack.
type Pack struct {
	r        io.ReaderAt
	f        io.Closer
	idx      *packindex.Index
	path     string
	sections []section // sorted by start, for locating a section from an entry offset
	byPath   map[string]*section
}

// Open opens the history pack at packPath, paired with the index at
// idxPath. Opening performs one linear scan of the pack to recover
// section boundaries (path, copy-source area) that the fanout index
// alone cannot express, since the index only stores per-node offsets.
func Open(packPath, idxPath string) (*Pack, error) {
	idx, err := packindex.Open(idxPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(packPath)
	if err != nil {
		idx.Close()
		log.Warnf("historypack: open %s: %v", packPath, err)
		return nil, &revisionstore.Io{Path: packPath, Err: err}
	}

	p := &Pack{r: f, f: f, idx: idx, path: packPath, byPath: make(map[string]*section)}
	if err := p.scan(); err != nil {
		f.Close()
		idx.Close()
		log.Warnf("historypack: scan %s: %v", packPath, err)
		return nil, err
	}
	log.Debugf("historypack: opened %s", packPath)
	return p, nil
}

func (p *Pack) scan() error {
	var verBuf [1]byte
	if _, err := p.r.ReadAt(verBuf[:], 0); err != nil {
		return revisionstore.WrapFileErr(p.path, "reading version", err)
	}
	if verBuf[0] != Version {
		return &revisionstore.CorruptPack{Path: p.path, Reason: fmt.Sprintf("unsupported version %d", verBuf[0])}
	}

	pos := int64(1)
	fileSize, err := fileSizeOf(p.f)
	if err != nil {
		return err
	}

	for pos < fileSize {
		sec, next, err := p.scanSection(pos)
		if err != nil {
			return err
		}
		p.sections = append(p.sections, sec)
		p.byPath[string(sec.path)] = &p.sections[len(p.sections)-1]
		pos = next
	}
	return nil
}

func (p *Pack) scanSection(start int64) (section, int64, error) {
	var lenBuf [2]byte
	if _, err := p.r.ReadAt(lenBuf[:], start); err != nil {
		return section{}, 0, revisionstore.WrapFileErr(p.path, "reading section path length", err)
	}
	pathLen := binary.BigEndian.Uint16(lenBuf[:])
	pos := start + 2

	pathBuf := make([]byte, pathLen)
	if pathLen > 0 {
		if _, err := p.r.ReadAt(pathBuf, pos); err != nil {
			return section{}, 0, revisionstore.WrapFileErr(p.path, "reading section path", err)
		}
	}
	pos += int64(pathLen)

	var countBuf [4]byte
	if _, err := p.r.ReadAt(countBuf[:], pos); err != nil {
		return section{}, 0, revisionstore.WrapFileErr(p.path, "reading node count", err)
	}
	nodeCount := binary.BigEndian.Uint32(countBuf[:])
	pos += 4

	entriesStart := pos
	entriesBuf := make([]byte, int(nodeCount)*nodeEntrySize)
	if nodeCount > 0 {
		if _, err := p.r.ReadAt(entriesBuf, entriesStart); err != nil {
			return section{}, 0, revisionstore.WrapFileErr(p.path, "reading node entries", err)
		}
	}
	copyAreaStart := entriesStart + int64(nodeCount)*nodeEntrySize

	var maxEnd int64 = copyAreaStart
	for i := 0; i < int(nodeCount); i++ {
		off := i * nodeEntrySize
		copyOffset := int32(binary.BigEndian.Uint32(entriesBuf[off+nodeEntrySize-4 : off+nodeEntrySize]))
		if copyOffset < 0 {
			continue
		}
		slotAbs := copyAreaStart + int64(copyOffset)
		var slotLenBuf [2]byte
		if _, err := p.r.ReadAt(slotLenBuf[:], slotAbs); err != nil {
			return section{}, 0, revisionstore.WrapFileErr(p.path, "reading copyfrom slot length", err)
		}
		slotLen := binary.BigEndian.Uint16(slotLenBuf[:])
		end := slotAbs + 2 + int64(slotLen)
		if end > maxEnd {
			maxEnd = end
		}
	}

	return section{
		path:            key.Path(pathBuf),
		start:           start,
		copyAreaStart:   copyAreaStart,
		copyAreaEnd:     maxEnd,
		entriesAbsStart: entriesStart,
	}, maxEnd, nil
}

func fileSizeOf(c io.Closer) (int64, error) {
	f, ok := c.(*os.File)
	if !ok {
		return 0, fmt.Errorf("historypack: reader does not support file size")
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close releases the pack file and its index.
func (p *Pack) Close() error {
	err := p.f.Close()
	if ierr := p.idx.Close(); ierr != nil && err == nil {
		err = ierr
	}
	return err
}

func (p *Pack) sectionAt(off int64) *section {
	i := sort.Search(len(p.sections), func(i int) bool { return p.sections[i].start > off }) - 1
	if i < 0 || i >= len(p.sections) {
		return nil
	}
	return &p.sections[i]
}

type rawEntry struct {
	node       key.Node
	p1, p2     key.Node
	linknode   key.Node
	copyOffset int32
}

func (p *Pack) readEntry(off int64) (rawEntry, error) {
	buf := make([]byte, nodeEntrySize)
	if _, err := p.r.ReadAt(buf, off); err != nil {
		return rawEntry{}, revisionstore.WrapFileErr(p.path, "reading node entry", err)
	}
	var e rawEntry
	copy(e.node[:], buf[0:key.NodeSize])
	copy(e.p1[:], buf[key.NodeSize:key.NodeSize*2])
	copy(e.p2[:], buf[key.NodeSize*2:key.NodeSize*3])
	copy(e.linknode[:], buf[key.NodeSize*3:key.NodeSize*4])
	e.copyOffset = int32(binary.BigEndian.Uint32(buf[key.NodeSize*4 : nodeEntrySize]))
	return e, nil
}

func (p *Pack) readCopyFrom(sec *section, off int32) (key.Path, error) {
	if off < 0 {
		return nil, nil
	}
	abs := sec.copyAreaStart + int64(off)
	var lenBuf [2]byte
	if _, err := p.r.ReadAt(lenBuf[:], abs); err != nil {
		return nil, revisionstore.WrapFileErr(p.path, "reading copyfrom length", err)
	}
	l := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, l)
	if l > 0 {
		if _, err := p.r.ReadAt(buf, abs+2); err != nil {
			return nil, revisionstore.WrapFileErr(p.path, "reading copyfrom bytes", err)
		}
	}
	return key.Path(buf), nil
}

// resolveParentPath implements the convention documented in DESIGN.md:
// a parent's path defaults to the current record's path; parent[0]'s path
// is the copy source when one is recorded.
func resolveParentPath(i int, curPath key.Path, copyFrom key.Path) key.Path {
	if i == 0 && copyFrom != nil {
		return copyFrom
	}
	return curPath
}

func (p *Pack) indexKeyFor(k key.Key) key.Node {
	return IndexKey(k.Path, k.Node)
}

// IndexKey derives the combined (path, node) key this package uses as the
// packindex lookup key, since a plain node-only fanout can't disambiguate
// the same node under two different paths.
func IndexKey(path key.Path, node key.Node) key.Node {
	return packindex.Digest(append(append([]byte(nil), path...), node[:]...))
}

// GetNodeInfo returns the ancestry record for k.
func (p *Pack) GetNodeInfo(k key.Key) (key.NodeInfo, error) {
	off, ok, err := p.idx.Lookup(p.indexKeyFor(k))
	if err != nil {
		return key.NodeInfo{}, err
	}
	if !ok {
		return key.NodeInfo{}, &revisionstore.NotFound{Key: k}
	}
	e, err := p.readEntry(int64(off))
	if err != nil {
		return key.NodeInfo{}, err
	}
	if e.node != k.Node {
		return key.NodeInfo{}, &revisionstore.CorruptPack{Path: p.path, Reason: "index entry points at mismatched node"}
	}
	sec := p.sectionAt(int64(off))
	if sec == nil {
		return key.NodeInfo{}, &revisionstore.CorruptPack{Path: p.path, Reason: "index entry outside any section"}
	}
	copyFrom, err := p.readCopyFrom(sec, e.copyOffset)
	if err != nil {
		return key.NodeInfo{}, err
	}

	info := key.NodeInfo{Linknode: e.linknode}
	info.Parents[0] = key.Key{Path: resolveParentPath(0, k.Path, copyFrom), Node: e.p1}
	info.Parents[1] = key.Key{Path: resolveParentPath(1, k.Path, copyFrom), Node: e.p2}
	if copyFrom != nil {
		cf := copyFrom
		info.CopyFrom = &cf
	}
	return info, nil
}

// GetAncestors performs a BFS from k, following NodeInfo.Parents, and
// returns every reachable (node -> NodeInfo) pair including k itself.
func (p *Pack) GetAncestors(k key.Key) (map[key.Node]key.NodeInfo, error) {
	result := make(map[key.Node]key.NodeInfo)
	queue := []key.Key{k}
	visited := map[key.Node]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.Node] {
			continue
		}
		visited[cur.Node] = true

		info, err := p.GetNodeInfo(cur)
		if err != nil {
			return nil, err
		}
		result[cur.Node] = info

		for _, parent := range info.Parents {
			if parent.Node.IsNull() || visited[parent.Node] {
				continue
			}
			queue = append(queue, parent)
		}
	}
	return result, nil
}

// GetMissing returns the keys not present in this pack's index, in input
// order.
func (p *Pack) GetMissing(keys []key.Key) ([]key.Key, error) {
	var missing []key.Key
	for _, k := range keys {
		_, ok, err := p.idx.Lookup(p.indexKeyFor(k))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Paths returns every distinct path held by this pack, in section order
// (path-sorted, per the builder's finalize contract).
func (p *Pack) Paths() []key.Path {
	out := make([]key.Path, len(p.sections))
	for i, s := range p.sections {
		out[i] = s.path
	}
	return out
}

// Entries returns every (path, node) pair and its NodeInfo held by this
// pack, used by repack to iterate a source pack.
func (p *Pack) Entries() ([]key.Key, []key.NodeInfo, error) {
	var keys []key.Key
	var infos []key.NodeInfo
	for _, sec := range p.sections {
		n := (sec.copyAreaStart - sec.entriesAbsStart) / nodeEntrySize
		for i := int64(0); i < n; i++ {
			off := sec.entriesAbsStart + i*nodeEntrySize
			e, err := p.readEntry(off)
			if err != nil {
				return nil, nil, err
			}
			copyFrom, err := p.readCopyFrom(&sec, e.copyOffset)
			if err != nil {
				return nil, nil, err
			}
			info := key.NodeInfo{Linknode: e.linknode}
			info.Parents[0] = key.Key{Path: resolveParentPath(0, sec.path, copyFrom), Node: e.p1}
			info.Parents[1] = key.Key{Path: resolveParentPath(1, sec.path, copyFrom), Node: e.p2}
			if copyFrom != nil {
				cf := copyFrom
				info.CopyFrom = &cf
			}
			keys = append(keys, key.Key{Path: sec.path, Node: e.node})
			infos = append(infos, info)
		}
	}
	return keys, infos, nil
}
