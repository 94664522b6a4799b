package packbuilder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/historypack"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packindex"
)

// pendingNode is one buffered ancestry record awaiting its section.
type pendingNode struct {
	node     key.Node
	info     key.NodeInfo
	curPath  key.Path
	copyFrom key.Path
}

// HistoryPackBuilder buffers ancestry records grouped by path and, on
// Finalize, writes them out as path-sorted sections followed by each
// section's copy-source area, mirroring historypack.Pack's reader.
type HistoryPackBuilder struct {
	dir       string
	byPath    map[string][]pendingNode
	paths     []string // insertion order, deduped
	seenKeys  map[historyKey]bool
	tmpPack   string
	tmpIdx    string
	finalized bool
	canceled  bool
}

// historyKey is the buffer-side dedup key: the same (path, node) pair
// appended twice (e.g. re-deriving ancestry after an amend) must only be
// indexed once, mirroring DataPackBuilder.seenNodes.
type historyKey struct {
	path string
	node key.Node
}

// NewHistoryPackBuilder prepares a builder rooted at dir. Unlike
// DataPackBuilder, nothing is written until Finalize, since node entries
// must be grouped into contiguous per-path sections.
func NewHistoryPackBuilder(dir string) (*HistoryPackBuilder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmpPack := filepath.Join(dir, fmt.Sprintf("tmp-%s.pack", uuid.NewString()))
	return &HistoryPackBuilder{
		dir:      dir,
		byPath:   make(map[string][]pendingNode),
		seenKeys: make(map[historyKey]bool),
		tmpPack:  tmpPack,
		tmpIdx:   tmpPack + ".building-idx",
	}, nil
}

// Add buffers one ancestry record. info.Parents path fields are used only
// to derive the copy-source: parents[0]'s path, when it differs from k's
// own path, is recorded as this node's copyfrom (see
// historypack.resolveParentPath for the read-side half of this contract).
//
// A (path, node) key added more than once (e.g. re-deriving ancestry
// after an amend) is buffered only on its first occurrence: later calls
// are silently dropped, so the index retains exactly one entry per key
// and readers deterministically see the first-added record, matching
// DataPackBuilder.Add's seenNodes discipline.
func (b *HistoryPackBuilder) Add(k key.Key, info key.NodeInfo) error {
	if b.finalized || b.canceled {
		return fmt.Errorf("packbuilder: add after finalize/cancel: %w", revisionstore.InvalidWrite)
	}
	hk := historyKey{path: string(k.Path), node: k.Node}
	if b.seenKeys[hk] {
		return nil
	}
	b.seenKeys[hk] = true

	var copyFrom key.Path
	if !info.Parents[0].Node.IsNull() && info.Parents[0].Path != nil && string(info.Parents[0].Path) != string(k.Path) {
		copyFrom = info.Parents[0].Path
	} else if info.CopyFrom != nil {
		copyFrom = *info.CopyFrom
	}

	pathKey := string(k.Path)
	if _, ok := b.byPath[pathKey]; !ok {
		b.paths = append(b.paths, pathKey)
	}
	b.byPath[pathKey] = append(b.byPath[pathKey], pendingNode{
		node:     k.Node,
		info:     info,
		curPath:  k.Path,
		copyFrom: copyFrom,
	})
	return nil
}

// Finalize writes every buffered section in path-sorted order, builds the
// (path,node)-keyed index, and atomically publishes the pack.
func (b *HistoryPackBuilder) Finalize() (packPath, idxPath string, err error) {
	if b.finalized {
		return "", "", fmt.Errorf("packbuilder: already finalized")
	}

	f, err := os.OpenFile(b.tmpPack, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", err
	}
	w := bufio.NewWriterSize(f, blockBufferSize)
	if err := w.WriteByte(historypack.Version); err != nil {
		f.Close()
		os.Remove(b.tmpPack)
		return "", "", err
	}
	offset := uint64(1)

	sortedPaths := append([]string(nil), b.paths...)
	sort.Strings(sortedPaths)

	var entries []packindex.Entry
	for _, p := range sortedPaths {
		nodes := b.byPath[p]
		n, err := writeSection(w, &offset, key.Path(p), nodes)
		if err != nil {
			f.Close()
			os.Remove(b.tmpPack)
			return "", "", err
		}
		entries = append(entries, n...)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(b.tmpPack)
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(b.tmpPack)
		return "", "", err
	}

	idxData, sum, err := packindex.Build(packindex.KindHistory, entries)
	if err != nil {
		os.Remove(b.tmpPack)
		return "", "", err
	}
	if err := packindex.WriteFile(b.tmpIdx, idxData); err != nil {
		os.Remove(b.tmpPack)
		return "", "", err
	}

	name := fmt.Sprintf("%x", sum)
	finalPack := filepath.Join(b.dir, name+".histpack")
	finalIdx := filepath.Join(b.dir, name+".histidx")

	if err := os.Rename(b.tmpPack, finalPack); err != nil {
		os.Remove(b.tmpIdx)
		return "", "", err
	}
	if err := os.Rename(b.tmpIdx, finalIdx); err != nil {
		return "", "", err
	}

	b.finalized = true
	log.Debugf("finalized history pack %s (%d paths, %d entries)", name, len(sortedPaths), len(entries))
	return finalPack, finalIdx, nil
}

// writeSection writes one path's section (header, node entries, copyfrom
// area) to w starting at *offset, returning the index entries for its
// nodes (keyed by the combined path+node digest historypack.IndexKey
// computes) and advancing *offset past the section.
func writeSection(w *bufio.Writer, offset *uint64, path key.Path, nodes []pendingNode) ([]packindex.Entry, error) {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(path)))
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	*offset += 2
	if _, err := w.Write(path); err != nil {
		return nil, err
	}
	*offset += uint64(len(path))

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(nodes)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return nil, err
	}
	*offset += 4

	var copySlots [][]byte
	copyOffsets := make([]int32, len(nodes))
	var copyAreaLen int64
	for i, nd := range nodes {
		if nd.copyFrom != nil {
			copyOffsets[i] = int32(copyAreaLen)
			copySlots = append(copySlots, nd.copyFrom)
			copyAreaLen += 2 + int64(len(nd.copyFrom))
		} else {
			copyOffsets[i] = -1
		}
	}

	entries := make([]packindex.Entry, len(nodes))
	for i, nd := range nodes {
		var buf [nodeEntrySizeConst]byte
		copy(buf[0:key.NodeSize], nd.node[:])
		copy(buf[key.NodeSize:key.NodeSize*2], nd.info.Parents[0].Node[:])
		copy(buf[key.NodeSize*2:key.NodeSize*3], nd.info.Parents[1].Node[:])
		copy(buf[key.NodeSize*3:key.NodeSize*4], nd.info.Linknode[:])
		binary.BigEndian.PutUint32(buf[key.NodeSize*4:], uint32(copyOffsets[i]))
		if _, err := w.Write(buf[:]); err != nil {
			return nil, err
		}
		entries[i] = packindex.Entry{Node: historypack.IndexKey(path, nd.node), Offset: *offset}
		*offset += uint64(nodeEntrySizeConst)
	}

	for _, slot := range copySlots {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(slot)))
		if _, err := w.Write(l[:]); err != nil {
			return nil, err
		}
		if _, err := w.Write(slot); err != nil {
			return nil, err
		}
		*offset += uint64(2 + len(slot))
	}

	return entries, nil
}

// nodeEntrySizeConst mirrors historypack's unexported nodeEntrySize; kept
// as a local constant since the two packages intentionally don't share an
// internal import.
const nodeEntrySizeConst = key.NodeSize*4 + 4
