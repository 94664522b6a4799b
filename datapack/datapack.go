// Package datapack implements the read side of an immutable data pack
// (C3): a flat file of delta records, looked up through a paired
// packindex.Index and composed into full content by walking delta chains.
package datapack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packindex"
)

var log = logging.Logger("revisionstore/datapack")

// Version is the single version byte leading every data pack file.
const Version byte = 1

// Pack is an opened, read-only data pack.
type Pack struct {
	r    io.ReaderAt
	f    io.Closer
	idx  *packindex.Index
	path string
}

// Open opens the data pack at packPath, paired with the index at
// idxPath.
func Open(packPath, idxPath string) (*Pack, error) {
	idx, err := packindex.Open(idxPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(packPath)
	if err != nil {
		idx.Close()
		log.Warnf("datapack: open %s: %v", packPath, err)
		return nil, &revisionstore.Io{Path: packPath, Err: err}
	}
	var verBuf [1]byte
	if _, err := f.ReadAt(verBuf[:], 0); err != nil {
		f.Close()
		idx.Close()
		return nil, revisionstore.WrapFileErr(packPath, "reading version", err)
	}
	if verBuf[0] != Version {
		f.Close()
		idx.Close()
		return nil, &revisionstore.CorruptPack{Path: packPath, Reason: fmt.Sprintf("unsupported version %d", verBuf[0])}
	}
	log.Debugf("datapack: opened %s", packPath)
	return &Pack{r: f, f: f, idx: idx, path: packPath}, nil
}

// Close releases the pack file and its index.
func (p *Pack) Close() error {
	err := p.f.Close()
	if ierr := p.idx.Close(); ierr != nil && err == nil {
		err = ierr
	}
	return err
}

// record is a single parsed data-pack entry.
type record struct {
	path     key.Path
	node     key.Node
	base     key.Node
	data     []byte
	metadata key.Metadata
}

func (p *Pack) readRecordAt(off uint64) (record, error) {
	var lenBuf [2]byte
	if _, err := p.r.ReadAt(lenBuf[:], int64(off)); err != nil {
		return record{}, revisionstore.WrapFileErr(p.path, "reading path length", err)
	}
	pathLen := binary.BigEndian.Uint16(lenBuf[:])
	pos := off + 2

	pathBuf := make([]byte, pathLen)
	if pathLen > 0 {
		if _, err := p.r.ReadAt(pathBuf, int64(pos)); err != nil {
			return record{}, revisionstore.WrapFileErr(p.path, "reading path", err)
		}
	}
	pos += uint64(pathLen)

	var nodeBuf [key.NodeSize]byte
	if _, err := p.r.ReadAt(nodeBuf[:], int64(pos)); err != nil {
		return record{}, revisionstore.WrapFileErr(p.path, "reading node", err)
	}
	pos += key.NodeSize

	var baseBuf [key.NodeSize]byte
	if _, err := p.r.ReadAt(baseBuf[:], int64(pos)); err != nil {
		return record{}, revisionstore.WrapFileErr(p.path, "reading base", err)
	}
	pos += key.NodeSize

	var dataLenBuf [8]byte
	if _, err := p.r.ReadAt(dataLenBuf[:], int64(pos)); err != nil {
		return record{}, revisionstore.WrapFileErr(p.path, "reading data length", err)
	}
	dataLen := binary.BigEndian.Uint64(dataLenBuf[:])
	pos += 8

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := p.r.ReadAt(data, int64(pos)); err != nil {
			return record{}, revisionstore.WrapFileErr(p.path, "reading data", err)
		}
	}
	pos += dataLen

	var metaLenBuf [4]byte
	if _, err := p.r.ReadAt(metaLenBuf[:], int64(pos)); err != nil {
		return record{}, revisionstore.WrapFileErr(p.path, "reading metadata length", err)
	}
	metaLen := binary.BigEndian.Uint32(metaLenBuf[:])
	pos += 4

	metaBuf := make([]byte, metaLen)
	if metaLen > 0 {
		if _, err := p.r.ReadAt(metaBuf, int64(pos)); err != nil {
			return record{}, revisionstore.WrapFileErr(p.path, "reading metadata", err)
		}
	}

	meta, _, err := key.Unmarshal(metaBuf)
	if err != nil {
		return record{}, &revisionstore.CorruptPack{Path: p.path, Reason: fmt.Sprintf("decoding metadata: %v", err)}
	}

	var node, base key.Node
	copy(node[:], nodeBuf[:])
	copy(base[:], baseBuf[:])

	return record{
		path:     key.Path(pathBuf),
		node:     node,
		base:     base,
		data:     data,
		metadata: meta,
	}, nil
}

func (p *Pack) lookup(k key.Key) (uint64, record, error) {
	off, ok, err := p.idx.Lookup(k.Node)
	if err != nil {
		return 0, record{}, err
	}
	if !ok {
		return 0, record{}, &revisionstore.NotFound{Key: k}
	}
	rec, err := p.readRecordAt(off)
	if err != nil {
		return 0, record{}, err
	}
	if rec.node != k.Node {
		return 0, record{}, &revisionstore.CorruptPack{Path: p.path, Reason: "index entry points at mismatched node"}
	}
	return off, rec, nil
}

// GetDelta locates key by its node and parses its delta record.
func (p *Pack) GetDelta(k key.Key) (key.Delta, error) {
	_, rec, err := p.lookup(k)
	if err != nil {
		return key.Delta{}, err
	}
	d := key.Delta{Key: key.Key{Path: rec.path, Node: rec.node}, Data: rec.data}
	if !rec.base.IsNull() {
		d.Base = &key.Key{Path: rec.path, Node: rec.base}
	}
	return d, nil
}

// GetDeltaChain follows Base links until a base-less delta, or fails with
// BrokenChain if a base is missing from this pack or the chain revisits a
// node.
func (p *Pack) GetDeltaChain(k key.Key) ([]key.Delta, error) {
	var chain []key.Delta
	cur := k
	seen := map[key.Node]bool{}
	for {
		if seen[cur.Node] {
			return nil, &revisionstore.BrokenChain{Key: k}
		}
		seen[cur.Node] = true
		d, err := p.GetDelta(cur)
		if err != nil {
			if len(chain) > 0 {
				var nf *revisionstore.NotFound
				if asNotFound(err, &nf) {
					return nil, &revisionstore.BrokenChain{Key: k}
				}
			}
			return nil, err
		}
		chain = append(chain, d)
		if d.Base == nil {
			return chain, nil
		}
		cur = *d.Base
	}
}

func asNotFound(err error, target **revisionstore.NotFound) bool {
	nf, ok := err.(*revisionstore.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

// Get composes the full content for key by reversing its delta chain (full
// text first) and applying each successive diff.
func (p *Pack) Get(k key.Key) ([]byte, error) {
	chain, err := p.GetDeltaChain(k)
	if err != nil {
		return nil, err
	}
	// chain[0] is k itself, chain[last] is base-less: reverse to apply
	// from the full text outward.
	content := chain[len(chain)-1].Data
	for i := len(chain) - 2; i >= 0; i-- {
		content = ApplyDelta(content, chain[i].Data)
	}
	return content, nil
}

// Delta op codes. A delta is a sequence of these, terminated by running
// out of buffer. opCopy copies a byte range out of the base content;
// opInsert carries literal bytes. §1 scopes the choice of diff algorithm
// to an external collaborator (the VCS layer that actually computes
// edits); this core only needs a self-consistent wire format it can both
// produce (BuildDelta, used by tests and by repack fixtures) and apply
// (ApplyDelta), so a prefix/suffix copy-and-insert scheme is used rather
// than a general-purpose diff.
const (
	opCopy   byte = 0
	opInsert byte = 1
)

// BuildDelta produces a delta against base using the common prefix and
// common suffix of base and target: copy the shared prefix, insert
// whatever differs in the middle, copy the shared suffix.
func BuildDelta(base, target []byte) []byte {
	prefix := 0
	max := len(base)
	if len(target) < max {
		max = len(target)
	}
	for prefix < max && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < max-prefix && base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	buf := new(bytes.Buffer)
	if prefix > 0 {
		writeCopyOp(buf, 0, uint32(prefix))
	}
	mid := target[prefix : len(target)-suffix]
	if len(mid) > 0 {
		writeInsertOp(buf, mid)
	}
	if suffix > 0 {
		writeCopyOp(buf, uint32(len(base)-suffix), uint32(suffix))
	}
	if buf.Len() == 0 && len(base) > 0 {
		// An empty target against a non-empty base: an empty diff would
		// mean "no change" to ApplyDelta, so emit an empty insert instead.
		writeInsertOp(buf, nil)
	}
	return buf.Bytes()
}

func writeCopyOp(buf *bytes.Buffer, start, length uint32) {
	buf.WriteByte(opCopy)
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], start)
	binary.BigEndian.PutUint32(b[4:8], length)
	buf.Write(b[:])
}

func writeInsertOp(buf *bytes.Buffer, data []byte) {
	buf.WriteByte(opInsert)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

// ApplyDelta applies a diff produced by BuildDelta against base, yielding
// the derived content. An empty diff means "no change": base is returned
// unmodified, which lets a pack encode a delta whose target is identical
// to its base without emitting any ops.
func ApplyDelta(base, diff []byte) []byte {
	if len(diff) == 0 {
		return append([]byte(nil), base...)
	}
	out := new(bytes.Buffer)
	pos := 0
	for pos < len(diff) {
		op := diff[pos]
		pos++
		switch op {
		case opCopy:
			start := binary.BigEndian.Uint32(diff[pos : pos+4])
			length := binary.BigEndian.Uint32(diff[pos+4 : pos+8])
			pos += 8
			out.Write(base[start : start+length])
		case opInsert:
			length := binary.BigEndian.Uint32(diff[pos : pos+4])
			pos += 4
			out.Write(diff[pos : pos+int(length)])
			pos += int(length)
		default:
			panic(fmt.Sprintf("datapack: unknown delta opcode %d", op))
		}
	}
	return out.Bytes()
}

// GetMeta returns the metadata recorded for key.
func (p *Pack) GetMeta(k key.Key) (key.Metadata, error) {
	_, rec, err := p.lookup(k)
	if err != nil {
		return key.Metadata{}, err
	}
	return rec.metadata, nil
}

// GetMissing returns the keys whose node is not present in this pack's
// index, in input order.
func (p *Pack) GetMissing(keys []key.Key) ([]key.Key, error) {
	var missing []key.Key
	for _, k := range keys {
		_, ok, err := p.idx.Lookup(k.Node)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Entries returns every (node, offset) pair in the pack's index, used by
// repack to iterate a source pack without re-deriving it from the file.
func (p *Pack) Entries() ([]packindex.Entry, error) {
	return p.idx.All()
}

// RecordAt exposes readRecordAt for the repack merge path, returning a
// Delta and its Metadata together so callers don't re-read twice.
func (p *Pack) RecordAt(off uint64) (key.Delta, key.Metadata, error) {
	rec, err := p.readRecordAt(off)
	if err != nil {
		return key.Delta{}, key.Metadata{}, err
	}
	d := key.Delta{Key: key.Key{Path: rec.path, Node: rec.node}, Data: rec.data}
	if !rec.base.IsNull() {
		d.Base = &key.Key{Path: rec.path, Node: rec.base}
	}
	return d, rec.metadata, nil
}

// EncodeRecord serializes a single data-pack record, shared by the builder
// and by tests that need to hand-construct fixtures.
func EncodeRecord(d key.Delta, meta key.Metadata) []byte {
	buf := new(bytes.Buffer)
	var pathLen [2]byte
	binary.BigEndian.PutUint16(pathLen[:], uint16(len(d.Key.Path)))
	buf.Write(pathLen[:])
	buf.Write(d.Key.Path)
	buf.Write(d.Key.Node[:])
	if d.Base != nil {
		buf.Write(d.Base.Node[:])
	} else {
		buf.Write(key.NullNode[:])
	}
	var dataLen [8]byte
	binary.BigEndian.PutUint64(dataLen[:], uint64(len(d.Data)))
	buf.Write(dataLen[:])
	buf.Write(d.Data)
	metaBytes := meta.Marshal()
	var metaLen [4]byte
	binary.BigEndian.PutUint32(metaLen[:], uint32(len(metaBytes)))
	buf.Write(metaLen[:])
	buf.Write(metaBytes)
	return buf.Bytes()
}
