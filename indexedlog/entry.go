package indexedlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

// encodeEntry serializes one log entry: node, path, metadata, then the
// LZ4-framed payload, following the wire layout of the Rust
// IndexedLogDataStore entry this package is modeled on.
func encodeEntry(k key.Key, meta key.Metadata, payload []byte) ([]byte, error) {
	compressed, err := compress(payload)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	buf.Write(k.Node[:])
	var pathLen [2]byte
	binary.BigEndian.PutUint16(pathLen[:], uint16(len(k.Path)))
	buf.Write(pathLen[:])
	buf.Write(k.Path)
	buf.Write(meta.Marshal())
	var compLen [8]byte
	binary.BigEndian.PutUint64(compLen[:], uint64(len(compressed)))
	buf.Write(compLen[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// decodedEntry is an entry parsed out of a shard, with its payload left
// compressed until the caller actually needs it (get_meta never does).
type decodedEntry struct {
	key        key.Key
	meta       key.Metadata
	compressed []byte
}

// decodeEntry parses one entry from buf, which must hold exactly one
// entry's bytes (the shard index records each entry's length alongside
// its offset, so callers can slice precisely before calling this).
func decodeEntry(path string, buf []byte) (decodedEntry, error) {
	if len(buf) < key.NodeSize+2 {
		return decodedEntry{}, &revisionstore.CorruptPack{Path: path, Reason: "truncated entry header"}
	}
	var node key.Node
	copy(node[:], buf[:key.NodeSize])
	pos := key.NodeSize

	pathLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if len(buf) < pos+pathLen {
		return decodedEntry{}, &revisionstore.CorruptPack{Path: path, Reason: "truncated entry path"}
	}
	p := key.Path(append([]byte(nil), buf[pos:pos+pathLen]...))
	pos += pathLen

	meta, n, err := key.Unmarshal(buf[pos:])
	if err != nil {
		return decodedEntry{}, &revisionstore.CorruptPack{Path: path, Reason: fmt.Sprintf("decoding metadata: %v", err)}
	}
	pos += n

	if len(buf) < pos+8 {
		return decodedEntry{}, &revisionstore.CorruptPack{Path: path, Reason: "truncated compressed length"}
	}
	compLen := binary.BigEndian.Uint64(buf[pos : pos+8])
	pos += 8
	if uint64(len(buf)-pos) < compLen {
		return decodedEntry{}, &revisionstore.CorruptPack{Path: path, Reason: "truncated compressed payload"}
	}
	compressed := buf[pos : pos+int(compLen)]

	return decodedEntry{
		key:        key.Key{Path: p, Node: node},
		meta:       meta,
		compressed: compressed,
	}, nil
}

func (e decodedEntry) content() ([]byte, error) {
	return decompress(e.compressed)
}

func compress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("indexedlog: decompressing payload: %w", err)
	}
	return out, nil
}
