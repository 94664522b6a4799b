// Package key defines the identity and payload types shared by every
// storage engine in the revision store: nodes, paths, keys, deltas,
// metadata and history entries.
package key

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// NodeSize is the fixed width of a content digest.
const NodeSize = 20

// Node is a fixed-width content digest identifying a revision of a file's
// bytes.
type Node [NodeSize]byte

// NullNode denotes "no parent" or "no copy source".
var NullNode = Node{}

// IsNull reports whether n is the distinguished null node.
func (n Node) IsNull() bool {
	return n == NullNode
}

// String renders the node as lowercase hex.
func (n Node) String() string {
	return hex.EncodeToString(n[:])
}

// Path identifies a file within the versioned tree. It is an opaque byte
// sequence, not validated as UTF-8.
type Path []byte

// String renders the path as-is; callers that need UTF-8 safety should
// validate separately.
func (p Path) String() string {
	return string(p)
}

// Equal reports component-wise equality.
func (p Path) Equal(o Path) bool {
	return bytes.Equal(p, o)
}

// Key identifies a single revision of a path.
type Key struct {
	Path Path
	Node Node
}

// String renders the key for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Path, k.Node)
}

// Equal reports component-wise equality.
func (k Key) Equal(o Key) bool {
	return k.Node == o.Node && k.Path.Equal(o.Path)
}

// Metadata tags.
const (
	TagEnd   uint8 = 0x00
	TagSize  uint8 = 0x01
	TagFlags uint8 = 0x02
)

// MetaVersion is the single version byte leading every serialized Metadata.
const MetaVersion uint8 = 0

// MetaAttr is one (tag, value) attribute. Value length must fit in 16 bits.
type MetaAttr struct {
	Tag   uint8
	Value []byte
}

// Metadata is an ordered set of attributes. Order is preserved round-trip;
// it is never re-sorted.
type Metadata struct {
	Attrs []MetaAttr
}

// Size returns the value of the reserved SIZE attribute, if present.
func (m Metadata) Size() (uint64, bool) {
	for _, a := range m.Attrs {
		if a.Tag == TagSize && len(a.Value) == 8 {
			return binary.BigEndian.Uint64(a.Value), true
		}
	}
	return 0, false
}

// Flags returns the value of the reserved FLAGS attribute, if present.
func (m Metadata) Flags() (uint64, bool) {
	for _, a := range m.Attrs {
		if a.Tag == TagFlags && len(a.Value) == 8 {
			return binary.BigEndian.Uint64(a.Value), true
		}
	}
	return 0, false
}

// WithSize returns a copy of m with the SIZE attribute set, replacing any
// existing SIZE attribute while preserving the position of the others.
func (m Metadata) WithSize(size uint64) Metadata {
	return m.withU64Attr(TagSize, size)
}

// WithFlags returns a copy of m with the FLAGS attribute set.
func (m Metadata) WithFlags(flags uint64) Metadata {
	return m.withU64Attr(TagFlags, flags)
}

func (m Metadata) withU64Attr(tag uint8, v uint64) Metadata {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, v)
	out := Metadata{Attrs: make([]MetaAttr, 0, len(m.Attrs)+1)}
	replaced := false
	for _, a := range m.Attrs {
		if a.Tag == tag {
			out.Attrs = append(out.Attrs, MetaAttr{Tag: tag, Value: val})
			replaced = true
			continue
		}
		out.Attrs = append(out.Attrs, a)
	}
	if !replaced {
		out.Attrs = append(out.Attrs, MetaAttr{Tag: tag, Value: val})
	}
	return out
}

// Marshal serializes the metadata as: version byte, then tag-terminated
// (tag, len u16 BE, value) triples, ending with a zero tag.
func (m Metadata) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(MetaVersion)
	for _, a := range m.Attrs {
		buf.WriteByte(a.Tag)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(a.Value)))
		buf.Write(lenBuf[:])
		buf.Write(a.Value)
	}
	buf.WriteByte(TagEnd)
	return buf.Bytes()
}

// Unmarshal parses a Metadata previously produced by Marshal, returning the
// number of bytes consumed.
func Unmarshal(buf []byte) (Metadata, int, error) {
	if len(buf) < 2 {
		return Metadata{}, 0, fmt.Errorf("metadata: truncated header")
	}
	if buf[0] != MetaVersion {
		return Metadata{}, 0, fmt.Errorf("metadata: unsupported version %d", buf[0])
	}
	pos := 1
	var m Metadata
	for {
		if pos >= len(buf) {
			return Metadata{}, 0, fmt.Errorf("metadata: truncated, missing terminator")
		}
		tag := buf[pos]
		pos++
		if tag == TagEnd {
			return m, pos, nil
		}
		if pos+2 > len(buf) {
			return Metadata{}, 0, fmt.Errorf("metadata: truncated value length")
		}
		valLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+valLen > len(buf) {
			return Metadata{}, 0, fmt.Errorf("metadata: truncated value")
		}
		value := append([]byte(nil), buf[pos:pos+valLen]...)
		pos += valLen
		m.Attrs = append(m.Attrs, MetaAttr{Tag: tag, Value: value})
	}
}

// Delta is a payload plus an optional base key. base == nil means data is
// the full content; otherwise data is a diff to be applied against base's
// content.
type Delta struct {
	Key  Key
	Base *Key
	Data []byte
}

// NodeInfo is a history entry: the two parents, the introducing commit
// (linknode), and an optional rename source.
type NodeInfo struct {
	Parents  [2]Key
	Linknode Node
	CopyFrom *Path
}
