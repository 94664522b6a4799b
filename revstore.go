// Package revisionstore implements the core of a content-addressed
// revision store: pack files and their indexes, an indexed rotating log,
// a directory-backed multi-pack store, and the repack pipeline that
// consolidates many small packs into fewer, larger ones.
//
// Command-line wrappers, host-language bindings, process-wide logging
// configuration, network fetch clients and any higher-level commit-graph
// logic are external collaborators and out of scope here; this package
// only defines the interfaces they consume.
package revisionstore

import "github.com/basinhub/revisionstore/key"

// LocalStore answers "which of these keys does this store not have".
type LocalStore interface {
	// GetMissing returns the subset of keys not found in this store, in
	// the same relative order as the input.
	GetMissing(keys []key.Key) ([]key.Key, error)
}

// DataStore is the read surface shared by data packs and the indexed log.
type DataStore interface {
	LocalStore

	// Get returns the fully reconstructed content for key.
	Get(k key.Key) ([]byte, error)

	// GetDelta returns the single delta record stored for key.
	GetDelta(k key.Key) (key.Delta, error)

	// GetDeltaChain returns the chain from key back to a base-less delta.
	// The last element always has Base == nil.
	GetDeltaChain(k key.Key) ([]key.Delta, error)

	// GetMeta returns the metadata recorded alongside key.
	GetMeta(k key.Key) (key.Metadata, error)
}

// HistoryStore is the read surface implemented by history packs.
type HistoryStore interface {
	LocalStore

	// GetNodeInfo returns the ancestry record for key.
	GetNodeInfo(k key.Key) (key.NodeInfo, error)

	// GetAncestors returns key and its transitive parent closure within
	// this store.
	GetAncestors(k key.Key) (map[key.Node]key.NodeInfo, error)
}

// MutableDataStore is the write surface for data payloads the indexed log
// implements directly; pack builders share its Add signature but publish
// through Finalize instead of Flush/Close, since a pack only becomes
// readable once its index is written and both files are renamed into
// place (see packbuilder.DataPackBuilder).
type MutableDataStore interface {
	// Add appends delta with its metadata. Implementations that cannot
	// represent a based delta (the indexed log) return InvalidWrite
	// without performing any I/O.
	Add(delta key.Delta, meta key.Metadata) error

	// Flush persists buffered appends durably.
	Flush() error

	// Close flushes and releases resources. Close is idempotent.
	Close() error
}

// MutableHistoryStore is the write surface the indexed log would
// implement for history-shaped writes; pack builders share its Add
// signature but publish through Finalize (see
// packbuilder.HistoryPackBuilder).
type MutableHistoryStore interface {
	Add(k key.Key, info key.NodeInfo) error
	Flush() error
	Close() error
}
