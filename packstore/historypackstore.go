package packstore

import (
	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/historypack"
	"github.com/basinhub/revisionstore/key"
)

// HistoryPackStore fronts a directory of history packs, implementing
// revisionstore.HistoryStore and revisionstore.LocalStore.
type HistoryPackStore struct {
	store *Store
}

// OpenHistoryPackStore opens a HistoryPackStore rooted at dir,
// discovering ".histpack"/".histidx" pairs.
func OpenHistoryPackStore(dir string, opts ...Option) (*HistoryPackStore, error) {
	s, err := Open(dir, "histpack", "histidx", func(packPath, idxPath string) (PackReader, error) {
		return historypack.Open(packPath, idxPath)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &HistoryPackStore{store: s}, nil
}

func historyCheck(r PackReader, k key.Key) (bool, error) {
	p := r.(*historypack.Pack)
	missing, err := p.GetMissing([]key.Key{k})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (s *HistoryPackStore) find(k key.Key) (*historypack.Pack, error) {
	r, ok, err := s.store.Lookup(k, historyCheck)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &revisionstore.NotFound{Key: k}
	}
	return r.(*historypack.Pack), nil
}

// GetMissing returns the keys absent from every pack currently fronted
// by this store.
func (s *HistoryPackStore) GetMissing(keys []key.Key) ([]key.Key, error) {
	return s.store.GetMissing(keys, historyCheck)
}

// GetNodeInfo returns k's ancestry record.
func (s *HistoryPackStore) GetNodeInfo(k key.Key) (key.NodeInfo, error) {
	p, err := s.find(k)
	if err != nil {
		return key.NodeInfo{}, err
	}
	return p.GetNodeInfo(k)
}

// GetAncestors returns k's transitive parent closure within the pack
// that holds it.
func (s *HistoryPackStore) GetAncestors(k key.Key) (map[key.Node]key.NodeInfo, error) {
	p, err := s.find(k)
	if err != nil {
		return nil, err
	}
	return p.GetAncestors(k)
}

// ForceRescan triggers a directory rescan on the next lookup.
func (s *HistoryPackStore) ForceRescan() { s.store.ForceRescan() }

// Metrics reports (numpacks, totalpacksize) over the fronted directory.
func (s *HistoryPackStore) Metrics() Metrics { return s.store.Metrics() }

// Close releases every open pack handle.
func (s *HistoryPackStore) Close() error { return s.store.Close() }
