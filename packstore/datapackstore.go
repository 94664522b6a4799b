package packstore

import (
	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/datapack"
	"github.com/basinhub/revisionstore/key"
)

// DataPackStore fronts a directory of data packs, implementing
// revisionstore.DataStore and revisionstore.LocalStore by dispatching to
// whichever open datapack.Pack answers first.
type DataPackStore struct {
	store *Store
}

// OpenDataPackStore opens a DataPackStore rooted at dir, discovering
// ".datapack"/".dataidx" pairs.
func OpenDataPackStore(dir string, opts ...Option) (*DataPackStore, error) {
	s, err := Open(dir, "datapack", "dataidx", func(packPath, idxPath string) (PackReader, error) {
		return datapack.Open(packPath, idxPath)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &DataPackStore{store: s}, nil
}

func dataCheck(r PackReader, k key.Key) (bool, error) {
	p := r.(*datapack.Pack)
	missing, err := p.GetMissing([]key.Key{k})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// GetMissing returns the keys absent from every pack currently fronted
// by this store.
func (s *DataPackStore) GetMissing(keys []key.Key) ([]key.Key, error) {
	return s.store.GetMissing(keys, dataCheck)
}

func (s *DataPackStore) find(k key.Key) (*datapack.Pack, error) {
	r, ok, err := s.store.Lookup(k, dataCheck)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &revisionstore.NotFound{Key: k}
	}
	return r.(*datapack.Pack), nil
}

// Get returns k's full, reconstructed content from whichever pack holds it.
func (s *DataPackStore) Get(k key.Key) ([]byte, error) {
	p, err := s.find(k)
	if err != nil {
		return nil, err
	}
	return p.Get(k)
}

// GetDelta returns k's raw delta record.
func (s *DataPackStore) GetDelta(k key.Key) (key.Delta, error) {
	p, err := s.find(k)
	if err != nil {
		return key.Delta{}, err
	}
	return p.GetDelta(k)
}

// GetDeltaChain returns k's full delta chain. Chains never cross packs
// (an invariant of C3/C8), so the owning pack alone resolves it.
func (s *DataPackStore) GetDeltaChain(k key.Key) ([]key.Delta, error) {
	p, err := s.find(k)
	if err != nil {
		return nil, err
	}
	return p.GetDeltaChain(k)
}

// GetMeta returns k's metadata.
func (s *DataPackStore) GetMeta(k key.Key) (key.Metadata, error) {
	p, err := s.find(k)
	if err != nil {
		return key.Metadata{}, err
	}
	return p.GetMeta(k)
}

// ForceRescan triggers a directory rescan on the next lookup.
func (s *DataPackStore) ForceRescan() { s.store.ForceRescan() }

// Metrics reports (numpacks, totalpacksize) over the fronted directory.
func (s *DataPackStore) Metrics() Metrics { return s.store.Metrics() }

// Close releases every open pack handle.
func (s *DataPackStore) Close() error { return s.store.Close() }
