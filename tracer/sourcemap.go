package tracer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// ErrNoMapping is returned when a mapped script has no mapping at or before the requested position.
var ErrNoMapping = errors.New("no source mapping for location")

// Mapping relates a position in a generated script to its original source.
type Mapping struct {
	GeneratedLine   int    `json:"generatedLine" msgpack:"gl"`
	GeneratedColumn int    `json:"generatedColumn" msgpack:"gc"`
	OriginalURL     string `json:"originalUrl" msgpack:"u"`
	OriginalLine    int    `json:"originalLine" msgpack:"ol"`
	OriginalColumn  int    `json:"originalColumn" msgpack:"oc"`
	Name            string `json:"name,omitempty" msgpack:"n,omitempty"`
}

type sourceMap struct {
	URL      string    `msgpack:"u"`
	Mappings []Mapping `msgpack:"m"` // sorted by generated position
	missing  bool
}

// SourceMapStore is a SourceMapper over registered mappings. Scripts without registered mappings resolve to their
// generated location.
type SourceMapStore struct {
	storage Storage
	cache   *ristretto.Cache[string, *sourceMap]
	loads   singleflight.Group

	genMu       sync.Mutex
	generations map[string]uint64 // bumped by each Register / Unregister, a load only caches if unchanged
}

// NewSourceMapStore creates a store persisting to storage with a decoded map cache of cacheMB.
func NewSourceMapStore(storage Storage, cacheMB int) (*SourceMapStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *sourceMap]{
		NumCounters: 100_000,
		MaxCost:     int64(max(cacheMB, 1)) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create source map cache failed: %w", err)
	}
	return &SourceMapStore{
		storage:     KeyPrefixStorage(storage, "sourcemap"),
		cache:       cache,
		generations: make(map[string]uint64),
	}, nil
}

// OpenSourceMapStore creates a store using badger under the configured directory, or memory if none is set.
func OpenSourceMapStore(config Config) (*SourceMapStore, error) {
	var storage Storage
	if config.SourceMapDir == "" {
		storage = NewMemStorage()
	} else {
		var err error
		storage, err = NewBadgerStorage(filepath.Clean(config.SourceMapDir), config.CacheMB, false)
		if err != nil {
			return nil, err
		}
	}
	store, err := NewSourceMapStore(storage, config.CacheMB)
	if err != nil {
		return nil, errors.Join(err, storage.Close())
	}
	return store, nil
}

func compareGenerated(m Mapping, line, column int) int {
	return cmp.Or(cmp.Compare(m.GeneratedLine, line), cmp.Compare(m.GeneratedColumn, column))
}

// Register replaces the mappings for the generated script at url. Mappings with negative positions are ignored.
func (s *SourceMapStore) Register(url string, mappings []Mapping) error {
	valid := bulk.SliceFilter(func(m Mapping) bool {
		return m.GeneratedLine >= 0 && m.GeneratedColumn >= 0 && m.OriginalLine >= 0 && m.OriginalColumn >= 0
	}, mappings)
	sorted := slices.Clone(valid)
	slices.SortStableFunc(sorted, func(a, b Mapping) int {
		return compareGenerated(a, b.GeneratedLine, b.GeneratedColumn)
	})
	sm := &sourceMap{URL: url, Mappings: sorted}

	data, err := msgpack.Marshal(sm)
	if err != nil {
		return fmt.Errorf("encode source map failed: %w", err)
	}
	key := storageKey(url)
	if err := s.storage.Save(key, ZstdCompress(nil, data)); err != nil {
		return fmt.Errorf("save source map failed: %w", err)
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[key]++
	s.loads.Forget(key)
	s.cache.Del(key) // a dropped Set must not leave a cached miss behind
	s.cache.Set(key, sm, int64(len(data)))
	s.cache.Wait()
	return nil
}

// Unregister removes the mappings for url, later lookups resolve to the generated location.
func (s *SourceMapStore) Unregister(url string) error {
	key := storageKey(url)
	if err := s.storage.Delete(key); err != nil {
		return err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[key]++
	s.loads.Forget(key)
	s.cache.Del(key)
	s.cache.Wait()
	return nil
}

// Keys returns the storage keys of registered scripts. Short URLs are their own key, long URLs are hashed.
func (s *SourceMapStore) Keys() ([]string, error) {
	return s.storage.Keys("")
}

func (s *SourceMapStore) load(url string) (*sourceMap, error) {
	key := storageKey(url)
	if sm, ok := s.cache.Get(key); ok {
		return sm, nil
	}
	v, err, _ := s.loads.Do(key, func() (interface{}, error) {
		s.genMu.Lock()
		gen := s.generations[key]
		s.genMu.Unlock()

		blob, ok, err := s.storage.Load(key)
		if err != nil {
			return nil, err
		} else if !ok {
			sm := &sourceMap{URL: url, missing: true}
			s.cacheLoaded(key, gen, sm, 1)
			return sm, nil
		}
		data, err := ZstdDecompress(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("decompress source map failed: %w", err)
		}
		var sm sourceMap
		if err := msgpack.Unmarshal(data, &sm); err != nil {
			return nil, fmt.Errorf("decode source map failed: %w", err)
		}
		s.cacheLoaded(key, gen, &sm, int64(len(data)))
		return &sm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sourceMap), nil
}

// cacheLoaded caches a map read from storage, unless a registration changed the key while it was being read.
func (s *SourceMapStore) cacheLoaded(key string, gen uint64, sm *sourceMap, cost int64) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[key] == gen {
		s.cache.Set(key, sm, cost)
	}
}

// OriginalLocation resolves loc using the last mapping at or before it.
func (s *SourceMapStore) OriginalLocation(ctx context.Context, loc GeneratedLocation) (OriginalLocation, error) {
	if err := ctx.Err(); err != nil {
		return OriginalLocation{}, err
	}
	sm, err := s.load(loc.URL)
	if err != nil {
		return OriginalLocation{}, err
	} else if sm.missing {
		return OriginalLocation{URL: loc.URL, Line: loc.Line, Column: loc.Column}, nil
	}

	after := sort.Search(len(sm.Mappings), func(i int) bool {
		return compareGenerated(sm.Mappings[i], loc.Line, loc.Column) > 0
	})
	if after == 0 {
		return OriginalLocation{}, fmt.Errorf("%w: %s:%d:%d", ErrNoMapping, loc.URL, loc.Line, loc.Column)
	}
	m := sm.Mappings[after-1]
	return OriginalLocation{URL: m.OriginalURL, Line: m.OriginalLine, Column: m.OriginalColumn, Name: m.Name}, nil
}

func (s *SourceMapStore) Close() error {
	s.cache.Close()
	return s.storage.Close()
}
