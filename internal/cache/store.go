package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

const DefaultMaxEntries = 100

// Entry is one cached translation result.
type Entry struct {
	Key          string                       `json:"key"`
	Subtitles    []subtitle.TranslatedSegment `json:"subtitles"`
	CreatedAt    time.Time                    `json:"created_at"`
	LastAccessAt time.Time                    `json:"last_access_at"`
}

// Stats reports cache performance counters.
type Stats struct {
	Entries int `json:"entries"`
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
}

// PersistentStore mirrors cache entries to durable storage so completed
// translations survive restarts.
type PersistentStore interface {
	LoadCacheEntries(ctx context.Context) ([]Entry, error)
	UpsertCacheEntry(ctx context.Context, entry Entry) error
	DeleteCacheEntry(ctx context.Context, key string) error
}

// Store is an LRU-bounded key/value store for completed translations.
// All mutations are single atomic read-modify-writes under one mutex;
// eviction is always computed against the latest entry set.
type Store struct {
	maxEntries int
	persistent PersistentStore

	mu      sync.Mutex
	entries map[string]*Entry
	access  map[string]uint64
	clock   uint64
	hits    int
	misses  int
}

func NewStore(maxEntries int, persistent PersistentStore) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{
		maxEntries: maxEntries,
		persistent: persistent,
		entries:    make(map[string]*Entry),
		access:     make(map[string]uint64),
	}
	s.hydrateFromStore(context.Background())
	return s
}

// Get returns the cached subtitles for key and bumps its recency.
func (s *Store) Get(key string) ([]subtitle.TranslatedSegment, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}
	s.hits++
	s.clock++
	s.access[key] = s.clock
	entry.LastAccessAt = time.Now()
	ret := make([]subtitle.TranslatedSegment, len(entry.Subtitles))
	copy(ret, entry.Subtitles)
	snapshot := *entry
	s.mu.Unlock()

	s.persistEntry(snapshot)
	return ret, true
}

// Put stores subtitles under key, evicting the least recently used entry
// once the bound is exceeded.
func (s *Store) Put(key string, subtitles []subtitle.TranslatedSegment) {
	now := time.Now()
	stored := make([]subtitle.TranslatedSegment, len(subtitles))
	copy(stored, subtitles)

	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &Entry{Key: key, CreatedAt: now}
		s.entries[key] = entry
	}
	entry.Subtitles = stored
	entry.LastAccessAt = now
	s.clock++
	s.access[key] = s.clock
	evicted := s.evictLocked()
	snapshot := *entry
	s.mu.Unlock()

	s.persistEntry(snapshot)
	s.deleteFromStore(evicted)
}

// Contains reports presence without touching recency or counters.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes an entry from memory and durable storage.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	delete(s.access, key)
	s.mu.Unlock()

	if ok {
		s.deleteFromStore([]string{key})
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries: len(s.entries),
		Hits:    s.hits,
		Misses:  s.misses,
	}
}

// Keys returns all keys ordered most recently used first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		key  string
		tick uint64
	}
	all := make([]ranked, 0, len(s.entries))
	for key := range s.entries {
		all = append(all, ranked{key: key, tick: s.access[key]})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].tick > all[j].tick
	})
	keys := make([]string, len(all))
	for i, r := range all {
		keys[i] = r.key
	}
	return keys
}

func (s *Store) evictLocked() []string {
	var evicted []string
	for len(s.entries) > s.maxEntries {
		var oldestKey string
		var oldestTick uint64
		first := true
		for key, tick := range s.access {
			if first || tick < oldestTick {
				oldestKey = key
				oldestTick = tick
				first = false
			}
		}
		if first {
			break
		}
		delete(s.entries, oldestKey)
		delete(s.access, oldestKey)
		evicted = append(evicted, oldestKey)
	}
	return evicted
}

func (s *Store) hydrateFromStore(ctx context.Context) {
	if s.persistent == nil {
		return
	}
	loaded, err := s.persistent.LoadCacheEntries(ctx)
	if err != nil {
		log.Error("Failed to load cache entries from store: %v", err)
		return
	}

	// Oldest access first so the in-memory recency order matches.
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].LastAccessAt.Before(loaded[j].LastAccessAt)
	})

	s.mu.Lock()
	for _, raw := range loaded {
		if raw.Key == "" {
			continue
		}
		entry := raw
		s.entries[entry.Key] = &entry
		s.clock++
		s.access[entry.Key] = s.clock
	}
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.deleteFromStore(evicted)
}

func (s *Store) persistEntry(entry Entry) {
	if s.persistent == nil {
		return
	}
	if err := s.persistent.UpsertCacheEntry(context.Background(), entry); err != nil {
		log.Error("Failed to persist cache entry %s: %v", entry.Key, err)
	}
}

func (s *Store) deleteFromStore(keys []string) {
	if s.persistent == nil || len(keys) == 0 {
		return
	}
	for _, key := range keys {
		if err := s.persistent.DeleteCacheEntry(context.Background(), key); err != nil {
			log.Error("Failed to delete evicted cache entry %s: %v", key, err)
		}
	}
}
