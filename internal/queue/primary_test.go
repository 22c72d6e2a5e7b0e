package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
)

type memoryQueueStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func newMemoryQueueStore() *memoryQueueStore {
	return &memoryQueueStore{items: make(map[string]*Item)}
}

func (s *memoryQueueStore) LoadQueueItems(context.Context) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		ret = append(ret, cloneItem(item))
	}
	return ret, nil
}

func (s *memoryQueueStore) UpsertQueueItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *memoryQueueStore) DeleteQueueItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, itemID)
	return nil
}

func oneSegment(text string) []subtitle.TranslatedSegment {
	return []subtitle.TranslatedSegment{{
		Segment:        subtitle.Segment{End: time.Second, Text: text},
		TranslatedText: text + "-translated",
	}}
}

func TestPrimary_Enqueue_DeduplicatesLiveItems(t *testing.T) {
	q := NewPrimary(nil, cache.NewStore(10, nil), nil)

	first, created := q.Enqueue("video-1", "fr")
	second, createdAgain := q.Enqueue("video-1", "fr")

	require.True(t, created)
	require.False(t, createdAgain)
	assert.Equal(t, first.ID, second.ID)

	// A different tuple is a different item.
	third, created := q.Enqueue("video-1", "de")
	require.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestPrimary_ProcessesSequentiallyInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var active, maxActive int32

	run := func(_ context.Context, item *Item) ([]subtitle.TranslatedSegment, error) {
		current := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if current <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, item.JobIdentifier)
		mu.Unlock()
		atomic.AddInt32(&active, -1)
		return oneSegment(item.JobIdentifier), nil
	}

	q := NewPrimary(nil, cache.NewStore(10, nil), run)
	q.Enqueue("a", "fr")
	q.Enqueue("b", "fr")
	q.Enqueue("c", "fr")
	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestPrimary_CacheHitCompletesWithoutRunner(t *testing.T) {
	cacheStore := cache.NewStore(10, nil)
	cacheStore.Put(cache.Key("video-1", "", "fr"), oneSegment("cached"))

	var calls atomic.Int32
	run := func(_ context.Context, item *Item) ([]subtitle.TranslatedSegment, error) {
		calls.Add(1)
		return oneSegment(item.JobIdentifier), nil
	}

	q := NewPrimary(nil, cacheStore, run)
	q.Start()
	defer q.Stop()

	item, created := q.Enqueue("video-1", "fr")
	require.True(t, created)

	require.Eventually(t, func() bool {
		got, ok := q.Get(item.ID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPrimary_SuccessWritesCacheAndReleasesDedupe(t *testing.T) {
	cacheStore := cache.NewStore(10, nil)
	run := func(_ context.Context, item *Item) ([]subtitle.TranslatedSegment, error) {
		return oneSegment(item.JobIdentifier), nil
	}

	q := NewPrimary(nil, cacheStore, run)
	q.Start()
	defer q.Stop()

	first, created := q.Enqueue("video-2", "fr")
	require.True(t, created)

	require.Eventually(t, func() bool {
		got, ok := q.Get(first.ID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	assert.True(t, cacheStore.Contains(cache.Key("video-2", "", "fr")))

	// A terminal item no longer blocks re-enqueueing the same tuple.
	second, created := q.Enqueue("video-2", "fr")
	require.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPrimary_FailureRecordsErrorAndAllowsRetry(t *testing.T) {
	var attempts atomic.Int32
	run := func(_ context.Context, item *Item) ([]subtitle.TranslatedSegment, error) {
		if attempts.Add(1) == 1 {
			return nil, assert.AnError
		}
		return oneSegment(item.JobIdentifier), nil
	}

	q := NewPrimary(nil, cache.NewStore(10, nil), run)
	q.Start()
	defer q.Stop()

	first, created := q.Enqueue("video-3", "fr")
	require.True(t, created)

	require.Eventually(t, func() bool {
		got, ok := q.Get(first.ID)
		return ok && got.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	got, ok := q.Get(first.ID)
	require.True(t, ok)
	assert.NotEmpty(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	second, created := q.Enqueue("video-3", "fr")
	require.True(t, created)
	require.Eventually(t, func() bool {
		got, ok := q.Get(second.ID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestPrimary_RehydratesProcessingAsPending(t *testing.T) {
	store := newMemoryQueueStore()
	stale := &Item{
		ID:             "item-stale",
		JobIdentifier:  "video-4",
		TargetLanguage: "fr",
		Status:         StatusProcessing,
		AddedAt:        time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.UpsertQueueItem(context.Background(), stale))

	run := func(_ context.Context, item *Item) ([]subtitle.TranslatedSegment, error) {
		return oneSegment(item.JobIdentifier), nil
	}
	q := NewPrimary(store, cache.NewStore(10, nil), run)

	got, ok := q.Get("item-stale")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	// Restart recovery is persisted, not just in memory.
	persisted, err := store.LoadQueueItems(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, StatusPending, persisted[0].Status)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		got, ok := q.Get("item-stale")
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestPrimary_RehydratedItemsKeepDedupe(t *testing.T) {
	store := newMemoryQueueStore()
	require.NoError(t, store.UpsertQueueItem(context.Background(), &Item{
		ID:             "item-pending",
		JobIdentifier:  "video-5",
		TargetLanguage: "fr",
		Status:         StatusPending,
		AddedAt:        time.Now(),
	}))

	q := NewPrimary(store, cache.NewStore(10, nil), nil)

	duplicate, created := q.Enqueue("video-5", "fr")
	require.False(t, created)
	assert.Equal(t, "item-pending", duplicate.ID)
}
