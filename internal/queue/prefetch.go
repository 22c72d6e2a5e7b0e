package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

const (
	// DefaultPrefetchBound caps pending plus in-flight items.
	DefaultPrefetchBound = 5
	// DefaultPrefetchConcurrency caps simultaneous translations.
	DefaultPrefetchConcurrency = 2
	// DefaultPrefetchCacheEntries sizes the queue's own LRU, separate
	// from the main cache.
	DefaultPrefetchCacheEntries = 50
)

// maxPrefetchItems bounds the tracked item history. Terminal items beyond
// it are discarded oldest-finished first, like the primary queue does.
const maxPrefetchItems = 100

// Outcome is what subscribers receive when a pre-fetched item finishes.
type Outcome struct {
	Subtitles []subtitle.TranslatedSegment
	Err       error
}

// Prefetch schedules short-form translations ahead of demand: priority
// order (lower value sooner, FIFO within equal priority), a bounded
// backlog, and a small concurrency cap. Results land in the queue's own
// LRU cache and are published to every subscribed listener.
type Prefetch struct {
	cache    *cache.Store
	run      Runner
	sem      *semaphore.Weighted
	group    singleflight.Group
	bound    int
	maxItems int

	mu         sync.Mutex
	items      map[string]*Item
	pendingIDs []string
	inflight   int
	listeners  map[string][]chan Outcome
	started    bool

	notify   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPrefetch(cacheStore *cache.Store, run Runner, bound int, concurrency int64) *Prefetch {
	if cacheStore == nil {
		cacheStore = cache.NewStore(DefaultPrefetchCacheEntries, nil)
	}
	if bound <= 0 {
		bound = DefaultPrefetchBound
	}
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetch{
		cache:     cacheStore,
		run:       run,
		sem:       semaphore.NewWeighted(concurrency),
		bound:     bound,
		maxItems:  maxPrefetchItems,
		items:     make(map[string]*Item),
		listeners: make(map[string][]chan Outcome),
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cache exposes the queue's private LRU for read paths.
func (q *Prefetch) Cache() *cache.Store {
	return q.cache
}

// Enqueue schedules one pre-fetch. Requests already cached, already
// queued, or already in-flight are rejected, as is anything beyond the
// backlog bound.
func (q *Prefetch) Enqueue(jobIdentifier, targetLanguage string, priority int) (*Item, error) {
	if q.cache.Contains(cache.Key(jobIdentifier, "", targetLanguage)) {
		return nil, engine.NewError(engine.ErrQueueFull, "already cached")
	}

	key := dedupeKey(jobIdentifier, targetLanguage)

	q.mu.Lock()
	for _, item := range q.items {
		if item.Status != StatusPending && item.Status != StatusProcessing {
			continue
		}
		if dedupeKey(item.JobIdentifier, item.TargetLanguage) == key {
			q.mu.Unlock()
			return nil, engine.NewError(engine.ErrQueueFull, "already queued")
		}
	}
	if len(q.pendingIDs)+q.inflight >= q.bound {
		q.mu.Unlock()
		return nil, engine.NewError(engine.ErrQueueFull, "pre-fetch backlog full")
	}

	item := &Item{
		ID:             uuid.NewString(),
		JobIdentifier:  jobIdentifier,
		TargetLanguage: targetLanguage,
		Status:         StatusPending,
		Priority:       priority,
		AddedAt:        time.Now(),
	}
	q.items[item.ID] = item
	q.pendingIDs = append(q.pendingIDs, item.ID)
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.signal()
	return snapshot, nil
}

// Subscribe returns a channel that receives the outcome for the given
// request once it finishes. An already cached result is delivered
// immediately. The channel is closed after delivery.
func (q *Prefetch) Subscribe(jobIdentifier, targetLanguage string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	key := dedupeKey(jobIdentifier, targetLanguage)

	// Register before consulting the cache: a request completing between
	// the two steps then sweeps this listener instead of stranding it.
	q.mu.Lock()
	q.listeners[key] = append(q.listeners[key], ch)
	q.mu.Unlock()

	cached, ok := q.cache.Get(cache.Key(jobIdentifier, "", targetLanguage))
	if !ok {
		return ch
	}

	// Already complete. A listener the sweep missed is still registered
	// and must be served from cache here; a swept one is owned by
	// process() and will be delivered to exactly once there.
	q.mu.Lock()
	removed := removeListener(q.listeners, key, ch)
	q.mu.Unlock()
	if removed {
		ch <- Outcome{Subtitles: cached}
		close(ch)
	}
	return ch
}

func removeListener(listeners map[string][]chan Outcome, key string, ch chan Outcome) bool {
	chans := listeners[key]
	for i, candidate := range chans {
		if candidate != ch {
			continue
		}
		chans = append(chans[:i], chans[i+1:]...)
		if len(chans) == 0 {
			delete(listeners, key)
		} else {
			listeners[key] = chans
		}
		return true
	}
	return false
}

func (q *Prefetch) Get(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

func (q *Prefetch) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.scheduler()
	q.signal()
}

func (q *Prefetch) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Prefetch) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Prefetch) scheduler() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			item, ok := q.takeNext()
			if !ok {
				q.sem.Release(1)
				break
			}
			q.wg.Add(1)
			go q.process(item)
		}
	}
}

// takeNext pops the pending item with the lowest priority value; ties
// resolve to arrival order.
func (q *Prefetch) takeNext() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, id := range q.pendingIDs {
		item, ok := q.items[id]
		if !ok || item.Status != StatusPending {
			continue
		}
		if best == -1 || item.Priority < q.items[q.pendingIDs[best]].Priority {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}

	id := q.pendingIDs[best]
	q.pendingIDs = append(q.pendingIDs[:best], q.pendingIDs[best+1:]...)
	item := q.items[id]
	item.Status = StatusProcessing
	q.inflight++
	return cloneItem(item), true
}

func (q *Prefetch) process(item *Item) {
	defer q.wg.Done()
	defer q.sem.Release(1)
	defer q.signal()

	key := dedupeKey(item.JobIdentifier, item.TargetLanguage)
	cacheKey := cache.Key(item.JobIdentifier, "", item.TargetLanguage)

	var outcome Outcome
	if cached, ok := q.cache.Get(cacheKey); ok {
		outcome.Subtitles = cached
	} else {
		// Concurrent demand for the same request shares one execution.
		v, err, _ := q.group.Do(key, func() (any, error) {
			return q.run(q.ctx, cloneItem(item))
		})
		if err != nil {
			outcome.Err = err
		} else {
			outcome.Subtitles = v.([]subtitle.TranslatedSegment)
			q.cache.Put(cacheKey, outcome.Subtitles)
		}
	}

	now := time.Now()
	q.mu.Lock()
	if tracked, ok := q.items[item.ID]; ok {
		if outcome.Err != nil {
			tracked.Status = StatusFailed
			tracked.Error = outcome.Err.Error()
		} else {
			tracked.Status = StatusCompleted
		}
		tracked.CompletedAt = &now
	}
	q.inflight--
	q.pruneTerminalLocked()
	waiters := q.listeners[key]
	delete(q.listeners, key)
	q.mu.Unlock()

	if outcome.Err != nil && !engine.IsCancelled(outcome.Err) {
		log.Warn("Pre-fetch for %s/%s failed: %v", item.JobIdentifier, item.TargetLanguage, outcome.Err)
	}
	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}
}

// pruneTerminalLocked keeps completed/failed history bounded, discarding
// the oldest-finished items first.
func (q *Prefetch) pruneTerminalLocked() {
	if q.maxItems <= 0 || len(q.items) <= q.maxItems {
		return
	}

	type candidate struct {
		id       string
		finished time.Time
	}
	terminal := make([]candidate, 0, len(q.items))
	for id, item := range q.items {
		if item.Status == StatusPending || item.Status == StatusProcessing {
			continue
		}
		finished := item.AddedAt
		if item.CompletedAt != nil {
			finished = *item.CompletedAt
		}
		terminal = append(terminal, candidate{id: id, finished: finished})
	}
	if len(terminal) == 0 {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finished.Before(terminal[j].finished)
	})

	toRemove := len(q.items) - q.maxItems
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}
	for i := 0; i < toRemove; i++ {
		delete(q.items, terminal[i].id)
	}
}
