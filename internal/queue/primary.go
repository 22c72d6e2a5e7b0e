package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

// Primary is the strictly sequential job queue: one worker, FIFO over
// pending items, persisted across restarts. Each item runs end-to-end
// (cache check, route, cache write, status update) before the next is
// dequeued.
type Primary struct {
	store Store
	cache *cache.Store
	run   Runner

	mu       sync.RWMutex
	items    map[string]*Item
	dedupe   map[string]string
	maxItems int
	started  bool

	pendingIDs chan string
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewPrimary(store Store, cacheStore *cache.Store, run Runner) *Primary {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Primary{
		store:      store,
		cache:      cacheStore,
		run:        run,
		items:      make(map[string]*Item),
		dedupe:     make(map[string]string),
		maxItems:   1000,
		pendingIDs: make(chan string, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}
	q.hydrateFromStore(ctx)
	return q
}

// Enqueue adds a pending item. A live item for the same
// (jobIdentifier, targetLanguage) is returned instead with ok=false.
func (q *Primary) Enqueue(jobIdentifier, targetLanguage string) (*Item, bool) {
	key := dedupeKey(jobIdentifier, targetLanguage)

	q.mu.Lock()
	if id, ok := q.dedupe[key]; ok {
		if existing, exists := q.items[id]; exists {
			snapshot := cloneItem(existing)
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.dedupe, key)
	}

	item := &Item{
		ID:             uuid.NewString(),
		JobIdentifier:  jobIdentifier,
		TargetLanguage: targetLanguage,
		Status:         StatusPending,
		AddedAt:        time.Now(),
	}
	q.items[item.ID] = item
	q.dedupe[key] = item.ID
	started := q.started
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persistItem(snapshot)
	if started {
		q.enqueuePendingID(item.ID)
	}
	return snapshot, true
}

func (q *Primary) Get(id string) (*Item, bool) {
	q.mu.RLock()
	item, ok := q.items[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

func (q *Primary) List() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		ret = append(ret, cloneItem(item))
	}
	return ret
}

// Start releases rehydrated pending items in arrival order and begins
// the single worker.
func (q *Primary) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Item, 0)
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	q.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].AddedAt.Before(pending[j].AddedAt)
	})
	for _, item := range pending {
		q.enqueuePendingID(item.ID)
	}

	q.wg.Add(1)
	go q.worker()
}

func (q *Primary) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Primary) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.pendingIDs:
			q.process(id)
		}
	}
}

func (q *Primary) process(id string) {
	item, ok := q.markProcessing(id)
	if !ok {
		return
	}

	key := cache.Key(item.JobIdentifier, "", item.TargetLanguage)
	if q.cache.Contains(key) {
		log.Debug("Queue item %s already cached, completing immediately", id)
		q.markCompleted(id)
		return
	}

	subtitles, err := q.run(q.ctx, item)
	if err != nil {
		q.markFailed(id, err)
		return
	}
	q.cache.Put(key, subtitles)
	q.markCompleted(id)
}

func (q *Primary) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

func (q *Primary) markProcessing(id string) (*Item, bool) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || item.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	item.Status = StatusProcessing
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persistItem(snapshot)
	return snapshot, true
}

func (q *Primary) markCompleted(id string) {
	now := time.Now()

	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Status = StatusCompleted
	item.Error = ""
	item.CompletedAt = &now
	q.releaseDedupeLocked(item)
	pruned := q.pruneTerminalItemsLocked()
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persistItem(snapshot)
	q.deleteItemsFromStore(pruned)
}

func (q *Primary) markFailed(id string, err error) {
	now := time.Now()

	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Status = StatusFailed
	if err != nil {
		item.Error = err.Error()
	}
	item.CompletedAt = &now
	q.releaseDedupeLocked(item)
	pruned := q.pruneTerminalItemsLocked()
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persistItem(snapshot)
	q.deleteItemsFromStore(pruned)
}

func (q *Primary) releaseDedupeLocked(item *Item) {
	if item == nil {
		return
	}
	key := dedupeKey(item.JobIdentifier, item.TargetLanguage)
	if id, ok := q.dedupe[key]; ok && id == item.ID {
		delete(q.dedupe, key)
	}
}

// pruneTerminalItemsLocked keeps completed/failed history bounded,
// discarding the oldest-finished items first.
func (q *Primary) pruneTerminalItemsLocked() []string {
	if q.maxItems <= 0 || len(q.items) <= q.maxItems {
		return nil
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
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finished.Before(terminal[j].finished)
	})

	toRemove := len(q.items) - q.maxItems
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		id := terminal[i].id
		q.releaseDedupeLocked(q.items[id])
		delete(q.items, id)
		pruned = append(pruned, id)
	}
	return pruned
}

func (q *Primary) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadQueueItems(ctx)
	if err != nil {
		log.Error("Failed to load queue items from store: %v", err)
		return
	}

	toPersist := make([]*Item, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		item := cloneItem(raw)
		// An item caught mid-flight by a restart goes back to pending.
		if item.Status == StatusProcessing {
			item.Status = StatusPending
			toPersist = append(toPersist, cloneItem(item))
		}
		q.items[item.ID] = item
		if item.Status == StatusPending {
			q.dedupe[dedupeKey(item.JobIdentifier, item.TargetLanguage)] = item.ID
		}
	}
	q.mu.Unlock()

	for _, item := range toPersist {
		q.persistItem(item)
	}
}

func (q *Primary) persistItem(item *Item) {
	if q.store == nil || item == nil {
		return
	}
	if err := q.store.UpsertQueueItem(context.Background(), item); err != nil {
		log.Error("Failed to persist queue item %s: %v", item.ID, err)
	}
}

func (q *Primary) deleteItemsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteQueueItem(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned queue item %s: %v", id, err)
		}
	}
}
