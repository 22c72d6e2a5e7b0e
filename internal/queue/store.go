package queue

import "context"

// Store persists primary-queue items for restart recovery.
type Store interface {
	LoadQueueItems(ctx context.Context) ([]*Item, error)
	UpsertQueueItem(ctx context.Context, item *Item) error
	DeleteQueueItem(ctx context.Context, itemID string) error
}
