package publish

import (
	"context"
	"errors"
	"sync"
)

// WithCreateMemo wraps next so that posts created by a failed batch are
// updated rather than created again when the batch is retried.
func WithCreateMemo(next Publisher) Publisher {
	return &memoPublisher{next: next, created: make(map[string]string)}
}

type memoPublisher struct {
	next Publisher

	mu      sync.Mutex
	created map[string]string // path -> post ID created by an earlier failed batch
}

func (m *memoPublisher) Publish(ctx context.Context, batch []Item) (map[string]string, error) {
	m.mu.Lock()
	routed := make([]Item, len(batch))
	for i, item := range batch {
		if item.PostID == "" {
			if id, ok := m.created[item.Document.Path]; ok {
				item.PostID = id
			}
		}
		routed[i] = item
	}
	m.mu.Unlock()

	ids, err := m.next.Publish(ctx, routed)
	if err != nil {
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			m.mu.Lock()
			for _, item := range routed {
				if id, ok := batchErr.Published[item.Document.Path]; ok && item.PostID == "" {
					m.created[item.Document.Path] = id
				}
			}
			m.mu.Unlock()
		}
		return nil, err
	}

	m.mu.Lock()
	for path := range ids {
		delete(m.created, path)
	}
	m.mu.Unlock()
	return ids, nil
}
