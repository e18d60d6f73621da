package hoststore

import (
	"context"
	"encoding/json"
	"sync"
)

type InMemoryBackend struct {
	mu     sync.Mutex
	record json.RawMessage
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Get(ctx context.Context) (json.RawMessage, error) {
	if b == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.record == nil {
		return nil, nil
	}
	clone := make(json.RawMessage, len(b.record))
	copy(clone, b.record)
	return clone, nil
}

func (b *InMemoryBackend) Set(ctx context.Context, record json.RawMessage) error {
	if b == nil || record == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make(json.RawMessage, len(record))
	copy(clone, record)
	b.record = clone
	return nil
}
