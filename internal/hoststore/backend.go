// Package hoststore provides the persistence backends for the settings
// record: a slow asynchronous primary that may fail or hang, and a
// synchronous local fallback that never does. No retry or validation logic
// lives here; both contracts are pure transports.
package hoststore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrHostUnavailable = errors.New("host store unavailable")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
)

// Backend is the primary host store. Get returns nil with a nil error when
// no record has been written yet. Either call may fail with
// ErrHostUnavailable; the contract makes no timeout promise of its own.
type Backend interface {
	Get(ctx context.Context) (json.RawMessage, error)
	Set(ctx context.Context, record json.RawMessage) error
}

type backendCloser interface {
	Close() error
}

// CloseBackend releases backend resources when the concrete type holds any.
func CloseBackend(b Backend) error {
	if closer, ok := b.(backendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}
