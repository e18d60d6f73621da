package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/overlaykit/theatersync/internal/hoststore"
)

// Fallback is the synchronous local store the repository degrades to when
// the host is absent or keeps failing. It never reports errors.
type Fallback interface {
	Get() json.RawMessage
	Set(record json.RawMessage)
}

type Logger interface {
	Printf(format string, args ...any)
}

type RepositoryOptions struct {
	Primary       hoststore.Backend
	Fallback      Fallback
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        Logger
	Now           func() time.Time
}

// Repository is the only component permitted to decide what the canonical
// settings record is. It absorbs every host and validation failure locally:
// callers always receive a valid record or a boolean success flag, never a
// raw host error.
type Repository struct {
	primary  hoststore.Backend
	fallback Fallback
	attempts int
	delay    time.Duration
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	snapshot *Record
	inflight *loadCall
}

type loadCall struct {
	done   chan struct{}
	record Record
}

func NewRepository(opts RepositoryOptions) *Repository {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Repository{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		now:      now,
	}
}

// InitializeDefaults returns the schema defaults stamped with the current
// time.
func (r *Repository) InitializeDefaults() Record {
	return InitializeDefaults(r.now())
}

// Snapshot returns the in-memory canonical record, if one has been
// established by a prior Load or Save.
func (r *Repository) Snapshot() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return Record{}, false
	}
	return r.snapshot.Clone(), true
}

// Current returns the canonical snapshot, establishing one via Load when
// none exists yet. Cheap once loaded; syncs re-read through here.
func (r *Repository) Current(ctx context.Context) Record {
	if record, ok := r.Snapshot(); ok {
		return record
	}
	return r.Load(ctx)
}

// Invalidate drops the canonical snapshot so the next Load re-reads the
// stores. Used when the fallback file changes on disk underneath us.
func (r *Repository) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// Load produces the canonical record. Concurrent calls share one in-flight
// read: the second caller awaits the first's result instead of issuing a
// second host read. Host failures are retried up to the budget, then the
// fallback store is consulted, then defaults apply. The result becomes the
// new canonical snapshot. Load never fails.
func (r *Repository) Load(ctx context.Context) Record {
	r.mu.Lock()
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		<-call.done
		return call.record.Clone()
	}
	call := &loadCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	record := r.loadOnce(ctx)

	r.mu.Lock()
	clone := record.Clone()
	r.snapshot = &clone
	r.inflight = nil
	r.mu.Unlock()

	call.record = record
	close(call.done)
	return record.Clone()
}

func (r *Repository) loadOnce(ctx context.Context) Record {
	raw, err := r.getWithRetry(ctx)
	if err != nil {
		r.logger.Printf("host store read failed after %d attempts, using fallback: %v", r.attempts, err)
		raw = r.fallbackGet()
	}
	if len(raw) == 0 {
		record := r.InitializeDefaults()
		r.persistBestEffort(ctx, record)
		return record
	}
	record, issues := ValidateRaw(raw)
	if len(issues) > 0 {
		record, _ = RepairRaw(raw, r.now())
		for _, issue := range issues {
			r.logger.Printf("settings record repaired: %s (%s)", issue.Field, issue.Message)
		}
		r.persistBestEffort(ctx, record)
	}
	return record
}

// Save merges the patch onto the canonical snapshot as of now, validates
// the merged record, and persists it. An invalid merge is rejected with a
// *ValidationError and nothing is written. A host write failure degrades to
// the fallback store; Save reports true iff some durable write landed.
func (r *Repository) Save(ctx context.Context, patch Patch) (bool, error) {
	r.mu.Lock()
	var base Record
	if r.snapshot != nil {
		base = r.snapshot.Clone()
	} else {
		base = r.InitializeDefaults()
	}
	r.mu.Unlock()

	merged := base.Merge(patch)
	if issues := CheckRecord(merged); len(issues) > 0 {
		return false, &ValidationError{Issues: issues}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return false, nil
	}
	if !r.writeDurable(ctx, raw) {
		return false, nil
	}

	r.mu.Lock()
	clone := merged.Clone()
	r.snapshot = &clone
	r.mu.Unlock()
	return true, nil
}

func (r *Repository) writeDurable(ctx context.Context, raw json.RawMessage) bool {
	err := r.setWithRetry(ctx, raw)
	if err == nil {
		return true
	}
	r.logger.Printf("host store write failed after %d attempts, using fallback: %v", r.attempts, err)
	if r.fallback == nil {
		return false
	}
	r.fallback.Set(raw)
	return true
}

func (r *Repository) persistBestEffort(ctx context.Context, record Record) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if !r.writeDurable(ctx, raw) {
		r.logger.Printf("settings record could not be persisted anywhere, keeping in-memory copy only")
	}
}

func (r *Repository) getWithRetry(ctx context.Context) (json.RawMessage, error) {
	if r.primary == nil {
		return nil, hoststore.ErrHostUnavailable
	}
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		raw, err := r.primary.Get(ctx)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if attempt < r.attempts-1 {
			if waitErr := waitWithContext(ctx, r.delay); waitErr != nil {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

func (r *Repository) setWithRetry(ctx context.Context, raw json.RawMessage) error {
	if r.primary == nil {
		return hoststore.ErrHostUnavailable
	}
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		err := r.primary.Set(ctx, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < r.attempts-1 {
			if waitErr := waitWithContext(ctx, r.delay); waitErr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (r *Repository) fallbackGet() json.RawMessage {
	if r.fallback == nil {
		return nil
	}
	return r.fallback.Get()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsValidationError unwraps a *ValidationError when err carries one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
