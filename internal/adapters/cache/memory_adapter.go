package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

const (
	// DefaultMemoryEntries bounds the in-memory cache when no size is given.
	DefaultMemoryEntries = 10000
	sweepInterval        = time.Minute
)

type memoryEntry struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryAdapter is a process-local CacheProvider, CounterProvider and
// LockProvider, used when Redis is not configured and in tests. Values and
// counters share a size-bounded LRU; locks are kept apart so they are never
// evicted while held.
type MemoryAdapter struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, memoryEntry]
	locks     map[string]memoryEntry
	now       func() time.Time
	nextSweep time.Time
}

var (
	_ providers.CacheProvider   = (*MemoryAdapter)(nil)
	_ providers.CounterProvider = (*MemoryAdapter)(nil)
	_ providers.LockProvider    = (*MemoryAdapter)(nil)
)

// NewMemoryAdapter creates an empty in-memory cache holding at most
// maxEntries values. Non-positive sizes use DefaultMemoryEntries.
func NewMemoryAdapter(maxEntries int) *MemoryAdapter {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		panic(fmt.Sprintf("cache: %v", err))
	}
	return &MemoryAdapter{entries: entries, locks: make(map[string]memoryEntry), now: time.Now}
}

func (a *MemoryAdapter) lookup(key string) (memoryEntry, bool) {
	e, ok := a.entries.Get(key)
	if ok && e.expired(a.now()) {
		a.entries.Remove(key)
		return memoryEntry{}, false
	}
	return e, ok
}

// store adds e and drops expired entries at most once per sweepInterval.
func (a *MemoryAdapter) store(key string, e memoryEntry) {
	a.entries.Add(key, e)

	now := a.now()
	if now.Before(a.nextSweep) {
		return
	}
	a.nextSweep = now.Add(sweepInterval)
	for _, k := range a.entries.Keys() {
		if old, ok := a.entries.Peek(k); ok && old.expired(now) {
			a.entries.Remove(k)
		}
	}
	for k, lock := range a.locks {
		if lock.expired(now) {
			delete(a.locks, k)
		}
	}
}

// Len reports how many values and counters are held.
func (a *MemoryAdapter) Len() int {
	return a.entries.Len()
}

func (a *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrCacheMiss, key)
	}
	if e.value == nil {
		return []byte(strconv.FormatInt(e.count, 10)), nil
	}
	return append([]byte(nil), e.value...), nil
}

func (a *MemoryAdapter) Set(_ context.Context, key string, value []byte, expirationSeconds int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := memoryEntry{value: append([]byte{}, value...)}
	if expirationSeconds > 0 {
		e.expiresAt = a.now().Add(time.Duration(expirationSeconds) * time.Second)
	}
	a.store(key, e)
	return nil
}

func (a *MemoryAdapter) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries.Remove(key)
	return nil
}

func (a *MemoryAdapter) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.lookup(key)
	return ok, nil
}

// Incr implements providers.CounterProvider with a fixed window.
func (a *MemoryAdapter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.lookup(key)
	if !ok {
		e = memoryEntry{}
		if window > 0 {
			e.expiresAt = a.now().Add(window)
		}
	}
	if e.value != nil {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: %s does not hold a counter", key)
		}
		e.count, e.value = n, nil
	}
	e.count++
	a.store(key, e)
	return e.count, nil
}

func (a *MemoryAdapter) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if held, ok := a.locks[key]; ok && !held.expired(a.now()) {
		return "", false, nil
	}
	token := uuid.NewString()
	e := memoryEntry{value: []byte(token)}
	if ttl > 0 {
		e.expiresAt = a.now().Add(ttl)
	}
	a.locks[key] = e
	return token, true, nil
}

func (a *MemoryAdapter) ReleaseLock(_ context.Context, key, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.locks[key]; ok && string(e.value) == token {
		delete(a.locks, key)
	}
	return nil
}
