// Copyright 2025 James Ross
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flyingrobots/substrate/clock"
)

const (
	defaultMaxItems      = 10000
	defaultSweepInterval = 30 * time.Second
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
	usedAt    time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryOptions configures an in-process cache.
type MemoryOptions struct {
	Clock clock.Clock

	// MaxItems bounds the live entry count; inserting past the bound
	// evicts expired entries first, then the least recently used.
	// Defaults to 10000.
	MaxItems int

	// SweepInterval paces the background sweep that proactively drops
	// expired entries. Defaults to 30 seconds; negative disables the
	// sweep (expiry is still enforced lazily on access).
	SweepInterval time.Duration
}

// Memory is an in-process Cache. Expiration is evaluated against the
// injected clock, both lazily on access and by a periodic sweep, so a
// write-once key cannot linger past its TTL.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*memEntry
	clk    clock.Clock
	max    int
	closed bool
	done   chan struct{}
}

// NewMemory returns an empty in-memory cache with default bounds. A nil
// clk defaults to the system clock.
func NewMemory(clk clock.Clock) *Memory {
	return NewMemoryWith(MemoryOptions{Clock: clk})
}

// NewMemoryWith returns an empty in-memory cache configured by opts.
func NewMemoryWith(opts MemoryOptions) *Memory {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	m := &Memory{
		items: make(map[string]*memEntry),
		clk:   opts.Clock,
		max:   opts.MaxItems,
		done:  make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		// The ticker is created here, before NewMemoryWith returns, so the
		// first sweep is due one interval after construction.
		go m.sweepLoop(m.clk.NewTicker(opts.SweepInterval))
	}
	return m
}

// sweepLoop proactively drops expired entries on every tick of ticker.
func (m *Memory) sweepLoop(ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C():
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			now := m.clk.Now()
			for k, e := range m.items {
				if e.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) get(key string) (*memEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.clk.Now()) {
		delete(m.items, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clk.Now().Add(ttl)
}

// put stores an entry and enforces the item bound: expired entries go
// first, then the least recently used. Caller holds mu.
func (m *Memory) put(key string, e *memEntry) {
	e.usedAt = m.clk.Now()
	m.items[key] = e
	if len(m.items) <= m.max {
		return
	}
	now := m.clk.Now()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
	for len(m.items) > m.max {
		var lruKey string
		var lruAt time.Time
		for k, it := range m.items {
			if k == key {
				continue // never evict the entry just written
			}
			if lruKey == "" || it.usedAt.Before(lruAt) {
				lruKey, lruAt = k, it.usedAt
			}
		}
		if lruKey == "" {
			return
		}
		delete(m.items, lruKey)
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.get(key)
	if !ok {
		return nil, false, nil
	}
	e.usedAt = m.clk.Now()
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.put(key, &memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)})
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.put(key, &memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)})
	return true, nil
}

func (m *Memory) Remove(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.get(key)
	delete(m.items, key)
	return ok, nil
}

func (m *Memory) RemoveByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, e := range m.items {
		if strings.HasPrefix(k, prefix) {
			if !e.expired(m.clk.Now()) {
				n++
			}
			delete(m.items, k)
		}
	}
	return n, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.get(key)
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.get(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.expiry(ttl)
	return true, nil
}

func (m *Memory) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cur, created, err := m.intAt(key)
	if err != nil {
		return 0, err
	}
	next := cur + amount
	e := &memEntry{value: []byte(strconv.FormatInt(next, 10))}
	if prev, ok := m.get(key); ok {
		e.expiresAt = prev.expiresAt
	}
	if created {
		e.expiresAt = m.expiry(ttl)
	}
	m.put(key, e)
	return next, nil
}

func (m *Memory) SetIfHigher(_ context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	return m.setIfCmp(key, value, ttl, func(cur int64) bool { return value > cur })
}

func (m *Memory) SetIfLower(_ context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	return m.setIfCmp(key, value, ttl, func(cur int64) bool { return value < cur })
}

func (m *Memory) setIfCmp(key string, value int64, ttl time.Duration, wins func(int64) bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cur, created, err := m.intAt(key)
	if err != nil {
		return 0, err
	}
	if !created && !wins(cur) {
		return cur, nil
	}
	m.put(key, &memEntry{value: []byte(strconv.FormatInt(value, 10)), expiresAt: m.expiry(ttl)})
	return value, nil
}

// intAt parses the integer stored at key; created reports a missing key.
// Caller holds mu.
func (m *Memory) intAt(key string) (v int64, created bool, err error) {
	e, ok := m.get(key)
	if !ok {
		return 0, true, nil
	}
	v, err = strconv.ParseInt(string(e.value), 10, 64)
	return v, false, err
}

// ItemCount reports live entries; used by tests and stats endpoints.
func (m *Memory) ItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	n := 0
	for _, e := range m.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.items = map[string]*memEntry{}
	return nil
}
