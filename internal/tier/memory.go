package tier

import (
	"context"
	"sync"
	"time"

	"github.com/FairForge/sessiontier/internal/session"
	"go.uber.org/zap"
)

// Memory is the last-resort tier: a bounded, mutex-guarded in-process map.
// It is lost on process restart, which is accepted as the lowest rung of
// degradation. Expired entries are hidden on access and physically evicted
// lazily or by Sweep.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	carts    map[string]*memoryCart

	capacity   int
	sessionTTL time.Duration
	cartTTL    time.Duration
	logger     *zap.Logger

	now func() time.Time

	evictions int64
}

type memoryEntry struct {
	rec       *session.Record
	expiresAt time.Time
}

type memoryCart struct {
	cart      *session.Cart
	expiresAt time.Time
}

// NewMemory creates the in-process tier. capacity bounds the sessions and
// the carts independently; at capacity the entry closest to expiry is
// evicted to admit a new one.
func NewMemory(capacity int, sessionTTL, cartTTL time.Duration, logger *zap.Logger) *Memory {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Memory{
		sessions:   make(map[string]*memoryEntry),
		carts:      make(map[string]*memoryCart),
		capacity:   capacity,
		sessionTTL: sessionTTL,
		cartTTL:    cartTTL,
		logger:     logger,
		now:        time.Now,
	}
}

func (m *Memory) Name() string { return NameMemory }

func (m *Memory) CreateSession(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, exists := m.sessions[rec.Token]; !exists && len(m.sessions) >= m.capacity {
		m.evictOneLocked(now)
	}

	m.sessions[rec.Token] = &memoryEntry{
		rec:       rec.Clone(),
		expiresAt: now.Add(m.sessionTTL),
	}
	return nil
}

// evictOneLocked drops expired entries first, then the entry closest to
// expiry if the map is still full. The evicted token's cart goes with it;
// an orphaned cart would otherwise linger until its own TTL.
func (m *Memory) evictOneLocked(now time.Time) {
	for token, entry := range m.sessions {
		if !entry.expiresAt.After(now) {
			delete(m.sessions, token)
			delete(m.carts, token)
			m.evictions++
			return
		}
	}

	var victim string
	var soonest time.Time
	for token, entry := range m.sessions {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = token
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(m.sessions, victim)
		delete(m.carts, victim)
		m.evictions++
		m.logger.Debug("memory tier evicted session at capacity",
			zap.String("token", victim))
	}
}

// evictCartLocked is the cart-side twin of evictOneLocked. Carts get their
// own bound because a cart can outlive its session: the cart TTL is longer
// and a lazily expired session leaves its cart behind.
func (m *Memory) evictCartLocked(now time.Time) {
	for token, entry := range m.carts {
		if !entry.expiresAt.After(now) {
			delete(m.carts, token)
			m.evictions++
			return
		}
	}

	var victim string
	var soonest time.Time
	for token, entry := range m.carts {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = token
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(m.carts, victim)
		m.evictions++
		m.logger.Debug("memory tier evicted cart at capacity",
			zap.String("token", victim))
	}
}

func (m *Memory) ReadSession(_ context.Context, token string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveEntryLocked(token)
	if entry == nil {
		return nil, ErrNotFound
	}

	rec := entry.rec.Clone()
	rec.ExpiresAt = entry.expiresAt
	return rec, nil
}

func (m *Memory) UpdateActivity(_ context.Context, token, page string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveEntryLocked(token)
	if entry == nil {
		return ErrNotFound
	}

	now := m.now()
	entry.rec.CurrentPage = page
	entry.rec.PageViews++
	entry.rec.LastActivity = now
	entry.expiresAt = now.Add(m.sessionTTL)
	return nil
}

func (m *Memory) Touch(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveEntryLocked(token)
	if entry == nil {
		return ErrNotFound
	}

	entry.expiresAt = m.now().Add(m.sessionTTL)
	return nil
}

// liveEntryLocked returns the entry for token, deleting it first if it has
// expired. Callers must hold mu.
func (m *Memory) liveEntryLocked(token string) *memoryEntry {
	entry, ok := m.sessions[token]
	if !ok {
		return nil
	}
	if !entry.expiresAt.After(m.now()) {
		delete(m.sessions, token)
		return nil
	}
	return entry
}

func (m *Memory) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, token)
	delete(m.carts, token)
	return nil
}

func (m *Memory) CreateCart(_ context.Context, cart *session.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, exists := m.carts[cart.SessionToken]; !exists && len(m.carts) >= m.capacity {
		m.evictCartLocked(now)
	}

	m.carts[cart.SessionToken] = &memoryCart{
		cart:      cart.Clone(),
		expiresAt: now.Add(m.cartTTL),
	}
	return nil
}

func (m *Memory) AddCartItem(_ context.Context, token string, item session.CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.carts[token]
	if !ok || !entry.expiresAt.After(m.now()) {
		delete(m.carts, token)
		return ErrNotFound
	}

	now := m.now()
	entry.cart.Add(item)
	entry.cart.UpdatedAt = now
	entry.expiresAt = now.Add(m.cartTTL)
	return nil
}

func (m *Memory) ReadCart(_ context.Context, token string) (*session.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.carts[token]
	if !ok || !entry.expiresAt.After(m.now()) {
		delete(m.carts, token)
		return nil, ErrNotFound
	}

	cart := entry.cart.Clone()
	cart.ExpiresAt = entry.expiresAt
	return cart, nil
}

func (m *Memory) SessionCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var count int64
	for _, entry := range m.sessions {
		if entry.expiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

// Sweep physically removes expired sessions and carts. The serving binary
// runs it periodically; correctness does not depend on it since expired
// entries are hidden on access.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for token, entry := range m.sessions {
		if !entry.expiresAt.After(now) {
			delete(m.sessions, token)
			removed++
		}
	}
	for token, entry := range m.carts {
		if !entry.expiresAt.After(now) {
			delete(m.carts, token)
			removed++
		}
	}
	return removed
}

// Ping always succeeds: the process-local map is alive whenever the
// process is.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
