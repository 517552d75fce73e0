// Package store implements the session operations as ordered attempts
// across the storage tiers. The precedence is fixed: redis, then the
// relational fallback, then the in-process map. The first tier to answer
// wins; no tier is authoritative while another is reachable.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FairForge/sessiontier/internal/health"
	"github.com/FairForge/sessiontier/internal/metrics"
	"github.com/FairForge/sessiontier/internal/session"
	"github.com/FairForge/sessiontier/internal/tier"
	"go.uber.org/zap"
)

// ErrAllTiersFailed is returned when every tier reported unavailable for
// an operation. Callers see the same "no session" as an authoritative
// not-found, but the two are logged and counted separately.
var ErrAllTiersFailed = errors.New("store: all storage tiers failed")

// SessionView is a session record annotated with the tier that served it.
type SessionView struct {
	*session.Record
	ServedBy string
}

// CartView is a cart annotated with the serving tier.
type CartView struct {
	*session.Cart
	ServedBy string
}

// Stats reports approximate live-session counts per tier. Counts are
// gathered independently, so a session mid-replication can appear twice.
type Stats struct {
	Tiers map[string]int64 `json:"tiers"`
	Total int64            `json:"total"`
}

// Options tunes the orchestrator.
type Options struct {
	// OpTimeout bounds each individual tier attempt. Mandatory: an
	// unbounded call to a dead backend would stall the whole chain.
	OpTimeout time.Duration

	// ReplicationTimeout bounds a background replication attempt.
	ReplicationTimeout time.Duration
}

// Store is the fallback orchestrator. It holds no locks of its own; each
// tier is responsible for the atomicity of its writes.
type Store struct {
	tiers   []tier.Backend
	monitor *health.Monitor
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	// replWG tracks in-flight opportunistic replications so teardown and
	// tests can wait for them to settle.
	replWG sync.WaitGroup
}

// New wires the orchestrator over tiers in precedence order. The tiers
// are owned by the caller and injected here; the store never constructs
// its own connections.
func New(tiers []tier.Backend, monitor *health.Monitor, opts Options, logger *zap.Logger) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = time.Second
	}
	if opts.ReplicationTimeout <= 0 {
		opts.ReplicationTimeout = 2 * time.Second
	}
	return &Store{
		tiers:   tiers,
		monitor: monitor,
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(),
	}
}

func (s *Store) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// CreateSession writes a fresh session (and its empty cart) to the most
// preferred tier that accepts it. It never fails outward: even with every
// remote tier down the in-memory tier admits the session, so the caller
// always gets a token.
func (s *Store) CreateSession(ctx context.Context, userID, username, initialPage string) (string, string) {
	token := session.NewToken()
	now := time.Now().UTC()
	rec := session.NewRecord(token, userID, username, initialPage, now)
	cart := session.NewCart(token, now)

	for i, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		err := t.CreateSession(attempt, rec)
		cancel()
		if err != nil {
			s.metrics.RecordOperation("create", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("create session failed on tier, falling back",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
			continue
		}

		s.metrics.RecordOperation("create", t.Name(), metrics.OutcomeOK)
		if i > 0 {
			s.logger.Warn("session created on degraded tier",
				zap.String("tier", t.Name()), zap.String("token", token))
		}

		attempt, cancel = s.attemptCtx(ctx)
		if cerr := t.CreateCart(attempt, cart); cerr != nil {
			s.logger.Warn("cart creation failed",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(cerr))
		}
		cancel()

		s.mirrorDown(i, rec, cart)
		return token, t.Name()
	}

	// Unreachable in practice: the in-memory tier cannot refuse a write.
	// The token is still handed out so the caller-visible contract holds.
	s.metrics.RecordOperation("create", "all", metrics.OutcomeExhausted)
	s.logger.Error("session creation failed on every tier",
		zap.String("token", token))
	return token, ""
}

// GetSession walks the tiers for the record. A reachable tier's "not
// found" stops the search: lower tiers are not consulted, so a logout or
// expiry on a higher tier cannot be undone by a stale lower copy. Only
// unavailability advances the chain.
func (s *Store) GetSession(ctx context.Context, token string) (*SessionView, error) {
	for _, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		rec, err := t.ReadSession(attempt, token)
		cancel()

		switch {
		case err == nil:
			s.metrics.RecordOperation("get", t.Name(), metrics.OutcomeOK)
			s.touch(ctx, t, token)
			return &SessionView{Record: rec, ServedBy: t.Name()}, nil

		case errors.Is(err, tier.ErrCorrupt):
			// Fail safe: never serve a corrupt record. The tier was
			// reachable, so this is terminal like a not-found.
			s.metrics.RecordOperation("get", t.Name(), metrics.OutcomeCorrupt)
			s.logger.Error("corrupt session record",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
			return nil, nil

		case errors.Is(err, tier.ErrNotFound):
			s.metrics.RecordOperation("get", t.Name(), metrics.OutcomeAbsent)
			return nil, nil

		default:
			s.metrics.RecordOperation("get", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("session read failed on tier, falling back",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
		}
	}

	s.metrics.RecordOperation("get", "all", metrics.OutcomeExhausted)
	return nil, ErrAllTiersFailed
}

// touch refreshes the sliding expiry window on the tier that served a
// read. Best effort: a failed touch never affects the read result.
func (s *Store) touch(ctx context.Context, t tier.Backend, token string) {
	attempt, cancel := s.attemptCtx(ctx)
	defer cancel()
	if err := t.Touch(attempt, token); err != nil && !errors.Is(err, tier.ErrNotFound) {
		s.logger.Debug("touch failed",
			zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
	}
}

// UpdateActivity records one activity event: current page, view counter,
// activity stamp, refreshed expiry. The first tier that accepts the write
// wins; lower tiers are not written. When a lower tier served it, the
// record is replicated toward the primary in the background so primary
// recovery does not orphan the session.
func (s *Store) UpdateActivity(ctx context.Context, token, page string) (string, error) {
	for i, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		err := t.UpdateActivity(attempt, token, page)
		cancel()

		switch {
		case err == nil:
			s.metrics.RecordOperation("update_activity", t.Name(), metrics.OutcomeOK)
			if i > 0 {
				s.replicateSession(t, token)
			}
			return t.Name(), nil

		case errors.Is(err, tier.ErrNotFound):
			s.metrics.RecordOperation("update_activity", t.Name(), metrics.OutcomeAbsent)
			return "", err

		default:
			s.metrics.RecordOperation("update_activity", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("activity update failed on tier, falling back",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
		}
	}

	s.metrics.RecordOperation("update_activity", "all", metrics.OutcomeExhausted)
	return "", ErrAllTiersFailed
}

// DeleteSession removes the session and cart from every tier, not just
// the first: opportunistic replication can leave stray copies behind, and
// a logout must take them all. Errors beyond the first success only get
// logged. Idempotent by construction.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	deleted := false
	for _, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		err := t.DeleteSession(attempt, token)
		cancel()
		if err != nil {
			s.metrics.RecordOperation("delete", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("session delete failed on tier",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
			continue
		}
		s.metrics.RecordOperation("delete", t.Name(), metrics.OutcomeOK)
		deleted = true
	}

	if !deleted {
		s.metrics.RecordOperation("delete", "all", metrics.OutcomeExhausted)
		return ErrAllTiersFailed
	}
	return nil
}

// AddToCart merges a line item into the session's cart on the most
// preferred tier that holds it. Items are validated here, before any tier
// sees them: a name the hash encoding cannot represent must never be
// admitted to one tier only to corrupt another during replication.
func (s *Store) AddToCart(ctx context.Context, token string, item session.CartItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	for i, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		err := t.AddCartItem(attempt, token, item)
		cancel()

		switch {
		case err == nil:
			s.metrics.RecordOperation("add_to_cart", t.Name(), metrics.OutcomeOK)
			if i > 0 {
				s.replicateCart(t, token)
			}
			return t.Name(), nil

		case errors.Is(err, tier.ErrNotFound):
			s.metrics.RecordOperation("add_to_cart", t.Name(), metrics.OutcomeAbsent)
			return "", err

		default:
			s.metrics.RecordOperation("add_to_cart", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("cart write failed on tier, falling back",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
		}
	}

	s.metrics.RecordOperation("add_to_cart", "all", metrics.OutcomeExhausted)
	return "", ErrAllTiersFailed
}

// GetCart reads the cart with the same miss policy as GetSession.
func (s *Store) GetCart(ctx context.Context, token string) (*CartView, error) {
	for _, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		cart, err := t.ReadCart(attempt, token)
		cancel()

		switch {
		case err == nil:
			s.metrics.RecordOperation("get_cart", t.Name(), metrics.OutcomeOK)
			return &CartView{Cart: cart, ServedBy: t.Name()}, nil

		case errors.Is(err, tier.ErrCorrupt):
			s.metrics.RecordOperation("get_cart", t.Name(), metrics.OutcomeCorrupt)
			s.logger.Error("corrupt cart record",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
			return nil, nil

		case errors.Is(err, tier.ErrNotFound):
			s.metrics.RecordOperation("get_cart", t.Name(), metrics.OutcomeAbsent)
			return nil, nil

		default:
			s.metrics.RecordOperation("get_cart", t.Name(), metrics.OutcomeFail)
			s.logger.Warn("cart read failed on tier, falling back",
				zap.String("tier", t.Name()), zap.String("token", token), zap.Error(err))
		}
	}

	s.metrics.RecordOperation("get_cart", "all", metrics.OutcomeExhausted)
	return nil, ErrAllTiersFailed
}

// mirrorDown seeds the freshly created session and cart onto the tiers
// below the one that served the create, so a later primary outage finds
// the token on the fallback tiers. Fire-and-forget: the create already
// succeeded and mirror failures only get logged. The mirrored copies go
// stale as activity accrues on the serving tier; that staleness is the
// accepted price of "no tier is authoritative".
func (s *Store) mirrorDown(from int, rec *session.Record, cart *session.Cart) {
	rest := s.tiers[from+1:]
	if len(rest) == 0 {
		return
	}

	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
		defer cancel()

		for _, t := range rest {
			if err := t.CreateSession(ctx, rec); err != nil {
				s.metrics.RecordReplication(metrics.DirectionDownward, metrics.ReplicationFailed)
				s.logger.Debug("session mirror failed",
					zap.String("tier", t.Name()), zap.String("token", rec.Token), zap.Error(err))
				continue
			}
			if err := t.CreateCart(ctx, cart); err != nil {
				s.logger.Debug("cart mirror failed",
					zap.String("tier", t.Name()), zap.String("token", rec.Token), zap.Error(err))
			}
			s.metrics.RecordReplication(metrics.DirectionDownward, metrics.ReplicationOK)
		}
	}()
}

// replicateSession copies a session just written to a lower tier back
// toward the primary, fire-and-forget. Failure is logged and counted,
// never surfaced: the caller's write already succeeded.
func (s *Store) replicateSession(src tier.Backend, token string) {
	primary := s.tiers[0]
	if src == primary {
		return
	}

	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
		defer cancel()

		rec, err := src.ReadSession(ctx, token)
		if err != nil {
			s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationSkipped)
			return
		}
		if err := primary.CreateSession(ctx, rec); err != nil {
			s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationFailed)
			s.logger.Debug("session replication to primary failed",
				zap.String("token", token), zap.Error(err))
			return
		}
		s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationOK)
		s.logger.Info("session replicated to primary tier",
			zap.String("token", token), zap.String("from", src.Name()))
	}()
}

// replicateCart is the cart-side twin of replicateSession.
func (s *Store) replicateCart(src tier.Backend, token string) {
	primary := s.tiers[0]
	if src == primary {
		return
	}

	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
		defer cancel()

		cart, err := src.ReadCart(ctx, token)
		if err != nil {
			s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationSkipped)
			return
		}
		if err := primary.CreateCart(ctx, cart); err != nil {
			s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationFailed)
			s.logger.Debug("cart replication to primary failed",
				zap.String("token", token), zap.Error(err))
			return
		}
		s.metrics.RecordReplication(metrics.DirectionToPrimary, metrics.ReplicationOK)
	}()
}

// HealthCheck pings every tier through the monitor and returns the fresh
// snapshot. This is the externally observable readiness signal.
func (s *Store) HealthCheck(ctx context.Context) health.Snapshot {
	return s.monitor.Check(ctx)
}

// StorageStats counts live sessions per tier. Counts are best effort: an
// unreachable tier reports zero and is logged, not failed.
func (s *Store) StorageStats(ctx context.Context) Stats {
	stats := Stats{Tiers: make(map[string]int64, len(s.tiers))}
	for _, t := range s.tiers {
		attempt, cancel := s.attemptCtx(ctx)
		count, err := t.SessionCount(attempt)
		cancel()
		if err != nil {
			s.logger.Warn("session count failed on tier",
				zap.String("tier", t.Name()), zap.Error(err))
			count = 0
		}
		stats.Tiers[t.Name()] = count
		stats.Total += count
		s.metrics.SetTierSessions(t.Name(), count)
	}
	return stats
}

// Close waits for in-flight replications and releases every tier.
func (s *Store) Close() error {
	s.replWG.Wait()

	var firstErr error
	for _, t := range s.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
