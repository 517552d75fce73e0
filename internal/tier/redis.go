package tier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FairForge/sessiontier/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "session:"
	cartKeyPrefix    = "cart:"
)

// RedisOptions configures the primary tier. When MasterName and
// SentinelAddrs are set the clients are built through Sentinel discovery;
// otherwise Addr (and optionally ReplicaAddr) are dialed directly.
type RedisOptions struct {
	Addr        string
	ReplicaAddr string
	Password    string
	DB          int

	MasterName    string
	SentinelAddrs []string

	// OpTimeout bounds every dial/read/write at the client level, on top
	// of the per-call context deadline.
	OpTimeout time.Duration
}

// Redis is the primary tier: writes go to the master, reads prefer the
// replica and fall back to the master before the tier as a whole is
// reported unavailable.
type Redis struct {
	master  *redis.Client
	replica *redis.Client // nil when no replica path is configured

	sessionTTL time.Duration
	cartTTL    time.Duration
	logger     *zap.Logger
}

// updateActivityScript bumps the view counter, page and activity stamp
// atomically, refusing to create a missing session.
var updateActivityScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "current_page", ARGV[1], "last_activity", ARGV[2])
redis.call("HINCRBY", KEYS[1], "page_views", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// addCartItemScript merges a line item and keeps the cart totals in step
// with it, all in one atomic step. Re-adding an item ID accumulates its
// quantity.
var addCartItemScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local qty = tonumber(ARGV[2])
local existing = redis.call("HGET", KEYS[1], ARGV[1])
if existing then
  local oldq = string.match(existing, "|(%-?%d+)|")
  if oldq then
    qty = qty + tonumber(oldq)
  end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3] .. "|" .. qty .. "|" .. ARGV[4])
redis.call("HINCRBY", KEYS[1], "total_items", ARGV[2])
redis.call("HINCRBYFLOAT", KEYS[1], "total_value", ARGV[5])
redis.call("HSET", KEYS[1], "updated_at", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
return 1
`)

// NewRedis builds the tier. Construction is lazy: no connection is made
// until the first operation, so an unreachable Redis at boot still yields
// a usable (failing) tier.
func NewRedis(opts RedisOptions, sessionTTL, cartTTL time.Duration, logger *zap.Logger) *Redis {
	r := &Redis{
		sessionTTL: sessionTTL,
		cartTTL:    cartTTL,
		logger:     logger,
	}

	if opts.MasterName != "" && len(opts.SentinelAddrs) > 0 {
		r.master = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    opts.MasterName,
			SentinelAddrs: opts.SentinelAddrs,
			Password:      opts.Password,
			DB:            opts.DB,
			DialTimeout:   opts.OpTimeout,
			ReadTimeout:   opts.OpTimeout,
			WriteTimeout:  opts.OpTimeout,
		})
		r.replica = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    opts.MasterName,
			SentinelAddrs: opts.SentinelAddrs,
			Password:      opts.Password,
			DB:            opts.DB,
			ReplicaOnly:   true,
			DialTimeout:   opts.OpTimeout,
			ReadTimeout:   opts.OpTimeout,
			WriteTimeout:  opts.OpTimeout,
		})
		return r
	}

	r.master = redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.OpTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
	})
	if opts.ReplicaAddr != "" {
		r.replica = redis.NewClient(&redis.Options{
			Addr:         opts.ReplicaAddr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  opts.OpTimeout,
			ReadTimeout:  opts.OpTimeout,
			WriteTimeout: opts.OpTimeout,
		})
	}
	return r
}

func (r *Redis) Name() string { return NameRedis }

func sessionKey(token string) string { return sessionKeyPrefix + token }
func cartKey(token string) string    { return cartKeyPrefix + token }

func (r *Redis) unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func (r *Redis) CreateSession(ctx context.Context, rec *session.Record) error {
	pipe := r.master.TxPipeline()
	pipe.HSet(ctx, sessionKey(rec.Token), rec.Fields())
	pipe.Expire(ctx, sessionKey(rec.Token), r.sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable("create session", err)
	}
	return nil
}

// ReadSession tries the replica first to spread read load, then the
// master. A replica miss is not authoritative: replication lag can hide a
// session just written to the master, so both a miss and a failure on the
// replica fall through. Only the master's answer decides between not-found
// and unavailable for the tier.
func (r *Redis) ReadSession(ctx context.Context, token string) (*session.Record, error) {
	if r.replica != nil {
		rec, err := r.readSessionFrom(ctx, r.replica, token)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ErrNotFound):
			r.logger.Debug("redis replica missed session, trying master",
				zap.String("token", token))
		case IsUnavailable(err):
			r.logger.Debug("redis replica read failed, trying master",
				zap.String("token", token), zap.Error(err))
		default:
			return nil, err
		}
	}
	return r.readSessionFrom(ctx, r.master, token)
}

func (r *Redis) readSessionFrom(ctx context.Context, client *redis.Client, token string) (*session.Record, error) {
	pipe := client.Pipeline()
	getCmd := pipe.HGetAll(ctx, sessionKey(token))
	ttlCmd := pipe.PTTL(ctx, sessionKey(token))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, r.unavailable("read session", err)
	}

	fields := getCmd.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec, err := session.RecordFromFields(token, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, nil
}

func (r *Redis) UpdateActivity(ctx context.Context, token, page string) error {
	n, err := updateActivityScript.Run(ctx, r.master,
		[]string{sessionKey(token)},
		page,
		strconv.FormatInt(time.Now().Unix(), 10),
		strconv.FormatInt(r.sessionTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return r.unavailable("update activity", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, token string) error {
	ok, err := r.master.Expire(ctx, sessionKey(token), r.sessionTTL).Result()
	if err != nil {
		return r.unavailable("touch", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) DeleteSession(ctx context.Context, token string) error {
	pipe := r.master.TxPipeline()
	pipe.Del(ctx, sessionKey(token))
	pipe.Del(ctx, cartKey(token))
	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable("delete session", err)
	}
	return nil
}

func (r *Redis) CreateCart(ctx context.Context, cart *session.Cart) error {
	key := cartKey(cart.SessionToken)
	pipe := r.master.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, cart.Fields())
	pipe.Expire(ctx, key, r.cartTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.unavailable("create cart", err)
	}
	return nil
}

func (r *Redis) AddCartItem(ctx context.Context, token string, item session.CartItem) error {
	n, err := addCartItemScript.Run(ctx, r.master,
		[]string{cartKey(token)},
		"item:"+item.ID,
		strconv.FormatInt(item.Quantity, 10),
		item.Name,
		strconv.FormatFloat(item.UnitPrice, 'f', 2, 64),
		strconv.FormatFloat(float64(item.Quantity)*item.UnitPrice, 'f', 2, 64),
		strconv.FormatInt(time.Now().Unix(), 10),
		strconv.FormatInt(r.cartTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return r.unavailable("add cart item", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadCart follows the same replica-then-master policy as ReadSession: a
// lagging replica must not report a fresh cart as absent.
func (r *Redis) ReadCart(ctx context.Context, token string) (*session.Cart, error) {
	if r.replica != nil {
		cart, err := r.readCartFrom(ctx, r.replica, token)
		switch {
		case err == nil:
			return cart, nil
		case errors.Is(err, ErrNotFound):
			r.logger.Debug("redis replica missed cart, trying master",
				zap.String("token", token))
		case IsUnavailable(err):
			r.logger.Debug("redis replica cart read failed, trying master",
				zap.String("token", token), zap.Error(err))
		default:
			return nil, err
		}
	}
	return r.readCartFrom(ctx, r.master, token)
}

func (r *Redis) readCartFrom(ctx context.Context, client *redis.Client, token string) (*session.Cart, error) {
	fields, err := client.HGetAll(ctx, cartKey(token)).Result()
	if err != nil {
		return nil, r.unavailable("read cart", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	cart, err := session.CartFromFields(token, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if ttl, terr := client.PTTL(ctx, cartKey(token)).Result(); terr == nil && ttl > 0 {
		cart.ExpiresAt = time.Now().Add(ttl)
	}
	return cart, nil
}

func (r *Redis) SessionCount(ctx context.Context) (int64, error) {
	var count int64
	iter := r.master.Scan(ctx, 0, sessionKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, r.unavailable("session count", err)
	}
	return count, nil
}

// Ping reports the tier alive when either the master or the replica
// answers. A replica-only outage degrades reads transparently and is not a
// tier failure.
func (r *Redis) Ping(ctx context.Context) error {
	masterErr := r.master.Ping(ctx).Err()
	if masterErr == nil {
		return nil
	}
	if r.replica != nil {
		if err := r.replica.Ping(ctx).Err(); err == nil {
			return nil
		}
	}
	return r.unavailable("ping", masterErr)
}

func (r *Redis) Close() error {
	err := r.master.Close()
	if r.replica != nil {
		if rerr := r.replica.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
