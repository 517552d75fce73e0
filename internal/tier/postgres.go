package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/sessiontier/internal/session"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds the relational tier's connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Postgres is the relational fallback tier. Sessions live in a
// fallback_sessions table with an absolute expires_at column; expiry is
// enforced by `expires_at > NOW()` predicates and a periodic sweep, since
// the database has no TTL of its own.
type Postgres struct {
	db         *sql.DB
	sessionTTL time.Duration
	cartTTL    time.Duration
	logger     *zap.Logger
}

// NewPostgres opens the connection pool. sql.Open is lazy, so an
// unreachable database still yields a usable (failing) tier.
func NewPostgres(cfg PostgresConfig, sessionTTL, cartTTL time.Duration, logger *zap.Logger) (*Postgres, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{
		db:         db,
		sessionTTL: sessionTTL,
		cartTTL:    cartTTL,
		logger:     logger,
	}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests.
func NewPostgresFromDB(db *sql.DB, sessionTTL, cartTTL time.Duration, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, sessionTTL: sessionTTL, cartTTL: cartTTL, logger: logger}
}

// CreateTables creates the fallback tables if they do not exist.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fallback_sessions (
			session_token VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			current_page TEXT,
			page_views BIGINT NOT NULL DEFAULT 0,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fallback_carts (
			session_token VARCHAR(255) PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fallback_cart_items (
			session_token VARCHAR(255) NOT NULL
				REFERENCES fallback_carts(session_token) ON DELETE CASCADE,
			item_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			quantity BIGINT NOT NULL,
			unit_price DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (session_token, item_id)
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}

func (p *Postgres) Name() string { return NameDatabase }

func (p *Postgres) unavailable(op string, err error) error {
	return fmt.Errorf("%w: database %s: %v", ErrUnavailable, op, err)
}

func (p *Postgres) CreateSession(ctx context.Context, rec *session.Record) error {
	query := `INSERT INTO fallback_sessions
		(session_token, user_id, username, current_page, page_views, last_activity, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW() + $8 * INTERVAL '1 second')
		ON CONFLICT (session_token) DO UPDATE SET
			current_page = EXCLUDED.current_page,
			page_views = EXCLUDED.page_views,
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at`

	_, err := p.db.ExecContext(ctx, query,
		rec.Token, rec.UserID, rec.Username, rec.CurrentPage, rec.PageViews,
		rec.LastActivity, rec.CreatedAt, int64(p.sessionTTL.Seconds()))
	if err != nil {
		return p.unavailable("insert session", err)
	}
	return nil
}

func (p *Postgres) ReadSession(ctx context.Context, token string) (*session.Record, error) {
	query := `SELECT user_id, username, current_page, page_views, last_activity, created_at, expires_at
		FROM fallback_sessions
		WHERE session_token = $1 AND expires_at > NOW()`

	var rec session.Record
	rec.Token = token
	err := p.db.QueryRowContext(ctx, query, token).Scan(
		&rec.UserID, &rec.Username, &rec.CurrentPage, &rec.PageViews,
		&rec.LastActivity, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.unavailable("select session", err)
	}
	if rec.PageViews < 0 {
		return nil, fmt.Errorf("%w: session %s has negative page_views", ErrCorrupt, token)
	}
	return &rec, nil
}

// UpdateActivity is a single statement, so the increment is atomic under
// concurrent callers without an explicit transaction.
func (p *Postgres) UpdateActivity(ctx context.Context, token, page string) error {
	query := `UPDATE fallback_sessions
		SET current_page = $2,
			page_views = page_views + 1,
			last_activity = NOW(),
			expires_at = NOW() + $3 * INTERVAL '1 second'
		WHERE session_token = $1 AND expires_at > NOW()`

	res, err := p.db.ExecContext(ctx, query, token, page, int64(p.sessionTTL.Seconds()))
	if err != nil {
		return p.unavailable("update activity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return p.unavailable("update activity", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Touch(ctx context.Context, token string) error {
	query := `UPDATE fallback_sessions
		SET expires_at = NOW() + $2 * INTERVAL '1 second'
		WHERE session_token = $1 AND expires_at > NOW()`

	res, err := p.db.ExecContext(ctx, query, token, int64(p.sessionTTL.Seconds()))
	if err != nil {
		return p.unavailable("touch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return p.unavailable("touch", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, token string) error {
	// Cart items cascade from the cart row.
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM fallback_carts WHERE session_token = $1`, token); err != nil {
		return p.unavailable("delete cart", err)
	}
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM fallback_sessions WHERE session_token = $1`, token); err != nil {
		return p.unavailable("delete session", err)
	}
	return nil
}

func (p *Postgres) CreateCart(ctx context.Context, cart *session.Cart) error {
	query := `INSERT INTO fallback_carts (session_token, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 second')
		ON CONFLICT (session_token) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`

	_, err := p.db.ExecContext(ctx, query,
		cart.SessionToken, cart.CreatedAt, cart.UpdatedAt, int64(p.cartTTL.Seconds()))
	if err != nil {
		return p.unavailable("insert cart", err)
	}
	return nil
}

// AddCartItem runs in one transaction: refresh the cart row (which also
// proves the cart exists and is live), then upsert the line item. Totals
// are derived from the items on read, so they cannot drift.
func (p *Postgres) AddCartItem(ctx context.Context, token string, item session.CartItem) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.unavailable("begin cart tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE fallback_carts
			SET updated_at = NOW(), expires_at = NOW() + $2 * INTERVAL '1 second'
			WHERE session_token = $1 AND expires_at > NOW()`,
		token, int64(p.cartTTL.Seconds()))
	if err != nil {
		return p.unavailable("refresh cart", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return p.unavailable("refresh cart", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fallback_cart_items (session_token, item_id, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_token, item_id) DO UPDATE SET
				name = EXCLUDED.name,
				quantity = fallback_cart_items.quantity + EXCLUDED.quantity,
				unit_price = EXCLUDED.unit_price`,
		token, item.ID, item.Name, item.Quantity, item.UnitPrice)
	if err != nil {
		return p.unavailable("upsert cart item", err)
	}

	if err := tx.Commit(); err != nil {
		return p.unavailable("commit cart tx", err)
	}
	return nil
}

func (p *Postgres) ReadCart(ctx context.Context, token string) (*session.Cart, error) {
	cart := &session.Cart{
		SessionToken: token,
		Items:        make(map[string]session.CartItem),
	}

	err := p.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, expires_at FROM fallback_carts
			WHERE session_token = $1 AND expires_at > NOW()`, token).
		Scan(&cart.CreatedAt, &cart.UpdatedAt, &cart.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.unavailable("select cart", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT item_id, name, quantity, unit_price FROM fallback_cart_items
			WHERE session_token = $1`, token)
	if err != nil {
		return nil, p.unavailable("select cart items", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item session.CartItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("%w: cart %s: %v", ErrCorrupt, token, err)
		}
		cart.Items[item.ID] = item
		cart.TotalItems += item.Quantity
		cart.TotalValue += float64(item.Quantity) * item.UnitPrice
	}
	if err := rows.Err(); err != nil {
		return nil, p.unavailable("scan cart items", err)
	}

	return cart, nil
}

func (p *Postgres) SessionCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fallback_sessions WHERE expires_at > NOW()`).Scan(&count)
	if err != nil {
		return 0, p.unavailable("count sessions", err)
	}
	return count, nil
}

// Sweep removes physically expired rows. The expires_at predicates already
// hide them, so this only reclaims space.
func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	var removed int64

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM fallback_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, p.unavailable("sweep sessions", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = p.db.ExecContext(ctx,
		`DELETE FROM fallback_carts WHERE expires_at <= NOW()`)
	if err != nil {
		return removed, p.unavailable("sweep carts", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	return removed, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return p.unavailable("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
