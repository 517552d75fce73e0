package tier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/sessiontier/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresFromDB(db, time.Hour, 24*time.Hour, zap.NewNop()), mock
}

func TestPostgres_ReadSession(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"user_id", "username", "current_page", "page_views", "last_activity", "created_at", "expires_at",
	}).AddRow("u1", "alice", "/checkout", int64(4), now, now.Add(-time.Minute), now.Add(time.Hour))

	mock.ExpectQuery("SELECT user_id, username").
		WithArgs("tok-1").
		WillReturnRows(rows)

	rec, err := p.ReadSession(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, int64(4), rec.PageViews)
	assert.Equal(t, "/checkout", rec.CurrentPage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReadSessionMissingIsNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT user_id, username").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "username", "current_page", "page_views", "last_activity", "created_at", "expires_at",
		}))

	_, err := p.ReadSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ReadSessionTransportFailureIsUnavailable(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT user_id, username").
		WithArgs("tok-1").
		WillReturnError(errors.New("connection refused"))

	_, err := p.ReadSession(context.Background(), "tok-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgres_UpdateActivity(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE fallback_sessions").
		WithArgs("tok-1", "/cart", int64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, p.UpdateActivity(context.Background(), "tok-1", "/cart"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateActivityMissingDoesNotCreate(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE fallback_sessions").
		WithArgs("ghost", "/cart", int64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpdateActivity(context.Background(), "ghost", "/cart")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_TouchMissing(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE fallback_sessions").
		WithArgs("ghost", int64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, p.Touch(context.Background(), "ghost"), ErrNotFound)
}

func TestPostgres_CreateSessionUpserts(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO fallback_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := session.NewRecord("tok-1", "u1", "alice", "/home", time.Now())
	assert.NoError(t, p.CreateSession(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteSessionIsIdempotent(t *testing.T) {
	p, mock := newMockPostgres(t)

	// Zero rows affected still succeeds.
	mock.ExpectExec("DELETE FROM fallback_carts").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM fallback_sessions").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, p.DeleteSession(context.Background(), "ghost"))
}

func TestPostgres_AddCartItemTransaction(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE fallback_carts").
		WithArgs("tok-1", int64(86400)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO fallback_cart_items").
		WithArgs("tok-1", "sku-1", "widget", int64(2), 9.99).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.AddCartItem(context.Background(), "tok-1",
		session.CartItem{ID: "sku-1", Name: "widget", Quantity: 2, UnitPrice: 9.99})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddCartItemMissingCartRollsBack(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE fallback_carts").
		WithArgs("ghost", int64(86400)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.AddCartItem(context.Background(), "ghost",
		session.CartItem{ID: "sku-1", Name: "widget", Quantity: 1, UnitPrice: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ReadCartComputesTotals(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT created_at, updated_at, expires_at FROM fallback_carts").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at", "expires_at"}).
			AddRow(now, now, now.Add(time.Hour)))

	mock.ExpectQuery("SELECT item_id, name, quantity, unit_price").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "name", "quantity", "unit_price"}).
			AddRow("sku-1", "widget", int64(2), 9.99).
			AddRow("sku-2", "gadget", int64(1), 24.50))

	cart, err := p.ReadCart(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cart.TotalItems)
	assert.InDelta(t, 44.48, cart.TotalValue, 0.001)
	assert.Len(t, cart.Items, 2)
}

func TestPostgres_SessionCount(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := p.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestPostgres_Sweep(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("DELETE FROM fallback_sessions WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM fallback_carts WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 2))

	removed, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
}

func TestPostgres_PingFailureIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	p := NewPostgresFromDB(db, time.Hour, 24*time.Hour, zap.NewNop())

	mock.ExpectPing().WillReturnError(errors.New("no route to host"))

	assert.ErrorIs(t, p.Ping(context.Background()), ErrUnavailable)
}
