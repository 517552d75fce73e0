package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_FieldsRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	rec := NewRecord("tok-1", "u1", "alice", "/home", now)
	rec.PageViews = 7
	rec.CurrentPage = "/checkout"

	decoded, err := RecordFromFields("tok-1", rec.Fields())
	require.NoError(t, err)

	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, "alice", decoded.Username)
	assert.Equal(t, "/checkout", decoded.CurrentPage)
	assert.Equal(t, int64(7), decoded.PageViews)
	assert.Equal(t, now, decoded.LastActivity)
	assert.Equal(t, now, decoded.CreatedAt)
}

func TestRecordFromFields_Corrupt(t *testing.T) {
	now := time.Now()
	base := NewRecord("tok-2", "u2", "bob", "/", now).Fields()

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"empty", func(f map[string]string) {
			for k := range f {
				delete(f, k)
			}
		}},
		{"missing user id", func(f map[string]string) { f[FieldUserID] = "" }},
		{"unparsable views", func(f map[string]string) { f[FieldPageViews] = "many" }},
		{"negative views", func(f map[string]string) { f[FieldPageViews] = "-3" }},
		{"bad timestamp", func(f map[string]string) { f[FieldLastActivity] = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := make(map[string]string, len(base))
			for k, v := range base {
				fields[k] = v
			}
			tt.mutate(fields)

			_, err := RecordFromFields("tok-2", fields)
			assert.Error(t, err)
		})
	}
}

func TestRecordFromFields_DropsUnknownFields(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fields := NewRecord("tok-3", "u3", "carol", "/", now).Fields()
	fields["storage_type"] = "memory"
	fields["debug_flag"] = "1"

	decoded, err := RecordFromFields("tok-3", fields)
	require.NoError(t, err)
	assert.Equal(t, "u3", decoded.UserID)
}

func TestCart_TotalsInvariant(t *testing.T) {
	cart := NewCart("tok-4", time.Now())
	cart.Add(CartItem{ID: "sku-1", Name: "widget", Quantity: 2, UnitPrice: 9.99})
	cart.Add(CartItem{ID: "sku-2", Name: "gadget", Quantity: 1, UnitPrice: 24.50})
	cart.Add(CartItem{ID: "sku-1", Name: "widget", Quantity: 3, UnitPrice: 9.99})

	var wantItems int64
	var wantValue float64
	for _, item := range cart.Items {
		wantItems += item.Quantity
		wantValue += float64(item.Quantity) * item.UnitPrice
	}

	assert.Equal(t, wantItems, cart.TotalItems)
	assert.InDelta(t, wantValue, cart.TotalValue, 0.001)
	assert.Equal(t, int64(5), cart.Items["sku-1"].Quantity)
}

func TestCart_FieldsRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	cart := NewCart("tok-5", now)
	cart.Add(CartItem{ID: "sku-9", Name: "thing", Quantity: 4, UnitPrice: 1.25})

	decoded, err := CartFromFields("tok-5", cart.Fields())
	require.NoError(t, err)

	assert.Equal(t, int64(4), decoded.TotalItems)
	assert.InDelta(t, 5.00, decoded.TotalValue, 0.001)
	require.Contains(t, decoded.Items, "sku-9")
	assert.Equal(t, "thing", decoded.Items["sku-9"].Name)
	assert.InDelta(t, 1.25, decoded.Items["sku-9"].UnitPrice, 0.001)
}

func TestCartFromFields_MalformedItem(t *testing.T) {
	cart := NewCart("tok-6", time.Now())
	fields := cart.Fields()
	fields["item:sku-1"] = "no-separators-here"

	_, err := CartFromFields("tok-6", fields)
	assert.Error(t, err)
}

func TestCartFromFields_TotalsMismatchIsRejected(t *testing.T) {
	cart := NewCart("tok-7", time.Now())
	cart.Add(CartItem{ID: "sku-1", Name: "widget", Quantity: 2, UnitPrice: 9.99})

	fields := cart.Fields()
	fields[CartFieldTotalItems] = "5"
	_, err := CartFromFields("tok-7", fields)
	assert.Error(t, err)

	fields = cart.Fields()
	fields[CartFieldTotalValue] = "1.00"
	_, err = CartFromFields("tok-7", fields)
	assert.Error(t, err)
}

func TestCartItem_Validate(t *testing.T) {
	assert.NoError(t, CartItem{ID: "sku-1", Name: "widget", Quantity: 1, UnitPrice: 9.99}.Validate())
	assert.ErrorIs(t, CartItem{Name: "widget", Quantity: 1}.Validate(), ErrInvalidItem)
	assert.ErrorIs(t, CartItem{ID: "sku-1", Name: "wid|get", Quantity: 1}.Validate(), ErrInvalidItem)
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		require.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}
