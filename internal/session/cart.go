package session

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Cart hash fields used by the hash-shaped tiers. Line items live under
// item-prefixed keys next to the totals.
const (
	CartFieldTotalItems = "total_items"
	CartFieldTotalValue = "total_value"
	CartFieldCreatedAt  = "created_at"
	CartFieldUpdatedAt  = "updated_at"

	cartItemPrefix = "item:"
)

// ErrInvalidItem reports a line item the cart encoding cannot represent.
var ErrInvalidItem = errors.New("session: invalid cart item")

// CartItem is one line item keyed by item ID within a cart.
type CartItem struct {
	ID        string
	Name      string
	Quantity  int64
	UnitPrice float64
}

// Validate rejects items that would corrupt the "name|quantity|price"
// encoding or the "item:<id>" field key.
func (i CartItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty item id", ErrInvalidItem)
	}
	if strings.Contains(i.Name, "|") {
		return fmt.Errorf("%w: name %q contains a field separator", ErrInvalidItem, i.Name)
	}
	return nil
}

// Cart is the shopping cart attached to a session token. TotalItems and
// TotalValue are maintained by whichever tier performs each write and must
// always equal the sums over Items.
type Cart struct {
	SessionToken string
	Items        map[string]CartItem
	TotalItems   int64
	TotalValue   float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// NewCart builds the empty cart created alongside a session.
func NewCart(token string, now time.Time) *Cart {
	return &Cart{
		SessionToken: token,
		Items:        make(map[string]CartItem),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (c *Cart) Clone() *Cart {
	out := *c
	out.Items = make(map[string]CartItem, len(c.Items))
	for id, item := range c.Items {
		out.Items[id] = item
	}
	return &out
}

// Add merges a line item and keeps the totals consistent. Adding an item ID
// that already exists accumulates its quantity.
func (c *Cart) Add(item CartItem) {
	existing, ok := c.Items[item.ID]
	if ok {
		existing.Quantity += item.Quantity
		c.Items[item.ID] = existing
	} else {
		c.Items[item.ID] = item
	}
	c.TotalItems += item.Quantity
	c.TotalValue = roundMoney(c.TotalValue + float64(item.Quantity)*item.UnitPrice)
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// Fields encodes the cart as a flat string map: totals plus one
// "item:<id>" entry per line item.
func (c *Cart) Fields() map[string]string {
	fields := map[string]string{
		CartFieldTotalItems: strconv.FormatInt(c.TotalItems, 10),
		CartFieldTotalValue: strconv.FormatFloat(c.TotalValue, 'f', 2, 64),
		CartFieldCreatedAt:  strconv.FormatInt(c.CreatedAt.Unix(), 10),
		CartFieldUpdatedAt:  strconv.FormatInt(c.UpdatedAt.Unix(), 10),
	}
	for id, item := range c.Items {
		fields[cartItemPrefix+id] = EncodeCartItem(item)
	}
	return fields
}

// EncodeCartItem packs a line item as "name|quantity|unit_price".
func EncodeCartItem(item CartItem) string {
	return fmt.Sprintf("%s|%d|%.2f", item.Name, item.Quantity, item.UnitPrice)
}

// CartFromFields decodes a flat string map back into a cart, validating
// that the stored totals match the line items.
func CartFromFields(token string, fields map[string]string) (*Cart, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("session: empty cart field set for token %s", token)
	}

	c := &Cart{
		SessionToken: token,
		Items:        make(map[string]CartItem),
	}

	var err error
	if c.TotalItems, err = strconv.ParseInt(fields[CartFieldTotalItems], 10, 64); err != nil {
		return nil, fmt.Errorf("session: cart %s has unparsable total_items: %w", token, err)
	}
	if c.TotalValue, err = strconv.ParseFloat(fields[CartFieldTotalValue], 64); err != nil {
		return nil, fmt.Errorf("session: cart %s has unparsable total_value: %w", token, err)
	}
	if c.CreatedAt, err = parseUnix(fields[CartFieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("session: cart %s has bad created_at: %w", token, err)
	}
	if raw, ok := fields[CartFieldUpdatedAt]; ok {
		if c.UpdatedAt, err = parseUnix(raw); err != nil {
			return nil, fmt.Errorf("session: cart %s has bad updated_at: %w", token, err)
		}
	}

	for key, value := range fields {
		if !strings.HasPrefix(key, cartItemPrefix) {
			continue
		}
		id := strings.TrimPrefix(key, cartItemPrefix)
		item, err := decodeCartItem(id, value)
		if err != nil {
			return nil, fmt.Errorf("session: cart %s: %w", token, err)
		}
		c.Items[id] = item
	}

	var sumQty int64
	var sumVal float64
	for _, item := range c.Items {
		sumQty += item.Quantity
		sumVal += float64(item.Quantity) * item.UnitPrice
	}
	// Half a cent of slack absorbs float accumulation on the write path.
	if c.TotalItems != sumQty || math.Abs(c.TotalValue-roundMoney(sumVal)) > 0.005 {
		return nil, fmt.Errorf("session: cart %s totals do not match line items", token)
	}

	return c, nil
}

func decodeCartItem(id, encoded string) (CartItem, error) {
	parts := strings.SplitN(encoded, "|", 3)
	if len(parts) != 3 {
		return CartItem{}, fmt.Errorf("malformed cart item %q", encoded)
	}

	qty, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CartItem{}, fmt.Errorf("cart item %s has bad quantity: %w", id, err)
	}
	price, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return CartItem{}, fmt.Errorf("cart item %s has bad unit price: %w", id, err)
	}

	return CartItem{ID: id, Name: parts[0], Quantity: qty, UnitPrice: price}, nil
}
