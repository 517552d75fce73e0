package session

import (
	"fmt"
	"strconv"
	"time"
)

// Field names shared by the hash-shaped tiers. The Postgres tier maps
// these to columns instead.
const (
	FieldUserID       = "user_id"
	FieldUsername     = "username"
	FieldCurrentPage  = "current_page"
	FieldPageViews    = "page_views"
	FieldLastActivity = "last_activity"
	FieldCreatedAt    = "created_at"
)

// Record is one authenticated browsing session. Timestamps are kept as
// time.Time in process and encoded as integer unix seconds at every tier
// boundary.
type Record struct {
	Token        string
	UserID       string
	Username     string
	CurrentPage  string
	PageViews    int64
	LastActivity time.Time
	CreatedAt    time.Time

	// ExpiresAt is the tier-local expiry instant, materialized by whichever
	// tier produced the record. It is refreshed on every successful access.
	ExpiresAt time.Time
}

// NewRecord builds a fresh record for a login. PageViews starts at zero;
// the first activity update makes it 1.
func NewRecord(token, userID, username, initialPage string, now time.Time) *Record {
	return &Record{
		Token:        token,
		UserID:       userID,
		Username:     username,
		CurrentPage:  initialPage,
		PageViews:    0,
		LastActivity: now,
		CreatedAt:    now,
	}
}

// Clone returns a deep copy, used by the in-memory tier so callers never
// alias its internal state.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Fields encodes the record as a flat string map for hash-shaped storage.
// ExpiresAt is deliberately excluded: each tier owns its expiry mechanism.
func (r *Record) Fields() map[string]string {
	return map[string]string{
		FieldUserID:       r.UserID,
		FieldUsername:     r.Username,
		FieldCurrentPage:  r.CurrentPage,
		FieldPageViews:    strconv.FormatInt(r.PageViews, 10),
		FieldLastActivity: strconv.FormatInt(r.LastActivity.Unix(), 10),
		FieldCreatedAt:    strconv.FormatInt(r.CreatedAt.Unix(), 10),
	}
}

// RecordFromFields decodes a flat string map back into a record. Unknown
// fields are dropped at this boundary rather than propagated. A malformed
// counter or timestamp yields an error so the caller can treat the record
// as corrupt instead of serving garbage.
func RecordFromFields(token string, fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("session: empty field set for token %s", token)
	}

	r := &Record{
		Token:       token,
		UserID:      fields[FieldUserID],
		Username:    fields[FieldUsername],
		CurrentPage: fields[FieldCurrentPage],
	}

	if r.UserID == "" {
		return nil, fmt.Errorf("session: record %s missing user_id", token)
	}

	views, err := strconv.ParseInt(fields[FieldPageViews], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: record %s has unparsable page_views %q: %w",
			token, fields[FieldPageViews], err)
	}
	if views < 0 {
		return nil, fmt.Errorf("session: record %s has negative page_views %d", token, views)
	}
	r.PageViews = views

	last, err := parseUnix(fields[FieldLastActivity])
	if err != nil {
		return nil, fmt.Errorf("session: record %s has bad last_activity: %w", token, err)
	}
	r.LastActivity = last

	created, err := parseUnix(fields[FieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("session: record %s has bad created_at: %w", token, err)
	}
	r.CreatedAt = created

	return r, nil
}

func parseUnix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse unix seconds %q: %w", s, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
