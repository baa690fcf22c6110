// Package cart defines the domain types shared by the cart synchronization
// core: sessions, line items, the activity log and the wire codec for the
// change events fanned out to subscribers.
package cart

import "time"

// DefaultTTL is the sliding expiry window applied to sessions. Every
// successful mutation pushes ExpiresAt out to now+TTL.
const DefaultTTL = 24 * time.Hour

// MaxNotesLen bounds the free-text notes attached to a line item.
const MaxNotesLen = 500

// Session is the unit of cart ownership. Token is the only credential a
// client holds across reconnects; it must never appear in logs, URLs or
// pub/sub topic names.
type Session struct {
	ID             string
	OwnerID        string // empty for guest sessions
	Token          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Active         bool
}

// Expired reports whether the session's sliding window has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Resumable reports whether a client presenting the session's token may
// keep using it.
func (s *Session) Resumable(now time.Time) bool {
	return s.Active && !s.Expired(now)
}

// LineItem is one product-quantity pairing within a session's cart. Prices
// are minor currency units. LineTotal is always Quantity*UnitPrice and is
// recomputed server-side on every mutation; it is never accepted from a
// client.
type LineItem struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
	LineTotal int64     `json:"line_total"`
	Notes     string    `json:"notes,omitempty"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the full materialized view of a session's cart. Seq is the
// highest activity sequence number reflected in the view; subscribers use
// it to discard change events the snapshot already covers.
type Snapshot struct {
	SessionID  string     `json:"session_id"`
	Seq        uint64     `json:"seq"`
	Items      []LineItem `json:"items"`
	TotalItems int        `json:"total_items"`
	TotalPrice int64      `json:"total_price"`
}

// NewSnapshot computes the totals for a set of line items.
func NewSnapshot(sessionID string, seq uint64, items []LineItem) *Snapshot {
	snap := &Snapshot{SessionID: sessionID, Seq: seq, Items: items}
	for _, it := range items {
		snap.TotalItems += it.Quantity
		snap.TotalPrice += it.LineTotal
	}
	return snap
}

// TopicForSession names the pub/sub topic carrying a session's change
// events. Topics are keyed by session ID, not by token, so the credential
// never leaks into channel metadata.
func TopicForSession(sessionID string) string {
	return "cart.session." + sessionID
}
