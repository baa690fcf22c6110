package cart

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityType is the closed set of mutation kinds recorded in the activity
// log and broadcast to subscribers.
type ActivityType string

const (
	ItemAdded   ActivityType = "item_added"
	ItemUpdated ActivityType = "item_updated"
	ItemRemoved ActivityType = "item_removed"
	CartCleared ActivityType = "cart_cleared"
)

// Valid reports whether t is one of the known activity kinds.
func (t ActivityType) Valid() bool {
	switch t {
	case ItemAdded, ItemUpdated, ItemRemoved, CartCleared:
		return true
	}
	return false
}

// Activity is an immutable record of one applied mutation. It doubles as
// the audit trail entry and as the payload broadcast on the session topic.
// Seq is assigned by the store at append time and increases monotonically
// within a session.
type Activity struct {
	ID               string       `json:"id"`
	SessionID        string       `json:"session_id"`
	Seq              uint64       `json:"seq"`
	Type             ActivityType `json:"type"`
	ItemID           string       `json:"item_id,omitempty"`
	ProductID        string       `json:"product_id,omitempty"`
	PreviousQuantity int          `json:"previous_quantity"`
	NewQuantity      int          `json:"new_quantity"`
	UnitPrice        int64        `json:"unit_price"`
	Timestamp        time.Time    `json:"timestamp"`
}

// EncodeEvent serializes an activity for publication on a session topic.
func EncodeEvent(a Activity) ([]byte, error) {
	if err := validateActivity(a); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// DecodeEvent parses and validates an activity received from the channel.
// Malformed or unknown payloads are rejected at the boundary rather than
// passed through to subscribers.
func DecodeEvent(data []byte) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(data, &a); err != nil {
		return Activity{}, fmt.Errorf("decode cart event: %w", err)
	}
	if err := validateActivity(a); err != nil {
		return Activity{}, err
	}
	return a, nil
}

func validateActivity(a Activity) error {
	if !a.Type.Valid() {
		return fmt.Errorf("cart event: unknown activity type %q", a.Type)
	}
	if a.SessionID == "" {
		return fmt.Errorf("cart event: missing session id")
	}
	if a.Seq == 0 {
		return fmt.Errorf("cart event: missing sequence number")
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("cart event: missing timestamp")
	}
	switch a.Type {
	case ItemAdded, ItemUpdated:
		if a.ItemID == "" || a.ProductID == "" {
			return fmt.Errorf("cart event: %s requires item and product ids", a.Type)
		}
		if a.NewQuantity < 1 {
			return fmt.Errorf("cart event: %s requires a positive quantity", a.Type)
		}
	case ItemRemoved:
		if a.ItemID == "" {
			return fmt.Errorf("cart event: item_removed requires an item id")
		}
		if a.NewQuantity != 0 {
			return fmt.Errorf("cart event: item_removed must carry a zero quantity")
		}
	case CartCleared:
		if a.ProductID != "" {
			return fmt.Errorf("cart event: cart_cleared carries no product")
		}
	}
	return nil
}
