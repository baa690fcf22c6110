package cart

import (
	"strings"
	"testing"
	"time"
)

func validAdd() Activity {
	return Activity{
		ID:          "act-1",
		SessionID:   "sess-1",
		Seq:         1,
		Type:        ItemAdded,
		ItemID:      "item-1",
		ProductID:   "margherita",
		NewQuantity: 2,
		UnitPrice:   1150,
		Timestamp:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := validAdd()
	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip changed the activity:\n in: %+v\nout: %+v", in, out)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{"type": "item_added"`},
		{"unknown type", `{"type":"cart_exploded","session_id":"s","seq":1,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"missing session", `{"type":"item_added","seq":1,"item_id":"i","product_id":"p","new_quantity":1,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"missing seq", `{"type":"item_added","session_id":"s","item_id":"i","product_id":"p","new_quantity":1,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"missing timestamp", `{"type":"item_added","session_id":"s","seq":1,"item_id":"i","product_id":"p","new_quantity":1}`},
		{"added without product", `{"type":"item_added","session_id":"s","seq":1,"item_id":"i","new_quantity":1,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"added with zero quantity", `{"type":"item_added","session_id":"s","seq":1,"item_id":"i","product_id":"p","new_quantity":0,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"removed without item", `{"type":"item_removed","session_id":"s","seq":1,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"removed with residual quantity", `{"type":"item_removed","session_id":"s","seq":1,"item_id":"i","new_quantity":3,"timestamp":"2026-03-14T12:00:00Z"}`},
		{"cleared with product", `{"type":"cart_cleared","session_id":"s","seq":1,"product_id":"p","timestamp":"2026-03-14T12:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeEvent([]byte(tc.payload)); err == nil {
				t.Fatalf("payload was accepted: %s", tc.payload)
			}
		})
	}
}

func TestEncodeRejectsInvalidActivity(t *testing.T) {
	a := validAdd()
	a.Type = "not_a_thing"
	if _, err := EncodeEvent(a); err == nil || !strings.Contains(err.Error(), "unknown activity type") {
		t.Fatalf("expected unknown-type error, got %v", err)
	}
}

func TestClearedEventNeedsNoItem(t *testing.T) {
	a := Activity{
		ID:        "act-2",
		SessionID: "sess-1",
		Seq:       7,
		Type:      CartCleared,
		Timestamp: time.Now().UTC(),
	}
	data, err := EncodeEvent(a)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if out.Type != CartCleared || out.Seq != 7 {
		t.Fatalf("unexpected activity: %+v", out)
	}
}

func TestTopicForSessionIsIDKeyed(t *testing.T) {
	if got := TopicForSession("abc123"); got != "cart.session.abc123" {
		t.Fatalf("unexpected topic %q", got)
	}
}
