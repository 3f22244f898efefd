package textutil

import (
	"reflect"
	"testing"
)

func TestCompactAttributes(t *testing.T) {
	got := CompactAttributes(map[string]string{
		" eventType ": " order.status_changed ",
		"orderId":     "ord_123",
		"actorRole":   " ",
		" ":           "ignored",
	})
	want := map[string]string{
		"eventType": "order.status_changed",
		"orderId":   "ord_123",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %#v got %#v", want, got)
	}

	if CompactAttributes(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	if CompactAttributes(map[string]string{"status": ""}) != nil {
		t.Fatalf("expected nil when every value is blank")
	}
}
