package services

import (
	"reflect"
	"testing"
	"time"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

var timelineBase = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

func timelineOrder(method PaymentMethod, status OrderStatus) Order {
	return Order{
		ID:            "ord_tl",
		BuyerID:       "buyer-1",
		Status:        status,
		PaymentMethod: method,
		PaymentStatus: domain.PaymentStatusPaid,
		CreatedAt:     timelineBase,
		UpdatedAt:     timelineBase.Add(5 * time.Hour),
		Version:       3,
	}
}

func TestBuildTimelineFromEvents(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodCOD, domain.OrderStatusShipped)
	carrier := "Sagawa"
	events := []TrackingEvent{
		{Sequence: 1, Status: domain.OrderStatusShipped, Description: " ", Carrier: &carrier, CreatedAt: timelineBase.Add(time.Hour)},
		{Sequence: 2, Status: domain.OrderStatusShipped, Description: "Arrived at Nagoya hub", CreatedAt: timelineBase.Add(2 * time.Hour)},
	}

	entries := BuildTimeline(order, events)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Synthetic || entries[0].Title != "Shipped" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Description != "Your parcel was handed over to the carrier." {
		t.Fatalf("expected default description, got %q", entries[0].Description)
	}
	if entries[0].Carrier == nil || *entries[0].Carrier != "Sagawa" {
		t.Fatalf("expected carrier, got %+v", entries[0].Carrier)
	}
	carrier = "mutated"
	if *entries[0].Carrier != "Sagawa" {
		t.Fatalf("entries must not alias event fields")
	}
	if entries[1].Description != "Arrived at Nagoya hub" {
		t.Fatalf("expected recorded description, got %q", entries[1].Description)
	}
}

func TestBuildTimelineSynthesizesChain(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodPrepaid, domain.OrderStatusProcessing)

	entries := BuildTimeline(order, nil)
	want := []OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, entry := range entries {
		if entry.Status != want[i] || !entry.Synthetic {
			t.Fatalf("entry %d: unexpected %+v", i, entry)
		}
		if !entry.Timestamp.Equal(timelineBase.Add(time.Duration(i) * DefaultTimelineStep)) {
			t.Fatalf("entry %d: unexpected timestamp %s", i, entry.Timestamp)
		}
	}
}

func TestBuildTimelineSyntheticStepsStayBeforeDelivery(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodPrepaid, domain.OrderStatusDelivered)
	delivered := timelineBase.Add(40 * time.Minute)
	order.DeliveredAt = &delivered

	entries := BuildTimeline(order, nil)
	if len(entries) != 5 {
		t.Fatalf("expected full chain, got %d entries", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("timestamps must not decrease: %s then %s", entries[i-1].Timestamp, entries[i].Timestamp)
		}
	}
	if !entries[4].Timestamp.Equal(delivered) {
		t.Fatalf("expected delivered entry at %s, got %s", delivered, entries[4].Timestamp)
	}
}

func TestBuildTimelineTerminalEntry(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodCOD, domain.OrderStatusCancelled)
	reason := "Buyer unreachable"
	order.CancelReason = &reason
	events := []TrackingEvent{
		{Sequence: 1, Status: domain.OrderStatusCancelled, Description: "cancelled by seller", CreatedAt: timelineBase.Add(time.Hour)},
	}

	entries := BuildTimeline(order, events)
	if len(entries) != 2 {
		t.Fatalf("expected synthetic entry plus terminal entry, got %+v", entries)
	}
	if !entries[0].Synthetic || entries[0].Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	last := entries[1]
	if last.Status != domain.OrderStatusCancelled || last.Synthetic {
		t.Fatalf("unexpected terminal entry: %+v", last)
	}
	if last.Description != reason {
		t.Fatalf("expected cancel reason as description, got %q", last.Description)
	}
	if !last.Timestamp.Equal(timelineBase.Add(time.Hour)) {
		t.Fatalf("expected event timestamp, got %s", last.Timestamp)
	}
}

func TestBuildTimelineTerminalWithoutEvent(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodPrepaid, domain.OrderStatusRefunded)
	delivered := timelineBase.Add(3 * time.Hour)
	order.DeliveredAt = &delivered

	entries := BuildTimeline(order, nil)
	last := entries[len(entries)-1]
	if last.Status != domain.OrderStatusRefunded || !last.Synthetic {
		t.Fatalf("unexpected terminal entry: %+v", last)
	}
	if !last.Timestamp.Equal(order.UpdatedAt) {
		t.Fatalf("expected terminal entry at UpdatedAt, got %s", last.Timestamp)
	}
	terminals := 0
	for _, entry := range entries {
		if entry.Status.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal entry, got %d", terminals)
	}
}

func TestBuildTimelineIsDeterministic(t *testing.T) {
	order := timelineOrder(domain.PaymentMethodPrepaid, domain.OrderStatusConfirmed)
	first := BuildTimeline(order, nil)
	second := BuildTimeline(order, nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical output, got %+v and %+v", first, second)
	}
}

func TestTimelineBuilderLocaleFallback(t *testing.T) {
	builder := NewTimelineBuilder(nil, time.Minute)
	order := timelineOrder(domain.PaymentMethodCOD, domain.OrderStatusProcessing)

	ja := builder.Build(order, nil, "ja")
	if ja[0].Title != "発送準備中" {
		t.Fatalf("expected Japanese title, got %q", ja[0].Title)
	}
	fr := builder.Build(order, nil, "fr-FR")
	if fr[0].Title != "Preparing your order" {
		t.Fatalf("expected English fallback, got %q", fr[0].Title)
	}
}

func TestLoadTimelineCatalog(t *testing.T) {
	catalog, err := LoadTimelineCatalog([]byte(`
de:
  shipped:
    title: Versendet
en:
  SHIPPED:
    title: Shipped
    description: On its way.
`))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	order := timelineOrder(domain.PaymentMethodCOD, domain.OrderStatusShipped)
	events := []TrackingEvent{{Sequence: 1, Status: domain.OrderStatusShipped, CreatedAt: timelineBase}}

	entries := NewTimelineBuilder(catalog, 0).Build(order, events, "de")
	if entries[0].Title != "Versendet" || entries[0].Description != "On its way." {
		t.Fatalf("expected German title with English description fallback, got %+v", entries[0])
	}

	if _, err := LoadTimelineCatalog([]byte("en:\n  LOST:\n    title: Lost\n")); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := LoadTimelineCatalog([]byte("{}")); err == nil {
		t.Fatalf("expected error for empty catalog")
	}
}
