package services

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

// DefaultTimelineStep spaces synthetic entries when no events were recorded.
const DefaultTimelineStep = 30 * time.Minute

//go:embed timeline_titles.yaml
var timelineCatalogYAML []byte

type statusCopy struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// TimelineCatalog holds per-locale titles and default descriptions.
type TimelineCatalog struct {
	tags    []language.Tag
	copies  []map[OrderStatus]statusCopy
	matcher language.Matcher
}

// LoadTimelineCatalog parses a YAML document keyed by BCP 47 tag then status.
// English is the fallback when present, otherwise the alphabetically first locale.
func LoadTimelineCatalog(data []byte) (*TimelineCatalog, error) {
	var raw map[string]map[string]statusCopy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("timeline catalog: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("timeline catalog: no locales defined")
	}

	locales := make([]string, 0, len(raw))
	for locale := range raw {
		if locale != "en" {
			locales = append(locales, locale)
		}
	}
	slices.Sort(locales)
	if _, ok := raw["en"]; ok {
		locales = append([]string{"en"}, locales...)
	}

	catalog := &TimelineCatalog{}
	for _, locale := range locales {
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("timeline catalog: locale %q: %w", locale, err)
		}
		copies := make(map[OrderStatus]statusCopy, len(raw[locale]))
		for status, text := range raw[locale] {
			s := OrderStatus(strings.ToUpper(strings.TrimSpace(status)))
			if !s.Valid() {
				return nil, fmt.Errorf("timeline catalog: locale %q: unknown status %q", locale, status)
			}
			copies[s] = text
		}
		catalog.tags = append(catalog.tags, tag)
		catalog.copies = append(catalog.copies, copies)
	}
	catalog.matcher = language.NewMatcher(catalog.tags)
	return catalog, nil
}

// MustDefaultTimelineCatalog returns the embedded catalog and panics if it is malformed.
func MustDefaultTimelineCatalog() *TimelineCatalog {
	catalog, err := LoadTimelineCatalog(timelineCatalogYAML)
	if err != nil {
		panic(err)
	}
	return catalog
}

func (c *TimelineCatalog) lookup(locale string, status OrderStatus) statusCopy {
	idx := 0
	if strings.TrimSpace(locale) != "" {
		_, idx, _ = c.matcher.Match(language.Make(locale))
	}
	text := c.copies[idx][status]
	if fallback, ok := c.copies[0][status]; ok {
		if text.Title == "" {
			text.Title = fallback.Title
		}
		if text.Description == "" {
			text.Description = fallback.Description
		}
	}
	if text.Title == "" {
		text.Title = string(status)
	}
	return text
}

// TimelineBuilder turns an order and its event log into display entries.
// Build is pure: identical inputs give identical output.
type TimelineBuilder struct {
	catalog *TimelineCatalog
	step    time.Duration
}

// NewTimelineBuilder returns a builder; nil catalog selects the embedded one and step <= 0 the default spacing.
func NewTimelineBuilder(catalog *TimelineCatalog, step time.Duration) *TimelineBuilder {
	if catalog == nil {
		catalog = MustDefaultTimelineCatalog()
	}
	if step <= 0 {
		step = DefaultTimelineStep
	}
	return &TimelineBuilder{catalog: catalog, step: step}
}

var defaultTimelineBuilder = NewTimelineBuilder(nil, DefaultTimelineStep)

// BuildTimeline renders the timeline with the default catalog and spacing.
func BuildTimeline(order Order, events []TrackingEvent) []TimelineEntry {
	return defaultTimelineBuilder.Build(order, events, "")
}

// Build reconstructs the order history. Recorded non-terminal events are
// returned in log order; when there are none, one synthetic entry per chain
// status up to the current one is derived from the order timestamps. A
// terminal order always ends with exactly one terminal entry.
func (b *TimelineBuilder) Build(order Order, events []TrackingEvent, locale string) []TimelineEntry {
	var (
		recorded []TrackingEvent
		terminal *TrackingEvent
	)
	for i := range events {
		if events[i].Status.IsTerminal() {
			if terminal == nil {
				terminal = &events[i]
			}
			continue
		}
		recorded = append(recorded, events[i])
	}

	var entries []TimelineEntry
	if len(recorded) > 0 {
		entries = make([]TimelineEntry, 0, len(recorded)+1)
		for _, event := range recorded {
			entries = append(entries, b.fromEvent(event, locale))
		}
	} else {
		entries = b.synthesize(order, locale)
	}

	if !order.Status.IsTerminal() {
		return entries
	}
	return append(entries, b.terminalEntry(order, terminal, entries, locale))
}

func (b *TimelineBuilder) fromEvent(event TrackingEvent, locale string) TimelineEntry {
	text := b.catalog.lookup(locale, event.Status)
	description := strings.TrimSpace(event.Description)
	if description == "" {
		description = text.Description
	}
	return TimelineEntry{
		Status:            event.Status,
		Title:             text.Title,
		Description:       description,
		Timestamp:         event.CreatedAt.UTC(),
		Carrier:           cloneString(event.Carrier),
		TrackingNumber:    cloneString(event.TrackingNumber),
		Location:          cloneString(event.LastLocation),
		EstimatedDelivery: cloneTime(event.EstimatedDelivery),
	}
}

func (b *TimelineBuilder) synthesize(order Order, locale string) []TimelineEntry {
	chain := domain.StatusChain(order.PaymentMethod)
	last := 0
	if order.Status.IsTerminal() {
		if order.DeliveredAt != nil {
			last = len(chain) - 1
		}
	} else {
		last = -1
		for i, status := range chain {
			if status == order.Status {
				last = i
				break
			}
		}
		if last < 0 {
			return nil
		}
	}

	base := order.CreatedAt.UTC()
	step := b.step
	if chain[last] == domain.OrderStatusDelivered && order.DeliveredAt != nil && last > 0 {
		// Every synthetic step must land at or before the recorded delivery.
		window := order.DeliveredAt.UTC().Sub(base)
		if window < 0 {
			window = 0
		}
		if limit := window / time.Duration(last); limit < step {
			step = limit
		}
	}

	entries := make([]TimelineEntry, 0, last+2)
	for i := 0; i <= last; i++ {
		status := chain[i]
		text := b.catalog.lookup(locale, status)
		ts := base.Add(time.Duration(i) * step)
		if status == domain.OrderStatusDelivered && order.DeliveredAt != nil {
			ts = order.DeliveredAt.UTC()
		}
		if i > 0 && ts.Before(entries[i-1].Timestamp) {
			ts = entries[i-1].Timestamp
		}
		entries = append(entries, TimelineEntry{
			Status:      status,
			Title:       text.Title,
			Description: text.Description,
			Timestamp:   ts,
			Synthetic:   true,
		})
	}
	return entries
}

func (b *TimelineBuilder) terminalEntry(order Order, event *TrackingEvent, previous []TimelineEntry, locale string) TimelineEntry {
	text := b.catalog.lookup(locale, order.Status)
	entry := TimelineEntry{
		Status:      order.Status,
		Title:       text.Title,
		Description: text.Description,
		Timestamp:   order.UpdatedAt.UTC(),
		Synthetic:   event == nil,
	}
	if event != nil {
		entry.Timestamp = event.CreatedAt.UTC()
		entry.Carrier = cloneString(event.Carrier)
		entry.TrackingNumber = cloneString(event.TrackingNumber)
		entry.Location = cloneString(event.LastLocation)
		entry.EstimatedDelivery = cloneTime(event.EstimatedDelivery)
		if desc := strings.TrimSpace(event.Description); desc != "" {
			entry.Description = desc
		}
	}
	if order.CancelReason != nil && strings.TrimSpace(*order.CancelReason) != "" {
		entry.Description = strings.TrimSpace(*order.CancelReason)
	}
	if n := len(previous); n > 0 && entry.Timestamp.Before(previous[n-1].Timestamp) {
		entry.Timestamp = previous[n-1].Timestamp
	}
	return entry
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := v.UTC()
	return &c
}
