package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/hanko-field/ordertracking/internal/services"
)

type archivedEntry struct {
	Status            string     `json:"status"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
	Carrier           *string    `json:"carrier,omitempty"`
	TrackingNumber    *string    `json:"trackingNumber,omitempty"`
	Location          *string    `json:"location,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	Synthetic         bool       `json:"synthetic,omitempty"`
}

type archivedTimeline struct {
	OrderID       string          `json:"orderId"`
	BuyerID       string          `json:"buyerId"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"paymentMethod"`
	PaymentStatus string          `json:"paymentStatus"`
	Version       int64           `json:"version"`
	ArchivedAt    time.Time       `json:"archivedAt"`
	Entries       []archivedEntry `json:"entries"`
}

// objectWrite stores data at bucket/object with the given metadata.
type objectWrite func(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error

// TimelineArchiver writes the rendered timeline of terminal orders to Cloud Storage.
type TimelineArchiver struct {
	bucket string
	write  objectWrite
	now    func() time.Time
}

var _ services.TimelineArchiver = (*TimelineArchiver)(nil)

// ArchiverOption customises the archiver.
type ArchiverOption func(*TimelineArchiver)

// WithArchiveClock injects a custom clock.
func WithArchiveClock(clock func() time.Time) ArchiverOption {
	return func(a *TimelineArchiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

func withObjectWrite(write objectWrite) ArchiverOption {
	return func(a *TimelineArchiver) {
		if write != nil {
			a.write = write
		}
	}
}

// NewTimelineArchiver constructs an archiver writing into bucket.
func NewTimelineArchiver(client *gcs.Client, bucket string, opts ...ArchiverOption) (*TimelineArchiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	archiver := &TimelineArchiver{bucket: bucket, now: time.Now}
	if client != nil {
		archiver.write = gcsObjectWrite(client)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archiver)
		}
	}
	if archiver.write == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	return archiver, nil
}

// Bucket returns the archive bucket name.
func (a *TimelineArchiver) Bucket() string {
	if a == nil {
		return ""
	}
	return a.bucket
}

// ArchiveTimeline overwrites orders/{orderID}/timeline.json with the given entries.
func (a *TimelineArchiver) ArchiveTimeline(ctx context.Context, order services.Order, entries []services.TimelineEntry) error {
	if a == nil || a.write == nil {
		return errors.New("storage archiver: not initialised")
	}
	object, err := TimelineArchivePath(order.ID)
	if err != nil {
		return err
	}

	doc := archivedTimeline{
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Version:       order.Version,
		ArchivedAt:    a.now().UTC(),
		Entries:       make([]archivedEntry, 0, len(entries)),
	}
	for _, entry := range entries {
		doc.Entries = append(doc.Entries, archivedEntry{
			Status:            string(entry.Status),
			Title:             entry.Title,
			Description:       entry.Description,
			Timestamp:         entry.Timestamp.UTC(),
			Carrier:           entry.Carrier,
			TrackingNumber:    entry.TrackingNumber,
			Location:          entry.Location,
			EstimatedDelivery: entry.EstimatedDelivery,
			Synthetic:         entry.Synthetic,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage archiver: encode timeline: %w", err)
	}
	metadata := map[string]string{
		"orderId": order.ID,
		"status":  string(order.Status),
		"version": fmt.Sprintf("%d", order.Version),
	}
	if err := a.write(ctx, a.bucket, object, data, metadata); err != nil {
		return fmt.Errorf("storage archiver: write %s: %w", object, err)
	}
	return nil
}

// gcsObjectWrite retries unconditionally; rewriting the same archive is idempotent.
func gcsObjectWrite(client *gcs.Client) objectWrite {
	return func(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error {
		handle := client.Bucket(bucket).Object(object).Retryer(gcs.WithPolicy(gcs.RetryAlways))
		w := handle.NewWriter(ctx)
		w.ContentType = "application/json"
		w.CacheControl = "no-cache"
		w.Metadata = metadata
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
}
