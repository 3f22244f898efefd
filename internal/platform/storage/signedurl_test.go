package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestDownloadURL(t *testing.T) {
	signer := &fakeSigner{email: "archiver@example.iam.gserviceaccount.com"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewURLSigner(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("unexpected error creating signer: %v", err)
	}

	res, err := client.DownloadURL(context.Background(), "timelines", "orders/ord_1/timeline.json", 0)
	if err != nil {
		t.Fatalf("DownloadURL returned error: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(defaultDownloadExpiry)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("failed to parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.Path, "orders/ord_1/timeline.json") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	if got := query.Get("response-content-disposition"); got != `attachment; filename="timeline.json"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected one signing call, got %d", len(signer.payloads))
	}
}

func TestDownloadURLValidation(t *testing.T) {
	client, err := NewURLSigner(&fakeSigner{email: "archiver@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if _, err := client.DownloadURL(ctx, "", "object", 0); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := client.DownloadURL(ctx, "bucket", " ", 0); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected object error, got %v", err)
	}
	if _, err := client.DownloadURL(ctx, "bucket", "object", time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if _, err := NewURLSigner(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestDownloadURLPropagatesSignerError(t *testing.T) {
	client, err := NewURLSigner(&fakeSigner{email: "archiver@example.com", err: errors.New("kms down")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.DownloadURL(context.Background(), "bucket", "object", time.Minute); err == nil {
		t.Fatalf("expected signing error")
	}
}
