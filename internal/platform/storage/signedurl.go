package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// URLSigner issues V4 signed download URLs for archived objects.
type URLSigner struct {
	signer Signer
	scheme gcs.SigningScheme
	now    func() time.Time
}

// URLSignerOption customises URLSigner behaviour.
type URLSignerOption func(*URLSigner)

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) URLSignerOption {
	return func(s *URLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewURLSigner constructs a signed URL issuer backed by signer.
func NewURLSigner(signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	s := &URLSigner{
		signer: signer,
		scheme: gcs.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SignedURL describes a generated download link.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// DownloadURL signs a GET for bucket/object served as a JSON attachment.
func (s *URLSigner) DownloadURL(ctx context.Context, bucket, object string, expiresIn time.Duration) (SignedURL, error) {
	if s == nil {
		return SignedURL{}, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURL{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURL{}, errInvalidObject
	}
	if expiresIn <= 0 {
		expiresIn = defaultDownloadExpiry
	}
	if expiresIn > maxDownloadExpiry {
		return SignedURL{}, errExpiryTooLong
	}

	expires := s.now().Add(expiresIn)
	name := object[strings.LastIndex(object, "/")+1:]
	query := url.Values{}
	query.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", name))
	query.Set("response-content-type", "application/json")
	opts := &gcs.SignedURLOptions{
		GoogleAccessID:  s.signer.Email(),
		Scheme:          s.scheme,
		Method:          "GET",
		Expires:         expires,
		QueryParameters: query,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	}
	signed, err := gcs.SignedURL(bucket, object, opts)
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, ExpiresAt: expires}, nil
}
