package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hanko-field/ordertracking/internal/platform/config"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SignatureVerifier authenticates courier webhooks. Each carrier signs
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)) with its own shared secret
// using HMAC-SHA256; the signature is sent base64 or hex encoded.
type SignatureVerifier struct {
	secrets map[string][]byte
	nonces  NonceStore
	logger  EventLogger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// SignatureOption customises the verifier.
type SignatureOption func(*SignatureVerifier)

// WithSignatureConfig applies header names and windows from configuration.
func WithSignatureConfig(cfg config.HMACConfig) SignatureOption {
	return func(v *SignatureVerifier) {
		if cfg.SignatureHeader != "" {
			v.signatureHeader = cfg.SignatureHeader
		}
		if cfg.TimestampHeader != "" {
			v.timestampHeader = cfg.TimestampHeader
		}
		if cfg.NonceHeader != "" {
			v.nonceHeader = cfg.NonceHeader
		}
		if cfg.ClockSkew > 0 {
			v.clockSkew = cfg.ClockSkew
		}
		if cfg.NonceTTL > 0 {
			v.nonceTTL = cfg.NonceTTL
		}
	}
}

// WithSignatureLogger sets the structured logger.
func WithSignatureLogger(logger EventLogger) SignatureOption {
	return func(v *SignatureVerifier) { v.logger = logger }
}

// WithSignatureMetrics sets the verification recorder.
func WithSignatureMetrics(metrics MetricsRecorder) SignatureOption {
	return func(v *SignatureVerifier) { v.metrics = metrics }
}

// WithSignatureClock injects a clock for tests.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewSignatureVerifier builds a verifier; secrets are keyed by carrier code.
func NewSignatureVerifier(secrets map[string]string, nonces NonceStore, opts ...SignatureOption) *SignatureVerifier {
	v := &SignatureVerifier{
		secrets:         make(map[string][]byte, len(secrets)),
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for carrier, secret := range secrets {
		carrier = normaliseCarrier(carrier)
		if carrier == "" || secret == "" {
			continue
		}
		v.secrets[carrier] = []byte(secret)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// SignatureMetadata describes a verified courier request.
type SignatureMetadata struct {
	Carrier   string
	Timestamp time.Time
	Nonce     string
}

type signatureKey struct{}

// WithSignature attaches verified courier metadata to ctx.
func WithSignature(ctx context.Context, meta SignatureMetadata) context.Context {
	return context.WithValue(ctx, signatureKey{}, meta)
}

// SignatureFromContext returns the metadata attached by RequireCarrierSignature.
func SignatureFromContext(ctx context.Context) (SignatureMetadata, bool) {
	meta, ok := ctx.Value(signatureKey{}).(SignatureMetadata)
	return meta, ok
}

// RequireCarrierSignature verifies the request against the secret of the
// carrier returned by carrierOf. The body is restored for the next handler.
func (v *SignatureVerifier) RequireCarrierSignature(carrierOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()
			fail := func(status int, reason, code, message string) {
				v.record(ctx, false, reason, start)
				respondAuthError(ctx, w, status, code, message)
			}

			carrier := ""
			if carrierOf != nil {
				carrier = normaliseCarrier(carrierOf(r))
			}
			secret, ok := v.secrets[carrier]
			if !ok {
				fail(http.StatusUnauthorized, "carrier_unknown", "unknown_carrier", "carrier not recognised")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				fail(http.StatusUnauthorized, "signature_missing", "signature_missing", "signature header missing")
				return
			}
			timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			if timestampValue == "" {
				fail(http.StatusUnauthorized, "timestamp_missing", "timestamp_missing", "signature timestamp missing")
				return
			}
			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				fail(http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid", "signature timestamp invalid")
				return
			}
			if skew := start.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				fail(http.StatusUnauthorized, "timestamp_skew", "timestamp_skew", "signature timestamp outside allowed window")
				return
			}
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if nonce == "" {
				fail(http.StatusUnauthorized, "nonce_missing", "nonce_missing", "signature nonce missing")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				fail(http.StatusBadRequest, "body_unreadable", "invalid_body", "unable to read body for signature verification")
				return
			}
			signature, err := decodeSignature(signatureValue)
			if err != nil {
				fail(http.StatusUnauthorized, "signature_invalid", "signature_invalid", "signature encoding invalid")
				return
			}
			expected := computeHMAC(secret, canonicalString(r.Method, r.URL.EscapedPath(), timestampValue, nonce, body))
			if !hmac.Equal(signature, expected) {
				fail(http.StatusUnauthorized, "signature_mismatch", "signature_mismatch", "signature verification failed")
				return
			}

			if v.nonces == nil {
				fail(http.StatusServiceUnavailable, "nonce_store_unavailable", "verification_unavailable", "nonce store unavailable")
				return
			}
			expiry := timestamp.Add(v.nonceTTL)
			if !expiry.After(start) {
				expiry = start.Add(v.nonceTTL)
			}
			stored, err := v.nonces.UseNonce(ctx, "carrier:"+carrier, nonce, expiry)
			if err != nil {
				v.logger.log(ctx, "auth.nonce.failed", map[string]any{"carrier": carrier, "error": err.Error()})
				fail(http.StatusServiceUnavailable, "nonce_store_error", "verification_unavailable", "nonce storage error")
				return
			}
			if !stored {
				fail(http.StatusUnauthorized, "nonce_replay", "nonce_replay", "duplicate signature nonce")
				return
			}

			v.record(ctx, true, "ok", start)
			meta := SignatureMetadata{Carrier: carrier, Timestamp: timestamp, Nonce: nonce}
			next.ServeHTTP(w, r.WithContext(WithSignature(ctx, meta)))
		})
	}
}

func (v *SignatureVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// Sign returns the base64 signature a carrier would send for the request parts.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	mac := computeHMAC([]byte(secret), canonicalString(method, path, timestamp, nonce, body))
	return base64.StdEncoding.EncodeToString(mac)
}

func canonicalString(method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature tries hex first: a hex digest is also valid base64 text.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC 3339 or unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func normaliseCarrier(carrier string) string {
	return strings.ToLower(strings.TrimSpace(carrier))
}
