package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/ordertracking/internal/platform/config"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return verificationRecord{}
	}
	return m.records[len(m.records)-1]
}

type failingNonceStore struct{}

func (failingNonceStore) UseNonce(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

var hmacNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

const courierPath = "/api/v1/webhooks/couriers/yamato/events"

func newTestVerifier(nonces NonceStore, metrics *recordingMetrics) *SignatureVerifier {
	return NewSignatureVerifier(
		map[string]string{"Yamato": "yamato-secret", "sagawa": ""},
		nonces,
		WithSignatureClock(func() time.Time { return hmacNow }),
		WithSignatureMetrics(metrics),
		WithSignatureConfig(config.HMACConfig{ClockSkew: 2 * time.Minute}),
	)
}

func signedRequest(body, ts, nonce, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, courierPath, strings.NewReader(body))
	if ts != "" {
		req.Header.Set("X-Signature-Timestamp", ts)
	}
	if nonce != "" {
		req.Header.Set("X-Signature-Nonce", nonce)
	}
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	return req
}

func serveSigned(v *SignatureVerifier, carrier string, req *http.Request, next http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	v.RequireCarrierSignature(func(*http.Request) string { return carrier })(next).ServeHTTP(rec, req)
	return rec
}

func TestRequireCarrierSignatureAccepts(t *testing.T) {
	metrics := &recordingMetrics{}
	v := newTestVerifier(NewInMemoryNonceStore(func() time.Time { return hmacNow }), metrics)

	body := `{"status":"SHIPPED"}`
	ts := hmacNow.Add(-time.Minute).Format(time.RFC3339)
	req := signedRequest(body, ts, "n-1", Sign("yamato-secret", http.MethodPost, courierPath, ts, "n-1", []byte(body)))

	called := false
	rec := serveSigned(v, "YAMATO", req, func(w http.ResponseWriter, r *http.Request) {
		called = true
		meta, ok := SignatureFromContext(r.Context())
		if !ok || meta.Carrier != "yamato" || meta.Nonce != "n-1" {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		restored, _ := io.ReadAll(r.Body)
		if string(restored) != body {
			t.Fatalf("expected body restored, got %q", restored)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if !called || rec.Code != http.StatusAccepted {
		t.Fatalf("expected accepted request, got %d", rec.Code)
	}
	if got := metrics.last(); got != (verificationRecord{kind: "hmac", success: true, reason: "ok"}) {
		t.Fatalf("unexpected metric %+v", got)
	}
}

func TestRequireCarrierSignatureAcceptsHexAndUnixTimestamp(t *testing.T) {
	v := newTestVerifier(NewInMemoryNonceStore(func() time.Time { return hmacNow }), &recordingMetrics{})

	ts := strconv.FormatInt(hmacNow.Unix(), 10)
	mac := computeHMAC([]byte("yamato-secret"), canonicalString(http.MethodPost, courierPath, ts, "n-hex", nil))
	req := signedRequest("", ts, "n-hex", hex.EncodeToString(mac))

	rec := serveSigned(v, "yamato", req, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireCarrierSignatureRejects(t *testing.T) {
	body := `{"status":"DELIVERED"}`
	ts := hmacNow.Format(time.RFC3339)
	good := Sign("yamato-secret", http.MethodPost, courierPath, ts, "n-2", []byte(body))
	stale := hmacNow.Add(-10 * time.Minute).Format(time.RFC3339)

	cases := []struct {
		name    string
		carrier string
		req     *http.Request
		nonces  NonceStore
		status  int
		reason  string
	}{
		{"unknown carrier", "dhl", signedRequest(body, ts, "n-2", good), nil, http.StatusUnauthorized, "carrier_unknown"},
		{"carrier without secret", "sagawa", signedRequest(body, ts, "n-2", good), nil, http.StatusUnauthorized, "carrier_unknown"},
		{"missing signature", "yamato", signedRequest(body, ts, "n-2", ""), nil, http.StatusUnauthorized, "signature_missing"},
		{"missing timestamp", "yamato", signedRequest(body, "", "n-2", good), nil, http.StatusUnauthorized, "timestamp_missing"},
		{"bad timestamp", "yamato", signedRequest(body, "yesterday", "n-2", good), nil, http.StatusUnauthorized, "timestamp_invalid"},
		{"stale timestamp", "yamato", signedRequest(body, stale, "n-2", Sign("yamato-secret", http.MethodPost, courierPath, stale, "n-2", []byte(body))), nil, http.StatusUnauthorized, "timestamp_skew"},
		{"missing nonce", "yamato", signedRequest(body, ts, "", good), nil, http.StatusUnauthorized, "nonce_missing"},
		{"bad encoding", "yamato", signedRequest(body, ts, "n-2", "%%%"), nil, http.StatusUnauthorized, "signature_invalid"},
		{"tampered body", "yamato", signedRequest(`{"status":"CANCELLED"}`, ts, "n-2", good), nil, http.StatusUnauthorized, "signature_mismatch"},
		{"no nonce store", "yamato", signedRequest(body, ts, "n-2", good), nil, http.StatusServiceUnavailable, "nonce_store_unavailable"},
		{"nonce store error", "yamato", signedRequest(body, ts, "n-2", good), failingNonceStore{}, http.StatusServiceUnavailable, "nonce_store_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			v := newTestVerifier(tc.nonces, metrics)
			rec := serveSigned(v, tc.carrier, tc.req, func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run")
			})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := metrics.last(); got.success || got.reason != tc.reason {
				t.Fatalf("expected failure %q, got %+v", tc.reason, got)
			}
		})
	}
}

func TestRequireCarrierSignatureRejectsReplay(t *testing.T) {
	metrics := &recordingMetrics{}
	v := newTestVerifier(NewInMemoryNonceStore(func() time.Time { return hmacNow }), metrics)

	body := `{}`
	ts := hmacNow.Format(time.RFC3339)
	sig := Sign("yamato-secret", http.MethodPost, courierPath, ts, "n-3", []byte(body))
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

	if rec := serveSigned(v, "yamato", signedRequest(body, ts, "n-3", sig), ok); rec.Code != http.StatusOK {
		t.Fatalf("expected first delivery accepted, got %d", rec.Code)
	}
	if rec := serveSigned(v, "yamato", signedRequest(body, ts, "n-3", sig), ok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay rejected, got %d", rec.Code)
	}
	if got := metrics.last(); got.reason != "nonce_replay" {
		t.Fatalf("expected nonce_replay metric, got %+v", got)
	}
}
