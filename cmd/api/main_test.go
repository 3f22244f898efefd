package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/hanko-field/ordertracking/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	got := requiredSecretNames(map[string]string{
		"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe-webhook",
		"API_SECURITY_HMAC_SECRETS":     "Yamato=secret://yamato, sagawa=secret://sagawa,broken,yamato=secret://dup",
	})
	want := []string{
		"PSP.StripeWebhookSecret",
		"Security.HMAC.Secrets[sagawa]",
		"Security.HMAC.Secrets[yamato]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if names := requiredSecretNames(nil); len(names) != 0 {
		t.Fatalf("expected no required secrets, got %v", names)
	}
}

func TestBuildInfoFromEnv(t *testing.T) {
	started := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{"API_BUILD_VERSION": "1.4.0"}, config.Config{}, started)
	if info.Version != "1.4.0" || info.CommitSHA != "unknown" || info.Environment != "local" {
		t.Fatalf("unexpected build info: %+v", info)
	}
	if !info.StartedAt.Equal(started) {
		t.Fatalf("expected started at %s, got %s", started, info.StartedAt)
	}
}

func TestTraceProjectID(t *testing.T) {
	var cfg config.Config
	cfg.Firestore.ProjectID = "orders-prod"
	if got := traceProjectID(cfg); got != "orders-prod" {
		t.Fatalf("expected firestore project fallback, got %q", got)
	}
	cfg.Firebase.ProjectID = "auth-prod"
	if got := traceProjectID(cfg); got != "auth-prod" {
		t.Fatalf("expected firebase project, got %q", got)
	}
}
