//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/hanko-field/ordertracking/internal/platform/config"
	pfirestore "github.com/hanko-field/ordertracking/internal/platform/firestore"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type parcel struct {
	Label  string `firestore:"label"`
	Weight int    `firestore:"weight"`
}

func TestProviderAndRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "ordertracking-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx, "parcels"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	repo := pfirestore.NewBaseRepository[parcel](provider, "parcels", nil, nil)
	parcels := pfirestore.TopLevel("parcels")

	if err := repo.Create(ctx, parcels, "p-1", parcel{Label: "alpha", Weight: 1}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, parcels, "p-1", parcel{Label: "again"}); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	doc, err := repo.Get(ctx, parcels, "p-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc.ID != "p-1" || doc.Data.Label != "alpha" || doc.Data.Weight != 1 {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatalf("expected update time to be set")
	}

	if _, err := repo.Get(ctx, parcels, "missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	uow := pfirestore.NewUnitOfWork(provider)
	if err := uow.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := repo.Get(txCtx, parcels, "p-1")
		if err != nil {
			return err
		}
		current.Data.Weight++
		return repo.Set(txCtx, parcels, "p-1", current.Data)
	}); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	nested := pfirestore.Nested("parcels", "p-1", "scans")
	for i, label := range []string{"first", "second"} {
		if err := repo.Create(ctx, nested, fmt.Sprintf("s-%d", i), parcel{Label: label, Weight: i}); err != nil {
			t.Fatalf("create nested: %v", err)
		}
	}
	scans, err := repo.Query(ctx, nested, func(q firestore.Query) firestore.Query {
		return q.OrderBy("weight", firestore.Desc)
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(scans) != 2 || scans[0].Data.Label != "second" {
		t.Fatalf("unexpected scans: %#v", scans)
	}

	doc, err = repo.Get(ctx, parcels, "p-1")
	if err != nil {
		t.Fatalf("get after transaction failed: %v", err)
	}
	if doc.Data.Weight != 2 {
		t.Fatalf("expected weight=2 after txn, got %d", doc.Data.Weight)
	}

	cancelCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
