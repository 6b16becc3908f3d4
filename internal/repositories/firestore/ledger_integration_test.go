//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	pconfig "github.com/herbcart/api/internal/platform/config"
	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/repositories"
)

func TestReferralLedgerIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "ledger-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)

	code := domain.ReferralCode{
		ID:             "ref_1",
		Code:           "REFAB",
		OwnerID:        "user_owner",
		DiscountAmount: 50,
		CommissionRate: 0.10,
		MaxUses:        2,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := registry.ReferralCodes().Insert(ctx, code); err != nil {
		t.Fatalf("insert code: %v", err)
	}

	found, err := registry.ReferralCodes().FindByCode(ctx, "refab")
	if err != nil {
		t.Fatalf("find by code: %v", err)
	}
	if found.ID != "ref_1" {
		t.Fatalf("expected ref_1, got %s", found.ID)
	}

	consume := repositories.ConsumeReferralRequest{
		CodeID:  "ref_1",
		UsedBy:  "user_buyer",
		OrderID: "order_1",
		Commission: domain.CommissionRecord{
			ID:               "comm_1",
			ReferrerID:       "user_owner",
			ReferredUserID:   "user_buyer",
			CommissionAmount: 60,
			OrderAmount:      600,
		},
		Now: now,
	}

	first, err := registry.ReferralCodes().Consume(ctx, consume)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first consume must not report replay")
	}
	if first.Code.CurrentUses != 1 {
		t.Fatalf("expected currentUses 1, got %d", first.Code.CurrentUses)
	}
	if first.Commission.Status != domain.CommissionStatusPurchased {
		t.Fatalf("expected purchased commission, got %s", first.Commission.Status)
	}

	replay := consume
	replay.Commission.ID = "comm_1_replay"
	replayed, err := registry.ReferralCodes().Consume(ctx, replay)
	if err != nil {
		t.Fatalf("replayed consume: %v", err)
	}
	if !replayed.Replayed {
		t.Fatalf("expected replay outcome for same order id")
	}
	if replayed.Code.CurrentUses != 1 {
		t.Fatalf("replay must not increment uses, got %d", replayed.Code.CurrentUses)
	}
	if replayed.Commission.ID != "comm_1" {
		t.Fatalf("replay must return original commission, got %s", replayed.Commission.ID)
	}

	// Three concurrent consumes race for the single remaining slot under the
	// cap of 2: exactly one wins, the others observe exhaustion.
	var wg sync.WaitGroup
	consumeErrs := make([]error, 3)
	for i := range consumeErrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := repositories.ConsumeReferralRequest{
				CodeID:  "ref_1",
				UsedBy:  fmt.Sprintf("user_c%d", i),
				OrderID: fmt.Sprintf("order_c%d", i),
				Commission: domain.CommissionRecord{
					ID:               fmt.Sprintf("comm_c%d", i),
					ReferrerID:       "user_owner",
					CommissionAmount: 10,
					OrderAmount:      100,
				},
				Now: now,
			}
			_, consumeErrs[i] = registry.ReferralCodes().Consume(ctx, req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	exhausted := 0
	for _, err := range consumeErrs {
		switch {
		case err == nil:
			succeeded++
		case repositories.LedgerErrorHasCode(err, repositories.LedgerErrorCodeExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if succeeded != 1 || exhausted != 2 {
		t.Fatalf("expected 1 winner and 2 exhausted, got %d/%d", succeeded, exhausted)
	}

	final, err := registry.ReferralCodes().FindByID(ctx, "ref_1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if final.CurrentUses != 2 {
		t.Fatalf("expected currentUses at cap 2, got %d", final.CurrentUses)
	}

	// Coin wallet: debit must fail once the balance no longer covers it.
	if _, err := registry.CoinWallets().Credit(ctx, "user_buyer", 20, now); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := registry.CoinWallets().Debit(ctx, "user_buyer", 15, now); err != nil {
		t.Fatalf("debit: %v", err)
	}
	_, err = registry.CoinWallets().Debit(ctx, "user_buyer", 10, now)
	if !repositories.LedgerErrorHasCode(err, repositories.LedgerErrorInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	// Withdrawal flow: earmark splits the covering record, replayed decisions
	// report already processed.
	sums, err := registry.Commissions().SumByStatus(ctx, "user_owner")
	if err != nil {
		t.Fatalf("sum by status: %v", err)
	}
	available := sums[domain.CommissionStatusPurchased]
	if available != 70 {
		t.Fatalf("expected purchased sum 70, got %d", available)
	}

	splitSeq := 0
	withdrawal, err := registry.Withdrawals().Request(ctx, repositories.WithdrawalCreateRequest{
		Withdrawal: domain.WithdrawalRequest{
			ID:     "wd_1",
			UserID: "user_owner",
			UPIID:  "owner@upi",
			Amount: 65,
		},
		SplitIDGen: func() string {
			splitSeq++
			return fmt.Sprintf("comm_split_%d", splitSeq)
		},
		Now: now,
	})
	if err != nil {
		t.Fatalf("withdrawal request: %v", err)
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		t.Fatalf("expected requested status, got %s", withdrawal.Status)
	}
	if len(withdrawal.CommissionRecordIDs) != 2 {
		t.Fatalf("expected 2 earmarked records, got %d", len(withdrawal.CommissionRecordIDs))
	}

	sums, err = registry.Commissions().SumByStatus(ctx, "user_owner")
	if err != nil {
		t.Fatalf("sum after earmark: %v", err)
	}
	if sums[domain.CommissionStatusWithdrawalRequested] != 65 {
		t.Fatalf("expected earmarked 65, got %d", sums[domain.CommissionStatusWithdrawalRequested])
	}
	if sums[domain.CommissionStatusPurchased] != 5 {
		t.Fatalf("expected remainder 5, got %d", sums[domain.CommissionStatusPurchased])
	}

	approved, err := registry.Withdrawals().Process(ctx, repositories.WithdrawalProcessRequest{
		WithdrawalID: "wd_1",
		Approve:      true,
		AdminID:      "admin_1",
		Now:          now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if approved.Status != domain.WithdrawalStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.ProcessedBy == nil || *approved.ProcessedBy != "admin_1" {
		t.Fatalf("expected processedBy stamp, got %+v", approved.ProcessedBy)
	}

	_, err = registry.Withdrawals().Process(ctx, repositories.WithdrawalProcessRequest{
		WithdrawalID: "wd_1",
		Approve:      false,
		AdminID:      "admin_2",
		Now:          now.Add(2 * time.Minute),
	})
	if !repositories.LedgerErrorHasCode(err, repositories.LedgerErrorAlreadyProcessed) {
		t.Fatalf("expected already processed on replay, got %v", err)
	}

	sums, err = registry.Commissions().SumByStatus(ctx, "user_owner")
	if err != nil {
		t.Fatalf("sum after approval: %v", err)
	}
	if sums[domain.CommissionStatusWithdrawn] != 65 {
		t.Fatalf("expected withdrawn 65, got %d", sums[domain.CommissionStatusWithdrawn])
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
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
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
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
