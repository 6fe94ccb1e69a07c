package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"EscrowOracle/internal/auth"
	"EscrowOracle/internal/dispute"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/health"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/reconcile"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/internal/web3"
)

const (
	schedulerToken = "sched-secret"
	adminToken     = "admin-secret"
)

type apiFixture struct {
	ledger  *web3.MemoryLedger
	store   *escrow.MemoryStore
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ledger := web3.NewMemoryLedger()
	store := escrow.NewMemoryStore()
	runs := oracle.NewMemoryRunStore()
	exec := settlement.NewExecutor(ledger, store)

	server := NewServer(":0", Deps{
		Auth:        auth.NewService(auth.Config{SchedulerToken: schedulerToken, AdminToken: adminToken}),
		AutoRelease: oracle.NewAutoRelease(store, runs, ledger, exec),
		AutoRefund:  oracle.NewAutoRefund(store, runs, ledger, exec),
		Reconcile:   reconcile.NewEngine(ledger, store, runs, reconcile.NewMemoryCheckpointStore(), "escrow-ledger"),
		Disputes:    dispute.NewResolver(ledger, store, exec),
		Health:      health.NewMonitor(ledger, runs, nil),
		Store:       store,
	})
	return &apiFixture{ledger: ledger, store: store, handler: server.Handler()}
}

func (f *apiFixture) seedDisputed(t *testing.T) escrow.EscrowID {
	t.Helper()
	id := escrow.EscrowIDFromUUID(uuid.New())
	f.ledger.Fund(id,
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(7000), time.Now().Add(72*time.Hour), 24)
	f.ledger.Dispute(id)

	now := time.Now()
	if err := f.store.Create(context.Background(), &escrow.Transaction{
		EscrowID:           id,
		Status:             escrow.StatusDisputed,
		Amount:             7000,
		CreatedAt:          now.Add(-24 * time.Hour),
		Deadline:           now.Add(72 * time.Hour),
		DisputeWindowHours: 24,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return id
}

func (f *apiFixture) do(method, path, token, operator string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if operator != "" {
		req.Header.Set(auth.OperatorHeader, operator)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestJobTriggerRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/jobs/auto-release", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/api/v1/jobs/auto-release", schedulerToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with scheduler token, got %d: %s", rec.Code, rec.Body.String())
	}

	var summary oracle.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Job != oracle.JobAutoRelease {
		t.Fatalf("unexpected job in summary: %q", summary.Job)
	}
}

func TestReconcileTriggerWithTarget(t *testing.T) {
	f := newAPIFixture(t)
	id := escrow.EscrowIDFromUUID(uuid.New())
	f.ledger.Fund(id,
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(100), time.Now().Add(time.Hour), 24)

	rec := f.do(http.MethodPost, "/api/v1/jobs/reconcile", schedulerToken, "",
		map[string]string{"target_id": id.Hex()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var summary oracle.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Processed != 1 || summary.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rec = f.do(http.MethodGet, "/api/v1/escrows/"+id.Hex(), schedulerToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on escrow detail, got %d", rec.Code)
	}
}

func TestResolveDisputeEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.seedDisputed(t)

	// 调度器令牌不得触碰裁决接口。
	rec := f.do(http.MethodPost, "/api/v1/disputes/resolve", schedulerToken, "",
		map[string]any{"escrow_id": id.Hex(), "release_to_seller": true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for scheduler, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/api/v1/disputes/resolve", adminToken, "admin-7",
		map[string]any{"escrow_id": id.Hex(), "release_to_seller": true, "reason": "evidence ok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result dispute.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Final != escrow.StatusReleased || result.AlreadyResolved {
		t.Fatalf("unexpected result: %+v", result)
	}

	// 重复裁决返回 already_resolved。
	rec = f.do(http.MethodPost, "/api/v1/disputes/resolve", adminToken, "admin-8",
		map[string]any{"escrow_id": id.Hex()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode repeat result: %v", err)
	}
	if !result.AlreadyResolved {
		t.Fatalf("expected already_resolved on repeat: %+v", result)
	}
}

func TestResolveDisputeRejectsNonDisputed(t *testing.T) {
	f := newAPIFixture(t)
	id := escrow.EscrowIDFromUUID(uuid.New())
	f.ledger.Fund(id,
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(100), time.Now().Add(time.Hour), 24)

	rec := f.do(http.MethodPost, "/api/v1/disputes/resolve", adminToken, "admin-7",
		map[string]any{"escrow_id": id.Hex()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for non-disputed escrow, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Code != string(dispute.CodeNotDisputed) {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
}

func TestEscrowDetailNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/escrows/"+escrow.EscrowIDFromUUID(uuid.New()).Hex(),
		schedulerToken, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/api/v1/escrows/not-a-hash", schedulerToken, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report health.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %s", report.Status)
	}
}
