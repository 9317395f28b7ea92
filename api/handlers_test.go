/*
handlers_test.go - Unit tests for API handlers

Tests for:
- The funding -> repayment flow over HTTP, including callback replays
- Error status mapping (400, 404, 409)
- The reminder scheduler and its admin endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
	"github.com/warp/loan-ledger/lending/store"
)

var testNow = time.Date(2026, time.January, 1, 10, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestHandler(t *testing.T) *Handler {
	return newTestHandlerWith(t, store.NewTxMemory())
}

func newTestHandlerWith(t *testing.T, s lending.TxStore) *Handler {
	t.Helper()
	ledger := lending.NewContractLedger(nil)
	gateway := lending.Gateway{
		Endpoint:    "https://gateway.test/form",
		ProductCode: "EPAYTEST",
		SecretKey:   "8gBm/:&EnhH.1/q",
	}
	payments := lending.NewPaymentHandler(s, ledger, nil, gateway, nil)
	payments.Now = func() time.Time { return testNow }

	tokens := 0
	payments.NewToken = func() string {
		tokens++
		return fmt.Sprintf("tok-%d", tokens)
	}

	scheduler := NewReminderScheduler(lending.NewReminderSweeper(s, nil, nil), nil)
	scheduler.now = func() time.Time { return testNow }

	h := NewHandler(s, payments, scheduler, nil)
	h.now = func() time.Time { return testNow }
	return h
}

func newTestServer(t *testing.T) *testServer {
	h := newTestHandler(t)
	return &testServer{t: t, handler: h, router: NewRouter(h)}
}

// do sends a request and decodes the JSON response into out when non-nil.
func (ts *testServer) do(method, path string, body any, out any) int {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (ts *testServer) createUsers() {
	ts.t.Helper()
	for _, u := range []CreateUserRequest{
		{ID: "bob", Name: "Bob Borrower", Email: "bob@example.com"},
		{ID: "lena", Name: "Lena Lender", Email: "lena@example.com"},
	} {
		require.Equal(ts.t, http.StatusCreated, ts.do(http.MethodPost, "/api/users", u, nil))
	}
}

func (ts *testServer) createLoan() LoanDTO {
	ts.t.Helper()
	var loan LoanDTO
	code := ts.do(http.MethodPost, "/api/loans", CreateLoanRequest{
		BorrowerID:    "bob",
		Amount:        "10000",
		InterestRate:  "12",
		DurationDays:  365,
		RepaymentType: "milestone",
		Milestones:    2,
	}, &loan)
	require.Equal(ts.t, http.StatusCreated, code)
	return loan
}

// =============================================================================
// FLOW TESTS
// =============================================================================

func TestAPI_FundAndRepay(t *testing.T) {
	// GIVEN: Two users and a pending 2-milestone loan request
	ts := newTestServer(t)
	ts.createUsers()
	loan := ts.createLoan()
	assert.Equal(t, "pending", loan.Status)

	// WHEN: The lender funds it and the gateway confirms
	var checkout CheckoutDTO
	code := ts.do(http.MethodPost, "/api/loans/"+loan.ID+"/fund",
		FundLoanRequest{LenderID: "lena", Amount: "10000"}, &checkout)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tok-1", checkout.TransactionUUID)
	assert.Equal(t, "funding", checkout.Kind)
	assert.NotEmpty(t, checkout.Gateway.Signature)

	var funded PaymentResultDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/payments/success?transaction_uuid=tok-1", nil, &funded))
	assert.False(t, funded.AlreadyProcessed)
	require.NotEmpty(t, funded.ContractID)

	// THEN: A replayed callback reports the same contract without settling again
	var replay PaymentResultDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/payments/success?transaction_uuid=tok-1", nil, &replay))
	assert.True(t, replay.AlreadyProcessed)
	assert.Equal(t, funded.ContractID, replay.ContractID)

	var contract ContractDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/contracts/"+funded.ContractID, nil, &contract))
	assert.Equal(t, "active", contract.Status)
	assert.Equal(t, "11200.00", contract.TotalRepayment)
	require.Len(t, contract.Obligations, 2)
	assert.Equal(t, "5600.00", contract.Obligations[0].AmountDue)

	// WHEN: The borrower pays the next milestone with an empty body
	req := httptest.NewRequest(http.MethodPost, "/api/contracts/"+funded.ContractID+"/pay", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkout))
	assert.Equal(t, "5600.00", checkout.Amount)

	var repaid PaymentResultDTO
	path := "/api/payments/success?transaction_uuid=" + checkout.TransactionUUID
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, path, nil, &repaid))
	assert.Equal(t, []int{1}, repaid.Paid)
	assert.False(t, repaid.Late)
	assert.False(t, repaid.Completed)

	// THEN: Paying milestone 1 again conflicts
	var errResp ErrorResponse
	code = ts.do(http.MethodPost, "/api/contracts/"+funded.ContractID+"/pay", RepayRequest{Milestone: intPtr(1)}, &errResp)
	assert.Equal(t, http.StatusConflict, code)

	var lena UserDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/users/lena", nil, &lena))
	assert.Equal(t, 55, lena.CreditScore)
	assert.Len(t, lena.Transactions, 2)
}

func TestAPI_FailureCallbackDropsIntent(t *testing.T) {
	// GIVEN: A started funding payment
	ts := newTestServer(t)
	ts.createUsers()
	loan := ts.createLoan()

	var checkout CheckoutDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/loans/"+loan.ID+"/fund",
		FundLoanRequest{LenderID: "lena", Amount: "10000"}, &checkout))

	// WHEN: The gateway reports failure
	var cancelled map[string]any
	code := ts.do(http.MethodGet, "/api/payments/failure?transaction_uuid="+checkout.TransactionUUID, nil, &cancelled)

	// THEN: The intent is gone and a late success callback finds nothing
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, cancelled["cancelled"])

	var got LoanDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/loans/"+loan.ID, nil, &got))
	assert.Nil(t, got.Intent)
	assert.Equal(t, "pending", got.Status)

	assert.Equal(t, http.StatusNotFound,
		ts.do(http.MethodGet, "/api/payments/success?transaction_uuid="+checkout.TransactionUUID, nil, nil))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	ts.createUsers()
	loan := ts.createLoan()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown loan", http.MethodGet, "/api/loans/nope", nil, http.StatusNotFound},
		{"unknown user", http.MethodGet, "/api/users/nope", nil, http.StatusNotFound},
		{"unknown contract", http.MethodGet, "/api/contracts/nope", nil, http.StatusNotFound},
		{"unknown fine", http.MethodGet, "/api/fines/nope", nil, http.StatusNotFound},
		{"bad amount", http.MethodPost, "/api/loans/" + loan.ID + "/fund", FundLoanRequest{LenderID: "lena", Amount: "ten"}, http.StatusBadRequest},
		{"amount mismatch", http.MethodPost, "/api/loans/" + loan.ID + "/fund", FundLoanRequest{LenderID: "lena", Amount: "9000"}, http.StatusBadRequest},
		{"self funding", http.MethodPost, "/api/loans/" + loan.ID + "/fund", FundLoanRequest{LenderID: "bob", Amount: "10000"}, http.StatusBadRequest},
		{"zero duration", http.MethodPost, "/api/loans", CreateLoanRequest{BorrowerID: "bob", Amount: "100", InterestRate: "5", RepaymentType: "lump_sum"}, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/api/users", CreateUserRequest{ID: "x"}, http.StatusBadRequest},
		{"missing token", http.MethodGet, "/api/payments/success", nil, http.StatusBadRequest},
		{"missing failure token", http.MethodGet, "/api/payments/failure", nil, http.StatusBadRequest},
		{"unknown token", http.MethodGet, "/api/payments/success?transaction_uuid=ghost", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			code := ts.do(tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestAPI_RunReminders(t *testing.T) {
	// GIVEN: A funded contract whose first milestone is due in 3 days
	ts := newTestServer(t)
	ts.createUsers()
	loan := ts.createLoan()

	var checkout CheckoutDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/loans/"+loan.ID+"/fund",
		FundLoanRequest{LenderID: "lena", Amount: "10000"}, &checkout))
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/payments/success?transaction_uuid=tok-1", nil, nil))

	dueSoon := time.Date(2026, time.June, 29, 10, 0, 0, 0, time.UTC)
	ts.handler.Scheduler.now = func() time.Time { return dueSoon }

	// WHEN: The admin endpoint runs the sweep
	var report SweepDTO
	code := ts.do(http.MethodPost, "/api/admin/reminders/run", nil, &report)

	// THEN: One upcoming reminder was sent and the next run is reported
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, report.Contracts)
	assert.Equal(t, 1, report.Upcoming)
	assert.Equal(t, 0, report.Overdue)
	assert.Equal(t, "2026-06-30T09:00:00Z", report.NextRun)

	last, ok := ts.handler.Scheduler.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Upcoming)
}

func TestAPI_RunRemindersWithoutScheduler(t *testing.T) {
	h := newTestHandler(t)
	h.Scheduler = nil
	ts := &testServer{t: t, handler: h, router: NewRouter(h)}

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/admin/reminders/run", nil, nil))
}

func TestNextRunAfter(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before hour", time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{"exactly at hour", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"after hour", time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"month end", time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRunAfter(tt.now, 9))
		})
	}
}

func TestReminderScheduler_StartRunsFirstSweep(t *testing.T) {
	// GIVEN: An enabled scheduler
	h := newTestHandler(t)
	rs := h.Scheduler

	// WHEN: Started
	rs.Start()
	rs.Start() // second start is a no-op

	// THEN: The initial sweep runs without waiting for the hour
	assert.Eventually(t, func() bool {
		_, ok := rs.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)
	rs.Stop()
	rs.Stop()
}

func TestReminderScheduler_RestartAfterStop(t *testing.T) {
	// GIVEN: A scheduler that was started and stopped
	h := newTestHandler(t)
	rs := h.Scheduler
	var sweeps atomic.Int32

	rs.Start()
	assert.Eventually(t, func() bool {
		_, ok := rs.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)
	rs.Stop()

	// WHEN: Started again
	rs.now = func() time.Time {
		sweeps.Add(1)
		return testNow
	}
	rs.Start()
	defer rs.Stop()

	// THEN: The first sweep of the new run happens
	assert.Eventually(t, func() bool { return sweeps.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestReminderScheduler_DisabledDoesNotStart(t *testing.T) {
	h := newTestHandler(t)
	rs := h.Scheduler
	rs.Enabled = false

	rs.Start()
	defer rs.Stop()

	_, ok := rs.LastReport()
	assert.False(t, ok)

	// A manual run still works
	_, err := rs.RunNow(context.Background())
	require.NoError(t, err)
	_, ok = rs.LastReport()
	assert.True(t, ok)
}

func intPtr(v int) *int { return &v }
