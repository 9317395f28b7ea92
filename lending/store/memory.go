// Package store provides an in-memory lending.TxStore.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/lending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// state holds the data. Its methods assume the caller holds the lock.
type state struct {
	users        map[lending.UserID]lending.User
	userTxs      map[lending.UserID][]lending.TransactionID
	loans        map[lending.LoanID]lending.Loan
	contracts    map[lending.ContractID]lending.LoanContract
	fines        map[lending.FineID]lending.Fine
	transactions map[lending.TransactionID]lending.Transaction
	byToken      map[string]lending.TransactionID
	reminders    map[string]time.Time
}

func newState() *state {
	return &state{
		users:        make(map[lending.UserID]lending.User),
		userTxs:      make(map[lending.UserID][]lending.TransactionID),
		loans:        make(map[lending.LoanID]lending.Loan),
		contracts:    make(map[lending.ContractID]lending.LoanContract),
		fines:        make(map[lending.FineID]lending.Fine),
		transactions: make(map[lending.TransactionID]lending.Transaction),
		byToken:      make(map[string]lending.TransactionID),
		reminders:    make(map[string]time.Time),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:        maps.Clone(s.users),
		userTxs:      make(map[lending.UserID][]lending.TransactionID, len(s.userTxs)),
		loans:        maps.Clone(s.loans),
		contracts:    make(map[lending.ContractID]lending.LoanContract, len(s.contracts)),
		fines:        maps.Clone(s.fines),
		transactions: maps.Clone(s.transactions),
		byToken:      maps.Clone(s.byToken),
		reminders:    maps.Clone(s.reminders),
	}
	for k, v := range s.userTxs {
		c.userTxs[k] = slices.Clone(v)
	}
	for k, v := range s.contracts {
		c.contracts[k] = copyContract(v)
	}
	return c
}

func copyContract(c lending.LoanContract) lending.LoanContract {
	c.Obligations = slices.Clone(c.Obligations)
	return c
}

func notFound(kind, id string) error { return &lending.NotFoundError{Kind: kind, ID: id} }

// --- users ---

func (s *state) saveUser(u lending.User) error {
	if u.ID == "" {
		return &lending.InvalidInputError{Field: "user_id", Reason: "required"}
	}
	s.users[u.ID] = u
	return nil
}

func (s *state) getUser(id lending.UserID) (*lending.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", string(id))
	}
	return &u, nil
}

func (s *state) adjustCreditScore(id lending.UserID, delta int) (int, error) {
	u, ok := s.users[id]
	if !ok {
		return 0, notFound("user", string(id))
	}
	u.CreditScore = lending.ApplyDelta(u.CreditScore, delta)
	s.users[id] = u
	return u.CreditScore, nil
}

func (s *state) linkTransaction(uid lending.UserID, txID lending.TransactionID) error {
	if _, ok := s.users[uid]; !ok {
		return notFound("user", string(uid))
	}
	s.userTxs[uid] = append(s.userTxs[uid], txID)
	return nil
}

// --- loans ---

func (s *state) getLoan(id lending.LoanID) (*lending.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return nil, notFound("loan", string(id))
	}
	return &l, nil
}

func (s *state) activateLoan(id lending.LoanID, lender lending.UserID, contract lending.ContractID) error {
	l, ok := s.loans[id]
	if !ok {
		return notFound("loan", string(id))
	}
	if l.Status != lending.LoanPending {
		return lending.ErrInvalidState
	}
	l.LenderID = lender
	l.ContractID = contract
	l.Status = lending.LoanActive
	s.loans[id] = l
	return nil
}

func (s *state) setLoanStatus(id lending.LoanID, status lending.LoanStatus) error {
	l, ok := s.loans[id]
	if !ok {
		return notFound("loan", string(id))
	}
	l.Status = status
	s.loans[id] = l
	return nil
}

func (s *state) setLoanIntent(id lending.LoanID, intent lending.PendingPaymentIntent) error {
	l, ok := s.loans[id]
	if !ok {
		return notFound("loan", string(id))
	}
	l.Intent = &intent
	s.loans[id] = l
	return nil
}

func (s *state) setFineIntent(id lending.FineID, intent lending.PendingPaymentIntent) error {
	f, ok := s.fines[id]
	if !ok {
		return notFound("fine", string(id))
	}
	f.Intent = &intent
	s.fines[id] = f
	return nil
}

func (s *state) claimIntent(token string) (*lending.ClaimedIntent, error) {
	for id, l := range s.loans {
		if l.Intent != nil && l.Intent.Token == token {
			claimed := &lending.ClaimedIntent{PendingPaymentIntent: *l.Intent, LoanID: id}
			l.Intent = nil
			s.loans[id] = l
			return claimed, nil
		}
	}
	for id, f := range s.fines {
		if f.Intent != nil && f.Intent.Token == token {
			claimed := &lending.ClaimedIntent{PendingPaymentIntent: *f.Intent, LoanID: f.LoanID, FineID: id}
			f.Intent = nil
			s.fines[id] = f
			return claimed, nil
		}
	}
	return nil, lending.IntentNotFoundError(token)
}

// --- contracts ---

func (s *state) getContract(id lending.ContractID) (*lending.LoanContract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, notFound("contract", string(id))
	}
	c = copyContract(c)
	return &c, nil
}

func (s *state) getContractByLoan(loanID lending.LoanID) (*lending.LoanContract, error) {
	for _, c := range s.contracts {
		if c.LoanID == loanID {
			c = copyContract(c)
			return &c, nil
		}
	}
	return nil, notFound("contract", "loan/"+string(loanID))
}

func (s *state) listActiveContracts() []lending.LoanContract {
	var out []lending.LoanContract
	for _, c := range s.contracts {
		if c.Status == lending.ContractActive {
			out = append(out, copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *state) setContractStatus(id lending.ContractID, status lending.ContractStatus, at time.Time) error {
	c, ok := s.contracts[id]
	if !ok {
		return notFound("contract", string(id))
	}
	c.Status = status
	if status == lending.ContractCompleted {
		c.CompletedAt = &at
	}
	s.contracts[id] = c
	return nil
}

// obligation returns a copy of the contract with a fresh obligations slice
// and the index of seq in it.
func (s *state) obligation(id lending.ContractID, seq int) (lending.LoanContract, int, error) {
	c, ok := s.contracts[id]
	if !ok {
		return c, 0, notFound("contract", string(id))
	}
	c = copyContract(c)
	for i := range c.Obligations {
		if c.Obligations[i].Seq == seq {
			return c, i, nil
		}
	}
	return c, 0, notFound("obligation", string(id))
}

func (s *state) markObligationPaid(id lending.ContractID, ob lending.RepaymentObligation) error {
	c, i, err := s.obligation(id, ob.Seq)
	if err != nil {
		return err
	}
	cur := &c.Obligations[i]
	if cur.Status != lending.ObligationPending {
		return lending.ErrObligationPaid
	}
	cur.Status = lending.ObligationPaid
	cur.PaidAt = ob.PaidAt
	cur.Late = ob.Late
	cur.DaysLate = ob.DaysLate
	cur.TransactionID = ob.TransactionID
	cur.FineID = ob.FineID
	s.contracts[id] = c
	return nil
}

func (s *state) markPenaltyApplied(id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	c, i, err := s.obligation(id, seq)
	if err != nil {
		return false, err
	}
	cur := &c.Obligations[i]
	if cur.PenaltyApplied || cur.Status != lending.ObligationPending {
		return false, nil
	}
	cur.PenaltyApplied = true
	cur.FineEstimate = &estimate
	s.contracts[id] = c
	return true, nil
}

func (s *state) markLenderNotified(id lending.ContractID, seq int) (bool, error) {
	c, i, err := s.obligation(id, seq)
	if err != nil {
		return false, err
	}
	if c.Obligations[i].LenderNotified {
		return false, nil
	}
	c.Obligations[i].LenderNotified = true
	s.contracts[id] = c
	return true, nil
}

// --- fines ---

func (s *state) getFine(id lending.FineID) (*lending.Fine, error) {
	f, ok := s.fines[id]
	if !ok {
		return nil, notFound("fine", string(id))
	}
	return &f, nil
}

func (s *state) markFinePaid(id lending.FineID, txID lending.TransactionID, at time.Time) error {
	f, ok := s.fines[id]
	if !ok {
		return notFound("fine", string(id))
	}
	if f.Status != lending.FinePending {
		return lending.ErrInvalidState
	}
	f.Status = lending.FinePaid
	f.TransactionID = txID
	f.PaidAt = &at
	f.Intent = nil
	s.fines[id] = f
	return nil
}

// --- transactions ---

func (s *state) appendTransaction(tx lending.Transaction) error {
	if tx.Token != "" {
		if _, dup := s.byToken[tx.Token]; dup {
			return lending.ErrDuplicateIdempotencyKey
		}
		s.byToken[tx.Token] = tx.ID
	}
	s.transactions[tx.ID] = tx
	return nil
}

func (s *state) getTransaction(id lending.TransactionID) (*lending.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, notFound("transaction", string(id))
	}
	return &tx, nil
}

func (s *state) findTransactionByToken(token string) (*lending.Transaction, bool) {
	id, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	tx := s.transactions[id]
	return &tx, true
}

func (s *state) recordReminder(key string, at time.Time) bool {
	if _, seen := s.reminders[key]; seen {
		return false
	}
	s.reminders[key] = at
	return true
}

// =============================================================================
// MEMORY - lending.Store guarded by a RWMutex
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	s  *state
}

var _ lending.TxStore = (*TxMemory)(nil)

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func (m *Memory) SaveUser(_ context.Context, u lending.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.saveUser(u)
}

func (m *Memory) GetUser(_ context.Context, id lending.UserID) (*lending.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getUser(id)
}

func (m *Memory) AdjustCreditScore(_ context.Context, id lending.UserID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.adjustCreditScore(id, delta)
}

func (m *Memory) LinkTransaction(_ context.Context, uid lending.UserID, txID lending.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.linkTransaction(uid, txID)
}

func (m *Memory) UserTransactions(_ context.Context, uid lending.UserID) ([]lending.TransactionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.s.userTxs[uid]), nil
}

func (m *Memory) SaveLoan(_ context.Context, l lending.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.loans[l.ID] = l
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id lending.LoanID) (*lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getLoan(id)
}

func (m *Memory) ActivateLoan(_ context.Context, id lending.LoanID, lender lending.UserID, contract lending.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.activateLoan(id, lender, contract)
}

func (m *Memory) SetLoanStatus(_ context.Context, id lending.LoanID, status lending.LoanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.setLoanStatus(id, status)
}

func (m *Memory) SetLoanIntent(_ context.Context, id lending.LoanID, intent lending.PendingPaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.setLoanIntent(id, intent)
}

func (m *Memory) SetFineIntent(_ context.Context, id lending.FineID, intent lending.PendingPaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.setFineIntent(id, intent)
}

func (m *Memory) ClaimIntent(_ context.Context, token string) (*lending.ClaimedIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.claimIntent(token)
}

func (m *Memory) SaveContract(_ context.Context, c lending.LoanContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.contracts[c.ID] = copyContract(c)
	return nil
}

func (m *Memory) GetContract(_ context.Context, id lending.ContractID) (*lending.LoanContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getContract(id)
}

func (m *Memory) GetContractByLoan(_ context.Context, loanID lending.LoanID) (*lending.LoanContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getContractByLoan(loanID)
}

func (m *Memory) ListActiveContracts(_ context.Context) ([]lending.LoanContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listActiveContracts(), nil
}

func (m *Memory) SetContractStatus(_ context.Context, id lending.ContractID, status lending.ContractStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.setContractStatus(id, status, at)
}

func (m *Memory) MarkObligationPaid(_ context.Context, id lending.ContractID, ob lending.RepaymentObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.markObligationPaid(id, ob)
}

func (m *Memory) MarkPenaltyApplied(_ context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.markPenaltyApplied(id, seq, estimate)
}

func (m *Memory) MarkLenderNotified(_ context.Context, id lending.ContractID, seq int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.markLenderNotified(id, seq)
}

func (m *Memory) SaveFine(_ context.Context, f lending.Fine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.fines[f.ID] = f
	return nil
}

func (m *Memory) GetFine(_ context.Context, id lending.FineID) (*lending.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getFine(id)
}

func (m *Memory) MarkFinePaid(_ context.Context, id lending.FineID, txID lending.TransactionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.markFinePaid(id, txID, at)
}

func (m *Memory) AppendTransaction(_ context.Context, tx lending.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendTransaction(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id lending.TransactionID) (*lending.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getTransaction(id)
}

func (m *Memory) FindTransactionByToken(_ context.Context, token string) (*lending.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.s.findTransactionByToken(token)
	return tx, ok, nil
}

func (m *Memory) RecordReminder(_ context.Context, key string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.recordReminder(key, at), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.s.clone()
	if err := fn(&txMemoryView{s: tm.s}); err != nil {
		tm.s = snapshot
		return err
	}
	return nil
}

// txMemoryView runs against the state while WithTx holds the lock.
type txMemoryView struct {
	s *state
}

func (v *txMemoryView) SaveUser(_ context.Context, u lending.User) error { return v.s.saveUser(u) }

func (v *txMemoryView) GetUser(_ context.Context, id lending.UserID) (*lending.User, error) {
	return v.s.getUser(id)
}

func (v *txMemoryView) AdjustCreditScore(_ context.Context, id lending.UserID, delta int) (int, error) {
	return v.s.adjustCreditScore(id, delta)
}

func (v *txMemoryView) LinkTransaction(_ context.Context, uid lending.UserID, txID lending.TransactionID) error {
	return v.s.linkTransaction(uid, txID)
}

func (v *txMemoryView) UserTransactions(_ context.Context, uid lending.UserID) ([]lending.TransactionID, error) {
	return slices.Clone(v.s.userTxs[uid]), nil
}

func (v *txMemoryView) SaveLoan(_ context.Context, l lending.Loan) error {
	v.s.loans[l.ID] = l
	return nil
}

func (v *txMemoryView) GetLoan(_ context.Context, id lending.LoanID) (*lending.Loan, error) {
	return v.s.getLoan(id)
}

func (v *txMemoryView) ActivateLoan(_ context.Context, id lending.LoanID, lender lending.UserID, contract lending.ContractID) error {
	return v.s.activateLoan(id, lender, contract)
}

func (v *txMemoryView) SetLoanStatus(_ context.Context, id lending.LoanID, status lending.LoanStatus) error {
	return v.s.setLoanStatus(id, status)
}

func (v *txMemoryView) SetLoanIntent(_ context.Context, id lending.LoanID, intent lending.PendingPaymentIntent) error {
	return v.s.setLoanIntent(id, intent)
}

func (v *txMemoryView) SetFineIntent(_ context.Context, id lending.FineID, intent lending.PendingPaymentIntent) error {
	return v.s.setFineIntent(id, intent)
}

func (v *txMemoryView) ClaimIntent(_ context.Context, token string) (*lending.ClaimedIntent, error) {
	return v.s.claimIntent(token)
}

func (v *txMemoryView) SaveContract(_ context.Context, c lending.LoanContract) error {
	v.s.contracts[c.ID] = copyContract(c)
	return nil
}

func (v *txMemoryView) GetContract(_ context.Context, id lending.ContractID) (*lending.LoanContract, error) {
	return v.s.getContract(id)
}

func (v *txMemoryView) GetContractByLoan(_ context.Context, loanID lending.LoanID) (*lending.LoanContract, error) {
	return v.s.getContractByLoan(loanID)
}

func (v *txMemoryView) ListActiveContracts(_ context.Context) ([]lending.LoanContract, error) {
	return v.s.listActiveContracts(), nil
}

func (v *txMemoryView) SetContractStatus(_ context.Context, id lending.ContractID, status lending.ContractStatus, at time.Time) error {
	return v.s.setContractStatus(id, status, at)
}

func (v *txMemoryView) MarkObligationPaid(_ context.Context, id lending.ContractID, ob lending.RepaymentObligation) error {
	return v.s.markObligationPaid(id, ob)
}

func (v *txMemoryView) MarkPenaltyApplied(_ context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	return v.s.markPenaltyApplied(id, seq, estimate)
}

func (v *txMemoryView) MarkLenderNotified(_ context.Context, id lending.ContractID, seq int) (bool, error) {
	return v.s.markLenderNotified(id, seq)
}

func (v *txMemoryView) SaveFine(_ context.Context, f lending.Fine) error {
	v.s.fines[f.ID] = f
	return nil
}

func (v *txMemoryView) GetFine(_ context.Context, id lending.FineID) (*lending.Fine, error) {
	return v.s.getFine(id)
}

func (v *txMemoryView) MarkFinePaid(_ context.Context, id lending.FineID, txID lending.TransactionID, at time.Time) error {
	return v.s.markFinePaid(id, txID, at)
}

func (v *txMemoryView) AppendTransaction(_ context.Context, tx lending.Transaction) error {
	return v.s.appendTransaction(tx)
}

func (v *txMemoryView) GetTransaction(_ context.Context, id lending.TransactionID) (*lending.Transaction, error) {
	return v.s.getTransaction(id)
}

func (v *txMemoryView) FindTransactionByToken(_ context.Context, token string) (*lending.Transaction, bool, error) {
	tx, ok := v.s.findTransactionByToken(token)
	return tx, ok, nil
}

func (v *txMemoryView) RecordReminder(_ context.Context, key string, at time.Time) (bool, error) {
	return v.s.recordReminder(key, at), nil
}
