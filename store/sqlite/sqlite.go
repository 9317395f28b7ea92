/*
Package sqlite provides a SQLite-backed implementation of lending.TxStore.

KEY TABLES:
  users, user_transactions: credit profiles and transaction history links
  loans:        loan requests, with the live payment intent in intent_* columns
  contracts:    funded loans
  obligations:  (contract_id, seq) repayment units, created with the contract
  fines:        late-payment fines, with their own intent_* columns
  transactions: immutable money movements, token UNIQUE
  reminder_log: sweep notification dedup keys

CONDITIONAL UPDATES:
  Every at-most-once change is an UPDATE guarded by its precondition in the
  WHERE clause, followed by a RowsAffected check:
  - ClaimIntent:        ... WHERE id = ? AND intent_token = ?
  - MarkObligationPaid: ... WHERE contract_id = ? AND seq = ? AND status = 'pending'
  - MarkPenaltyApplied: ... AND penalty_applied = 0
  The unique index on transactions.token is a second guard behind ClaimIntent.

MONEY AND DATES:
  Decimals are stored as TEXT (no float round trip). Due dates are stored as
  YYYY-MM-DD; timestamps as RFC3339Nano UTC.

CONCURRENCY:
  One connection, writes serialized by a mutex. WithTx holds the mutex for
  the whole transaction; the Store passed to fn runs on the *sql.Tx.

MIGRATION:
  Schema is applied on New() from embedded golang-migrate migrations.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - lending/store.go: Interface definitions
  - lending/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/lending"
)

// Store implements lending.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	qs *queries
}

var _ lending.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, qs: &queries{q: db}}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (lending.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store lending.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(ctx, fn)
}

func (s *Store) withTxLocked(ctx context.Context, fn func(store lending.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// LOCKED WRAPPERS - Store methods outside WithTx
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u lending.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SaveUser(ctx, u)
}

func (s *Store) GetUser(ctx context.Context, id lending.UserID) (*lending.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetUser(ctx, id)
}

func (s *Store) AdjustCreditScore(ctx context.Context, id lending.UserID, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.AdjustCreditScore(ctx, id, delta)
}

func (s *Store) LinkTransaction(ctx context.Context, uid lending.UserID, txID lending.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.LinkTransaction(ctx, uid, txID)
}

func (s *Store) UserTransactions(ctx context.Context, uid lending.UserID) ([]lending.TransactionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.UserTransactions(ctx, uid)
}

func (s *Store) SaveLoan(ctx context.Context, l lending.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SaveLoan(ctx, l)
}

func (s *Store) GetLoan(ctx context.Context, id lending.LoanID) (*lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetLoan(ctx, id)
}

func (s *Store) ActivateLoan(ctx context.Context, id lending.LoanID, lender lending.UserID, contract lending.ContractID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.ActivateLoan(ctx, id, lender, contract)
}

func (s *Store) SetLoanStatus(ctx context.Context, id lending.LoanID, status lending.LoanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SetLoanStatus(ctx, id, status)
}

func (s *Store) SetLoanIntent(ctx context.Context, id lending.LoanID, intent lending.PendingPaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SetLoanIntent(ctx, id, intent)
}

func (s *Store) SetFineIntent(ctx context.Context, id lending.FineID, intent lending.PendingPaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SetFineIntent(ctx, id, intent)
}

// ClaimIntent runs its select and guarded update in one transaction.
func (s *Store) ClaimIntent(ctx context.Context, token string) (*lending.ClaimedIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed *lending.ClaimedIntent
	err := s.withTxLocked(ctx, func(st lending.Store) error {
		var err error
		claimed, err = st.ClaimIntent(ctx, token)
		return err
	})
	return claimed, err
}

// SaveContract writes the contract and its obligations in one transaction.
func (s *Store) SaveContract(ctx context.Context, c lending.LoanContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(ctx, func(st lending.Store) error {
		return st.SaveContract(ctx, c)
	})
}

func (s *Store) GetContract(ctx context.Context, id lending.ContractID) (*lending.LoanContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetContract(ctx, id)
}

func (s *Store) GetContractByLoan(ctx context.Context, loanID lending.LoanID) (*lending.LoanContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetContractByLoan(ctx, loanID)
}

func (s *Store) ListActiveContracts(ctx context.Context) ([]lending.LoanContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.ListActiveContracts(ctx)
}

func (s *Store) SetContractStatus(ctx context.Context, id lending.ContractID, status lending.ContractStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SetContractStatus(ctx, id, status, at)
}

func (s *Store) MarkObligationPaid(ctx context.Context, id lending.ContractID, ob lending.RepaymentObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.MarkObligationPaid(ctx, id, ob)
}

func (s *Store) MarkPenaltyApplied(ctx context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.MarkPenaltyApplied(ctx, id, seq, estimate)
}

func (s *Store) MarkLenderNotified(ctx context.Context, id lending.ContractID, seq int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.MarkLenderNotified(ctx, id, seq)
}

func (s *Store) SaveFine(ctx context.Context, f lending.Fine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.SaveFine(ctx, f)
}

func (s *Store) GetFine(ctx context.Context, id lending.FineID) (*lending.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetFine(ctx, id)
}

func (s *Store) MarkFinePaid(ctx context.Context, id lending.FineID, txID lending.TransactionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.MarkFinePaid(ctx, id, txID, at)
}

func (s *Store) AppendTransaction(ctx context.Context, tx lending.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.AppendTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id lending.TransactionID) (*lending.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.GetTransaction(ctx, id)
}

func (s *Store) FindTransactionByToken(ctx context.Context, token string) (*lending.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qs.FindTransactionByToken(ctx, token)
}

func (s *Store) RecordReminder(ctx context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qs.RecordReminder(ctx, key, at)
}

// =============================================================================
// QUERIES - lending.Store over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds no lock; callers serialize through Store.mu.
type queries struct {
	q querier
}

// --- users ---

func (q *queries) SaveUser(ctx context.Context, u lending.User) error {
	if u.ID == "" {
		return &lending.InvalidInputError{Field: "user_id", Reason: "required"}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, credit_score, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			credit_score = excluded.credit_score
	`, u.ID, u.Name, nullString(u.Email), u.CreditScore, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id lending.UserID) (*lending.User, error) {
	var (
		u         lending.User
		email     sql.NullString
		createdAt string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, name, email, credit_score, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &email, &u.CreditScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = email.String
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (q *queries) AdjustCreditScore(ctx context.Context, id lending.UserID, delta int) (int, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE users SET credit_score = MAX(?, MIN(?, credit_score + ?)) WHERE id = ?
	`, lending.MinCreditScore, lending.MaxCreditScore, delta, id)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust credit score: %w", err)
	}
	if !affected(res) {
		return 0, notFound("user", string(id))
	}
	var score int
	if err := q.q.QueryRowContext(ctx, `SELECT credit_score FROM users WHERE id = ?`, id).Scan(&score); err != nil {
		return 0, fmt.Errorf("failed to read credit score: %w", err)
	}
	return score, nil
}

func (q *queries) LinkTransaction(ctx context.Context, uid lending.UserID, txID lending.TransactionID) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO user_transactions (user_id, transaction_id) VALUES (?, ?)`, uid, txID)
	if err != nil {
		if isForeignKeyError(err) {
			return notFound("user", string(uid))
		}
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	return nil
}

func (q *queries) UserTransactions(ctx context.Context, uid lending.UserID) ([]lending.TransactionID, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT transaction_id FROM user_transactions WHERE user_id = ? ORDER BY seq`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query user transactions: %w", err)
	}
	defer rows.Close()

	var ids []lending.TransactionID
	for rows.Next() {
		var id lending.TransactionID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user transaction: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- loans ---

const intentColumns = `intent_token, intent_kind, intent_amount, intent_from, intent_to,
	intent_milestone, intent_insured, intent_created_at`

const loanColumns = `id, borrower_id, lender_id, amount, interest_rate, duration_days,
	repayment_type, milestones, status, contract_id, ` + intentColumns + `, created_at`

func (q *queries) SaveLoan(ctx context.Context, l lending.Loan) error {
	in := intentArgs(l.Intent)
	args := []any{
		l.ID, l.BorrowerID, nullString(string(l.LenderID)), l.Amount.String(), l.InterestRate.String(),
		l.DurationDays, l.RepaymentType, l.Milestones, l.Status, nullString(string(l.ContractID)),
	}
	args = append(args, in...)
	args = append(args, formatTime(l.CreatedAt))

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lender_id = excluded.lender_id,
			amount = excluded.amount,
			interest_rate = excluded.interest_rate,
			duration_days = excluded.duration_days,
			repayment_type = excluded.repayment_type,
			milestones = excluded.milestones,
			status = excluded.status,
			contract_id = excluded.contract_id,
			intent_token = excluded.intent_token,
			intent_kind = excluded.intent_kind,
			intent_amount = excluded.intent_amount,
			intent_from = excluded.intent_from,
			intent_to = excluded.intent_to,
			intent_milestone = excluded.intent_milestone,
			intent_insured = excluded.intent_insured,
			intent_created_at = excluded.intent_created_at
	`, args...)
	if err != nil {
		if isForeignKeyError(err) {
			return notFound("user", string(l.BorrowerID))
		}
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

func (q *queries) GetLoan(ctx context.Context, id lending.LoanID) (*lending.Loan, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("loan", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

func scanLoan(row scanner) (*lending.Loan, error) {
	var (
		l                       lending.Loan
		lender, contract        sql.NullString
		amount, rate, createdAt string
		in                      intentScan
	)
	err := row.Scan(
		&l.ID, &l.BorrowerID, &lender, &amount, &rate, &l.DurationDays,
		&l.RepaymentType, &l.Milestones, &l.Status, &contract,
		&in.token, &in.kind, &in.amount, &in.from, &in.to, &in.milestone, &in.insured, &in.createdAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	l.LenderID = lending.UserID(lender.String)
	l.ContractID = lending.ContractID(contract.String)
	l.Amount = lending.MustDecimal(amount)
	l.InterestRate = lending.MustDecimal(rate)
	l.Intent = in.intent()
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func (q *queries) ActivateLoan(ctx context.Context, id lending.LoanID, lender lending.UserID, contract lending.ContractID) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE loans SET lender_id = ?, contract_id = ?, status = ?
		WHERE id = ? AND status = ?
	`, lender, contract, lending.LoanActive, id, lending.LoanPending)
	if err != nil {
		return fmt.Errorf("failed to activate loan: %w", err)
	}
	if !affected(res) {
		if _, err := q.GetLoan(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("loan %s is not pending: %w", id, lending.ErrInvalidState)
	}
	return nil
}

func (q *queries) SetLoanStatus(ctx context.Context, id lending.LoanID, status lending.LoanStatus) error {
	res, err := q.q.ExecContext(ctx, `UPDATE loans SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set loan status: %w", err)
	}
	if !affected(res) {
		return notFound("loan", string(id))
	}
	return nil
}

// --- intents ---

const setIntent = `SET intent_token = ?, intent_kind = ?, intent_amount = ?, intent_from = ?,
	intent_to = ?, intent_milestone = ?, intent_insured = ?, intent_created_at = ?`

const clearIntent = `SET intent_token = NULL, intent_kind = NULL, intent_amount = NULL,
	intent_from = NULL, intent_to = NULL, intent_milestone = NULL, intent_insured = 0,
	intent_created_at = NULL`

func (q *queries) SetLoanIntent(ctx context.Context, id lending.LoanID, intent lending.PendingPaymentIntent) error {
	args := append(intentArgs(&intent), id)
	res, err := q.q.ExecContext(ctx, `UPDATE loans `+setIntent+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to set loan intent: %w", err)
	}
	if !affected(res) {
		return notFound("loan", string(id))
	}
	return nil
}

func (q *queries) SetFineIntent(ctx context.Context, id lending.FineID, intent lending.PendingPaymentIntent) error {
	args := append(intentArgs(&intent), id)
	res, err := q.q.ExecContext(ctx, `UPDATE fines `+setIntent+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to set fine intent: %w", err)
	}
	if !affected(res) {
		return notFound("fine", string(id))
	}
	return nil
}

func (q *queries) ClaimIntent(ctx context.Context, token string) (*lending.ClaimedIntent, error) {
	var (
		loanID lending.LoanID
		in     intentScan
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, `+intentColumns+` FROM loans WHERE intent_token = ?`, token).
		Scan(&loanID, &in.token, &in.kind, &in.amount, &in.from, &in.to, &in.milestone, &in.insured, &in.createdAt)
	if err == nil {
		if err := q.clear(ctx, "loans", string(loanID), token); err != nil {
			return nil, err
		}
		return &lending.ClaimedIntent{PendingPaymentIntent: *in.intent(), LoanID: loanID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up intent: %w", err)
	}

	var fineID lending.FineID
	err = q.q.QueryRowContext(ctx, `SELECT id, loan_id, `+intentColumns+` FROM fines WHERE intent_token = ?`, token).
		Scan(&fineID, &loanID, &in.token, &in.kind, &in.amount, &in.from, &in.to, &in.milestone, &in.insured, &in.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lending.IntentNotFoundError(token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up intent: %w", err)
	}
	if err := q.clear(ctx, "fines", string(fineID), token); err != nil {
		return nil, err
	}
	return &lending.ClaimedIntent{PendingPaymentIntent: *in.intent(), LoanID: loanID, FineID: fineID}, nil
}

// clear detaches the intent only if the row still carries token.
func (q *queries) clear(ctx context.Context, table, id, token string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE `+table+` `+clearIntent+` WHERE id = ? AND intent_token = ?`, id, token)
	if err != nil {
		return fmt.Errorf("failed to clear intent: %w", err)
	}
	if !affected(res) {
		return lending.IntentNotFoundError(token)
	}
	return nil
}

type intentScan struct {
	token, kind, amount, from, to sql.NullString
	milestone                     sql.NullInt64
	insured                       bool
	createdAt                     sql.NullString
}

func (s intentScan) intent() *lending.PendingPaymentIntent {
	if !s.token.Valid {
		return nil
	}
	return &lending.PendingPaymentIntent{
		Token:     s.token.String,
		Kind:      lending.IntentKind(s.kind.String),
		Amount:    lending.MustDecimal(s.amount.String),
		FromUser:  lending.UserID(s.from.String),
		ToUser:    lending.UserID(s.to.String),
		Milestone: intPtr(s.milestone),
		Insured:   s.insured,
		CreatedAt: parseTime(s.createdAt.String),
	}
}

func intentArgs(in *lending.PendingPaymentIntent) []any {
	if in == nil {
		return []any{nil, nil, nil, nil, nil, nil, false, nil}
	}
	return []any{
		in.Token, in.Kind, in.Amount.String(), string(in.FromUser), string(in.ToUser),
		nullInt(in.Milestone), in.Insured, formatTime(in.CreatedAt),
	}
}

// --- contracts ---

const contractColumns = `id, loan_id, lender_id, borrower_id, principal, insured, base_rate,
	effective_rate, duration_days, repayment_type, milestones, status, total_repayment,
	start_date, funding_token, created_at, completed_at`

const obligationColumns = `seq, milestone_index, due_date, amount_due, status, paid_at, late,
	days_late, transaction_id, fine_id, penalty_applied, lender_notified, fine_estimate`

func (q *queries) SaveContract(ctx context.Context, c lending.LoanContract) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.LoanID, c.LenderID, c.BorrowerID, c.Principal.String(), c.Insured,
		c.BaseRate.String(), c.EffectiveRate.String(), c.DurationDays, c.RepaymentType,
		c.Milestones, c.Status, c.TotalRepayment.String(), c.StartDate.String(),
		nullString(c.FundingToken), formatTime(c.CreatedAt), nullTime(c.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("loan %s already has a contract: %w", c.LoanID, lending.ErrInvalidState)
		}
		return fmt.Errorf("failed to save contract: %w", err)
	}

	for _, ob := range c.Obligations {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO obligations (contract_id, `+obligationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID, ob.Seq, nullInt(ob.MilestoneIndex), ob.DueDate.String(), ob.AmountDue.String(),
			ob.Status, nullTime(ob.PaidAt), ob.Late, ob.DaysLate, nullString(string(ob.TransactionID)),
			nullString(string(ob.FineID)), ob.PenaltyApplied, ob.LenderNotified, nullDecimal(ob.FineEstimate),
		)
		if err != nil {
			return fmt.Errorf("failed to save obligation %d: %w", ob.Seq, err)
		}
	}
	return nil
}

func (q *queries) GetContract(ctx context.Context, id lending.ContractID) (*lending.LoanContract, error) {
	var (
		c                                   lending.LoanContract
		principal, baseRate, effRate, total string
		startDate, createdAt                string
		fundingToken, completedAt           sql.NullString
	)
	err := q.q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id).Scan(
		&c.ID, &c.LoanID, &c.LenderID, &c.BorrowerID, &principal, &c.Insured, &baseRate,
		&effRate, &c.DurationDays, &c.RepaymentType, &c.Milestones, &c.Status, &total,
		&startDate, &fundingToken, &createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("contract", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	c.Principal = lending.MustDecimal(principal)
	c.BaseRate = lending.MustDecimal(baseRate)
	c.EffectiveRate = lending.MustDecimal(effRate)
	c.TotalRepayment = lending.MustDecimal(total)
	c.StartDate = parseDay(startDate)
	c.FundingToken = fundingToken.String
	c.CreatedAt = parseTime(createdAt)
	c.CompletedAt = parseNullTime(completedAt)

	c.Obligations, err = q.obligations(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) obligations(ctx context.Context, id lending.ContractID) ([]lending.RepaymentObligation, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE contract_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var obs []lending.RepaymentObligation
	for rows.Next() {
		var (
			ob                 lending.RepaymentObligation
			milestone          sql.NullInt64
			dueDate, amountDue string
			paidAt, txID, fine sql.NullString
			estimate           sql.NullString
		)
		if err := rows.Scan(
			&ob.Seq, &milestone, &dueDate, &amountDue, &ob.Status, &paidAt, &ob.Late,
			&ob.DaysLate, &txID, &fine, &ob.PenaltyApplied, &ob.LenderNotified, &estimate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		ob.MilestoneIndex = intPtr(milestone)
		ob.DueDate = parseDay(dueDate)
		ob.AmountDue = lending.MustDecimal(amountDue)
		ob.PaidAt = parseNullTime(paidAt)
		ob.TransactionID = lending.TransactionID(txID.String)
		ob.FineID = lending.FineID(fine.String)
		if estimate.Valid {
			d := lending.MustDecimal(estimate.String)
			ob.FineEstimate = &d
		}
		obs = append(obs, ob)
	}
	return obs, rows.Err()
}

func (q *queries) GetContractByLoan(ctx context.Context, loanID lending.LoanID) (*lending.LoanContract, error) {
	var id lending.ContractID
	err := q.q.QueryRowContext(ctx, `SELECT id FROM contracts WHERE loan_id = ?`, loanID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("contract", "loan/"+string(loanID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contract: %w", err)
	}
	return q.GetContract(ctx, id)
}

// ListActiveContracts collects the ids before loading, so no rows stay open
// on the single connection while the contracts are read.
func (q *queries) ListActiveContracts(ctx context.Context) ([]lending.LoanContract, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id FROM contracts WHERE status = ? ORDER BY created_at, id`, lending.ContractActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	var ids []lending.ContractID
	for rows.Next() {
		var id lending.ContractID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	contracts := make([]lending.LoanContract, 0, len(ids))
	for _, id := range ids {
		c, err := q.GetContract(ctx, id)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, nil
}

func (q *queries) SetContractStatus(ctx context.Context, id lending.ContractID, status lending.ContractStatus, at time.Time) error {
	var completedAt any
	if status == lending.ContractCompleted {
		completedAt = formatTime(at)
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE contracts SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set contract status: %w", err)
	}
	if !affected(res) {
		return notFound("contract", string(id))
	}
	return nil
}

func (q *queries) MarkObligationPaid(ctx context.Context, id lending.ContractID, ob lending.RepaymentObligation) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE obligations
		SET status = ?, paid_at = ?, late = ?, days_late = ?, transaction_id = ?, fine_id = ?
		WHERE contract_id = ? AND seq = ? AND status = ?
	`,
		lending.ObligationPaid, nullTime(ob.PaidAt), ob.Late, ob.DaysLate,
		nullString(string(ob.TransactionID)), nullString(string(ob.FineID)),
		id, ob.Seq, lending.ObligationPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark obligation paid: %w", err)
	}
	if affected(res) {
		return nil
	}
	if exists, err := q.obligationExists(ctx, id, ob.Seq); err != nil {
		return err
	} else if !exists {
		return notFound("obligation", fmt.Sprintf("%s/%d", id, ob.Seq))
	}
	return fmt.Errorf("contract %s obligation %d: %w", id, ob.Seq, lending.ErrObligationPaid)
}

func (q *queries) MarkPenaltyApplied(ctx context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE obligations SET penalty_applied = 1, fine_estimate = ?
		WHERE contract_id = ? AND seq = ? AND status = ? AND penalty_applied = 0
	`, estimate.String(), id, seq, lending.ObligationPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark penalty applied: %w", err)
	}
	return affected(res), nil
}

func (q *queries) MarkLenderNotified(ctx context.Context, id lending.ContractID, seq int) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE obligations SET lender_notified = 1
		WHERE contract_id = ? AND seq = ? AND lender_notified = 0
	`, id, seq)
	if err != nil {
		return false, fmt.Errorf("failed to mark lender notified: %w", err)
	}
	return affected(res), nil
}

func (q *queries) obligationExists(ctx context.Context, id lending.ContractID, seq int) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM obligations WHERE contract_id = ? AND seq = ?`, id, seq).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check obligation: %w", err)
	}
	return n > 0, nil
}

// --- fines ---

const fineColumns = `id, loan_id, contract_id, obligation_seq, borrower_id, lender_id,
	late_amount, percent, amount, days_late, status, paid_at, transaction_id, ` + intentColumns + `, created_at`

func (q *queries) SaveFine(ctx context.Context, f lending.Fine) error {
	args := []any{
		f.ID, f.LoanID, f.ContractID, f.ObligationSeq, f.BorrowerID, f.LenderID,
		f.LateAmount.String(), f.Percent.String(), f.Amount.String(), f.DaysLate, f.Status,
		nullTime(f.PaidAt), nullString(string(f.TransactionID)),
	}
	args = append(args, intentArgs(f.Intent)...)
	args = append(args, formatTime(f.CreatedAt))

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO fines (`+fineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			paid_at = excluded.paid_at,
			transaction_id = excluded.transaction_id
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save fine: %w", err)
	}
	return nil
}

func (q *queries) GetFine(ctx context.Context, id lending.FineID) (*lending.Fine, error) {
	var (
		f                           lending.Fine
		lateAmount, percent, amount string
		paidAt, txID                sql.NullString
		createdAt                   string
		in                          intentScan
	)
	err := q.q.QueryRowContext(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id).Scan(
		&f.ID, &f.LoanID, &f.ContractID, &f.ObligationSeq, &f.BorrowerID, &f.LenderID,
		&lateAmount, &percent, &amount, &f.DaysLate, &f.Status, &paidAt, &txID,
		&in.token, &in.kind, &in.amount, &in.from, &in.to, &in.milestone, &in.insured, &in.createdAt,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("fine", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fine: %w", err)
	}
	f.LateAmount = lending.MustDecimal(lateAmount)
	f.Percent = lending.MustDecimal(percent)
	f.Amount = lending.MustDecimal(amount)
	f.PaidAt = parseNullTime(paidAt)
	f.TransactionID = lending.TransactionID(txID.String)
	f.Intent = in.intent()
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (q *queries) MarkFinePaid(ctx context.Context, id lending.FineID, txID lending.TransactionID, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE fines SET status = ?, transaction_id = ?, paid_at = ?
		WHERE id = ? AND status = ?
	`, lending.FinePaid, txID, formatTime(at), id, lending.FinePending)
	if err != nil {
		return fmt.Errorf("failed to mark fine paid: %w", err)
	}
	if affected(res) {
		return nil
	}
	if _, err := q.GetFine(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("fine %s is not pending: %w", id, lending.ErrInvalidState)
}

// --- transactions ---

const transactionColumns = `id, type, amount, status, from_user, to_user, loan_id, fine_id,
	token, milestone, credit_delta, created_at`

func (q *queries) AppendTransaction(ctx context.Context, tx lending.Transaction) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.Type, tx.Amount.String(), tx.Status, tx.FromUser, tx.ToUser,
		nullString(string(tx.LoanID)), nullString(string(tx.FineID)), nullString(tx.Token),
		nullInt(tx.Milestone), tx.CreditDelta, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lending.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) GetTransaction(ctx context.Context, id lending.TransactionID) (*lending.Transaction, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("transaction", string(id))
	}
	return tx, err
}

func (q *queries) FindTransactionByToken(ctx context.Context, token string) (*lending.Transaction, bool, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE token = ?`, token)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

func scanTransaction(row scanner) (*lending.Transaction, error) {
	var (
		tx                  lending.Transaction
		amount, createdAt   string
		loanID, fineID, tok sql.NullString
		milestone           sql.NullInt64
	)
	err := row.Scan(&tx.ID, &tx.Type, &amount, &tx.Status, &tx.FromUser, &tx.ToUser,
		&loanID, &fineID, &tok, &milestone, &tx.CreditDelta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Amount = lending.MustDecimal(amount)
	tx.LoanID = lending.LoanID(loanID.String)
	tx.FineID = lending.FineID(fineID.String)
	tx.Token = tok.String
	tx.Milestone = intPtr(milestone)
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

// --- reminders ---

func (q *queries) RecordReminder(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO reminder_log (key, sent_at) VALUES (?, ?)`, key, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("failed to record reminder: %w", err)
	}
	return affected(res), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func notFound(kind, id string) error { return &lending.NotFoundError{Kind: kind, ID: id} }

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDay(s string) lending.Day {
	d, _ := lending.ParseDay(s)
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
