package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/retry"
)

const (
	txMaxAttempts = 5
	txRetryDelay  = 20 * time.Millisecond
	txMaxDelay    = 250 * time.Millisecond
)

var txRetry = retry.Policy{
	Attempts:  txMaxAttempts,
	BaseDelay: txRetryDelay,
	MaxDelay:  txMaxDelay,
	Retryable: isSerializationFailure,
}

// PostgresStore persists settlement data in PostgreSQL. Transactions run
// at SERIALIZABLE and are replayed on serialization failures.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return txRetry.Do(ctx, func(int) error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(&pgTx{tx: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// isSerializationFailure reports whether err is a retryable conflict.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// --- committed reads ---

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*contracts.Contract, error) {
	return getContract(ctx, p.db, id, false)
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var status string
	var completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, shipper_id, status, completed_at, created_at, updated_at
		FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.ShipperID, &status, &completedAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

func (p *PostgresStore) GetEscrowByJob(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	return getEscrowByJob(ctx, p.db, jobID, false)
}

func (p *PostgresStore) GetPayout(ctx context.Context, id string) (*payouts.Payout, error) {
	return getPayout(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) ListPayoutsByContract(ctx context.Context, contractID string) ([]*payouts.Payout, error) {
	return listPayouts(ctx, p.db, `WHERE contract_id = $1 ORDER BY created_at, id`, contractID)
}

func (p *PostgresStore) ListPayoutsByUser(ctx context.Context, userID string, statuses []payouts.Status, limit int) ([]*payouts.Payout, error) {
	if limit <= 0 {
		limit = 1000
	}
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return listPayouts(ctx, p.db, `
		WHERE user_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at, id
		LIMIT $3`, userID, pq.Array(ss), limit)
}

func (p *PostgresStore) ListStuckPayouts(ctx context.Context, before time.Time, limit int) ([]*payouts.Payout, error) {
	return listPayouts(ctx, p.db, `
		WHERE status = 'transferring' AND last_attempt_at < $1
		ORDER BY last_attempt_at
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return getWallet(ctx, p.db, `WHERE user_id = $1`, userID)
}

func (p *PostgresStore) ListWalletTransactions(ctx context.Context, walletID string, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return listWalletTxs(ctx, p.db, `WHERE wallet_id = $1 ORDER BY created_at DESC, id LIMIT $2`, walletID, limit)
}

func (p *PostgresStore) ListProcessingWalletTransactions(ctx context.Context, before time.Time, limit int) ([]*ledger.Transaction, error) {
	return listWalletTxs(ctx, p.db, `
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error) {
	return getLink(ctx, p.db, `WHERE user_id = $1`, userID)
}

// --- transaction ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateJob(ctx context.Context, job *Job) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (id, shipper_id, status, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ShipperID, string(job.Status), nullTime(job.CompletedAt), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (t *pgTx) MarkJobCompleted(ctx context.Context, jobID string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = $1, updated_at = $1
		WHERE id = $2`, at, jobID)
	return affected(result, err, ErrJobNotFound)
}

func (t *pgTx) CreateContract(ctx context.Context, c *contracts.Contract) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contracts (
			id, parent_contract_id, job_id, hired_by_user_id, hired_user_id,
			amount, status, started_at, ended_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, $9, $10, $11)`,
		c.ID, nullString(c.ParentContractID), c.JobID, c.HiredByUserID, c.HiredUserID,
		c.Amount, string(c.Status), nullTime(c.StartedAt), nullTime(c.EndedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetContractForUpdate(ctx context.Context, id string) (*contracts.Contract, error) {
	return getContract(ctx, t.tx, id, true)
}

func (t *pgTx) ListChildContracts(ctx context.Context, parentID string) ([]*contracts.Contract, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE parent_contract_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*contracts.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (t *pgTx) UpdateContractStatus(ctx context.Context, c *contracts.Contract, from contracts.Status) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE contracts SET status = $1, started_at = $2, ended_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(c.Status), nullTime(c.StartedAt), nullTime(c.EndedAt), c.UpdatedAt, c.ID, string(from),
	)
	return affected(result, err, ErrStale)
}

func (t *pgTx) CreateSubContract(ctx context.Context, sc *contracts.SubContract) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sub_contracts (id, root_contract_id, contract_id, split_amount, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5)`,
		sc.ID, sc.RootContractID, sc.ContractID, sc.SplitAmount, sc.CreatedAt,
	)
	return err
}

func (t *pgTx) ListSubContracts(ctx context.Context, parentID string) ([]*contracts.SubContract, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, root_contract_id, contract_id, split_amount, created_at
		FROM sub_contracts
		WHERE root_contract_id = $1
		ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*contracts.SubContract
	for rows.Next() {
		sc := &contracts.SubContract{}
		if err := rows.Scan(&sc.ID, &sc.RootContractID, &sc.ContractID, &sc.SplitAmount, &sc.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (t *pgTx) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrows (id, job_id, amount, status, funding_ref, held_at, released_at, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8, $9)`,
		e.ID, e.JobID, e.Amount, string(e.Status), nullString(e.FundingRef),
		nullTime(e.HeldAt), nullTime(e.ReleasedAt), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetEscrowByJobForUpdate(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	return getEscrowByJob(ctx, t.tx, jobID, true)
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *escrow.Escrow, from escrow.Status) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrows SET status = $1, funding_ref = $2, held_at = $3, released_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(e.Status), nullString(e.FundingRef), nullTime(e.HeldAt), nullTime(e.ReleasedAt),
		e.UpdatedAt, e.ID, string(from),
	)
	return affected(result, err, ErrStale)
}

func (t *pgTx) CreatePayout(ctx context.Context, p *payouts.Payout) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contract_payouts (
			id, contract_id, user_id, type, amount, status, transfer_ref,
			wallet_transaction_id, failure_reason, outcome_unknown, attempts, last_attempt_at,
			transferred_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.ContractID, p.UserID, string(p.Type), p.Amount, string(p.Status),
		nullString(p.TransferRef), nullString(p.WalletTransactionID), nullString(p.FailureReason),
		p.OutcomeUnknown, p.Attempts, nullTime(p.LastAttemptAt), nullTime(p.TransferredAt), p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicatePayout
	}
	return err
}

func (t *pgTx) GetPayoutForUpdate(ctx context.Context, id string) (*payouts.Payout, error) {
	return getPayout(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) GetPayoutByTransferRef(ctx context.Context, ref string) (*payouts.Payout, error) {
	return getPayout(ctx, t.tx, `WHERE transfer_ref = $1 FOR UPDATE`, ref)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *payouts.Payout, from payouts.Status) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE contract_payouts SET
			status = $1, transfer_ref = $2, wallet_transaction_id = $3, failure_reason = $4,
			outcome_unknown = $5, attempts = $6, last_attempt_at = $7, transferred_at = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(p.Status), nullString(p.TransferRef), nullString(p.WalletTransactionID),
		nullString(p.FailureReason), p.OutcomeUnknown, p.Attempts, nullTime(p.LastAttemptAt), nullTime(p.TransferredAt),
		p.UpdatedAt, p.ID, string(from),
	)
	return affected(result, err, ErrStale)
}

func (t *pgTx) GetOrCreateWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	now := time.Now()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available_balance, on_hold, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		idgen.WithPrefix("wal_"), userID, now,
	)
	if err != nil {
		return nil, err
	}
	return getWallet(ctx, t.tx, `WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, walletID string) (*ledger.Wallet, error) {
	return getWallet(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, walletID)
}

func (t *pgTx) UpdateWalletBalance(ctx context.Context, w *ledger.Wallet) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET available_balance = $1::NUMERIC(20,2), on_hold = $2::NUMERIC(20,2), updated_at = $3
		WHERE id = $4`,
		w.AvailableBalance, w.OnHold, w.UpdatedAt, w.ID,
	)
	return affected(result, err, ledger.ErrWalletNotFound)
}

func (t *pgTx) CreateWalletTransaction(ctx context.Context, wtx *ledger.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, wallet_id, type, amount, status, external_ref, payout_id, description, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9, $10)`,
		wtx.ID, wtx.WalletID, string(wtx.Type), wtx.Amount, string(wtx.Status),
		nullString(wtx.ExternalRef), nullString(wtx.PayoutID), nullString(wtx.Description),
		wtx.CreatedAt, wtx.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetWalletTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+walletTxColumns+` FROM wallet_transactions WHERE id = $1 FOR UPDATE`, id)
	wtx, err := scanWalletTx(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTransactionNotFound
	}
	return wtx, err
}

func (t *pgTx) UpdateWalletTransaction(ctx context.Context, wtx *ledger.Transaction, from ledger.TxStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_transactions SET status = $1, external_ref = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(wtx.Status), nullString(wtx.ExternalRef), wtx.UpdatedAt, wtx.ID, string(from),
	)
	return affected(result, err, ErrStale)
}

func (t *pgTx) GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error) {
	return getLink(ctx, t.tx, `WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *pgTx) GetAccountLinkByRef(ctx context.Context, accountRef string) (*payouts.AccountLink, error) {
	return getLink(ctx, t.tx, `WHERE account_ref = $1 FOR UPDATE`, accountRef)
}

func (t *pgTx) UpsertAccountLink(ctx context.Context, l *payouts.AccountLink) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payout_account_links (user_id, account_ref, active, payouts_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			account_ref = EXCLUDED.account_ref,
			active = EXCLUDED.active,
			payouts_enabled = EXCLUDED.payouts_enabled,
			updated_at = EXCLUDED.updated_at`,
		l.UserID, l.AccountRef, l.Active, l.PayoutsEnabled, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// --- shared row helpers ---

const contractColumns = `id, parent_contract_id, job_id, hired_by_user_id, hired_user_id,
		       amount, status, started_at, ended_at, created_at, updated_at`

func getContract(ctx context.Context, q querier, id string, forUpdate bool) (*contracts.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanContract(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, contracts.ErrContractNotFound
	}
	return c, err
}

func scanContract(s scanner) (*contracts.Contract, error) {
	c := &contracts.Contract{}
	var (
		parentID  sql.NullString
		status    string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.Scan(
		&c.ID, &parentID, &c.JobID, &c.HiredByUserID, &c.HiredUserID,
		&c.Amount, &status, &startedAt, &endedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ParentContractID = parentID.String
	c.Status = contracts.Status(status)
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return c, nil
}

func getEscrowByJob(ctx context.Context, q querier, jobID string, forUpdate bool) (*escrow.Escrow, error) {
	query := `SELECT id, job_id, amount, status, funding_ref, held_at, released_at, created_at, updated_at
		FROM escrows WHERE job_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e := &escrow.Escrow{}
	var (
		status     string
		fundingRef sql.NullString
		heldAt     sql.NullTime
		releasedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, jobID).Scan(
		&e.ID, &e.JobID, &e.Amount, &status, &fundingRef, &heldAt, &releasedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = escrow.Status(status)
	e.FundingRef = fundingRef.String
	if heldAt.Valid {
		e.HeldAt = &heldAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

const payoutColumns = `id, contract_id, user_id, type, amount, status, transfer_ref,
		       wallet_transaction_id, failure_reason, outcome_unknown, attempts, last_attempt_at,
		       transferred_at, created_at, updated_at`

func getPayout(ctx context.Context, q querier, where string, args ...interface{}) (*payouts.Payout, error) {
	p, err := scanPayout(q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM contract_payouts `+where, args...))
	if err == sql.ErrNoRows {
		return nil, payouts.ErrPayoutNotFound
	}
	return p, err
}

func listPayouts(ctx context.Context, q querier, where string, args ...interface{}) ([]*payouts.Payout, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+payoutColumns+` FROM contract_payouts `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*payouts.Payout{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayout(s scanner) (*payouts.Payout, error) {
	p := &payouts.Payout{}
	var (
		typ           string
		status        string
		transferRef   sql.NullString
		walletTxID    sql.NullString
		failureReason sql.NullString
		lastAttemptAt sql.NullTime
		transferredAt sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.ContractID, &p.UserID, &typ, &p.Amount, &status, &transferRef,
		&walletTxID, &failureReason, &p.OutcomeUnknown, &p.Attempts, &lastAttemptAt,
		&transferredAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Type = payouts.Type(typ)
	p.Status = payouts.Status(status)
	p.TransferRef = transferRef.String
	p.WalletTransactionID = walletTxID.String
	p.FailureReason = failureReason.String
	if lastAttemptAt.Valid {
		p.LastAttemptAt = &lastAttemptAt.Time
	}
	if transferredAt.Valid {
		p.TransferredAt = &transferredAt.Time
	}
	return p, nil
}

func getWallet(ctx context.Context, q querier, where string, args ...interface{}) (*ledger.Wallet, error) {
	w := &ledger.Wallet{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, available_balance, on_hold, created_at, updated_at
		FROM wallets `+where, args...,
	).Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.OnHold, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

const walletTxColumns = `id, wallet_id, type, amount, status, external_ref, payout_id, description, created_at, updated_at`

func listWalletTxs(ctx context.Context, q querier, where string, args ...interface{}) ([]*ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+walletTxColumns+` FROM wallet_transactions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*ledger.Transaction{}
	for rows.Next() {
		wtx, err := scanWalletTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wtx)
	}
	return result, rows.Err()
}

func scanWalletTx(s scanner) (*ledger.Transaction, error) {
	wtx := &ledger.Transaction{}
	var (
		typ         string
		status      string
		externalRef sql.NullString
		payoutID    sql.NullString
		description sql.NullString
	)
	err := s.Scan(
		&wtx.ID, &wtx.WalletID, &typ, &wtx.Amount, &status,
		&externalRef, &payoutID, &description, &wtx.CreatedAt, &wtx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wtx.Type = ledger.TxType(typ)
	wtx.Status = ledger.TxStatus(status)
	wtx.ExternalRef = externalRef.String
	wtx.PayoutID = payoutID.String
	wtx.Description = description.String
	return wtx, nil
}

func getLink(ctx context.Context, q querier, where string, args ...interface{}) (*payouts.AccountLink, error) {
	l := &payouts.AccountLink{}
	err := q.QueryRowContext(ctx, `
		SELECT user_id, account_ref, active, payouts_enabled, created_at, updated_at
		FROM payout_account_links `+where, args...,
	).Scan(&l.UserID, &l.AccountRef, &l.Active, &l.PayoutsEnabled, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, payouts.ErrLinkNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// affected converts a zero-row update into notFound.
func affected(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Tx    = (*memTx)(nil)
)
