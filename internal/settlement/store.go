package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicatePayout = errors.New("payout already exists for contract, user and type")
	ErrStale           = errors.New("record changed concurrently")
)

// JobStatus is the state of the job the hierarchy belongs to.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// Job is the shipment a root contract was created for. Jobs are owned by
// the marketplace; settlement only marks them completed.
type Job struct {
	ID          string     `json:"id"`
	ShipperID   string     `json:"shipperId"`
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Tx is a unit of work against the ledger. Every mutation made through a Tx
// commits or rolls back together. Update methods taking a from status are
// compare-and-swap: they return ErrStale when the stored row is no longer
// in that status.
type Tx interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	MarkJobCompleted(ctx context.Context, jobID string, at time.Time) error

	// Contracts
	CreateContract(ctx context.Context, c *contracts.Contract) error
	GetContractForUpdate(ctx context.Context, id string) (*contracts.Contract, error)
	ListChildContracts(ctx context.Context, parentID string) ([]*contracts.Contract, error)
	UpdateContractStatus(ctx context.Context, c *contracts.Contract, from contracts.Status) error
	CreateSubContract(ctx context.Context, sc *contracts.SubContract) error
	ListSubContracts(ctx context.Context, parentID string) ([]*contracts.SubContract, error)

	// Escrow
	CreateEscrow(ctx context.Context, e *escrow.Escrow) error
	GetEscrowByJobForUpdate(ctx context.Context, jobID string) (*escrow.Escrow, error)
	UpdateEscrow(ctx context.Context, e *escrow.Escrow, from escrow.Status) error

	// Payouts
	CreatePayout(ctx context.Context, p *payouts.Payout) error
	GetPayoutForUpdate(ctx context.Context, id string) (*payouts.Payout, error)
	GetPayoutByTransferRef(ctx context.Context, ref string) (*payouts.Payout, error)
	UpdatePayout(ctx context.Context, p *payouts.Payout, from payouts.Status) error

	// Wallets
	GetOrCreateWallet(ctx context.Context, userID string) (*ledger.Wallet, error)
	GetWalletForUpdate(ctx context.Context, walletID string) (*ledger.Wallet, error)
	UpdateWalletBalance(ctx context.Context, w *ledger.Wallet) error
	CreateWalletTransaction(ctx context.Context, wtx *ledger.Transaction) error
	GetWalletTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error)
	UpdateWalletTransaction(ctx context.Context, wtx *ledger.Transaction, from ledger.TxStatus) error

	// Account links
	GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error)
	GetAccountLinkByRef(ctx context.Context, accountRef string) (*payouts.AccountLink, error)
	UpsertAccountLink(ctx context.Context, link *payouts.AccountLink) error
}

// Store persists settlement state. Reads outside WithTx see committed data
// only.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetContract(ctx context.Context, id string) (*contracts.Contract, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	GetEscrowByJob(ctx context.Context, jobID string) (*escrow.Escrow, error)
	GetPayout(ctx context.Context, id string) (*payouts.Payout, error)
	ListPayoutsByContract(ctx context.Context, contractID string) ([]*payouts.Payout, error)
	ListPayoutsByUser(ctx context.Context, userID string, statuses []payouts.Status, limit int) ([]*payouts.Payout, error)
	ListStuckPayouts(ctx context.Context, before time.Time, limit int) ([]*payouts.Payout, error)
	GetWalletByUser(ctx context.Context, userID string) (*ledger.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID string, limit int) ([]*ledger.Transaction, error)
	ListProcessingWalletTransactions(ctx context.Context, before time.Time, limit int) ([]*ledger.Transaction, error)
	GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error)
	Ping(ctx context.Context) error
}
