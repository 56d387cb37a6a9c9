package settlement

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
)

// memState holds every table by value so a transaction can work on a
// cheap copy and swap it in on commit.
type memState struct {
	jobs         map[string]Job
	contracts    map[string]contracts.Contract
	subs         map[string]contracts.SubContract
	escrows      map[string]escrow.Escrow // by job ID
	payouts      map[string]payouts.Payout
	wallets      map[string]ledger.Wallet // by wallet ID
	walletByUser map[string]string
	walletTxs    map[string]ledger.Transaction
	links        map[string]payouts.AccountLink // by user ID
}

func newMemState() *memState {
	return &memState{
		jobs:         make(map[string]Job),
		contracts:    make(map[string]contracts.Contract),
		subs:         make(map[string]contracts.SubContract),
		escrows:      make(map[string]escrow.Escrow),
		payouts:      make(map[string]payouts.Payout),
		wallets:      make(map[string]ledger.Wallet),
		walletByUser: make(map[string]string),
		walletTxs:    make(map[string]ledger.Transaction),
		links:        make(map[string]payouts.AccountLink),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		jobs:         maps.Clone(s.jobs),
		contracts:    maps.Clone(s.contracts),
		subs:         maps.Clone(s.subs),
		escrows:      maps.Clone(s.escrows),
		payouts:      maps.Clone(s.payouts),
		wallets:      maps.Clone(s.wallets),
		walletByUser: maps.Clone(s.walletByUser),
		walletTxs:    maps.Clone(s.walletTxs),
		links:        maps.Clone(s.links),
	}
}

// MemoryStore is an in-memory settlement store for demo/development mode.
// Transactions are fully serialized.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithTx runs fn against a private copy of the state and commits it only
// if fn returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*contracts.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.state.contracts[id]
	if !ok {
		return nil, contracts.ErrContractNotFound
	}
	return &c, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.state.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &j, nil
}

func (m *MemoryStore) GetEscrowByJob(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.escrows[jobID]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return &e, nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, id string) (*payouts.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.payouts[id]
	if !ok {
		return nil, payouts.ErrPayoutNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPayoutsByContract(ctx context.Context, contractID string) ([]*payouts.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterPayouts(func(p *payouts.Payout) bool { return p.ContractID == contractID }, 0), nil
}

func (m *MemoryStore) ListPayoutsByUser(ctx context.Context, userID string, statuses []payouts.Status, limit int) ([]*payouts.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterPayouts(func(p *payouts.Payout) bool {
		return p.UserID == userID && (len(statuses) == 0 || slices.Contains(statuses, p.Status))
	}, limit), nil
}

func (m *MemoryStore) ListStuckPayouts(ctx context.Context, before time.Time, limit int) ([]*payouts.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterPayouts(func(p *payouts.Payout) bool {
		return p.Status == payouts.StatusTransferring && p.LastAttemptAt != nil && p.LastAttemptAt.Before(before)
	}, limit), nil
}

// filterPayouts returns matching payouts oldest first. Caller holds m.mu.
func (m *MemoryStore) filterPayouts(match func(*payouts.Payout) bool, limit int) []*payouts.Payout {
	var out []*payouts.Payout
	for _, p := range m.state.payouts {
		cp := p
		if match(&cp) {
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.state.walletByUser[userID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	w := m.state.wallets[id]
	return &w, nil
}

func (m *MemoryStore) ListWalletTransactions(ctx context.Context, walletID string, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterWalletTxs(func(t *ledger.Transaction) bool { return t.WalletID == walletID }, limit), nil
}

func (m *MemoryStore) ListProcessingWalletTransactions(ctx context.Context, before time.Time, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterWalletTxs(func(t *ledger.Transaction) bool {
		return t.Status == ledger.TxProcessing && t.CreatedAt.Before(before)
	}, limit), nil
}

func (m *MemoryStore) filterWalletTxs(match func(*ledger.Transaction) bool, limit int) []*ledger.Transaction {
	var out []*ledger.Transaction
	for _, t := range m.state.walletTxs {
		cp := t
		if match(&cp) {
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.state.links[userID]
	if !ok {
		return nil, payouts.ErrLinkNotFound
	}
	return &l, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// memTx mutates a private copy of the store state.
type memTx struct {
	st *memState
}

func (t *memTx) CreateJob(ctx context.Context, job *Job) error {
	t.st.jobs[job.ID] = *job
	return nil
}

func (t *memTx) MarkJobCompleted(ctx context.Context, jobID string, at time.Time) error {
	j, ok := t.st.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = JobCompleted
	j.CompletedAt = &at
	j.UpdatedAt = at
	t.st.jobs[jobID] = j
	return nil
}

func (t *memTx) CreateContract(ctx context.Context, c *contracts.Contract) error {
	t.st.contracts[c.ID] = *c
	return nil
}

func (t *memTx) GetContractForUpdate(ctx context.Context, id string) (*contracts.Contract, error) {
	c, ok := t.st.contracts[id]
	if !ok {
		return nil, contracts.ErrContractNotFound
	}
	return &c, nil
}

func (t *memTx) ListChildContracts(ctx context.Context, parentID string) ([]*contracts.Contract, error) {
	var out []*contracts.Contract
	for _, c := range t.st.contracts {
		if c.ParentContractID == parentID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateContractStatus(ctx context.Context, c *contracts.Contract, from contracts.Status) error {
	cur, ok := t.st.contracts[c.ID]
	if !ok {
		return contracts.ErrContractNotFound
	}
	if cur.Status != from {
		return ErrStale
	}
	cur.Status = c.Status
	cur.StartedAt = c.StartedAt
	cur.EndedAt = c.EndedAt
	cur.UpdatedAt = c.UpdatedAt
	t.st.contracts[c.ID] = cur
	return nil
}

func (t *memTx) CreateSubContract(ctx context.Context, sc *contracts.SubContract) error {
	t.st.subs[sc.ID] = *sc
	return nil
}

func (t *memTx) ListSubContracts(ctx context.Context, parentID string) ([]*contracts.SubContract, error) {
	var out []*contracts.SubContract
	for _, s := range t.st.subs {
		if s.RootContractID == parentID {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	t.st.escrows[e.JobID] = *e
	return nil
}

func (t *memTx) GetEscrowByJobForUpdate(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	e, ok := t.st.escrows[jobID]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return &e, nil
}

func (t *memTx) UpdateEscrow(ctx context.Context, e *escrow.Escrow, from escrow.Status) error {
	cur, ok := t.st.escrows[e.JobID]
	if !ok {
		return escrow.ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrStale
	}
	t.st.escrows[e.JobID] = *e
	return nil
}

func (t *memTx) CreatePayout(ctx context.Context, p *payouts.Payout) error {
	for _, existing := range t.st.payouts {
		if existing.ContractID == p.ContractID && existing.UserID == p.UserID && existing.Type == p.Type {
			return ErrDuplicatePayout
		}
	}
	t.st.payouts[p.ID] = *p
	return nil
}

func (t *memTx) GetPayoutForUpdate(ctx context.Context, id string) (*payouts.Payout, error) {
	p, ok := t.st.payouts[id]
	if !ok {
		return nil, payouts.ErrPayoutNotFound
	}
	return &p, nil
}

func (t *memTx) GetPayoutByTransferRef(ctx context.Context, ref string) (*payouts.Payout, error) {
	for _, p := range t.st.payouts {
		if ref != "" && p.TransferRef == ref {
			cp := p
			return &cp, nil
		}
	}
	return nil, payouts.ErrPayoutNotFound
}

func (t *memTx) UpdatePayout(ctx context.Context, p *payouts.Payout, from payouts.Status) error {
	cur, ok := t.st.payouts[p.ID]
	if !ok {
		return payouts.ErrPayoutNotFound
	}
	if cur.Status != from {
		return ErrStale
	}
	t.st.payouts[p.ID] = *p
	return nil
}

func (t *memTx) GetOrCreateWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	if id, ok := t.st.walletByUser[userID]; ok {
		w := t.st.wallets[id]
		return &w, nil
	}
	w := ledger.NewWallet(idgen.WithPrefix("wal_"), userID, time.Now())
	t.st.wallets[w.ID] = *w
	t.st.walletByUser[userID] = w.ID
	return w, nil
}

func (t *memTx) GetWalletForUpdate(ctx context.Context, walletID string) (*ledger.Wallet, error) {
	w, ok := t.st.wallets[walletID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return &w, nil
}

func (t *memTx) UpdateWalletBalance(ctx context.Context, w *ledger.Wallet) error {
	cur, ok := t.st.wallets[w.ID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	cur.AvailableBalance = w.AvailableBalance
	cur.OnHold = w.OnHold
	cur.UpdatedAt = w.UpdatedAt
	t.st.wallets[w.ID] = cur
	return nil
}

func (t *memTx) CreateWalletTransaction(ctx context.Context, wtx *ledger.Transaction) error {
	t.st.walletTxs[wtx.ID] = *wtx
	return nil
}

func (t *memTx) GetWalletTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	wtx, ok := t.st.walletTxs[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return &wtx, nil
}

func (t *memTx) UpdateWalletTransaction(ctx context.Context, wtx *ledger.Transaction, from ledger.TxStatus) error {
	cur, ok := t.st.walletTxs[wtx.ID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if cur.Status != from {
		return ErrStale
	}
	t.st.walletTxs[wtx.ID] = *wtx
	return nil
}

func (t *memTx) GetAccountLink(ctx context.Context, userID string) (*payouts.AccountLink, error) {
	l, ok := t.st.links[userID]
	if !ok {
		return nil, payouts.ErrLinkNotFound
	}
	return &l, nil
}

func (t *memTx) GetAccountLinkByRef(ctx context.Context, accountRef string) (*payouts.AccountLink, error) {
	for _, l := range t.st.links {
		if l.AccountRef == accountRef {
			cp := l
			return &cp, nil
		}
	}
	return nil, payouts.ErrLinkNotFound
}

func (t *memTx) UpsertAccountLink(ctx context.Context, link *payouts.AccountLink) error {
	if cur, ok := t.st.links[link.UserID]; ok && link.CreatedAt.IsZero() {
		link.CreatedAt = cur.CreatedAt
	}
	t.st.links[link.UserID] = *link
	return nil
}
