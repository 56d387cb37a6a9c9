package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/freightbay/freightbay/internal/money"
)

// ErrOverAllocated means the computed lines would pay out more than the
// escrow holds.
var ErrOverAllocated = errors.New("payout lines exceed escrow amount")

// Kind distinguishes what a settlement line pays for.
type Kind string

const (
	KindEarning Kind = "earning"
	KindRefund  Kind = "refund"
)

// Line is one amount owed to one user as a result of settlement.
type Line struct {
	ContractID string `json:"contractId"`
	UserID     string `json:"userId"`
	Kind       Kind   `json:"kind"`
	Amount     string `json:"amount"`
}

// Plan is the full set of lines for a completed hierarchy.
type Plan struct {
	Lines       []Line `json:"lines"`
	MainEarning string `json:"mainEarning"` // root hired user's net earning
	Refund      string `json:"refund"`      // surplus returned to the root owner
	Total       string `json:"total"`
}

// NetEarning returns contract.Amount minus the splits resold out of it,
// floored at zero.
func NetEarning(c *Contract, splits []*SubContract) (*big.Int, error) {
	amount, ok := money.Parse(c.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: contract %s amount %q", ErrInvalidAmount, c.ID, c.Amount)
	}
	resold, err := sumSplits(splits)
	if err != nil {
		return nil, err
	}

	net := new(big.Int).Sub(amount, resold)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	return net, nil
}

// CheckSplit verifies that adding split to the existing resale splits of c
// keeps their sum within c.Amount.
func CheckSplit(c *Contract, existing []*SubContract, split string) error {
	amount, ok := money.Parse(c.Amount)
	if !ok {
		return fmt.Errorf("%w: contract %s amount %q", ErrInvalidAmount, c.ID, c.Amount)
	}
	add, ok := money.Parse(split)
	if !ok || add.Sign() <= 0 {
		return fmt.Errorf("%w: split %q", ErrInvalidAmount, split)
	}
	resold, err := sumSplits(existing)
	if err != nil {
		return err
	}
	if new(big.Int).Add(resold, add).Cmp(amount) > 0 {
		return ErrSplitExceeds
	}
	return nil
}

// Calculator turns a resolved hierarchy into settlement lines.
type Calculator struct{}

// Build computes one earning line per contract in {root} ∪ descendants,
// paid to that contract's hired user, and a refund line to the root owner
// when escrowAmount exceeds root.Amount. Zero-value lines are dropped.
// splits maps a contract id to the SubContracts resold out of it.
func (Calculator) Build(root *Contract, descendants []*Contract, splits map[string][]*SubContract, escrowAmount string) (*Plan, error) {
	escrowed, ok := money.Parse(escrowAmount)
	if !ok {
		return nil, fmt.Errorf("%w: escrow amount %q", ErrInvalidAmount, escrowAmount)
	}
	rootAmount, ok := money.Parse(root.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: contract %s amount %q", ErrInvalidAmount, root.ID, root.Amount)
	}

	plan := &Plan{MainEarning: "0.00", Refund: "0.00"}
	total := new(big.Int)

	all := make([]*Contract, 0, len(descendants)+1)
	all = append(all, root)
	all = append(all, descendants...)

	for _, c := range all {
		net, err := NetEarning(c, splits[c.ID])
		if err != nil {
			return nil, err
		}
		if c.ID == root.ID {
			plan.MainEarning = money.Format(net)
		}
		if net.Sign() == 0 {
			continue
		}
		total.Add(total, net)
		plan.Lines = append(plan.Lines, Line{
			ContractID: c.ID,
			UserID:     c.HiredUserID,
			Kind:       KindEarning,
			Amount:     money.Format(net),
		})
	}

	surplus := new(big.Int).Sub(escrowed, rootAmount)
	if surplus.Sign() > 0 {
		total.Add(total, surplus)
		plan.Refund = money.Format(surplus)
		plan.Lines = append(plan.Lines, Line{
			ContractID: root.ID,
			UserID:     root.HiredByUserID,
			Kind:       KindRefund,
			Amount:     plan.Refund,
		})
	}

	if total.Cmp(escrowed) > 0 {
		return nil, fmt.Errorf("%w: lines %s, escrow %s", ErrOverAllocated, money.Format(total), money.Format(escrowed))
	}
	plan.Total = money.Format(total)
	return plan, nil
}

func sumSplits(splits []*SubContract) (*big.Int, error) {
	total := new(big.Int)
	for _, s := range splits {
		v, ok := money.Parse(s.SplitAmount)
		if !ok {
			return nil, fmt.Errorf("%w: split %s amount %q", ErrInvalidAmount, s.ID, s.SplitAmount)
		}
		total.Add(total, v)
	}
	return total, nil
}
