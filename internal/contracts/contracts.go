// Package contracts models the resale hierarchy behind a job and computes
// what each participant earns when the hierarchy is settled.
//
// A shipper hires a carrier with a root contract. The carrier may resell the
// work downstream, which creates a child contract and a SubContract row whose
// split is deducted from the parent's earning. Resale can repeat, so a single
// job fans out into a tree:
//
//	root (shipper -> broker, 1000)
//	  └── child (broker -> carrier, 300)
//	        └── grandchild (carrier -> driver, 120)
package contracts

import (
	"errors"
	"time"
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrCycle            = errors.New("contract hierarchy contains a cycle")
	ErrSplitExceeds     = errors.New("resale splits exceed contract amount")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Status represents the lifecycle state of a contract.
type Status string

const (
	StatusPending   Status = "pending"   // Created on job acceptance
	StatusActive    Status = "active"    // Work started
	StatusCompleted Status = "completed" // Settled; terminal
	StatusOnHold    Status = "onHold"
)

// Contract is one level of a (possibly resold) hauling agreement.
type Contract struct {
	ID               string     `json:"id"`
	ParentContractID string     `json:"parentContractId,omitempty"`
	JobID            string     `json:"jobId"`
	HiredByUserID    string     `json:"hiredByUserId"`
	HiredUserID      string     `json:"hiredUserId"`
	Amount           string     `json:"amount"`
	Status           Status     `json:"status"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsRoot reports whether the contract sits at the top of its hierarchy.
func (c *Contract) IsRoot() bool {
	return c.ParentContractID == ""
}

// IsTerminal returns true once the contract has been settled.
func (c *Contract) IsTerminal() bool {
	return c.Status == StatusCompleted
}

// SubContract records the portion of a contract resold downstream.
// RootContractID is the contract whose earning shrinks by SplitAmount;
// ContractID is the child contract created by the resale.
type SubContract struct {
	ID             string    `json:"id"`
	RootContractID string    `json:"rootContractId"`
	ContractID     string    `json:"contractId"`
	SplitAmount    string    `json:"splitAmount"`
	CreatedAt      time.Time `json:"createdAt"`
}
