package contracts

import (
	"context"
	"fmt"
)

// ChildLister returns the direct children of a contract.
type ChildLister interface {
	ListChildContracts(ctx context.Context, parentID string) ([]*Contract, error)
}

// Resolver expands a contract into its full set of resale descendants.
type Resolver struct {
	lister ChildLister
}

// NewResolver creates a resolver over the given child lookup.
func NewResolver(lister ChildLister) *Resolver {
	return &Resolver{lister: lister}
}

// Descendants returns every contract below rootID in breadth-first order.
// The root itself is not included. Traversal is iterative so deep resale
// chains cannot exhaust the stack; a contract reached twice means the
// stored tree is corrupt and yields ErrCycle.
func (r *Resolver) Descendants(ctx context.Context, rootID string) ([]*Contract, error) {
	seen := map[string]bool{rootID: true}
	queue := []string{rootID}
	var out []*Contract

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		children, err := r.lister.ListChildContracts(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", parentID, err)
		}
		for _, child := range children {
			if seen[child.ID] {
				return nil, fmt.Errorf("%w: %s reached twice", ErrCycle, child.ID)
			}
			seen[child.ID] = true
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}

	return out, nil
}

// Ancestors walks parent links upward from id and returns the chain of
// ancestor ids, nearest first. Used when reselling to reject a parent that
// is already below the child.
func Ancestors(ctx context.Context, id string, get func(ctx context.Context, id string) (*Contract, error)) ([]string, error) {
	var chain []string
	seen := map[string]bool{id: true}

	current, err := get(ctx, id)
	if err != nil {
		return nil, err
	}
	for current.ParentContractID != "" {
		pid := current.ParentContractID
		if seen[pid] {
			return nil, fmt.Errorf("%w: %s reached twice", ErrCycle, pid)
		}
		seen[pid] = true
		chain = append(chain, pid)

		current, err = get(ctx, pid)
		if err != nil {
			return nil, err
		}
	}
	return chain, nil
}
