// Package rewards splits reward pools between contributors and records the
// resulting credits in the ledger.
//
// Apportion is pure: the same pool and contributions always yield the same
// shares, and the shares always sum to the pool exactly.
package rewards

import (
	"errors"
	"sort"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/money"
)

var ErrInvalidWeight = errors.New("rewards: pool and weights must be non-negative")

// Contribution is one claim on a pool.
type Contribution struct {
	ContributorID string
	CommentID     string // empty for aggregated (daily) contributions
	Weight        int64
}

// Share is the amount apportioned to one contribution.
type Share struct {
	ContributorID string `json:"contributorId"`
	CommentID     string `json:"commentId,omitempty"`
	Weight        int64  `json:"weight"`
	Amount        int64  `json:"amount"`
}

// Allocation is the result of apportioning a pool. When no contribution has
// positive weight the whole pool is CarriedForward and Shares is empty.
type Allocation struct {
	Pool           int64   `json:"pool"`
	Shares         []Share `json:"shares"`
	CarriedForward int64   `json:"carriedForward"`
}

// Total returns the sum of all shares.
func (a Allocation) Total() int64 {
	var sum int64
	for _, s := range a.Shares {
		sum += s.Amount
	}
	return sum
}

// Apportion splits pool in proportion to the contributions' weights.
//
// Each share is floor(pool*w/Σw). The leftover, which is always smaller
// than the number of weighted contributions, is handed out one unit at a
// time in descending weight order, ties broken by contributor id and then
// comment id. Zero-weight contributions are dropped.
func Apportion(pool int64, contributions []Contribution) (Allocation, error) {
	if pool < 0 {
		return Allocation{}, ErrInvalidWeight
	}

	weighted := make([]Contribution, 0, len(contributions))
	var total int64
	for _, c := range contributions {
		if c.Weight < 0 {
			return Allocation{}, ErrInvalidWeight
		}
		if c.Weight == 0 {
			continue
		}
		weighted = append(weighted, c)
		total += c.Weight
	}

	if total == 0 {
		return Allocation{Pool: pool, CarriedForward: pool}, nil
	}

	sortByPriority(weighted)

	shares := make([]Share, len(weighted))
	var assigned int64
	for i, c := range weighted {
		amount := money.ShareFloor(pool, c.Weight, total)
		shares[i] = Share{ContributorID: c.ContributorID, CommentID: c.CommentID, Weight: c.Weight, Amount: amount}
		assigned += amount
	}

	for i := 0; assigned < pool; i = (i + 1) % len(shares) {
		shares[i].Amount++
		assigned++
	}

	alloc := Allocation{Pool: pool, Shares: shares}
	if got := alloc.Total(); got != pool {
		return Allocation{}, &apperr.RoundingInvariantViolation{Context: "apportion", Expected: pool, Actual: got}
	}
	return alloc, nil
}

// sortByPriority orders contributions by weight descending, then
// contributor id and comment id ascending.
func sortByPriority(cs []Contribution) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Weight != cs[j].Weight {
			return cs[i].Weight > cs[j].Weight
		}
		if cs[i].ContributorID != cs[j].ContributorID {
			return cs[i].ContributorID < cs[j].ContributorID
		}
		return cs[i].CommentID < cs[j].CommentID
	})
}
