// Package budget governs how much remote-API work one sync cycle may spend.
//
// A budget is created per cycle and discarded at cycle end. Callers check
// MayExecute with an estimate before starting a unit of work and Integrate
// the actual usage afterwards, success or not, so the ledger stays accurate.
package budget

import "sync"

// Estimate is the predicted cost of a unit of work. Page fetches and
// mutations weigh differently, so the cost model is a struct, not a number.
type Estimate struct {
	Requests  int
	Mutations int
}

// Usage is the actual cost a unit of work consumed.
type Usage struct {
	Requests  int
	Mutations int
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Requests:  u.Requests + o.Requests,
		Mutations: u.Mutations + o.Mutations,
	}
}

// Budget is consulted before work starts and fed after work completes.
type Budget interface {
	// MayExecute reports whether a unit of work with the given estimated
	// cost may start under this budget.
	MayExecute(est Estimate) bool

	// Integrate folds the actual usage of a completed unit of work into the
	// budget's counters. Called regardless of the work's success.
	Integrate(actual Usage)
}

// Unlimited is the default policy: always allow, but keep counting so the
// cycle's usage report stays meaningful.
type Unlimited struct {
	mu   sync.Mutex
	used Usage
}

// NewUnlimited creates an always-allow budget.
func NewUnlimited() *Unlimited {
	return &Unlimited{}
}

// MayExecute always reports true.
func (b *Unlimited) MayExecute(Estimate) bool { return true }

// Integrate accumulates usage.
func (b *Unlimited) Integrate(actual Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = b.used.Add(actual)
}

// Used returns the usage accumulated so far.
func (b *Unlimited) Used() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// RateAware caps requests per cycle and honors the remote rate-limit signal
// observed during the cycle. It reserves headroom so the engine never spends
// the last few remote requests another client may need.
type RateAware struct {
	mu sync.Mutex

	used            Usage
	maxRequests     int // per-cycle request cap; 0 means uncapped
	remoteRemaining int // last observed remaining quota; -1 means never observed
	reserve         int // requests left untouched below the observed remaining
}

// NewRateAware creates a rate-aware budget. maxRequests of 0 disables the
// per-cycle cap; reserve is the remote headroom kept unspent.
func NewRateAware(maxRequests, reserve int) *RateAware {
	return &RateAware{
		maxRequests:     maxRequests,
		remoteRemaining: -1,
		reserve:         reserve,
	}
}

// MayExecute reports whether the estimated work fits the per-cycle cap and
// the observed remote headroom.
func (b *RateAware) MayExecute(est Estimate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests := est.Requests + est.Mutations
	if b.maxRequests > 0 && b.used.Requests+b.used.Mutations+requests > b.maxRequests {
		return false
	}
	if b.remoteRemaining >= 0 && b.remoteRemaining-requests < b.reserve {
		return false
	}
	return true
}

// Integrate accumulates usage and decays the observed remote headroom.
func (b *RateAware) Integrate(actual Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = b.used.Add(actual)
	if b.remoteRemaining >= 0 {
		b.remoteRemaining -= actual.Requests + actual.Mutations
		if b.remoteRemaining < 0 {
			b.remoteRemaining = 0
		}
	}
}

// ObserveRemaining records a rate-limit signal reported by the remote API.
// The most recent observation wins.
func (b *RateAware) ObserveRemaining(remaining int) {
	if remaining < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remoteRemaining = remaining
}

// Used returns the usage accumulated so far.
func (b *RateAware) Used() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
