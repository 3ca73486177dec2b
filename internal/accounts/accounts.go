// Package accounts tracks the addresses that have ever logged in to this node.
//
// The registry is node-scoped state owned by the request loop. The loop
// processes inputs strictly one at a time, so the registry is deliberately
// unsynchronized; it must never be shared with another goroutine.
package accounts

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps addresses to the time they were last seen.
// Entries are created on first login and never deleted.
type Registry struct {
	accounts map[common.Address]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[common.Address]time.Time)}
}

// Login records a login at the given time. The timestamp comes from the
// advance request's metadata, not the wall clock, so replicas agree on it.
// Returns true if the address had never logged in before. The stored
// timestamp is overwritten on every login, first or not.
func (r *Registry) Login(addr common.Address, at time.Time) (isNewUser bool, seenAt time.Time) {
	_, exists := r.accounts[addr]
	r.accounts[addr] = at
	return !exists, at
}

// Has reports whether the address has ever logged in.
func (r *Registry) Has(addr common.Address) bool {
	_, ok := r.accounts[addr]
	return ok
}

// Get returns the last-seen time for the address.
func (r *Registry) Get(addr common.Address) (time.Time, bool) {
	at, ok := r.accounts[addr]
	return at, ok
}

// Len returns the number of registered addresses.
func (r *Registry) Len() int {
	return len(r.accounts)
}
