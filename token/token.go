// Package token implements the native token contract bridge: the
// in-process ledger the execution core escrows and settles gas against. It
// is called directly by the engine's gas escrow and settlement code rather
// than through the general foreign-call path, since it backs the runtime's own
// fuel-to-token accounting rather than being guest-reachable contract
// logic.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cairnvm/numerics"
)

var log = logrus.WithField("component", "token")

var (
	// ErrInsufficientBalance is returned by Hold when an account's free
	// balance cannot cover the requested escrow.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrHoldNotFound is returned by Burn/Release for an unknown or
	// already-closed hold handle.
	ErrHoldNotFound = errors.New("token: hold not found")
	// ErrBurnExceedsHold is returned by Burn when amount exceeds what
	// remains escrowed under the hold.
	ErrBurnExceedsHold = errors.New("token: burn exceeds hold")
)

// Account identifies a holder of native token balance. Accounts are
// contract aliases (callstack.ContractID, widened here to avoid an import
// cycle); signer/wallet identity is explicitly out of scope here.
type Account int64

// HoldID is an opaque handle to an open escrow, returned by Hold and
// consumed by exactly one eventual Burn-then-Release (or bare Release)
// pair.
type HoldID uint64

type holdRecord struct {
	account   Account
	remaining numerics.Decimal
}

// heightSnapshot is the balance sheet as it stood once every operation at
// height had been applied, kept so a reorg can restore it.
type heightSnapshot struct {
	height   uint64
	balances map[Account]numerics.Decimal
}

// Ledger is the mutex-guarded native token balance sheet. The zero value is
// not usable; use New.
type Ledger struct {
	mu        sync.Mutex
	balances  map[Account]numerics.Decimal
	holds     map[HoldID]holdRecord
	nextHold  uint64
	snapshots []heightSnapshot // ascending by height
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[Account]numerics.Decimal),
		holds:    make(map[HoldID]holdRecord),
	}
}

// Balance returns account's current free (non-escrowed) balance.
func (l *Ledger) Balance(account Account) numerics.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(account)
}

func (l *Ledger) balanceLocked(account Account) numerics.Decimal {
	b, ok := l.balances[account]
	if !ok {
		return numerics.DecFromU64(0)
	}
	return b
}

// Issuance mints amount into account's free balance. This is the only
// operation that increases total supply; it models genesis allocation and
// any protocol-level minting the reactor drives at block-connect time.
func (l *Ledger) Issuance(account Account, amount numerics.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balanceLocked(account).Add(amount)
	log.WithFields(logrus.Fields{"account": account, "amount": amount.String()}).Debug("issuance")
}

// Hold escrows amount out of account's free balance, returning a handle
// that must eventually be settled with Burn and/or Release. Returns
// ErrInsufficientBalance if the account's free balance is less than
// amount. A successful Hold never produces a contract_results row at the
// store layer since it is pure accounting, not a procedure invocation.
func (l *Ledger) Hold(account Account, amount numerics.Decimal) (HoldID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	free := l.balanceLocked(account)
	if free.Cmp(amount) < 0 {
		return 0, fmt.Errorf("%w: account %d has %s, need %s", ErrInsufficientBalance, account, free.String(), amount.String())
	}
	l.balances[account] = free.Sub(amount)

	l.nextHold++
	id := HoldID(l.nextHold)
	l.holds[id] = holdRecord{account: account, remaining: amount}
	return id, nil
}

// Burn permanently removes amount from the remaining escrow under id,
// reducing total supply. This is how consumed gas leaves circulation.
func (l *Ledger) Burn(id HoldID, amount numerics.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	if h.remaining.Cmp(amount) < 0 {
		return fmt.Errorf("%w: hold %d has %s remaining, burn wants %s", ErrBurnExceedsHold, id, h.remaining.String(), amount.String())
	}
	h.remaining = h.remaining.Sub(amount)
	l.holds[id] = h
	log.WithFields(logrus.Fields{"hold": id, "amount": amount.String()}).Debug("burn")
	return nil
}

// Release credits whatever remains escrowed under id back to its account's
// free balance and closes the hold. Calling Release twice on the same id
// returns ErrHoldNotFound the second time, since the hold no longer exists.
func (l *Ledger) Release(id HoldID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	delete(l.holds, id)
	l.balances[h.account] = l.balanceLocked(h.account).Add(h.remaining)
	log.WithFields(logrus.Fields{"hold": id, "released": h.remaining.String()}).Debug("release")
	return nil
}

// Remaining reports what is still escrowed under id, for settlement
// bookkeeping in the engine (e.g. reporting a final gas charge).
func (l *Ledger) Remaining(id HoldID) (numerics.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[id]
	if !ok {
		return numerics.Decimal{}, ErrHoldNotFound
	}
	return h.remaining, nil
}

// Checkpoint snapshots the ledger's balances as the state as of height,
// for a later RollbackToHeight. The reactor calls this once a block has
// fully committed to the store, mirroring the store's own block-scoped
// history. Holds are never snapshotted: a hold's lifetime is bounded by
// the engine's savepoint for the single call that opened it, so no hold
// should ever be open across a height boundary.
func (l *Ledger) Checkpoint(height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.snapshots) > 0 && l.snapshots[len(l.snapshots)-1].height >= height {
		l.snapshots = l.snapshots[:len(l.snapshots)-1]
	}
	snap := make(map[Account]numerics.Decimal, len(l.balances))
	for acct, bal := range l.balances {
		snap[acct] = bal
	}
	l.snapshots = append(l.snapshots, heightSnapshot{height: height, balances: snap})
}

// RollbackToHeight restores balances to the snapshot recorded at height h,
// discarding every later snapshot, so the ledger mirrors the store's own
// RollbackToHeight on a disconnect/reorg. A height with no recorded
// snapshot (nothing was ever checkpointed at or below h) resets balances
// to empty, matching an empty store.
func (l *Ledger) RollbackToHeight(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := -1
	for i, snap := range l.snapshots {
		if snap.height <= h {
			keep = i
		}
	}
	if keep < 0 {
		l.balances = make(map[Account]numerics.Decimal)
		l.snapshots = nil
		return
	}
	restored := make(map[Account]numerics.Decimal, len(l.snapshots[keep].balances))
	for acct, bal := range l.snapshots[keep].balances {
		restored[acct] = bal
	}
	l.balances = restored
	l.snapshots = l.snapshots[:keep+1]
	log.WithField("height", h).Debug("token ledger rolled back")
}
