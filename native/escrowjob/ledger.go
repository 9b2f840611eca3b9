package escrowjob

import (
	"fmt"
	"math/big"
	"sync"
)

// MemoryLedger is an in-memory ledgerState implementation backing the local
// node mode and tests. All methods are safe for concurrent use.
type MemoryLedger struct {
	mu       sync.Mutex
	jobs     map[[20]byte]*Job
	balances map[[20]byte]*big.Int
	held     map[[20]byte]*big.Int
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		jobs:     make(map[[20]byte]*Job),
		balances: make(map[[20]byte]*big.Int),
		held:     make(map[[20]byte]*big.Int),
	}
}

// JobPut stores a sanitized copy of the job.
func (l *MemoryLedger) JobPut(job *Job) error {
	sanitized, err := SanitizeJob(job)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[sanitized.Address] = sanitized.Clone()
	return nil
}

// JobGet returns a copy of the stored job.
func (l *MemoryLedger) JobGet(addr [20]byte) (*Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[addr]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// GetBalance returns the account balance in wei.
func (l *MemoryLedger) GetBalance(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneBigInt(l.balances[addr]), nil
}

// SetBalance overwrites the account balance.
func (l *MemoryLedger) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrowjob ledger: balance must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = cloneBigInt(amount)
	return nil
}

// JobCredit adds wei to the instance's held balance.
func (l *MemoryLedger) JobCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrowjob ledger: credit must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[addr] = new(big.Int).Add(cloneBigInt(l.held[addr]), amount)
	return nil
}

// JobDebit removes wei from the instance's held balance.
func (l *MemoryLedger) JobDebit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrowjob ledger: debit must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held := cloneBigInt(l.held[addr])
	if held.Cmp(amount) < 0 {
		return ErrInsufficient
	}
	l.held[addr] = held.Sub(held, amount)
	return nil
}

// JobBalance reports the wei currently held by the instance.
func (l *MemoryLedger) JobBalance(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneBigInt(l.held[addr]), nil
}
