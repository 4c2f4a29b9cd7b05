package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/canvas/internal/store"
)

// ErrInsufficientBalance is returned when a debit would make the balance negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceStore persists the credit counter.
type BalanceStore interface {
	GetBalance(ctx context.Context) (int, error)
	AdjustBalance(ctx context.Context, delta int) (int, error)
}

// Ledger is the single credit counter shared by admission and the result
// store. All reads and writes are serialized by one mutex.
//
// Holds reserve credits for jobs that have succeeded but whose debit has not
// been applied yet; admission sees balance minus holds.
type Ledger struct {
	mu    sync.Mutex
	store BalanceStore
	holds map[string]int
}

// NewLedger creates a ledger over the given persistent counter.
func NewLedger(s BalanceStore) *Ledger {
	return &Ledger{
		store: s,
		holds: make(map[string]int),
	}
}

// Balance returns the spendable balance: stored credits minus active holds.
func (l *Ledger) Balance(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available(ctx)
}

func (l *Ledger) available(ctx context.Context) (int, error) {
	bal, err := l.store.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	for _, h := range l.holds {
		bal -= h
	}
	return bal, nil
}

// Admit reads the spendable balance and checks it against cost in one step.
func (l *Ledger) Admit(ctx context.Context, cost int) (Decision, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.available(ctx)
	if err != nil {
		return Decision{}, 0, err
	}
	return Check(bal, cost), bal, nil
}

// Hold reserves amount for jobID until Debit or Release is called.
// Holding the same job twice keeps the first hold.
func (l *Ledger) Hold(jobID string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holds[jobID]; ok {
		return
	}
	l.holds[jobID] = amount
}

// Release drops the hold of jobID without charging it.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, jobID)
}

// Debit charges amount for jobID, consuming its hold if one exists, and
// returns the new spendable balance. The stored balance never goes negative.
func (l *Ledger) Debit(ctx context.Context, jobID string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.store.AdjustBalance(ctx, -amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return 0, fmt.Errorf("debit %d for job %s: %w", amount, jobID, ErrInsufficientBalance)
	}
	if err != nil {
		return 0, fmt.Errorf("debit %d for job %s: %w", amount, jobID, err)
	}
	delete(l.holds, jobID)
	return l.available(ctx)
}

// Credit adds amount to the balance and returns the new spendable balance.
func (l *Ledger) Credit(ctx context.Context, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.store.AdjustBalance(ctx, amount); err != nil {
		return 0, fmt.Errorf("credit %d: %w", amount, err)
	}
	return l.available(ctx)
}
