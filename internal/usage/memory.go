package usage

import (
	"context"
	"sync"
)

// MemoryLedger keeps per-user, per-feature credit balances in process.
// Users without an explicit balance start with DefaultCredits.
type MemoryLedger struct {
	mu             sync.Mutex
	balances       map[string]map[OperationKind]int
	defaultCredits int
}

func NewMemoryLedger(defaultCredits int) *MemoryLedger {
	return &MemoryLedger{
		balances:       make(map[string]map[OperationKind]int),
		defaultCredits: defaultCredits,
	}
}

// SetBalance overrides the balance for user and kind.
func (l *MemoryLedger) SetBalance(userID string, kind OperationKind, credits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userLocked(userID)[kind] = credits
}

func (l *MemoryLedger) Balance(userID string, kind OperationKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID, kind)
}

func (l *MemoryLedger) Authorize(_ context.Context, userID string, kind OperationKind) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceLocked(userID, kind) <= 0 {
		return Deny("no " + string(kind) + " credits remaining"), nil
	}
	return Allow(), nil
}

func (l *MemoryLedger) Consume(_ context.Context, userID string, kind OperationKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(userID, kind)
	if bal <= 0 {
		return ErrInsufficientCredits
	}
	l.userLocked(userID)[kind] = bal - 1
	return nil
}

func (l *MemoryLedger) userLocked(userID string) map[OperationKind]int {
	u, ok := l.balances[userID]
	if !ok {
		u = make(map[OperationKind]int)
		l.balances[userID] = u
	}
	return u
}

func (l *MemoryLedger) balanceLocked(userID string, kind OperationKind) int {
	if u, ok := l.balances[userID]; ok {
		if bal, ok := u[kind]; ok {
			return bal
		}
	}
	return l.defaultCredits
}
