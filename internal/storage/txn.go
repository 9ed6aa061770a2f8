package storage

import (
	"context"
	"sync"
	"time"

	"github.com/scdb/scdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Transaction manager — single writer, many readers, snapshot isolation
// (spec §4.9)
// ───────────────────────────────────────────────────────────────────────────
//
// The teacher's full MVCC manager (`internal/storage/mvcc.go`, dropped —
// see DESIGN.md) tracked per-row version chains for true multi-writer
// concurrency. This spec scopes that down to one active writer at a time
// plus any number of concurrent readers, each pinned to the WAL LSN at the
// moment it began — readers never block the writer and never see writes
// committed after their snapshot. Waiting writers queue FIFO and time out
// per WriteLockTimeout rather than deadlocking or starving.

// TxKind distinguishes reader transactions (no writer lock needed) from
// writer transactions (exclusive, FIFO-queued).
type TxKind int

const (
	TxRead TxKind = iota
	TxWrite
)

// Tx is a handle to an open transaction.
type Tx struct {
	ID         pager.TxID
	Kind       TxKind
	SnapshotAt pager.LSN // readers only: the LSN watermark this view is pinned to
	mgr        *TxManager
	done       bool
	mu         sync.Mutex
}

// TxManager coordinates transaction admission against a single Pager.
type TxManager struct {
	pager *pager.Pager
	gate  *writeGate
}

// WriteLockTimeout is the default duration a writer waits in the FIFO queue
// before giving up. EngineConfig has no field for it: the root package's
// WriteLockTimeoutFor returns this value for every engine.
const WriteLockTimeout = 5 * time.Second

// NewTxManager creates a transaction manager over p. Construct exactly one
// TxManager per Pager — the writer gate it owns is the single point of
// mutual exclusion for that container.
func NewTxManager(p *pager.Pager) *TxManager {
	return &TxManager{pager: p, gate: &writeGate{}}
}

// mu plus a FIFO ticket queue gives waiters a deterministic order
// instead of Go's unspecified mutex-contention ordering.
type writeGate struct {
	mu      sync.Mutex
	holding bool
	waiters []chan struct{}
}

func (wg *writeGate) acquire(ctx context.Context, timeout time.Duration) error {
	wg.mu.Lock()
	if !wg.holding {
		wg.holding = true
		wg.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	wg.waiters = append(wg.waiters, ch)
	wg.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-timeoutCh:
		wg.cancelWaiter(ch)
		return ErrWriteLockTimeout
	case <-ctx.Done():
		wg.cancelWaiter(ch)
		return &Error{Kind: KindCancelled, Message: "write lock wait cancelled", Cause: ctx.Err()}
	}
}

func (wg *writeGate) cancelWaiter(ch chan struct{}) {
	wg.mu.Lock()
	for i, w := range wg.waiters {
		if w == ch {
			wg.waiters = append(wg.waiters[:i], wg.waiters[i+1:]...)
			wg.mu.Unlock()
			return
		}
	}
	wg.mu.Unlock()
	// Already woken concurrently with our timeout firing; treat as acquired
	// and hand the gate straight back to the next waiter to avoid leaking it.
	wg.release()
}

func (wg *writeGate) release() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if len(wg.waiters) == 0 {
		wg.holding = false
		return
	}
	next := wg.waiters[0]
	wg.waiters = wg.waiters[1:]
	close(next)
}

// BeginRead opens a read-only transaction snapshotted at the pager's
// current LSN. Readers never contend with the writer gate.
func (m *TxManager) BeginRead() (*Tx, error) {
	txID, err := m.pager.BeginTx()
	if err != nil {
		return nil, wrapIoError("begin read transaction", err)
	}
	return &Tx{
		ID:         txID,
		Kind:       TxRead,
		SnapshotAt: m.pager.CurrentLSN(),
		mgr:        m,
	}, nil
}

// BeginWrite acquires the single writer slot, waiting up to timeout (use 0
// for no timeout / block indefinitely, matching spec §6's WriteLockTimeout
// semantics where a configured 0 means "wait forever").
func (m *TxManager) BeginWrite(ctx context.Context, timeout time.Duration) (*Tx, error) {
	if err := m.gate.acquire(ctx, timeout); err != nil {
		return nil, err
	}
	txID, err := m.pager.BeginTx()
	if err != nil {
		m.gate.release()
		return nil, wrapIoError("begin write transaction", err)
	}
	return &Tx{
		ID:   txID,
		Kind: TxWrite,
		mgr:  m,
	}, nil
}

// Commit finalizes the transaction. Write transactions release the writer
// gate for the next FIFO waiter.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	err := t.mgr.pager.CommitTx(t.ID)
	if t.Kind == TxWrite {
		t.mgr.gate.release()
	}
	if err != nil {
		return wrapIoError("commit transaction", err)
	}
	return nil
}

// Rollback aborts the transaction, discarding its dirty pages on the next
// recovery/checkpoint pass.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	err := t.mgr.pager.AbortTx(t.ID)
	if t.Kind == TxWrite {
		t.mgr.gate.release()
	}
	if err != nil {
		return wrapIoError("rollback transaction", err)
	}
	return nil
}

func wrapIoError(op string, cause error) error {
	return &Error{Kind: KindIoError, Message: op, Cause: cause}
}
