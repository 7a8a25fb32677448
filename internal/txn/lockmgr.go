// Package txn implements strict two-phase locking and the transaction
// lifecycle on top of internal/storage/pager's page/WAL primitives.
//
// Isolation is achieved purely through blocking S/X locks held until
// commit or abort (strict 2PL) — there is no MVCC, no snapshotting, and no
// predicate/gap locking, so phantom reads across a range scan are possible
// between a scan and a later insert into that range. That limitation is
// accepted rather than solved here; closing it would mean adding
// next-key/gap locks to LockManager, which nothing in this package
// currently does.
package txn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ariesql/ariesql/internal/storage/pager"
)

// LockMode is the granted or requested strength of a lock.
type LockMode uint8

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "X"
	}
	return "S"
}

// ResourceID names a lockable unit: a tuple's RID for row-level locking, or
// a page id for page-level locking (catalog/B+Tree structural changes).
type ResourceID string

// RowResource builds a ResourceID for a heap tuple.
func RowResource(rid pager.RID) ResourceID {
	return ResourceID(fmt.Sprintf("row:%d:%d", rid.PageID, rid.Slot))
}

// PageResource builds a ResourceID for a whole page.
func PageResource(id pager.PageID) ResourceID {
	return ResourceID(fmt.Sprintf("page:%d", id))
}

// ErrDeadlock is returned to the transaction selected as the deadlock
// victim (the youngest transaction — highest TxID — in the cycle).
var ErrDeadlock = fmt.Errorf("deadlock detected: aborted as victim")

type waiter struct {
	txID    pager.TxID
	mode    LockMode
	granted bool
	ready   chan struct{}
}

type lockEntry struct {
	holders map[pager.TxID]LockMode
	queue   []*waiter
}

// LockManager grants shared/exclusive locks over ResourceIDs to
// transactions, queues conflicting requests FIFO, and breaks deadlocks by
// aborting the youngest transaction in any wait-for cycle it discovers
// before that transaction is allowed to start waiting.
type LockManager struct {
	mu      sync.Mutex
	locks   map[ResourceID]*lockEntry
	holds   map[pager.TxID]map[ResourceID]LockMode // for Release and wait-for construction
	waiting map[pager.TxID]ResourceID               // resource each blocked tx is waiting on, if any
	waiters map[pager.TxID]*waiter                  // blocked tx's own queue entry, for victim revocation
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{
		locks:   make(map[ResourceID]*lockEntry),
		holds:   make(map[pager.TxID]map[ResourceID]LockMode),
		waiting: make(map[pager.TxID]ResourceID),
		waiters: make(map[pager.TxID]*waiter),
	}
}

func compatible(a, b LockMode) bool {
	return a == Shared && b == Shared
}

// Acquire blocks until txID holds mode on resource, or returns ErrDeadlock
// if waiting would close a cycle in the wait-for graph and txID is the
// youngest of the victim candidates. If another, younger blocked member of
// the cycle is chosen instead, that member's wait is revoked with
// ErrDeadlock and txID waits normally.
func (lm *LockManager) Acquire(txID pager.TxID, resource ResourceID, mode LockMode) error {
	lm.mu.Lock()

	e, ok := lm.locks[resource]
	if !ok {
		e = &lockEntry{holders: make(map[pager.TxID]LockMode)}
		lm.locks[resource] = e
	}

	if held, already := e.holders[txID]; already {
		if held == mode || held == Exclusive {
			lm.mu.Unlock()
			return nil
		}
		// Upgrade S -> X: only blocks if some other transaction also holds S.
		if len(e.holders) == 1 {
			e.holders[txID] = Exclusive
			lm.recordHold(txID, resource, Exclusive)
			lm.mu.Unlock()
			return nil
		}
	}

	if lm.canGrant(e, txID, mode) {
		e.holders[txID] = mode
		lm.recordHold(txID, resource, mode)
		lm.mu.Unlock()
		return nil
	}

	// Must wait. Check whether doing so closes a cycle in the wait-for
	// graph, and if so abort the youngest transaction found in it.
	if cycle, found := lm.detectCycle(txID, e); found {
		victim := youngest(cycle)
		if victim == txID {
			lm.mu.Unlock()
			return ErrDeadlock
		}
		// The victim is some other transaction currently blocked elsewhere
		// in the cycle: revoke its wait and wake it with a deadlock error,
		// which breaks the cycle so txID is free to wait normally.
		lm.abortWaiter(victim)
	}

	w := &waiter{txID: txID, mode: mode, ready: make(chan struct{})}
	e.queue = append(e.queue, w)
	lm.waiting[txID] = resource
	lm.waiters[txID] = w
	lm.mu.Unlock()

	<-w.ready
	if !w.granted {
		return ErrDeadlock
	}
	return nil
}

func youngest(ids []pager.TxID) pager.TxID {
	max := ids[0]
	for _, id := range ids[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abortWaiter removes victim from whatever queue it is blocked on and
// wakes it with granted=false. Must be called with lm.mu held.
func (lm *LockManager) abortWaiter(victim pager.TxID) {
	w, ok := lm.waiters[victim]
	if !ok {
		return
	}
	resource, ok := lm.waiting[victim]
	if ok {
		if e, ok := lm.locks[resource]; ok {
			for i, qw := range e.queue {
				if qw == w {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					break
				}
			}
		}
	}
	delete(lm.waiting, victim)
	delete(lm.waiters, victim)
	w.granted = false
	close(w.ready)
}

func (lm *LockManager) canGrant(e *lockEntry, txID pager.TxID, mode LockMode) bool {
	if len(e.holders) == 0 {
		return true
	}
	for holder, hm := range e.holders {
		if holder == txID {
			continue
		}
		if !compatible(hm, mode) || !compatible(mode, hm) {
			return false
		}
	}
	return true
}

// detectCycle walks the wait-for graph reachable from every current holder
// of e to see whether any of them is transitively waiting (directly or
// through further holders) on txID. If so it returns every transaction
// encountered on that search, restricted to txID plus transactions
// currently blocked (and therefore safe to revoke) — the pool the victim
// is chosen from.
func (lm *LockManager) detectCycle(txID pager.TxID, e *lockEntry) ([]pager.TxID, bool) {
	visited := map[pager.TxID]bool{}
	var stack []pager.TxID
	for holder := range e.holders {
		stack = append(stack, holder)
	}
	cycleFound := false
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if cur == txID {
			cycleFound = true
			continue
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		waitRes, ok := lm.waiting[cur]
		if !ok {
			continue
		}
		we, ok := lm.locks[waitRes]
		if !ok {
			continue
		}
		for holder := range we.holders {
			stack = append(stack, holder)
		}
	}
	if !cycleFound {
		return nil, false
	}
	candidates := []pager.TxID{txID}
	for id := range visited {
		if _, blocked := lm.waiting[id]; blocked {
			candidates = append(candidates, id)
		}
	}
	return candidates, true
}

func (lm *LockManager) recordHold(txID pager.TxID, resource ResourceID, mode LockMode) {
	set, ok := lm.holds[txID]
	if !ok {
		set = make(map[ResourceID]LockMode)
		lm.holds[txID] = set
	}
	set[resource] = mode
}

// Release drops every lock txID holds and wakes any waiters that can now
// be granted. Strict 2PL calls this exactly once, at commit or abort.
func (lm *LockManager) Release(txID pager.TxID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.waiting, txID)
	delete(lm.waiters, txID)
	held := lm.holds[txID]
	delete(lm.holds, txID)

	// Stable resource order keeps wakeups deterministic for tests.
	resources := make([]ResourceID, 0, len(held))
	for r := range held {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	for _, resource := range resources {
		e, ok := lm.locks[resource]
		if !ok {
			continue
		}
		delete(e.holders, txID)
		lm.promote(resource, e)
		if len(e.holders) == 0 && len(e.queue) == 0 {
			delete(lm.locks, resource)
		}
	}
}

// promote grants as many head-of-queue waiters as are mutually compatible
// with the current holder set, in FIFO order.
func (lm *LockManager) promote(resource ResourceID, e *lockEntry) {
	for len(e.queue) > 0 {
		w := e.queue[0]
		if !lm.canGrant(e, w.txID, w.mode) {
			break
		}
		e.queue = e.queue[1:]
		e.holders[w.txID] = w.mode
		lm.recordHold(w.txID, resource, w.mode)
		delete(lm.waiting, w.txID)
		delete(lm.waiters, w.txID)
		w.granted = true
		close(w.ready)
	}
}

// HeldCount reports how many resources a transaction currently holds
// locks on, e.g. to check that the lock table is empty post-commit.
func (lm *LockManager) HeldCount(txID pager.TxID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.holds[txID])
}

// Empty reports whether the lock table has no outstanding locks or
// waiters at all.
func (lm *LockManager) Empty() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks) == 0
}
