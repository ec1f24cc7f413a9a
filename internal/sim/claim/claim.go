// Package claim grants leases on spatial resources. The claim map is the only
// shared mutable structure between agents; every mutation funnels through one
// critical section so two concurrent exclusive acquisitions on the same key can
// never both succeed.
package claim

import (
	"sort"
	"sync"

	"voxelswarm.ai/internal/sim/tasks"
)

type Claim struct {
	Key          string
	Holder       string
	Mode         tasks.ClaimMode
	ActionID     string
	AcquiredTick uint64
	ExpiryTick   uint64 // 0 = no lease timeout
}

// Store mirrors lease state to durable storage so leases do not leak across a
// process restart. Implementations must not block the caller.
type Store interface {
	Put(c Claim)
	Delete(key, holder string)
}

type entry struct {
	exclusive *Claim
	shared    map[string]*Claim // holder -> claim
}

func (e *entry) empty() bool { return e.exclusive == nil && len(e.shared) == 0 }

type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   Store
}

func NewManager(store Store) *Manager {
	return &Manager{entries: map[string]*entry{}, store: store}
}

// TryAcquire is atomic and non-blocking: callers get an immediate denial
// rather than waiting, because the executor must stay responsive on its own
// tick. Re-acquiring a key already held by the same holder renews the lease.
func (m *Manager) TryAcquire(key, holder string, mode tasks.ClaimMode, actionID string, now, expiry uint64) (Claim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		e = &entry{shared: map[string]*Claim{}}
		m.entries[key] = e
	}

	switch mode {
	case tasks.ClaimExclusive:
		if e.exclusive != nil && e.exclusive.Holder != holder {
			return Claim{}, false
		}
		for h := range e.shared {
			if h != holder {
				return Claim{}, false
			}
		}
		// Upgrade: drop our own shared claim when taking the key exclusively.
		delete(e.shared, holder)
		if e.exclusive != nil {
			e.exclusive.ExpiryTick = expiry
			e.exclusive.ActionID = actionID
			m.persistPut(*e.exclusive)
			return *e.exclusive, true
		}
		c := &Claim{Key: key, Holder: holder, Mode: mode, ActionID: actionID, AcquiredTick: now, ExpiryTick: expiry}
		e.exclusive = c
		m.persistPut(*c)
		return *c, true

	case tasks.ClaimShared:
		if e.exclusive != nil && e.exclusive.Holder != holder {
			return Claim{}, false
		}
		if prev := e.shared[holder]; prev != nil {
			prev.ExpiryTick = expiry
			prev.ActionID = actionID
			m.persistPut(*prev)
			return *prev, true
		}
		c := &Claim{Key: key, Holder: holder, Mode: mode, ActionID: actionID, AcquiredTick: now, ExpiryTick: expiry}
		e.shared[holder] = c
		m.persistPut(*c)
		return *c, true
	}
	return Claim{}, false
}

// CanAcquire is a read-only feasibility probe used by the planner to fail fast
// on unclaimable plans. It never mutates state.
func (m *Manager) CanAcquire(key, holder string, mode tasks.ClaimMode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		return true
	}
	if e.exclusive != nil && e.exclusive.Holder != holder {
		return false
	}
	if mode == tasks.ClaimExclusive {
		for h := range e.shared {
			if h != holder {
				return false
			}
		}
	}
	return true
}

// Release drops one holder's claim on a key.
func (m *Manager) Release(key, holder string) (Claim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(key, holder)
}

func (m *Manager) releaseLocked(key, holder string) (Claim, bool) {
	e := m.entries[key]
	if e == nil {
		return Claim{}, false
	}
	if e.exclusive != nil && e.exclusive.Holder == holder {
		c := *e.exclusive
		e.exclusive = nil
		if e.empty() {
			delete(m.entries, key)
		}
		m.persistDelete(key, holder)
		return c, true
	}
	if c := e.shared[holder]; c != nil {
		out := *c
		delete(e.shared, holder)
		if e.empty() {
			delete(m.entries, key)
		}
		m.persistDelete(key, holder)
		return out, true
	}
	return Claim{}, false
}

// ReleaseAction releases every claim held for one action, in sorted key order.
func (m *Manager) ReleaseAction(actionID string) []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseWhereLocked(func(c *Claim) bool { return c.ActionID == actionID })
}

// ReleaseHolder releases every claim held by one agent, in sorted key order.
func (m *Manager) ReleaseHolder(holder string) []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseWhereLocked(func(c *Claim) bool { return c.Holder == holder })
}

func (m *Manager) releaseWhereLocked(match func(*Claim) bool) []Claim {
	var out []Claim
	for _, key := range m.sortedKeysLocked() {
		e := m.entries[key]
		if e.exclusive != nil && match(e.exclusive) {
			c, _ := m.releaseLocked(key, e.exclusive.Holder)
			out = append(out, c)
			continue
		}
		holders := make([]string, 0, len(e.shared))
		for h, c := range e.shared {
			if match(c) {
				holders = append(holders, h)
			}
		}
		sort.Strings(holders)
		for _, h := range holders {
			c, _ := m.releaseLocked(key, h)
			out = append(out, c)
		}
	}
	return out
}

// Renew extends a lease without changing ownership.
func (m *Manager) Renew(key, holder string, expiry uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		return false
	}
	if e.exclusive != nil && e.exclusive.Holder == holder {
		e.exclusive.ExpiryTick = expiry
		m.persistPut(*e.exclusive)
		return true
	}
	if c := e.shared[holder]; c != nil {
		c.ExpiryTick = expiry
		m.persistPut(*c)
		return true
	}
	return false
}

// Sweep releases claims whose lease has passed or whose holder has stopped
// ticking, in deterministic key order, and returns them so the caller can
// fail the owning actions and emit ClaimExpired events.
func (m *Manager) Sweep(now uint64, alive func(holder string) bool) []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	dead := func(c *Claim) bool {
		if c.ExpiryTick != 0 && now >= c.ExpiryTick {
			return true
		}
		return alive != nil && !alive(c.Holder)
	}
	return m.releaseWhereLocked(dead)
}

// Snapshot returns all live claims sorted by key then holder.
func (m *Manager) Snapshot() []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Claim
	for _, key := range m.sortedKeysLocked() {
		e := m.entries[key]
		if e.exclusive != nil {
			out = append(out, *e.exclusive)
		}
		holders := make([]string, 0, len(e.shared))
		for h := range e.shared {
			holders = append(holders, h)
		}
		sort.Strings(holders)
		for _, h := range holders {
			out = append(out, *e.shared[h])
		}
	}
	return out
}

// LoadFrom seeds the map from persisted leases (restart recovery, "resume"
// policy). Invalid duplicates keep the first exclusive holder.
func (m *Manager) LoadFrom(claims []Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range claims {
		cc := c
		e := m.entries[c.Key]
		if e == nil {
			e = &entry{shared: map[string]*Claim{}}
			m.entries[c.Key] = e
		}
		switch c.Mode {
		case tasks.ClaimExclusive:
			if e.exclusive == nil && len(e.shared) == 0 {
				e.exclusive = &cc
			}
		case tasks.ClaimShared:
			if e.exclusive == nil {
				e.shared[c.Holder] = &cc
			}
		}
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.exclusive != nil {
			n++
		}
		n += len(e.shared)
	}
	return n
}

func (m *Manager) sortedKeysLocked() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) persistPut(c Claim) {
	if m.store != nil {
		m.store.Put(c)
	}
}

func (m *Manager) persistDelete(key, holder string) {
	if m.store != nil {
		m.store.Delete(key, holder)
	}
}
