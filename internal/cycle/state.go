// Package cycle runs reconciliation cycles over every active tenant.
package cycle

import "sync"

// Kind names a cycle flavour. Each kind has its own busy guard and state.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAudit Kind = "audit"
)

type State string

const (
	StateIdle             State = "idle"
	StateConnectingLedger State = "connecting-ledger"
	StateConnectingTenant State = "connecting-tenant"
	StateMirroring        State = "mirroring"
	StateResolving        State = "resolving"
	StateCommitting       State = "committing"
	StateClosingTenant    State = "closing-tenant"
	StateAggregating      State = "aggregating"
	StateAuditing         State = "auditing"
)

// states tracks the latest state per kind. With several tenant workers the
// value is the most recent transition of any of them.
type states struct {
	mu sync.RWMutex
	m  map[Kind]State
}

func newStates() *states {
	return &states{m: map[Kind]State{KindSync: StateIdle, KindAudit: StateIdle}}
}

func (s *states) set(k Kind, st State) {
	s.mu.Lock()
	s.m[k] = st
	s.mu.Unlock()
}

func (s *states) get(k Kind) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.m[k]; ok {
		return st
	}
	return StateIdle
}

func (s *states) snapshot() map[Kind]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Kind]State, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}
