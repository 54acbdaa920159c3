package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/internal/notify"
	"github.com/ggoodman/portlink-go/rpc"
)

// Update is published after a replica applied a delta.
type Update struct {
	SessionID string
	Seq       uint64
	Keys      int
}

type replicaState struct {
	snap snapshot
	seq  uint64
	// prev is the state before the last delta, kept so a retransmitted
	// delta can be applied again to the same base.
	prev snapshot
}

// Replica is the receiving side of an Engine. It keeps one state per
// session.
type Replica struct {
	mu     sync.Mutex
	states map[string]*replicaState
	events *notify.Notifier[Update]
}

func NewReplica() *Replica {
	return &Replica{
		states: make(map[string]*replicaState),
		events: notify.New[Update](16),
	}
}

// Handle applies an inbound STATE_DELTA. Its signature matches
// rpc.HandlerFunc; install it with Handle(envelope.TypeStateDelta, ...).
func (r *Replica) Handle(_ context.Context, sessionID string, env envelope.Envelope) (envelope.Message, error) {
	m, err := env.Message()
	if err != nil {
		return nil, &rpc.RemoteError{Code: envelope.CodeInvalidMessage, Message: err.Error()}
	}
	d := m.(envelope.StateDelta)
	delta := &Delta{Set: make(map[string]json.RawMessage, len(d.Set)), Tombstones: d.Tombstones}
	for k, v := range d.Set {
		c, err := canonical(v)
		if err != nil {
			return nil, &rpc.RemoteError{Code: envelope.CodeInvalidMessage, Message: fmt.Sprintf("key %q: %v", k, err)}
		}
		delta.Set[k] = c
	}

	r.mu.Lock()
	st, ok := r.states[sessionID]
	if !ok {
		st = &replicaState{}
		r.states[sessionID] = st
	}
	switch {
	case d.Full:
		st.prev, st.snap = nil, applySnapshot(nil, delta)
	case d.Seq == st.seq+1 && st.seq > 0:
		st.prev, st.snap = st.snap, applySnapshot(st.snap, delta)
	case d.Seq == st.seq && st.prev != nil:
		st.snap = applySnapshot(st.prev, delta)
	default:
		have := st.seq
		r.mu.Unlock()
		return nil, &rpc.RemoteError{Code: envelope.CodeConflict, Message: fmt.Sprintf("sequence %d does not follow %d", d.Seq, have)}
	}
	st.seq = d.Seq
	r.mu.Unlock()

	r.events.Notify(Update{SessionID: sessionID, Seq: d.Seq, Keys: delta.Len()})
	return envelope.StateAck{Seq: d.Seq}, nil
}

// State returns the replicated state received from a session.
func (r *Replica) State(sessionID string) (State, uint64, bool) {
	r.mu.Lock()
	st, ok := r.states[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, 0, false
	}
	snap, seq := st.snap, st.seq
	r.mu.Unlock()
	s, err := snap.decode()
	if err != nil {
		return nil, 0, false
	}
	return s, seq, true
}

// Forget drops the state received from a session.
func (r *Replica) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.states, sessionID)
	r.mu.Unlock()
}

// Prune drops the state of every session not in live.
func (r *Replica) Prune(live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}
	r.mu.Lock()
	for id := range r.states {
		if _, ok := keep[id]; !ok {
			delete(r.states, id)
		}
	}
	r.mu.Unlock()
}

// Subscribe returns applied updates. Slow subscribers miss updates.
func (r *Replica) Subscribe() (<-chan Update, func()) {
	return r.events.Subscribe()
}
