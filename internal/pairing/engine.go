package pairing

import (
	"container/list"
	"fmt"
)

// ConnID identifies a single live client channel. Values are opaque to the
// engine; the transport assigns them.
type ConnID string

// State is the matchmaking state of a connection as seen by the engine.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pair is a newly formed match. A was dequeued first and is the conventional
// offer initiator.
type Pair struct {
	A ConnID
	B ConnID
}

// Engine owns the waiting queue and the active-pair table.
//
// Engine is not safe for concurrent use. Every method mutates or reads shared
// state and must be serialized by the caller; session.Dispatcher does this with
// a single mutex so that a whole event transition is atomic.
//
// All operations are total: unknown, already removed or otherwise stale ids are
// no-ops rather than errors, since teardown races between a closing channel and
// in-flight events are expected.
type Engine struct {
	// waiting is FIFO ordered (front = oldest). queued indexes it for O(1)
	// membership checks and removal.
	waiting *list.List
	queued  map[ConnID]*list.Element

	// partners holds both directed entries of every active pair.
	partners map[ConnID]ConnID
}

func NewEngine() *Engine {
	return &Engine{
		waiting:  list.New(),
		queued:   make(map[ConnID]*list.Element),
		partners: make(map[ConnID]ConnID),
	}
}

// Enqueue appends id to the back of the waiting queue if it is neither queued
// nor paired, then matches waiting connections. It returns the pairs formed,
// in formation order. A single call may form several unrelated pairs when the
// queue held a backlog.
func (e *Engine) Enqueue(id ConnID) []Pair {
	if _, ok := e.queued[id]; ok {
		return nil
	}
	if _, ok := e.partners[id]; ok {
		return nil
	}
	e.queued[id] = e.waiting.PushBack(id)
	return e.matchWaiting()
}

// DequeueIfWaiting removes id from the waiting queue and reports whether it
// was queued.
func (e *Engine) DequeueIfWaiting(id ConnID) bool {
	elem, ok := e.queued[id]
	if !ok {
		return false
	}
	e.waiting.Remove(elem)
	delete(e.queued, id)
	return true
}

// BreakPair dissolves the pair containing id and returns the former partner.
// It does not notify anyone.
func (e *Engine) BreakPair(id ConnID) (ConnID, bool) {
	partner, ok := e.partners[id]
	if !ok {
		return "", false
	}
	delete(e.partners, id)
	if e.partners[partner] == id {
		delete(e.partners, partner)
	}
	return partner, true
}

// RequeueAfterSkip breaks id's pair and puts id back into the waiting queue.
// The former partner is left idle; it must search again on its own.
func (e *Engine) RequeueAfterSkip(id ConnID) (former ConnID, hadPartner bool, formed []Pair) {
	former, hadPartner = e.BreakPair(id)
	formed = e.Enqueue(id)
	return former, hadPartner, formed
}

// RemoveEverywhere drops id from both the queue and the pair table. It is
// idempotent and returns the former partner, if any.
func (e *Engine) RemoveEverywhere(id ConnID) (ConnID, bool) {
	e.DequeueIfWaiting(id)
	return e.BreakPair(id)
}

func (e *Engine) matchWaiting() []Pair {
	var formed []Pair
	for e.waiting.Len() >= 2 {
		a := e.popFront()
		b := e.popFront()
		e.partners[a] = b
		e.partners[b] = a
		formed = append(formed, Pair{A: a, B: b})
	}
	return formed
}

func (e *Engine) popFront() ConnID {
	front := e.waiting.Front()
	id := e.waiting.Remove(front).(ConnID)
	delete(e.queued, id)
	return id
}

// Partner returns id's current partner.
func (e *Engine) Partner(id ConnID) (ConnID, bool) {
	partner, ok := e.partners[id]
	return partner, ok
}

func (e *Engine) State(id ConnID) State {
	if _, ok := e.partners[id]; ok {
		return StatePaired
	}
	if _, ok := e.queued[id]; ok {
		return StateWaiting
	}
	return StateIdle
}

// Waiting returns a snapshot of the waiting queue, oldest first.
func (e *Engine) Waiting() []ConnID {
	out := make([]ConnID, 0, e.waiting.Len())
	for elem := e.waiting.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(ConnID))
	}
	return out
}

func (e *Engine) WaitingLen() int { return e.waiting.Len() }

// PairCount returns the number of active (undirected) pairs.
func (e *Engine) PairCount() int { return len(e.partners) / 2 }

// CheckInvariants verifies pair symmetry, that no paired id is queued, and
// that the queue index matches the queue contents.
func (e *Engine) CheckInvariants() error {
	for a, b := range e.partners {
		if a == b {
			return fmt.Errorf("pairing: %q paired with itself", a)
		}
		if back, ok := e.partners[b]; !ok || back != a {
			return fmt.Errorf("pairing: asymmetric pair %q -> %q", a, b)
		}
		if _, ok := e.queued[a]; ok {
			return fmt.Errorf("pairing: paired id %q is also waiting", a)
		}
	}
	if len(e.queued) != e.waiting.Len() {
		return fmt.Errorf("pairing: queue index has %d entries, queue has %d", len(e.queued), e.waiting.Len())
	}
	seen := make(map[ConnID]struct{}, e.waiting.Len())
	for elem := e.waiting.Front(); elem != nil; elem = elem.Next() {
		id := elem.Value.(ConnID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("pairing: %q queued more than once", id)
		}
		seen[id] = struct{}{}
		if e.queued[id] != elem {
			return fmt.Errorf("pairing: queue index out of sync for %q", id)
		}
	}
	return nil
}
