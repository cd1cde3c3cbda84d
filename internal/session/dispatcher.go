package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/strangercam/matchmaker/internal/metrics"
	"github.com/strangercam/matchmaker/internal/pairing"
)

var ErrDuplicateConnection = errors.New("connection id already registered")

type Config struct {
	Sender  Sender
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher is the single entry point for connection events. It owns the
// pairing engine and serializes every transition under one mutex; notification
// enqueues happen under the same mutex so each recipient observes notifications
// in the order the state changes were committed.
type Dispatcher struct {
	sender  Sender
	metrics *metrics.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	engine *pairing.Engine
	conns  map[pairing.ConnID]struct{}
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, errors.New("session: sender is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		sender:  cfg.Sender,
		metrics: cfg.Metrics,
		log:     logger,
		engine:  pairing.NewEngine(),
		conns:   make(map[pairing.ConnID]struct{}),
	}, nil
}

// Connect registers a newly established channel in the idle state.
func (d *Dispatcher) Connect(id pairing.ConnID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	d.conns[id] = struct{}{}
	d.metrics.Inc(metrics.ConnectionsOpened)
	d.log.Debug("connection registered", "conn", id)
	return nil
}

// Handle applies one event from id. Events from ids that are not registered
// (never connected, or already lost) are ignored.
func (d *Dispatcher) Handle(id pairing.ConnID, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[id]; !ok {
		return
	}

	switch ev := ev.(type) {
	case StartSearch:
		d.startSearchLocked(id)
	case EndSearch:
		d.endSearchLocked(id)
	case Next:
		d.nextLocked(id)
	case Relay:
		d.relayLocked(id, ev.Message)
	case ChannelLost:
		d.channelLostLocked(id)
	default:
		d.log.Warn("unhandled session event", "conn", id, "event", fmt.Sprintf("%T", ev))
	}
}

func (d *Dispatcher) StartSearch(id pairing.ConnID) { d.Handle(id, StartSearch{}) }

func (d *Dispatcher) EndSearch(id pairing.ConnID) { d.Handle(id, EndSearch{}) }

func (d *Dispatcher) Next(id pairing.ConnID) { d.Handle(id, Next{}) }

func (d *Dispatcher) Relay(id pairing.ConnID, m Message) { d.Handle(id, Relay{Message: m}) }

// Disconnect reports channel loss. Calling it more than once is harmless.
func (d *Dispatcher) Disconnect(id pairing.ConnID) { d.Handle(id, ChannelLost{}) }

func (d *Dispatcher) startSearchLocked(id pairing.ConnID) {
	if d.engine.State(id) != pairing.StateIdle {
		d.metrics.Inc(metrics.DuplicateIntentIgnored)
		return
	}
	d.metrics.Inc(metrics.SearchStarted)
	d.log.Debug("search started", "conn", id)
	d.announceLocked(d.engine.Enqueue(id))
}

func (d *Dispatcher) endSearchLocked(id pairing.ConnID) {
	switch d.engine.State(id) {
	case pairing.StateWaiting:
		d.engine.DequeueIfWaiting(id)
		d.metrics.Inc(metrics.SearchCancelled)
		d.log.Debug("search cancelled", "conn", id)
	case pairing.StatePaired:
		if partner, ok := d.engine.BreakPair(id); ok {
			d.metrics.Inc(metrics.PairsEnded)
			d.log.Debug("pair ended", "conn", id, "partner", partner)
			d.notifyPartnerGoneLocked(partner)
		}
	default:
		d.metrics.Inc(metrics.DuplicateIntentIgnored)
	}
}

func (d *Dispatcher) nextLocked(id pairing.ConnID) {
	if d.engine.State(id) != pairing.StatePaired {
		d.metrics.Inc(metrics.DuplicateIntentIgnored)
		return
	}
	former, hadPartner, formed := d.engine.RequeueAfterSkip(id)
	if hadPartner {
		d.metrics.Inc(metrics.Skips)
		d.metrics.Inc(metrics.PairsEnded)
		d.log.Debug("partner skipped", "conn", id, "partner", former)
		d.notifyPartnerGoneLocked(former)
	}
	d.announceLocked(formed)
}

func (d *Dispatcher) relayLocked(id pairing.ConnID, m Message) {
	partner, ok := d.engine.Partner(id)
	if !ok {
		d.metrics.Inc(metrics.RelayDroppedNoPartner)
		return
	}
	d.metrics.Inc(metrics.Relayed(string(m.Kind)))
	d.sender.Send(partner, Relayed{Message: m})
}

func (d *Dispatcher) channelLostLocked(id pairing.ConnID) {
	delete(d.conns, id)
	d.metrics.Inc(metrics.ConnectionsClosed)
	partner, ok := d.engine.RemoveEverywhere(id)
	if ok {
		d.metrics.Inc(metrics.PairsEnded)
		d.notifyPartnerGoneLocked(partner)
	}
	d.log.Debug("connection lost", "conn", id, "had_partner", ok)
}

func (d *Dispatcher) notifyPartnerGoneLocked(partner pairing.ConnID) {
	d.metrics.Inc(metrics.PartnerDisconnectedSent)
	d.sender.Send(partner, PartnerDisconnected{})
}

func (d *Dispatcher) announceLocked(formed []pairing.Pair) {
	for _, p := range formed {
		d.metrics.Inc(metrics.PairsFormed)
		d.log.Debug("pair formed", "initiator", p.A, "responder", p.B)
		d.sender.Send(p.A, Paired{Partner: p.B, Initiator: true})
		d.sender.Send(p.B, Paired{Partner: p.A, Initiator: false})
	}
}

// Stats is a point-in-time view of the matchmaking state.
type Stats struct {
	Connections int
	Waiting     int
	ActivePairs int
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Connections: len(d.conns),
		Waiting:     d.engine.WaitingLen(),
		ActivePairs: d.engine.PairCount(),
	}
}

// State reports id's matchmaking state. Unregistered ids report idle.
func (d *Dispatcher) State(id pairing.ConnID) pairing.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.State(id)
}

// Partner returns id's current partner, if any.
func (d *Dispatcher) Partner(id pairing.ConnID) (pairing.ConnID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.Partner(id)
}

// CheckInvariants verifies the engine invariants and that every queued or
// paired id is a registered connection.
func (d *Dispatcher) CheckInvariants() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.engine.CheckInvariants(); err != nil {
		return err
	}
	for _, id := range d.engine.Waiting() {
		if _, ok := d.conns[id]; !ok {
			return fmt.Errorf("session: waiting id %q is not connected", id)
		}
	}
	for id := range d.conns {
		if partner, ok := d.engine.Partner(id); ok {
			if _, ok := d.conns[partner]; !ok {
				return fmt.Errorf("session: %q paired with disconnected %q", id, partner)
			}
		}
	}
	return nil
}
