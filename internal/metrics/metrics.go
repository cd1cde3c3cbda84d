package metrics

import "sync"

// Event names. Relay counters are suffixed with the relay kind, see Relayed.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	ConnectionsRejected = "connections_rejected"

	SearchStarted           = "search_started"
	SearchCancelled         = "search_cancelled"
	PairsFormed             = "pairs_formed"
	PairsEnded              = "pairs_ended"
	Skips                   = "skips"
	PartnerDisconnectedSent = "partner_disconnected_sent"
	DuplicateIntentIgnored  = "duplicate_intent_ignored"

	RelayDroppedNoPartner = "relay_dropped_no_partner"

	DropReasonRateLimited   = "rate_limited"
	DropReasonTooLarge      = "message_too_large"
	DropReasonBadMessage    = "bad_message"
	DropReasonSlowConsumer  = "slow_consumer"
	DropReasonOriginRefused = "origin_refused"
)

// Relayed returns the counter name for a relayed message of the given kind.
func Relayed(kind string) string { return "relayed_" + kind }

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards everything.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
