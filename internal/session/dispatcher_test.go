package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/strangercam/matchmaker/internal/metrics"
	"github.com/strangercam/matchmaker/internal/pairing"
)

type delivery struct {
	to pairing.ConnID
	n  Notification
}

type recordingSender struct {
	mu  sync.Mutex
	out []delivery
}

func (r *recordingSender) Send(to pairing.ConnID, n Notification) {
	r.mu.Lock()
	r.out = append(r.out, delivery{to: to, n: n})
	r.mu.Unlock()
}

// take returns and clears everything recorded so far.
func (r *recordingSender) take() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	r.out = nil
	return out
}

func (r *recordingSender) to(id pairing.ConnID) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, d := range r.out {
		if d.to == id {
			out = append(out, d.n)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, ids ...pairing.ConnID) (*Dispatcher, *recordingSender, *metrics.Metrics) {
	t.Helper()
	rec := &recordingSender{}
	m := metrics.New()
	d, err := NewDispatcher(Config{Sender: rec, Metrics: m})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	for _, id := range ids {
		if err := d.Connect(id); err != nil {
			t.Fatalf("Connect(%q): %v", id, err)
		}
	}
	return d, rec, m
}

func mustConsistent(t *testing.T, d *Dispatcher) {
	t.Helper()
	if err := d.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestNewDispatcher_RequiresSender(t *testing.T) {
	if _, err := NewDispatcher(Config{}); err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestConnect_Duplicate(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "a")
	err := d.Connect("a")
	if !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("err=%v, want ErrDuplicateConnection", err)
	}
}

func TestScenario_ThreeSearchThenFourth(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "1", "2", "3", "4")

	d.StartSearch("1")
	d.StartSearch("2")
	d.StartSearch("3")

	got := rec.take()
	want := []delivery{
		{to: "1", n: Paired{Partner: "2", Initiator: true}},
		{to: "2", n: Paired{Partner: "1", Initiator: false}},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications=%v, want %v", got, want)
	}
	if st := d.State("3"); st != pairing.StateWaiting {
		t.Fatalf("state(3)=%v, want waiting", st)
	}

	d.StartSearch("4")
	got = rec.take()
	want = []delivery{
		{to: "3", n: Paired{Partner: "4", Initiator: true}},
		{to: "4", n: Paired{Partner: "3", Initiator: false}},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications=%v, want %v", got, want)
	}
	if s := d.Stats(); s.Waiting != 0 || s.ActivePairs != 2 || s.Connections != 4 {
		t.Fatalf("stats=%+v", s)
	}
	if got := m.Get(metrics.PairsFormed); got != 2 {
		t.Fatalf("pairs_formed=%d, want 2", got)
	}
	mustConsistent(t, d)
}

func TestScenario_NextRequeuesSkipperOnly(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.StartSearch("2")
	rec.take()

	d.Next("1")

	got := rec.take()
	if len(got) != 1 || got[0].to != "2" {
		t.Fatalf("notifications=%v, want only partner-disconnected to 2", got)
	}
	if _, ok := got[0].n.(PartnerDisconnected); !ok {
		t.Fatalf("notification=%T, want PartnerDisconnected", got[0].n)
	}
	if st := d.State("1"); st != pairing.StateWaiting {
		t.Fatalf("state(1)=%v, want waiting", st)
	}
	if st := d.State("2"); st != pairing.StateIdle {
		t.Fatalf("state(2)=%v, want idle (not requeued)", st)
	}
	if got := m.Get(metrics.Skips); got != 1 {
		t.Fatalf("skips=%d, want 1", got)
	}
	mustConsistent(t, d)
}

func TestNext_MatchesSkipperWithWaitingPeer(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2", "3")
	d.StartSearch("1")
	d.StartSearch("2")
	d.StartSearch("3")
	rec.take()

	d.Next("1")

	got := rec.take()
	want := []delivery{
		{to: "2", n: PartnerDisconnected{}},
		{to: "3", n: Paired{Partner: "1", Initiator: true}},
		{to: "1", n: Paired{Partner: "3", Initiator: false}},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications=%v, want %v", got, want)
	}
	mustConsistent(t, d)
}

func TestEndSearch_WhileWaiting(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.EndSearch("1")
	if st := d.State("1"); st != pairing.StateIdle {
		t.Fatalf("state=%v, want idle", st)
	}
	d.StartSearch("2")
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected notifications %v", got)
	}
	if got := m.Get(metrics.SearchCancelled); got != 1 {
		t.Fatalf("search_cancelled=%d", got)
	}
	mustConsistent(t, d)
}

func TestEndSearch_WhilePairedNotifiesPartnerWithoutRequeue(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.StartSearch("2")
	rec.take()

	d.EndSearch("2")

	got := rec.take()
	if len(got) != 1 || got[0].to != "1" {
		t.Fatalf("notifications=%v", got)
	}
	if _, ok := got[0].n.(PartnerDisconnected); !ok {
		t.Fatalf("notification=%T", got[0].n)
	}
	for _, id := range []pairing.ConnID{"1", "2"} {
		if st := d.State(id); st != pairing.StateIdle {
			t.Fatalf("state(%s)=%v, want idle", id, st)
		}
	}
	mustConsistent(t, d)
}

func TestDuplicateIntentsAreNoops(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "1", "2", "3")

	d.EndSearch("1") // idle
	d.Next("1")      // idle
	d.StartSearch("1")
	d.StartSearch("1") // already waiting
	d.Next("1")        // waiting, not paired
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected notifications %v", got)
	}

	d.StartSearch("2")
	rec.take()
	d.StartSearch("1") // already paired
	d.StartSearch("3")
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected notifications %v", got)
	}
	if p, _ := d.Partner("1"); p != "2" {
		t.Fatalf("partner(1)=%q, want 2", p)
	}
	if got := m.Get(metrics.DuplicateIntentIgnored); got != 5 {
		t.Fatalf("duplicate_intent_ignored=%d, want 5", got)
	}
	mustConsistent(t, d)
}

func TestDisconnect_Idempotent(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.StartSearch("2")
	rec.take()

	d.Disconnect("1")
	d.Disconnect("1")
	d.EndSearch("1")

	got := rec.take()
	if len(got) != 1 {
		t.Fatalf("notifications=%v, want exactly one", got)
	}
	if got[0].to != "2" {
		t.Fatalf("notified %q, want 2", got[0].to)
	}
	if got := m.Get(metrics.ConnectionsClosed); got != 1 {
		t.Fatalf("connections_closed=%d, want 1", got)
	}
	if s := d.Stats(); s.Connections != 1 || s.ActivePairs != 0 {
		t.Fatalf("stats=%+v", s)
	}
	mustConsistent(t, d)
}

func TestDisconnect_WhileWaiting(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.Disconnect("1")
	d.StartSearch("2")
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected notifications %v", got)
	}
	if st := d.State("2"); st != pairing.StateWaiting {
		t.Fatalf("state(2)=%v, want waiting", st)
	}
	mustConsistent(t, d)
}

func TestEventsAfterDisconnectAreIgnored(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2")
	d.Disconnect("1")
	d.StartSearch("1")
	d.StartSearch("2")
	d.StartSearch("ghost")
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected notifications %v", got)
	}
	if s := d.Stats(); s.Waiting != 1 {
		t.Fatalf("waiting=%d, want 1", s.Waiting)
	}
	mustConsistent(t, d)
}

func TestRelay_DeliveredOnlyToCurrentPartner(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "x", "y", "z")
	d.StartSearch("x")
	d.StartSearch("y")
	d.StartSearch("z")
	rec.take()

	payload := json.RawMessage(`{"sdp":"v=0\r\n","type":"offer","extra":[1,2,3]}`)
	d.Relay("x", Message{Kind: KindOffer, Payload: payload})

	got := rec.take()
	if len(got) != 1 || got[0].to != "y" {
		t.Fatalf("deliveries=%v, want one to y", got)
	}
	relayed, ok := got[0].n.(Relayed)
	if !ok {
		t.Fatalf("notification=%T, want Relayed", got[0].n)
	}
	if relayed.Message.Kind != KindOffer || string(relayed.Message.Payload) != string(payload) {
		t.Fatalf("relayed=%+v, want verbatim offer", relayed.Message)
	}
	if got := m.Get(metrics.Relayed(string(KindOffer))); got != 1 {
		t.Fatalf("relayed_offer=%d", got)
	}
}

func TestRelay_DroppedWithoutPartner(t *testing.T) {
	d, rec, m := newTestDispatcher(t, "x", "y")
	d.Relay("x", Message{Kind: KindChat, Payload: json.RawMessage(`"hi"`)})

	d.StartSearch("x")
	d.StartSearch("y")
	d.Next("x")
	rec.take()

	// y is idle now; its stale partner must not receive anything.
	d.Relay("y", Message{Kind: KindCandidate, Payload: json.RawMessage(`{}`)})
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("unexpected deliveries %v", got)
	}
	if got := m.Get(metrics.RelayDroppedNoPartner); got != 2 {
		t.Fatalf("relay_dropped_no_partner=%d, want 2", got)
	}
}

func TestRelay_FollowsNewPartner(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2", "3")
	d.StartSearch("1")
	d.StartSearch("2")
	d.Next("1")
	d.StartSearch("3")
	rec.take()

	d.Relay("1", Message{Kind: KindChat, Payload: json.RawMessage(`"hello"`)})
	if got := rec.to("2"); len(got) != 0 {
		t.Fatalf("former partner received %v", got)
	}
	if got := rec.to("3"); len(got) != 1 {
		t.Fatalf("new partner received %v, want one message", got)
	}
}

func TestRelay_MalformedPayloadPassesThrough(t *testing.T) {
	d, rec, _ := newTestDispatcher(t, "1", "2")
	d.StartSearch("1")
	d.StartSearch("2")
	rec.take()

	for _, p := range []json.RawMessage{nil, json.RawMessage(`null`), json.RawMessage(`42`), json.RawMessage(`{"candidate":`)} {
		d.Relay("2", Message{Kind: KindCandidate, Payload: p})
	}
	if got := rec.to("1"); len(got) != 4 {
		t.Fatalf("delivered %d messages, want 4", len(got))
	}
}

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindChat, KindOffer, KindAnswer, KindCandidate} {
		if !k.Valid() {
			t.Fatalf("%q should be valid", k)
		}
	}
	if Kind("bogus").Valid() {
		t.Fatalf("bogus kind reported valid")
	}
}

// Random interleavings of every event from many goroutines, including racing
// double disconnects, must leave the dispatcher consistent.
func TestConcurrentEvents_KeepInvariants(t *testing.T) {
	const (
		workers = 16
		steps   = 2000
	)
	rec := &recordingSender{}
	d, err := NewDispatcher(Config{Sender: rec})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			gen := 0
			id := pairing.ConnID(fmt.Sprintf("w%d-%d", w, gen))
			_ = d.Connect(id)
			for i := 0; i < steps; i++ {
				switch rng.Intn(6) {
				case 0, 1:
					d.StartSearch(id)
				case 2:
					d.EndSearch(id)
				case 3:
					d.Next(id)
				case 4:
					d.Relay(id, Message{Kind: KindChat, Payload: json.RawMessage(`"x"`)})
				case 5:
					d.Disconnect(id)
					d.Disconnect(id)
					gen++
					id = pairing.ConnID(fmt.Sprintf("w%d-%d", w, gen))
					_ = d.Connect(id)
				}
			}
		}(w)
	}
	wg.Wait()
	mustConsistent(t, d)

	// Every Paired notification names a partner that received the mirror
	// notification.
	paired := make(map[pairing.ConnID][]pairing.ConnID)
	for _, dl := range rec.take() {
		if p, ok := dl.n.(Paired); ok {
			paired[dl.to] = append(paired[dl.to], p.Partner)
		}
	}
	for id, partners := range paired {
		for _, p := range partners {
			found := false
			for _, back := range paired[p] {
				if back == id {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("%q was told it paired with %q but not vice versa", id, p)
			}
		}
	}
}
