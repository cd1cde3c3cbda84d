package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/strangercam/matchmaker/internal/signaling"
)

const (
	writeWait      = 1 * time.Second
	welcomeTimeout = 10 * time.Second

	// DataChannelLabel names the channel the initiator opens once connected.
	DataChannelLabel = "chat"
)

var ErrClosed = errors.New("peerclient: closed")

type State int

const (
	StateIdle State = iota
	StateSearching
	StatePaired
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StatePaired:
		return "paired"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	// API builds PeerConnections. Nil uses webrtc.NewAPI().
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Dialer *websocket.Dialer
	// Header is sent with the WebSocket handshake (e.g. Origin).
	Header http.Header

	Logger *slog.Logger

	// Callbacks run on the client's read goroutine, except OnDataChannel on the
	// responder side which pion invokes on its own goroutine.
	OnStateChange         func(State)
	OnPaired              func(partnerID string, initiator bool)
	OnPartnerDisconnected func()
	OnChat                func(text string)
	OnDataChannel         func(*webrtc.DataChannel)
}

// Client is one participant. Methods are safe for concurrent use.
type Client struct {
	cfg Config
	api *webrtc.API
	ws  *websocket.Conn
	log *slog.Logger
	id  string

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	partner string
	peer    *peer

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// peer is the PeerConnection for one pairing. pending is only touched by the
// read goroutine.
type peer struct {
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
}

// Dial connects to the signaling endpoint at url and waits for the server's
// welcome frame.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	id, err := readWelcome(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}

	c := &Client{
		cfg:  cfg,
		api:  api,
		ws:   ws,
		log:  log.With("client", id),
		id:   id,
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func readWelcome(ctx context.Context, ws *websocket.Conn) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(welcomeTimeout)
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode welcome: %w", err)
	}
	if env.Type != signaling.MessageTypeWelcome {
		return "", fmt.Errorf("expected %q frame, got %q", signaling.MessageTypeWelcome, env.Type)
	}
	var welcome signaling.WelcomePayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil || welcome.ID == "" {
		return "", fmt.Errorf("invalid welcome payload %s", env.Payload)
	}
	return welcome.ID, nil
}

// ID is the connection id the server assigned.
func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Partner is the current partner's id, or "" when not paired.
func (c *Client) Partner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// PeerConnection returns the current pairing's PeerConnection, if any.
func (c *Client) PeerConnection() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer.pc
}

// Done is closed when the signaling socket has gone away.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client ended. It is nil until Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) StartSearch() error {
	c.transition(func(s State) (State, bool) { return StateSearching, s == StateIdle })
	return c.send(signaling.MessageTypeStartSearch, nil)
}

func (c *Client) EndSearch() error {
	c.closePeer()
	c.transition(func(s State) (State, bool) { return StateIdle, s == StateSearching || s == StatePaired })
	return c.send(signaling.MessageTypeEndSearch, nil)
}

// Next leaves the current partner and rejoins the queue. It is a no-op on the
// server unless paired.
func (c *Client) Next() error {
	if c.closePeer() {
		c.transition(func(s State) (State, bool) { return StateSearching, s == StatePaired })
	}
	return c.send(signaling.MessageTypeNext, nil)
}

func (c *Client) SendChat(text string) error {
	return c.send(signaling.MessageTypeChat, text)
}

// Close hangs up the PeerConnection and the signaling socket and waits for
// the read goroutine to exit. It must not be called from a callback.
func (c *Client) Close() error {
	c.closePeer()
	c.transition(func(s State) (State, bool) { return StateEnded, s != StateEnded })

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) send(t signaling.MessageType, payload any) error {
	env := signaling.Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// transition applies next under the lock and reports the change to
// OnStateChange outside of it.
func (c *Client) transition(next func(State) (State, bool)) {
	c.mu.Lock()
	to, ok := next(c.state)
	if ok && to != c.state {
		c.state = to
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(to)
	}
}

// closePeer tears down the current PeerConnection and reports whether there
// was one.
func (c *Client) closePeer() bool {
	c.mu.Lock()
	p := c.peer
	c.peer = nil
	c.partner = ""
	c.mu.Unlock()

	if p == nil {
		return false
	}
	if err := p.pc.Close(); err != nil {
		c.log.Debug("close peer connection", "err", err)
	}
	return true
}

func (c *Client) currentPeer() *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.closePeer()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() == StateEnded || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.errOnce.Do(func() { c.err = err })
			c.transition(func(s State) (State, bool) { return StateEnded, s != StateEnded })
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("ignoring undecodable frame", "err", err)
			continue
		}
		if err := c.handle(env); err != nil {
			c.log.Warn("signaling message failed", "type", env.Type, "err", err)
		}
	}
}

func (c *Client) handle(env signaling.Envelope) error {
	switch env.Type {
	case signaling.MessageTypePaired:
		var p signaling.PairedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return c.onPaired(p)

	case signaling.MessageTypePartnerDisconnected:
		c.closePeer()
		c.transition(func(s State) (State, bool) { return StateIdle, s != StateEnded })
		if c.cfg.OnPartnerDisconnected != nil {
			c.cfg.OnPartnerDisconnected()
		}
		return nil

	case signaling.MessageTypeChat:
		var text string
		if err := json.Unmarshal(env.Payload, &text); err != nil {
			text = string(env.Payload)
		}
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(text)
		}
		return nil

	case signaling.MessageTypeOffer:
		return c.onOffer(env.Payload)
	case signaling.MessageTypeAnswer:
		return c.onAnswer(env.Payload)
	case signaling.MessageTypeCandidate:
		return c.onCandidate(env.Payload)

	case signaling.MessageTypeError:
		var e signaling.ErrorPayload
		_ = json.Unmarshal(env.Payload, &e)
		c.log.Warn("server reported error", "code", e.Code, "message", e.Message)
		return nil

	default:
		c.log.Debug("ignoring frame", "type", env.Type)
		return nil
	}
}

func (c *Client) onPaired(p signaling.PairedPayload) error {
	// A pairing that races with EndSearch or Close has already been broken by
	// the server when it processed our request.
	if s := c.State(); s == StateIdle || s == StateEnded {
		c.log.Debug("ignoring stale pairing", "partner", p.PartnerID)
		return nil
	}
	c.closePeer()

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	pr := &peer{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.currentPeer() != pr {
			return
		}
		if err := c.send(signaling.MessageTypeCandidate, cand.ToJSON()); err != nil {
			c.log.Debug("send candidate", "err", err)
		}
	})
	if !p.Initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if c.cfg.OnDataChannel != nil {
				c.cfg.OnDataChannel(dc)
			}
		})
	}

	c.mu.Lock()
	c.peer = pr
	c.partner = p.PartnerID
	c.mu.Unlock()
	c.transition(func(State) (State, bool) { return StatePaired, true })

	if c.cfg.OnPaired != nil {
		c.cfg.OnPaired(p.PartnerID, p.Initiator)
	}
	if !p.Initiator {
		return nil
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	if c.cfg.OnDataChannel != nil {
		c.cfg.OnDataChannel(dc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return c.send(signaling.MessageTypeOffer, offer)
}

func (c *Client) onOffer(payload json.RawMessage) error {
	pr := c.currentPeer()
	if pr == nil {
		return nil
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := pr.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.flushCandidates(pr)

	answer, err := pr.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pr.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return c.send(signaling.MessageTypeAnswer, answer)
}

func (c *Client) onAnswer(payload json.RawMessage) error {
	pr := c.currentPeer()
	if pr == nil {
		return nil
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := pr.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.flushCandidates(pr)
	return nil
}

// onCandidate applies a remote candidate, holding it back until the remote
// description is known.
func (c *Client) onCandidate(payload json.RawMessage) error {
	pr := c.currentPeer()
	if pr == nil {
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if pr.pc.RemoteDescription() == nil {
		pr.pending = append(pr.pending, cand)
		return nil
	}
	return pr.pc.AddICECandidate(cand)
}

func (c *Client) flushCandidates(pr *peer) {
	for _, cand := range pr.pending {
		if err := pr.pc.AddICECandidate(cand); err != nil {
			c.log.Debug("add buffered candidate", "err", err)
		}
	}
	pr.pending = nil
}
