package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangercam/matchmaker/internal/metrics"
	"github.com/strangercam/matchmaker/internal/pairing"
	"github.com/strangercam/matchmaker/internal/ratelimit"
	"github.com/strangercam/matchmaker/internal/session"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling socket.
//
// The read loop runs on the HTTP handler goroutine and is the only reader.
// Writes happen from the write loop and from fail/closeWith, serialized by
// writeMu.
type wsConn struct {
	id   pairing.ConnID
	ws   *websocket.Conn
	log  *slog.Logger
	disp *session.Dispatcher
	m    *metrics.Metrics

	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration
	limiter         *ratelimit.TokenBucket

	out  chan []byte
	done chan struct{}

	writeMu sync.Mutex

	slowOnce  sync.Once
	lostOnce  sync.Once
	closeOnce sync.Once
}

// enqueue queues a frame for the write loop. A full queue means the client is
// not reading; the socket is closed and the read loop reports channel loss.
func (c *wsConn) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- data:
	default:
		c.slowOnce.Do(func() {
			c.m.Inc(metrics.DropReasonSlowConsumer)
			c.log.Warn("closing slow signaling client", "queued", len(c.out))
			go func() {
				c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
				c.Close()
			}()
		})
	}
}

// run serves the socket until it closes, then reports channel loss exactly
// once.
func (c *wsConn) run() {
	defer c.Close()
	defer c.channelLost()

	go c.writeLoop()

	c.ws.SetReadLimit(c.maxMessageBytes)
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent close 1009.
				c.m.Inc(metrics.DropReasonTooLarge)
			case isTimeout(err):
				c.log.Debug("signaling client idle timeout")
			case !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.log.Debug("signaling read failed", "err", err)
			}
			return
		}
		c.extendReadDeadline()

		// The rate limit is applied after reading so that the close frame is
		// not lost to a TCP reset caused by unread data.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.m.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.m.Inc(metrics.DropReasonBadMessage)
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		ev, err := ParseClientMessage(data)
		if err != nil {
			c.m.Inc(metrics.DropReasonBadMessage)
			var protoErr *protocolError
			if !errors.As(err, &protoErr) {
				protoErr = badMessage("%v", err)
			}
			c.sendError(protoErr.Code, protoErr.Message)
			continue
		}
		c.disp.Handle(c.id, ev)
	}
}

func (c *wsConn) writeLoop() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.Close()
				return
			}
		case <-ping:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) sendError(code, message string) {
	data, err := encodeError(code, message)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// fail writes an error frame followed by a close frame, bypassing the queue.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	if data, err := encodeError(code, message); err == nil {
		_ = c.write(data)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *wsConn) channelLost() {
	c.lostOnce.Do(func() {
		c.disp.Disconnect(c.id)
	})
}

// Close tears down the socket. It is safe to call from any goroutine and more
// than once.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
