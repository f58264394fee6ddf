// Package transport provides the websocket channel the sync session
// runs over: dialing, JSON framing, keepalive, and an outbound message
// rate cap. The channel is dumb on purpose; session semantics live in
// internal/sync/session.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/sync/protocol"
)

// Config holds channel tuning knobs.
type Config struct {
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration
	// PongWait is the read deadline window; any inbound traffic or pong
	// extends it.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	// RateLimit is the maximum number of outbound messages allowed in
	// one RateWindow. Zero disables the cap.
	RateLimit int
	// RateWindow is the rolling window the cap is measured over.
	RateWindow time.Duration
	// ReceiveBuffer is the capacity of the Receive channel.
	ReceiveBuffer int
}

// DefaultConfig returns the standard channel configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     30 * time.Second,
		RateLimit:        120,
		RateWindow:       10 * time.Second,
		ReceiveBuffer:    64,
	}
}

// Channel is a framed, rate-capped websocket connection. All methods
// are safe for concurrent use. After the channel closes for any reason,
// Receive is closed and Err reports the cause (nil on clean close).
type Channel struct {
	conn   *websocket.Conn
	config Config
	logger zerolog.Logger

	recv    chan *protocol.Envelope
	done    chan struct{}
	writeMu sync.Mutex

	limiter *rateWindow

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the sync endpoint. The credential travels as a
// bearer token on the handshake request. A 401/403 handshake response
// maps to ErrAuthExpired; other handshake failures are transient.
func Dial(ctx context.Context, url, credential string, config Config, logger zerolog.Logger) (*Channel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Wrap(apperrors.ErrAuthExpired, "sync endpoint rejected credential", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to dial sync endpoint", err)
	}

	ch := &Channel{
		conn:    conn,
		config:  config,
		logger:  logger,
		recv:    make(chan *protocol.Envelope, config.ReceiveBuffer),
		done:    make(chan struct{}),
		limiter: newRateWindow(config.RateLimit, config.RateWindow),
	}

	go ch.readPump()
	go ch.pingLoop()
	return ch, nil
}

// Send frames one envelope onto the wire. Exceeding the rate cap is
// fatal to the channel, not a throttle: the channel closes and the
// error carries ErrRateLimited.
func (c *Channel) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-c.done:
		return apperrors.Wrap(apperrors.ErrSessionClosed, "send on closed channel", c.Err())
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.ErrTimeout, "send cancelled", ctx.Err())
	default:
	}

	if !c.limiter.allow(time.Now()) {
		err := apperrors.New(apperrors.ErrRateLimited, "outbound message rate cap exceeded")
		c.fail(err, websocket.ClosePolicyViolation, protocol.ErrorCodeRateLimited)
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode envelope", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		werr := apperrors.Wrap(apperrors.ErrTransientNetwork, "websocket write failed", err)
		c.fail(werr, 0, "")
		return werr
	}
	return nil
}

// Receive returns the inbound envelope stream. The channel is closed
// when the connection ends; check Err for the cause.
func (c *Channel) Receive() <-chan *protocol.Envelope {
	return c.recv
}

// Done is closed when the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel closed. Nil means a clean close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close performs a clean websocket close handshake.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		close(c.done)
	})
	return nil
}

// fail records the terminal error and tears the connection down. When
// closeCode is non-zero a close frame with the given reason is sent
// first so the peer learns why.
func (c *Channel) fail(err error, closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		if closeCode != 0 {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, reason))
			c.writeMu.Unlock()
		}
		c.conn.Close()
		close(c.done)

		c.logger.Debug().Err(err).Msg("channel closed")
	})
}

// readPump decodes inbound frames until the connection ends. Any
// inbound traffic extends the read deadline alongside pongs.
func (c *Channel) readPump() {
	defer close(c.recv)

	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(classifyReadError(err), 0, "")
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		select {
		case c.recv <- &env:
		case <-c.done:
			return
		}
	}
}

// pingLoop keeps the websocket-level keepalive going. The application
// heartbeat rides on top as protocol messages; this guards the raw
// connection.
func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.fail(apperrors.Wrap(apperrors.ErrTransientNetwork, "keepalive ping failed", err), 0, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// classifyReadError maps a websocket read failure to an engine error.
func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.ClosePolicyViolation {
		if ce.Text == protocol.ErrorCodeRateLimited {
			return apperrors.Wrap(apperrors.ErrRateLimited, "peer closed channel for rate violation", err)
		}
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return apperrors.Wrap(apperrors.ErrHeartbeatLost, "read deadline expired", err)
	}
	return apperrors.Wrap(apperrors.ErrTransientNetwork, "websocket read failed", err)
}
