package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/sync/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	rateLimit      = 240
	rateWindow     = 10 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected device.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan *protocol.Envelope
	hub       *hub
	sessionID string
	stamps    []time.Time
}

// hub tracks connected devices and fans server deltas out to everyone
// except the device that caused them.
type hub struct {
	authority *authority
	token     string
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func newHub(authority *authority, token string, logger zerolog.Logger) *hub {
	return &hub{
		authority: authority,
		token:     token,
		logger:    logger,
		clients:   make(map[string]*client),
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client", c.id).Int("total", n).Msg("device connected")
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client", c.id).Int("total", n).Msg("device disconnected")
}

// broadcastDelta sends changed server state to every device but the
// originator.
func (h *hub) broadcastDelta(origin *client, records []protocol.RecordState) {
	if len(records) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c == origin {
			continue
		}
		delta := protocol.ServerDelta{SessionID: c.sessionID, Records: records}
		env, err := protocol.Encode(protocol.TypeServerDelta, c.sessionID, delta, time.Now().Unix())
		if err != nil {
			continue
		}
		select {
		case c.send <- env:
		default:
			h.logger.Warn().Str("client", c.id).Msg("send buffer full, dropping delta")
		}
	}
}

// handleWebSocket upgrades the connection and runs the pumps.
func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
		conn: conn,
		send: make(chan *protocol.Envelope, sendBufferSize),
		hub:  h,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// allowMessage enforces the per-client inbound rate cap.
func (c *client) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateWindow)
	keep := c.stamps[:0]
	for _, ts := range c.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	c.stamps = keep
	if len(c.stamps) >= rateLimit {
		return false
	}
	c.stamps = append(c.stamps, now)
	return true
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.allowMessage(time.Now()) {
			c.reply(protocol.TypeError, protocol.ErrorNotice{
				Code:    protocol.ErrorCodeRateLimited,
				Message: "message rate cap exceeded",
			})
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.ErrorCodeRateLimited),
				time.Now().Add(writeWait))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("malformed frame")
			continue
		}
		if done := c.handle(&env); done {
			return
		}
	}
}

// handle processes one inbound envelope. Returns true when the session
// should end.
func (c *client) handle(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeStartSync:
		var start protocol.StartSync
		if err := env.DecodeData(&start); err != nil {
			c.hub.logger.Warn().Err(err).Msg("malformed start_sync")
			return true
		}
		ack := protocol.StartSyncAck{SessionID: start.SessionID, Accepted: true}
		if c.hub.token != "" && start.Credential != c.hub.token {
			ack.Accepted = false
			ack.Reason = protocol.ErrorCodeAuth
		}
		// broadcastDelta reads sessionID under the hub lock.
		c.hub.mu.Lock()
		c.sessionID = start.SessionID
		c.hub.mu.Unlock()
		c.reply(protocol.TypeStartSyncAck, ack)
		if !ack.Accepted {
			return true
		}
		c.hub.logger.Info().
			Str("session_id", start.SessionID).
			Str("device_id", start.DeviceID).
			Int("declared", start.DeclaredItemCount).
			Msg("session started")

		// Stream current server state so a fresh device catches up.
		if records := c.hub.authority.snapshot(); len(records) > 0 {
			c.reply(protocol.TypeServerDelta, protocol.ServerDelta{
				SessionID: c.sessionID,
				Records:   records,
			})
		}

	case protocol.TypeDataBatch:
		var batch protocol.DataBatch
		if err := env.DecodeData(&batch); err != nil {
			c.hub.logger.Warn().Err(err).Msg("malformed data_batch")
			return true
		}
		ack := protocol.BatchAck{SessionID: batch.SessionID, BatchNo: batch.BatchNo}
		var deltas []protocol.RecordState
		for _, op := range batch.Operations {
			res, delta := c.hub.authority.apply(op)
			ack.Results = append(ack.Results, res)
			if delta != nil {
				deltas = append(deltas, *delta)
			}
		}
		c.reply(protocol.TypeBatchAck, ack)
		c.hub.broadcastDelta(c, deltas)

	case protocol.TypeHeartbeat:
		c.reply(protocol.TypeHeartbeatAck, nil)

	case protocol.TypeHeartbeatAck:
		// Answer to our own heartbeat; nothing to do.

	case protocol.TypeGoodbye:
		return true

	default:
		c.hub.logger.Warn().Str("type", string(env.Type)).Msg("ignoring unknown message type")
	}
	return false
}

func (c *client) reply(t protocol.MessageType, payload interface{}) {
	env, err := protocol.Encode(t, c.sessionID, payload, time.Now().Unix())
	if err != nil {
		c.hub.logger.Error().Err(err).Msg("failed to encode reply")
		return
	}
	select {
	case c.send <- env:
	default:
		c.hub.logger.Warn().Str("client", c.id).Msg("send buffer full, dropping reply")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serve runs the HTTP server until the context ends.
func serve(ctx context.Context, addr string, h *hub, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", h.handleWebSocket)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fieldsync-server"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info().Str("addr", addr).Msg("sync server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
