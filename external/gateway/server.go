// Package gateway hosts the websocket endpoint clients stream audio through.
// Control events are JSON text frames; audio arrives as binary frames or as
// base64 audioFrame events.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/eumlab/speechbridge/internal/gateway"
	"github.com/eumlab/speechbridge/internal/session"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 54 * time.Second
	maxFrameBytes = 512 * 1024
)

// SessionHandler is the slice of the session manager the websocket server
// needs. *session.Manager satisfies it.
type SessionHandler interface {
	StartSession(sessionID string, req session.StartRequest, sender gateway.EventSender) error
	HandleAudioFrame(sessionID string, frame []byte) error
	StopSession(sessionID, reason string) bool
	HandleDisconnect(sessionID string)
}

type Server struct {
	sessions SessionHandler
	upgrader websocket.Upgrader
}

func NewServer(sessions SessionHandler) *Server {
	return &Server{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Origins are enforced at the edge proxy, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and runs the connection's read loop until the
// socket closes. The connection id doubles as the session id.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &connection{
		sessionID: xid.New().String(),
		conn:      conn,
		sessions:  s.sessions,
		done:      make(chan struct{}),
	}
	c.run()
}

// connection owns one websocket. SendEvent is called from session goroutines
// while the read loop runs, so writes go through writeMu. sessionTarget is
// only touched from the read loop.
type connection struct {
	sessionID     string
	sessionTarget string
	conn          *websocket.Conn
	sessions      SessionHandler

	writeMu sync.Mutex
	done    chan struct{}
}

// SendEvent implements gateway.EventSender.
func (c *connection) SendEvent(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *connection) run() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
		c.sessions.HandleDisconnect(c.sessionID)
	}()
	slog.Info("client connected", "session_id", c.sessionID, "remote_addr", c.conn.RemoteAddr().String())

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.pingLoop()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("client connection error", "session_id", c.sessionID, "error", err)
			} else {
				slog.Info("client disconnected", "session_id", c.sessionID)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.handleAudio(payload)
		case websocket.TextMessage:
			c.handleControl(payload)
		}
	}
}

func (c *connection) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) handleControl(payload []byte) {
	var event gateway.ClientEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("malformed control event", "session_id", c.sessionID, "error", err)
		c.sendError(fmt.Errorf("parse control event: %w", err))
		return
	}

	switch event.Event {
	case gateway.ClientEventStart:
		c.handleStart(event)
	case gateway.ClientEventStop:
		// The manager acks a running session through finalization; only a
		// stop with nothing to stop is acked here so the client can treat
		// stop as idempotent.
		if !c.sessions.StopSession(c.sessionID, session.StopReasonClient) {
			if err := c.SendEvent(gateway.NewStoppedEvent(c.sessionTarget, session.StopReasonClient)); err != nil {
				slog.Debug("failed to ack stop", "session_id", c.sessionID, "error", err)
			}
		}
	case gateway.ClientEventAudioFrame:
		c.handleAudio(event.Bytes)
	default:
		slog.Warn("unknown client event", "session_id", c.sessionID, "event", event.Event)
	}
}

func (c *connection) handleStart(event gateway.ClientEvent) {
	c.sessionTarget = event.SessionTargetID
	req := session.StartRequest{
		SessionTargetID:    event.SessionTargetID,
		LanguageCode:       event.LanguageCode,
		TargetLanguageCode: event.TargetLanguageCode,
		SampleRateHz:       event.SampleRate,
		AudioFormat:        event.AudioFormat,
	}
	if err := c.sessions.StartSession(c.sessionID, req, c); err != nil {
		slog.Warn("session start rejected", "session_id", c.sessionID, "error", err)
		c.sendError(err)
	}
}

func (c *connection) handleAudio(frame []byte) {
	err := c.sessions.HandleAudioFrame(c.sessionID, frame)
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		// Audio racing ahead of start or trailing a stop is dropped quietly.
		return
	}
	c.sendError(err)
}

func (c *connection) sendError(err error) {
	event := gateway.NewTranscriptionErrorEvent(c.sessionTarget, err)
	if errors.Is(err, session.ErrSessionNotFound) {
		event.Error.Code = gateway.CodeSessionNotFound
	}
	if sendErr := c.SendEvent(event); sendErr != nil {
		slog.Debug("failed to send error event", "session_id", c.sessionID, "error", sendErr)
	}
}
