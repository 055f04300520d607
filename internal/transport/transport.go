// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
	"github.com/rapidaai/voice-client/pkg/utils"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake. A connection that
	// has not reached open by then is treated like any transport failure.
	DefaultConnectTimeout = 10 * time.Second

	maxMessageSize = 10 * 1024 * 1024 // 10MB max message size
)

// Option configures a Transport.
type Option func(*Transport)

// WithConnectTimeout overrides the handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) { t.connectTimeout = d }
}

// Transport owns the duplex websocket connection and its state machine:
//
//	Idle → Connecting → Open → Closing → Closed
//
// with Error reachable from Connecting or Open. Inbound notifications are
// emitted as typed events through the emit function supplied by the session
// coordinator; Transport never mutates session state itself.
type Transport struct {
	logger   commons.Logger
	endpoint string
	emit     func(types.Event)

	connectTimeout time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // separate mutex for write operations
	state   types.ConnectionState
	conn    *websocket.Conn

	// connecting guards against a second dial racing the first one's
	// completion. Checked and set independently of state.
	connecting bool
}

// New creates a Transport for the given endpoint. emit receives every inbound
// notification and state change; it must never block.
func New(logger commons.Logger, endpoint string, emit func(types.Event), opts ...Option) *Transport {
	t := &Transport{
		logger:         logger,
		endpoint:       endpoint,
		emit:           emit,
		connectTimeout: DefaultConnectTimeout,
		state:          types.ConnectionIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s types.ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.emit(types.ConnectionStateChanged{State: s})
}

// IsTimeout reports whether a Connect error was a handshake timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Connect dials the server, carrying the stream identifier and language as
// query parameters. Valid when no connection is live; at most one attempt may
// be in flight at a time, enforced by the connecting flag rather than state
// alone.
func (t *Transport) Connect(ctx context.Context, sessionID, language string) error {
	t.mu.Lock()
	if t.connecting {
		t.state = types.ConnectionError
		t.mu.Unlock()
		t.emit(types.ConnectionStateChanged{State: types.ConnectionError})
		return fmt.Errorf("connection attempt already in flight")
	}
	switch t.state {
	case types.ConnectionConnecting, types.ConnectionOpen, types.ConnectionClosing:
		t.mu.Unlock()
		return fmt.Errorf("connect is not valid from state %s", t.state)
	}
	t.connecting = true
	t.state = types.ConnectionConnecting
	t.mu.Unlock()
	t.emit(types.ConnectionStateChanged{State: types.ConnectionConnecting})

	wsURL, err := url.Parse(t.endpoint)
	if err != nil {
		t.failConnect()
		return fmt.Errorf("failed to parse endpoint: %w", err)
	}
	query := wsURL.Query()
	query.Set("streamSid", sessionID)
	query.Set("language", language)
	wsURL.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.connectTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, wsURL.String(), nil)
	if err != nil {
		t.failConnect()
		return fmt.Errorf("failed to connect to %s: %w", wsURL.Host, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(appData string) error {
		t.logger.Debugf("Received pong from conversation server")
		return nil
	})

	t.mu.Lock()
	if t.state != types.ConnectionConnecting {
		// Close raced the dial; the session is already tearing down.
		t.connecting = false
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connection cancelled during dial")
	}
	t.conn = conn
	t.connecting = false
	t.state = types.ConnectionOpen
	t.mu.Unlock()
	t.emit(types.ConnectionStateChanged{State: types.ConnectionOpen})

	utils.Go(ctx, func() { t.readLoop(conn) })
	return nil
}

func (t *Transport) failConnect() {
	t.mu.Lock()
	t.connecting = false
	t.state = types.ConnectionError
	t.mu.Unlock()
	t.emit(types.ConnectionStateChanged{State: types.ConnectionError})
}

// Send forwards one captured chunk. Outside the open state the chunk is
// dropped with a warning — transient mid-teardown sends must never error.
func (t *Transport) Send(chunk types.OutboundChunk) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == types.ConnectionOpen
	t.mu.Unlock()

	if !open || conn == nil {
		t.logger.Warnw("Transport not open, dropping outbound chunk",
			"session", chunk.SessionID, "state", t.State().String())
		return nil
	}

	data, err := json.Marshal(outboundMessage{
		Start: outboundStart{StreamSid: chunk.SessionID},
		Media: outboundMedia{Payload: chunk.Payload},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal outbound chunk: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent and valid from any state; from
// idle or closed it is a no-op. A local close is always the clean variant
// (code 1000); the read loop never classifies it as a failure.
func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	switch t.state {
	case types.ConnectionIdle, types.ConnectionClosed:
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.conn = nil
	t.connecting = false
	t.state = types.ConnectionClosing
	t.mu.Unlock()
	t.emit(types.ConnectionStateChanged{State: types.ConnectionClosing})

	if conn != nil {
		t.writeMu.Lock()
		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		if err != nil {
			t.logger.Debugw("Failed to send close message", "error", err)
		}
		if err := conn.Close(); err != nil {
			t.logger.Debugw("Failed to close connection", "error", err)
		}
	}

	t.setState(types.ConnectionClosed)
	return nil
}

// readLoop reads inbound messages until the connection terminates, then
// classifies the termination: a 1000 close is clean, everything else is a
// connection failure.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			localClose := t.state == types.ConnectionClosing || t.state == types.ConnectionClosed
			t.mu.Unlock()
			if localClose {
				t.logger.Debugf("Read loop exiting after local close")
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Infow("Server closed the connection cleanly")
				t.setState(types.ConnectionClosed)
				return
			}
			t.setState(types.ConnectionError)
			t.emit(types.TransportFailure{
				Reason: "connection closed unexpectedly",
				Err:    err,
			})
			return
		}
		t.dispatch(message)
	}
}

// dispatch routes one inbound message. Bodies that fail to parse as JSON are
// plain diagnostic lines, not errors; well-formed but unrecognized messages
// are logged, never silently dropped.
func (t *Transport) dispatch(raw []byte) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		t.emit(types.RemoteLog{Severity: types.SeverityInfo, Message: string(raw)})
		return
	}

	switch {
	case in.Event == "media" && in.Media != nil:
		t.emit(types.MediaFrame{Seq: in.Media.Seq, Payload: in.Media.Payload})

	case in.Type == "log":
		t.emit(types.RemoteLog{Severity: types.SeverityInfo, Message: in.Message})

	case in.Type == "playback" && in.Play != nil && !*in.Play:
		t.emit(types.StopPlayback{})

	case in.Type == "end_call":
		t.emit(types.EndCall{})

	default:
		t.logger.Warnw("Unrecognized server message", "body", string(raw))
	}
}
