// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package types

import (
	"context"
	"time"
)

// ConnectionState is the transport-level connection lifecycle.
type ConnectionState int32

const (
	ConnectionIdle ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
	ConnectionClosing
	ConnectionClosed
	ConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionIdle:
		return "idle"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	case ConnectionClosing:
		return "closing"
	case ConnectionClosed:
		return "closed"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// Severity of a log trail entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Origin of a log trail entry.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// LogEntry is one line of the per-session log trail. It is also emitted as an
// Event so the consuming layer can render a live log view.
type LogEntry struct {
	Time     time.Time
	Severity Severity
	Origin   Origin
	Message  string
}

// Session is one conversation attempt. Owned by the session coordinator and
// destroyed when teardown completes.
type Session struct {
	ID        string
	Language  string
	CreatedAt time.Time
}

// OutboundChunk is a fixed-duration slice of locally captured audio, already
// encoded for the wire (base64 µ-law). Consumed by the transport, not retained
// after send.
type OutboundChunk struct {
	SessionID string
	Payload   string
}

// Artifact is the sealed, archival recording of an entire session: one WAV
// containing the microphone signal mixed with every played-back frame, the
// frozen session duration, and the ordered log trail. Immutable once sealed.
type Artifact struct {
	WAV      []byte
	Duration time.Duration
	Logs     []LogEntry

	// Err tags the artifact with the failure description when the session
	// ended on the failure path. Empty for a clean stop.
	Err string
}

// Source abstracts the microphone: a blocking PCM reader whose handle is
// acquired by Start and released by Close. A closed source cannot be reopened.
type Source interface {
	Start(ctx context.Context) error
	Read(p []byte) (int, error)
	Close() error
}

// Player sounds one decoded payload through the output device. Play blocks
// until the payload has finished sounding or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// Transport owns the duplex connection to the conversation server.
type Transport interface {
	// Connect dials the server for the given session. Valid whenever no
	// connection is live — idle, closed, or after an error — so one
	// Transport instance can serve consecutive sessions. At most one
	// attempt may be in flight.
	Connect(ctx context.Context, sessionID, language string) error
	// Send forwards one captured chunk. Outside the open state the chunk is
	// dropped with a warning, never an error.
	Send(chunk OutboundChunk) error
	// Close tears the connection down. Idempotent, valid from any state.
	Close(reason string) error
	State() ConnectionState
}

// Packet is any unit of audio handed to the recorder.
type Packet interface{}

// UserAudioPacket carries raw microphone PCM.
type UserAudioPacket struct {
	Audio []byte
}

// PlaybackAudioPacket carries decoded server audio at the moment it starts
// sounding. The whole payload is recorded even when playback is interrupted
// part-way through.
type PlaybackAudioPacket struct {
	Audio []byte
}

// Recorder accumulates both sides of the conversation and seals them into a
// single Artifact at teardown.
type Recorder interface {
	// Start begins the recording timeline. All subsequent Record calls are
	// placed on a wall-clock timeline relative to this moment.
	Start()
	Record(ctx context.Context, p Packet) error
	// Seal mixes the tracks, freezes the artifact and returns it. One-shot.
	Seal(duration time.Duration, logs []LogEntry, errTag string) (*Artifact, error)
}
