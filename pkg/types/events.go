// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package types

import "time"

// Event is any value flowing through the session coordinator's event loop or
// emitted to the consuming layer. Concrete event types are plain structs; the
// loop and the consumer type-switch on them.
type Event interface{}

// ============================================================================
// Transport-origin events (pushed into the coordinator loop)
// ============================================================================

// ConnectionStateChanged reports a transport state transition.
type ConnectionStateChanged struct {
	State ConnectionState
}

// MediaFrame is a sequence-numbered, still-encoded audio frame received from
// the server. Payload is the raw base64 body; decoding happens on the
// reassembly path so a malformed frame is dropped there, not here.
type MediaFrame struct {
	Seq     uint64
	Payload string
}

// StopPlayback is the server's "stop current playback now" control signal:
// halt the sounding payload and empty the queue.
type StopPlayback struct{}

// EndCall is the server's clean end-of-conversation signal.
type EndCall struct{}

// RemoteLog is a diagnostic line from the server, either an explicit log
// message or an unparseable body treated as plain text.
type RemoteLog struct {
	Severity Severity
	Message  string
}

// TransportFailure reports a fatal connection-level error: connect timeout,
// unclean close, or a read/write failure.
type TransportFailure struct {
	Reason string
	Err    error
}

// DeviceFailure reports a fatal capture-device error (microphone lost or
// acquisition denied).
type DeviceFailure struct {
	Err error
}

// ============================================================================
// Coordinator-emitted events (consumed by the UI layer)
// ============================================================================

// ElapsedTick reports the running session duration at a 1 Hz cadence.
type ElapsedTick struct {
	Elapsed time.Duration
}

// TerminalStatus is the outcome of a session.
type TerminalStatus string

const (
	TerminalSucceeded TerminalStatus = "succeeded"
	TerminalFailed    TerminalStatus = "failed"
)

// TerminalResult is the single terminal event of a session. Artifact is nil
// only when no audio was ever captured (for example a connect timeout).
type TerminalResult struct {
	Status   TerminalStatus
	Session  Session
	Elapsed  time.Duration
	Err      string
	Artifact *Artifact
}
