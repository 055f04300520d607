// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package voiceclient

import (
	"fmt"
	"io"
	"time"

	"github.com/rapidaai/voice-client/config"
	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	internal_playback "github.com/rapidaai/voice-client/internal/playback"
	internal_session "github.com/rapidaai/voice-client/internal/session"
	internal_transport "github.com/rapidaai/voice-client/internal/transport"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
)

// Client is the embedding surface of the voice conversation client: one
// full-duplex conversation session at a time, observed through a typed event
// stream. All lifecycle calls are fire-and-forget; outcomes arrive as events.
type Client struct {
	logger      commons.Logger
	coordinator *internal_session.Coordinator
}

// Option customises the collaborators the client wires together, mainly so
// tests and headless hosts can substitute devices and transports.
type Option func(*options)

type options struct {
	transportFactory func(emit func(types.Event)) types.Transport
	sourceFactory    func() types.Source
	player           types.Player
	recorderFactory  func() (types.Recorder, error)
}

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f func(emit func(types.Event)) types.Transport) Option {
	return func(o *options) { o.transportFactory = f }
}

// WithSourceFactory sets the microphone source acquired for each session.
func WithSourceFactory(f func() types.Source) Option {
	return func(o *options) { o.sourceFactory = f }
}

// WithPlayer replaces the output device.
func WithPlayer(p types.Player) Option {
	return func(o *options) { o.player = p }
}

// WithRecorderFactory replaces the conversation recorder.
func WithRecorderFactory(f func() (types.Recorder, error)) Option {
	return func(o *options) { o.recorderFactory = f }
}

// New wires a client from the application config. A source factory is
// mandatory: audio capture is host-specific and the client never guesses at a
// device.
func New(cfg *config.AppConfig, logger commons.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.sourceFactory == nil {
		return nil, fmt.Errorf("a source factory is required")
	}
	if o.player == nil {
		o.player = internal_playback.NewPacedPlayer(logger, io.Discard, internal_audio.INTERNAL_AUDIO_CONFIG)
	}
	if o.transportFactory == nil {
		connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
		o.transportFactory = func(emit func(types.Event)) types.Transport {
			return internal_transport.New(logger, cfg.ServerEndpoint, emit,
				internal_transport.WithConnectTimeout(connectTimeout))
		}
	}

	coordinator := internal_session.NewCoordinator(logger,
		internal_session.Config{
			Language:      cfg.Language,
			ChunkDuration: time.Duration(cfg.ChunkMillis) * time.Millisecond,
			SealGrace:     time.Duration(cfg.SealGraceMillis) * time.Millisecond,
		},
		internal_session.Deps{
			TransportFactory: o.transportFactory,
			SourceFactory:    o.sourceFactory,
			Player:           o.player,
			RecorderFactory:  o.recorderFactory,
		},
	)

	return &Client{logger: logger, coordinator: coordinator}, nil
}

// Start begins a new conversation session. Rejected (with a warning event)
// while a session is live.
func (c *Client) Start() { c.coordinator.Start() }

// Stop tears the current session down. Idempotent; the terminal result is
// emitted exactly once per session.
func (c *Client) Stop() { c.coordinator.Stop() }

// Events is the stream of session events: connection-state changes, log
// entries, elapsed ticks and the terminal result carrying the sealed artifact.
func (c *Client) Events() <-chan types.Event { return c.coordinator.Events() }

// Close releases the client itself. It does not run session teardown; call
// Stop first and wait for the terminal result.
func (c *Client) Close() { c.coordinator.Close() }
