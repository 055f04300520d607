// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
	"github.com/rapidaai/voice-client/pkg/utils"
)

// DefaultChunkDuration is the nominal duration of one outbound chunk.
const DefaultChunkDuration = 1000 * time.Millisecond

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithChunkDuration overrides the outbound chunk duration.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.chunkLen = d
		}
	}
}

// Pipeline slices a live Source into fixed-duration chunks, encodes each one
// for the wire and forwards it exactly once. There is no backlog: a chunk the
// transport cannot take is dropped by the transport with a warning, never
// buffered — stale audio must not be sent after the connection changes.
//
// A Pipeline is single-use: once stopped the source handle is released and a
// new Pipeline must be built for the next session.
type Pipeline struct {
	logger    commons.Logger
	source    types.Source
	sessionID string
	chunkLen  time.Duration
	audio     *internal_audio.AudioConfig

	send func(chunk types.OutboundChunk) error
	// tap receives the raw PCM of every captured chunk, feeding the
	// conversation recorder's microphone track.
	tap func(pcm []byte)
	// onError reports a fatal device failure (source read error). The
	// pipeline stops itself afterwards; it never retries.
	onError func(err error)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewPipeline builds a capture pipeline around an acquired-but-idle source.
func NewPipeline(
	logger commons.Logger,
	source types.Source,
	sessionID string,
	send func(chunk types.OutboundChunk) error,
	tap func(pcm []byte),
	onError func(err error),
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		logger:    logger,
		source:    source,
		sessionID: sessionID,
		chunkLen:  DefaultChunkDuration,
		audio:     internal_audio.INTERNAL_AUDIO_CONFIG,
		send:      send,
		tap:       tap,
		onError:   onError,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins slicing the source into chunks. Valid once; a stopped or
// already-started pipeline rejects it.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("capture pipeline is stopped and cannot restart")
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture pipeline already started")
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	utils.Go(runCtx, func() { p.run(runCtx) })
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	chunkBytes := p.audio.BytesPerMillisecond() * int(p.chunkLen.Milliseconds())
	buf := make([]byte, chunkBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := io.ReadFull(p.source, buf)
		if n > 0 {
			p.forward(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if ctx.Err() == nil {
					// The device went away on its own — fatal to the session.
					p.onError(fmt.Errorf("audio source ended: %w", err))
				}
				return
			}
			p.onError(fmt.Errorf("audio source read: %w", err))
			return
		}
	}
}

func (p *Pipeline) forward(pcm []byte) {
	if p.tap != nil {
		raw := make([]byte, len(pcm))
		copy(raw, pcm)
		p.tap(raw)
	}

	chunk := types.OutboundChunk{
		SessionID: p.sessionID,
		Payload:   internal_audio.EncodePayload(pcm),
	}
	if err := p.send(chunk); err != nil {
		p.logger.Warnw("Failed to forward captured chunk",
			"session", p.sessionID, "bytes", len(pcm), "error", err)
	}
}

// Stop halts capture and releases the device handle. Irreversible and
// idempotent.
func (p *Pipeline) Stop() {
	p.stop.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		// Closing the source unblocks a pending Read.
		if err := p.source.Close(); err != nil {
			p.logger.Warnw("Failed to close audio source", "error", err)
		}
		p.wg.Wait()
	})
}
