// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
	"github.com/rapidaai/voice-client/pkg/utils"
)

// Scheduler serially sounds released payloads through the Player: at most one
// payload is sounding at any instant, and on natural completion the next one
// starts immediately so the chain is gapless. Flush halts the sounding payload
// and empties the queue; arrivals after a flush start a fresh chain.
type Scheduler struct {
	logger commons.Logger
	player types.Player

	// tap receives every payload at the moment it starts sounding, feeding
	// the conversation recorder. The full payload is tapped up front, so a
	// payload halted mid-play is still archived in its entirety; the
	// recording reflects what the server said, not the truncation point.
	tap func(pcm []byte)

	mu         sync.Mutex
	queue      [][]byte
	playCancel context.CancelFunc
	sounding   bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler; call Start before enqueueing.
func NewScheduler(logger commons.Logger, player types.Player, tap func(pcm []byte)) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		player: player,
		tap:    tap,
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the single playback goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	utils.Go(s.ctx, s.run)
}

// Enqueue appends one decoded payload to the playback queue.
func (s *Scheduler) Enqueue(pcm []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, pcm)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Flush halts the currently sounding payload (if any) immediately and empties
// the queue.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	cancel := s.playCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 {
		s.logger.Infow("Flushed playback queue", "dropped", dropped)
	}
}

// Stop flushes and terminates the playback goroutine. Idempotent.
func (s *Scheduler) Stop() {
	s.cancel()
	s.Flush()
	s.wg.Wait()
}

// Sounding reports whether a payload is currently being played.
func (s *Scheduler) Sounding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sounding
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		pcm, playCtx, cancel, ok := s.dequeue()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if s.tap != nil {
			s.tap(pcm)
		}
		if err := s.player.Play(playCtx, pcm); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnw("Playback failed", "error", err, "bytes", len(pcm))
		}

		s.mu.Lock()
		s.playCancel = nil
		s.sounding = false
		s.mu.Unlock()
		cancel()

		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

// dequeue pops the head and arms its cancel function in the same critical
// section, so a Flush can never observe a popped payload without a cancel to
// reach it.
func (s *Scheduler) dequeue() ([]byte, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil, nil, false
	}
	pcm := s.queue[0]
	s.queue = s.queue[1:]
	playCtx, cancel := context.WithCancel(s.ctx)
	s.playCancel = cancel
	s.sounding = true
	return pcm, playCtx, cancel, true
}
