// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_playback

import (
	"sync"

	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	"github.com/rapidaai/voice-client/pkg/commons"
)

// Reassembly reorders inbound frames into strictly increasing sequence order.
// Frames are decoded on arrival; a frame that fails to decode is dropped
// without advancing the counter, so its sequence number behaves exactly like
// network loss. There is no skip-ahead: a permanently missing sequence number
// stalls release until the session ends.
type Reassembly struct {
	logger commons.Logger

	mu      sync.Mutex
	pending map[uint64][]byte
	next    uint64
}

// NewReassembly returns an empty buffer expecting sequence 0.
func NewReassembly(logger commons.Logger) *Reassembly {
	return &Reassembly{
		logger:  logger,
		pending: make(map[uint64][]byte),
	}
}

// Push decodes and stores one frame, then releases the contiguous run of
// frames starting at the next expected sequence number, in order.
func (r *Reassembly) Push(seq uint64, payload string) [][]byte {
	pcm, err := internal_audio.DecodePayload(payload)
	if err != nil {
		r.logger.Warnw("Dropping undecodable frame", "seq", seq, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seq < r.next {
		r.logger.Debugw("Dropping stale frame", "seq", seq, "next", r.next)
		return nil
	}
	if _, dup := r.pending[seq]; dup {
		r.logger.Debugw("Replacing duplicate frame", "seq", seq)
	}
	r.pending[seq] = pcm

	var released [][]byte
	for {
		frame, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		released = append(released, frame)
		r.next++
	}
	return released
}

// Pending returns the number of buffered out-of-order frames.
func (r *Reassembly) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Next returns the next expected sequence number.
func (r *Reassembly) Next() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
