// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_playback

import (
	"context"
	"io"
	"time"

	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
)

// frameDuration is the pacing quantum: payloads are written to the output
// device one 20ms slice per tick so bursty server audio is smoothed to the
// playback rate.
const frameDuration = 20 * time.Millisecond

// pacedPlayer writes PCM to an io.Writer at the audio byte rate. It stands in
// for a hardware output device: Play returns when the payload has fully
// "sounded", or early when ctx is cancelled.
type pacedPlayer struct {
	logger commons.Logger
	w      io.Writer
	cfg    *internal_audio.AudioConfig
}

// NewPacedPlayer returns a Player that paces writes to w in real time
// according to cfg.
func NewPacedPlayer(logger commons.Logger, w io.Writer, cfg *internal_audio.AudioConfig) types.Player {
	return &pacedPlayer{logger: logger, w: w, cfg: cfg}
}

func (p *pacedPlayer) Play(ctx context.Context, pcm []byte) error {
	frameBytes := p.cfg.BytesPerMillisecond() * int(frameDuration.Milliseconds())
	if frameBytes <= 0 {
		frameBytes = len(pcm)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if _, err := p.w.Write(pcm[offset:end]); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
