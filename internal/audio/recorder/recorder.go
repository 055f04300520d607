// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recorder

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
)

var audioConfig = internal_audio.INTERNAL_AUDIO_CONFIG

// segment is a recorded audio fragment placed at a specific position on the
// timeline. ByteOffset is the byte position relative to Start().
type segment struct {
	ByteOffset int
	Data       []byte
	Track      int // trackUser or trackPlayback
}

const (
	trackUser     = 0
	trackPlayback = 1
)

type conversationRecorder struct {
	logger    commons.Logger
	mu        sync.Mutex
	startTime time.Time
	started   bool
	sealed    bool
	segments  []segment
	// Per-track cursor: the byte position just past the last written byte on
	// each track. The user track uses wall-clock placement. The playback
	// track paces audio at the playback rate — only the first segment after
	// a gap uses wall-clock to anchor position.
	cursor [2]int
	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// NewConversationRecorder returns a Recorder that places microphone and
// played-back audio on a shared wall-clock timeline and seals them into one
// mixed WAV artifact.
func NewConversationRecorder(logger commons.Logger) (types.Recorder, error) {
	return &conversationRecorder{
		logger: logger,
		clock:  time.Now,
	}, nil
}

// Start begins the recording session. Both tracks share this start time.
// Audio is placed on the timeline based on when it arrives relative to
// this moment.
func (r *conversationRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clock()
	r.started = true
}

// Record places audio on the appropriate track at the current wall-clock
// position. Each segment is positioned based on WHEN it arrives, not just
// appended. Both tracks share the same timeline (Start → Seal).
func (r *conversationRecorder) Record(ctx context.Context, p types.Packet) error {
	switch vl := p.(type) {
	case types.UserAudioPacket:
		return r.push(vl.Audio, trackUser)
	case types.PlaybackAudioPacket:
		return r.push(vl.Audio, trackPlayback)
	}
	return nil
}

func (r *conversationRecorder) push(data []byte, track int) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		r.logger.Warnw("Recorder already sealed, dropping audio segment",
			"track", track, "bytes", len(data))
		return nil
	}

	// Compute wall-clock byte offset.
	wallOffset := 0
	if r.started {
		wallOffset = audioConfig.DurationBytes(r.clock().Sub(r.startTime))
	}

	var offset int
	switch track {
	case trackUser:
		// Mic audio: wall-clock placement. The mic delivers at real-time
		// rate, so wall-clock offset is the correct timeline position.
		offset = wallOffset
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}

	case trackPlayback:
		// Server audio: PACING. Frames can arrive in bursts (faster than
		// real-time). The first segment after silence anchors at wall-clock;
		// burst continuations place at the cursor so playback audio is
		// continuous on the timeline with no gaps or overlaps.
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		} else {
			offset = wallOffset
		}
	}

	// Copy to avoid caller mutations.
	buf := make([]byte, len(data))
	copy(buf, data)

	r.segments = append(r.segments, segment{
		ByteOffset: offset,
		Data:       buf,
		Track:      track,
	})
	// Advance cursor past this segment.
	r.cursor[track] = offset + len(buf)
	return nil
}

// Seal renders both tracks over the full session duration, mixes them
// sample-wise into one PCM buffer and wraps it in a WAV container. Gaps are
// silence. One-shot: a sealed recorder drops further Record calls.
func (r *conversationRecorder) Seal(duration time.Duration, logs []types.LogEntry, errTag string) (*types.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, fmt.Errorf("recorder is already sealed")
	}
	r.sealed = true

	if len(r.segments) == 0 {
		return nil, fmt.Errorf("no audio segments to seal")
	}

	// Minimum buffer size: max(frozen session duration, furthest segment end).
	totalLen := audioConfig.DurationBytes(duration)
	for _, s := range r.segments {
		end := s.ByteOffset + len(s.Data)
		if end > totalLen {
			totalLen = end
		}
	}

	// Zero-filled (silence) buffers for each track.
	userPCM := make([]byte, totalLen)
	playbackPCM := make([]byte, totalLen)

	userAudioBytes := 0
	playbackAudioBytes := 0
	for _, s := range r.segments {
		var dst []byte
		if s.Track == trackUser {
			dst = userPCM
			userAudioBytes += len(s.Data)
		} else {
			dst = playbackPCM
			playbackAudioBytes += len(s.Data)
		}
		copy(dst[s.ByteOffset:], s.Data)
	}

	mixed := mixPCM(userPCM, playbackPCM)

	r.logger.Infow("Sealed conversation artifact",
		"userAudioBytes", userAudioBytes,
		"playbackAudioBytes", playbackAudioBytes,
		"totalBytes", totalLen,
		"duration", duration.String(),
		"segments", len(r.segments),
	)

	return &types.Artifact{
		WAV:      internal_audio.CreateWAVFile(mixed, audioConfig),
		Duration: duration,
		Logs:     logs,
		Err:      errTag,
	}, nil
}

// mixPCM adds two equal-length linear16 little-endian buffers with int16
// saturation.
func mixPCM(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := 0; i+1 < len(a); i += 2 {
		sa := int32(int16(binary.LittleEndian.Uint16(a[i:])))
		sb := int32(int16(binary.LittleEndian.Uint16(b[i:])))
		sum := sa + sb
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(sum)))
	}
	return out
}
