// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import "time"

// Format of raw audio bytes.
type Format string

const (
	Linear16 Format = "linear16"
	MuLaw8   Format = "mulaw"
)

const (
	AudioBytesPerSample = 2  // LINEAR16 → 2 bytes per sample
	AudioBitsPerSample  = 16 // LINEAR16 → 16 bits per sample
	AudioPCMFormat      = 1  // WAV PCM format tag
)

// AudioConfig describes a PCM stream layout.
type AudioConfig struct {
	SampleRate uint32
	Channels   uint16
	Format     Format
}

// NewLinear16khzMonoAudioConfig returns linear16 16kHz mono.
func NewLinear16khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 16000, Channels: 1, Format: Linear16}
}

// NewLinear8khzMonoAudioConfig returns linear16 8kHz mono.
func NewLinear8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 8000, Channels: 1, Format: Linear16}
}

// NewMulaw8khzMonoAudioConfig returns µ-law 8kHz mono.
func NewMulaw8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 8000, Channels: 1, Format: MuLaw8}
}

// INTERNAL_AUDIO_CONFIG is the in-process PCM format: everything between the
// capture pipeline, the playback scheduler and the recorder is linear16 8kHz
// mono, matching the telephony-grade wire format so no resampling is needed.
var INTERNAL_AUDIO_CONFIG = NewLinear8khzMonoAudioConfig()

// WIRE_AUDIO_CONFIG is the on-the-wire encoding: µ-law 8kHz mono.
var WIRE_AUDIO_CONFIG = NewMulaw8khzMonoAudioConfig()

// BytesPerSample returns the sample width for this format.
func (c *AudioConfig) BytesPerSample() int {
	if c.Format == MuLaw8 {
		return 1
	}
	return AudioBytesPerSample
}

// BytesPerSecond returns the raw byte rate of the stream.
func (c *AudioConfig) BytesPerSecond() int {
	return int(c.SampleRate) * int(c.Channels) * c.BytesPerSample()
}

// BytesPerMillisecond returns the raw byte rate per millisecond.
func (c *AudioConfig) BytesPerMillisecond() int {
	return c.BytesPerSecond() / 1000
}

// DurationBytes converts a wall-clock duration to a frame-aligned byte count.
func (c *AudioConfig) DurationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(c.BytesPerSecond()))
	frameSize := c.BytesPerSample() * int(c.Channels)
	return (raw / frameSize) * frameSize
}

// BytesDuration converts a byte count back to stream time.
func (c *AudioConfig) BytesDuration(n int) time.Duration {
	return time.Duration(float64(n) / float64(c.BytesPerSecond()) * float64(time.Second))
}
