// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-client/internal/audio"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-capture"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
	)
	require.NoError(t, err, "failed to create test logger")
	return logger
}

// fakeSource serves a fixed PCM buffer then blocks until closed; Read after
// Close reports EOF like a released device handle.
type fakeSource struct {
	mu     sync.Mutex
	data   []byte
	err    error
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{data: data, closed: make(chan struct{})}
}

func (s *fakeSource) Start(ctx context.Context) error { return nil }

func (s *fakeSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		s.mu.Unlock()
		return n, nil
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	<-s.closed
	return 0, io.EOF
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// chunkCollector gathers forwarded chunks and tap copies.
type chunkCollector struct {
	mu     sync.Mutex
	chunks []types.OutboundChunk
	taps   [][]byte
}

func (c *chunkCollector) send(chunk types.OutboundChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func (c *chunkCollector) tap(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taps = append(c.taps, pcm)
}

func (c *chunkCollector) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func chunkBytes() int {
	return internal_audio.INTERNAL_AUDIO_CONFIG.BytesPerMillisecond() *
		int(DefaultChunkDuration.Milliseconds())
}

func TestPipelineChunksAndEncodes(t *testing.T) {
	data := make([]byte, chunkBytes()*2)
	for i := range data {
		data[i] = byte(i % 7)
	}
	source := newFakeSource(data)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, collector.tap, func(err error) {
		t.Errorf("unexpected device error: %v", err)
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool { return collector.chunkCount() == 2 })

	collector.mu.Lock()
	defer collector.mu.Unlock()
	for i, chunk := range collector.chunks {
		assert.Equal(t, "sess-1", chunk.SessionID)
		want := internal_audio.EncodePayload(data[i*chunkBytes() : (i+1)*chunkBytes()])
		assert.Equal(t, want, chunk.Payload, "chunk %d must be the µ-law/base64 of its PCM slice", i)
	}
	// Each µ-law payload is half the PCM size before base64.
	ulaw, err := base64.StdEncoding.DecodeString(collector.chunks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, chunkBytes()/2, len(ulaw))
}

func TestChunkDurationOption(t *testing.T) {
	chunkLen := 100 * time.Millisecond
	bytesPerChunk := internal_audio.INTERNAL_AUDIO_CONFIG.BytesPerMillisecond() *
		int(chunkLen.Milliseconds())
	data := make([]byte, bytesPerChunk*3)
	for i := range data {
		data[i] = byte(i % 13)
	}
	source := newFakeSource(data)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(err error) {
		t.Errorf("unexpected device error: %v", err)
	}, WithChunkDuration(chunkLen))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool { return collector.chunkCount() == 3 })

	collector.mu.Lock()
	defer collector.mu.Unlock()
	for i, chunk := range collector.chunks {
		want := internal_audio.EncodePayload(data[i*bytesPerChunk : (i+1)*bytesPerChunk])
		assert.Equal(t, want, chunk.Payload, "chunk %d must span the configured duration", i)
	}
}

func TestNonPositiveChunkDurationKeepsDefault(t *testing.T) {
	source := newFakeSource(nil)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(error) {},
		WithChunkDuration(0))
	assert.Equal(t, DefaultChunkDuration, p.chunkLen)
}

func TestPipelineTapsRawPCM(t *testing.T) {
	data := make([]byte, chunkBytes())
	for i := range data {
		data[i] = 0x42
	}
	source := newFakeSource(data)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, collector.tap, func(error) {})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool { return collector.chunkCount() == 1 })

	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Len(t, collector.taps, 1)
	assert.Equal(t, data, collector.taps[0], "tap must see the raw PCM, not the wire encoding")
}

func TestSourceEndReportsDeviceError(t *testing.T) {
	source := newFakeSource(nil)
	source.err = io.EOF
	collector := &chunkCollector{}

	errCh := make(chan error, 1)
	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(err error) {
		errCh <- err
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "audio source ended")
	case <-time.After(time.Second):
		t.Fatal("device error never reported")
	}
}

func TestStopIsIdempotentAndIrreversible(t *testing.T) {
	source := newFakeSource(nil)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(error) {})
	require.NoError(t, p.Start(context.Background()))

	p.Stop()
	p.Stop()

	err := p.Start(context.Background())
	require.Error(t, err, "a stopped pipeline must not restart")
	assert.Contains(t, err.Error(), "cannot restart")
}

func TestDoubleStartRejected(t *testing.T) {
	source := newFakeSource(nil)
	collector := &chunkCollector{}

	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(error) {})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Error(t, p.Start(context.Background()))
}

func TestStopSuppressesDeviceError(t *testing.T) {
	source := newFakeSource(nil)
	collector := &chunkCollector{}

	called := make(chan error, 1)
	p := NewPipeline(newTestLogger(t), source, "sess-1", collector.send, nil, func(err error) {
		called <- err
	})
	require.NoError(t, p.Start(context.Background()))

	// Stop closes the source, which unblocks Read with EOF; that EOF is the
	// teardown itself, not a device failure.
	p.Stop()
	select {
	case err := <-called:
		t.Fatalf("teardown EOF must not surface as a device error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
