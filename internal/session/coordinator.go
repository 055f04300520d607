// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_recorder "github.com/rapidaai/voice-client/internal/audio/recorder"
	internal_capture "github.com/rapidaai/voice-client/internal/capture"
	internal_playback "github.com/rapidaai/voice-client/internal/playback"
	internal_transport "github.com/rapidaai/voice-client/internal/transport"
	"github.com/rapidaai/voice-client/pkg/commons"
	"github.com/rapidaai/voice-client/pkg/types"
	"github.com/rapidaai/voice-client/pkg/utils"
)

// State is the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultSealGrace admits the final in-flight audio segment before the
	// artifact is sealed.
	DefaultSealGrace = 100 * time.Millisecond

	inboxSize    = 1024
	emittedSize  = 256
	tickInterval = time.Second
)

// Config carries the per-coordinator session parameters.
type Config struct {
	Language      string
	ChunkDuration time.Duration
	SealGrace     time.Duration
}

// Deps are the collaborators the coordinator owns per session. The transport
// factory receives the coordinator's event inbox so transport callbacks become
// loop events rather than concurrent mutations.
type Deps struct {
	TransportFactory func(emit func(types.Event)) types.Transport
	SourceFactory    func() types.Source
	Player           types.Player
	RecorderFactory  func() (types.Recorder, error)
}

// Internal loop events.
type cmdStart struct{}
type cmdStop struct{}
type connectFinished struct {
	source types.Source
	err    error
}
type sealDue struct{}

// Coordinator orchestrates one conversation session at a time: it owns the
// transport, the capture pipeline, the playback chain and the recorder, and
// drives them through Idle → Starting → Active → Stopping → Idle, with the
// failure path routed through the same teardown. All state lives on the
// coordinator struct and is mutated only by the single event-loop goroutine;
// every callback (socket, device, timer) is delivered as a typed event into
// the loop.
type Coordinator struct {
	logger commons.Logger
	cfg    Config
	deps   Deps

	transport types.Transport

	events chan types.Event // loop inbox
	out    chan types.Event // emitted to the consuming layer

	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is loop-owned: only the event loop goroutine reads or
	// writes it, so no locks are needed.
	state         State
	startInFlight bool
	stopInFlight  bool
	sess          *types.Session
	sessCtx       context.Context
	sessCancel    context.CancelFunc
	startMono     time.Time
	frozen        time.Duration
	failReason    string
	failErr       error
	source        types.Source
	capture       *internal_capture.Pipeline
	recorder      types.Recorder
	reassembly    *internal_playback.Reassembly
	scheduler     *internal_playback.Scheduler
	trail         []types.LogEntry

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// NewCoordinator builds the coordinator and starts its event loop.
func NewCoordinator(logger commons.Logger, cfg Config, deps Deps) *Coordinator {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = internal_capture.DefaultChunkDuration
	}
	if cfg.SealGrace <= 0 {
		cfg.SealGrace = DefaultSealGrace
	}
	if deps.RecorderFactory == nil {
		deps.RecorderFactory = func() (types.Recorder, error) {
			return internal_recorder.NewConversationRecorder(logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger: logger,
		cfg:    cfg,
		deps:   deps,
		events: make(chan types.Event, inboxSize),
		out:    make(chan types.Event, emittedSize),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		clock:  time.Now,
	}
	c.transport = deps.TransportFactory(c.push)

	utils.Go(ctx, c.loop)
	return c
}

// Start requests a new session. Fire-and-forget; the outcome is observed
// through emitted events.
func (c *Coordinator) Start() { c.push(cmdStart{}) }

// Stop requests teardown of the current session. Fire-and-forget and
// idempotent.
func (c *Coordinator) Stop() { c.push(cmdStop{}) }

// Events returns the emitted event stream: connection-state changes, log
// lines, elapsed ticks and the terminal session result.
func (c *Coordinator) Events() <-chan types.Event { return c.out }

// Close terminates the event loop. For process shutdown only; it does not
// run session teardown.
func (c *Coordinator) Close() { c.cancel() }

// push delivers an event into the loop inbox (non-blocking).
func (c *Coordinator) push(ev types.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("Coordinator inbox full, dropping event",
			"type", fmt.Sprintf("%T", ev))
	}
}

// emit delivers an event to the consuming layer (non-blocking).
func (c *Coordinator) emit(ev types.Event) {
	select {
	case c.out <- ev:
	default:
		c.logger.Warnw("Event channel full, dropping emitted event",
			"type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) appendTrail(origin types.Origin, severity types.Severity, message string) {
	entry := types.LogEntry{
		Time:     c.clock(),
		Severity: severity,
		Origin:   origin,
		Message:  message,
	}
	c.trail = append(c.trail, entry)
	c.emit(entry)
}

// ============================================================================
// Event loop
// ============================================================================

func (c *Coordinator) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.state == StateActive {
				c.emit(types.ElapsedTick{Elapsed: c.clock().Sub(c.startMono)})
			}
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev types.Event) {
	switch e := ev.(type) {
	case cmdStart:
		c.handleStart()
	case cmdStop:
		c.handleStop()
	case connectFinished:
		c.handleConnectFinished(e)
	case sealDue:
		c.handleSealDue()

	case types.ConnectionStateChanged:
		c.emit(e)
		if e.State == types.ConnectionClosed && c.state == StateActive && !c.stopInFlight {
			// Remote clean close (code 1000) is a clean stop, not a failure.
			c.appendTrail(types.OriginRemote, types.SeverityInfo, "server closed the conversation")
			c.teardown("", nil)
		}

	case types.MediaFrame:
		if c.state != StateActive || c.reassembly == nil {
			c.logger.Debugw("Dropping media frame outside active session", "seq", e.Seq)
			return
		}
		for _, pcm := range c.reassembly.Push(e.Seq, e.Payload) {
			c.scheduler.Enqueue(pcm)
		}

	case types.StopPlayback:
		if c.scheduler != nil {
			c.scheduler.Flush()
		}
		c.appendTrail(types.OriginRemote, types.SeverityInfo, "server requested playback stop")

	case types.EndCall:
		c.appendTrail(types.OriginRemote, types.SeverityInfo, "server ended the conversation")
		c.teardown("", nil)

	case types.RemoteLog:
		c.appendTrail(types.OriginRemote, e.Severity, e.Message)

	case types.TransportFailure:
		c.fail(e.Reason, e.Err)

	case types.DeviceFailure:
		c.fail("audio device failure", e.Err)

	default:
		c.logger.Warnw("Unknown coordinator event", "type", fmt.Sprintf("%T", ev))
	}
}

// ============================================================================
// Lifecycle transitions
// ============================================================================

func (c *Coordinator) handleStart() {
	if c.state != StateIdle || c.startInFlight {
		c.logger.Warnw("Start rejected: session already in progress",
			"state", c.state.String(), "startInFlight", c.startInFlight)
		return
	}
	c.startInFlight = true

	now := c.clock()
	c.sess = &types.Session{
		ID:        uuid.New().String(),
		Language:  c.cfg.Language,
		CreatedAt: now,
	}
	c.sessCtx, c.sessCancel = context.WithCancel(c.ctx)
	c.startMono = now
	c.frozen = 0
	c.failReason = ""
	c.failErr = nil
	c.trail = nil
	c.reassembly = internal_playback.NewReassembly(c.logger)

	recorder, err := c.deps.RecorderFactory()
	if err != nil {
		c.fail("recorder initialisation failed", err)
		return
	}
	c.recorder = recorder

	c.state = StateStarting
	c.appendTrail(types.OriginLocal, types.SeverityInfo,
		fmt.Sprintf("session %s starting (language %s)", c.sess.ID, c.sess.Language))

	// Bring up the device and the connection in parallel; the result comes
	// back into the loop as a single event.
	sessionID := c.sess.ID
	language := c.sess.Language
	sessCtx := c.sessCtx
	begin := time.Now()
	utils.Go(sessCtx, func() {
		source := c.deps.SourceFactory()
		g, gctx := errgroup.WithContext(sessCtx)
		g.Go(func() error {
			// The device handle lives for the whole session, so it is scoped
			// to the session context, not the bring-up group (whose context
			// dies the moment Wait returns).
			if err := source.Start(sessCtx); err != nil {
				return fmt.Errorf("device acquisition: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return c.transport.Connect(gctx, sessionID, language)
		})
		err := g.Wait()
		c.logger.Benchmark("Coordinator.bringup", time.Since(begin))
		c.push(connectFinished{source: source, err: err})
	})
}

func (c *Coordinator) handleConnectFinished(ev connectFinished) {
	if ev.err != nil {
		if ev.source != nil {
			ev.source.Close()
		}
		c.transport.Close("session bring-up failed")
		c.fail(classifyBringupError(ev.err), ev.err)
		return
	}

	if c.state != StateStarting || c.stopInFlight {
		// Stop raced the bring-up; release what the goroutine acquired.
		if ev.source != nil {
			ev.source.Close()
		}
		c.transport.Close("session cancelled")
		return
	}

	c.source = ev.source
	recorder := c.recorder
	c.capture = internal_capture.NewPipeline(
		c.logger,
		ev.source,
		c.sess.ID,
		c.transport.Send,
		func(pcm []byte) {
			recorder.Record(context.Background(), types.UserAudioPacket{Audio: pcm})
		},
		func(err error) {
			c.push(types.DeviceFailure{Err: err})
		},
		internal_capture.WithChunkDuration(c.cfg.ChunkDuration),
	)
	c.scheduler = internal_playback.NewScheduler(c.logger, c.deps.Player, func(pcm []byte) {
		recorder.Record(context.Background(), types.PlaybackAudioPacket{Audio: pcm})
	})

	recorder.Start()
	c.scheduler.Start()
	if err := c.capture.Start(c.sessCtx); err != nil {
		c.fail("capture start failed", err)
		return
	}

	c.state = StateActive
	c.startInFlight = false
	c.appendTrail(types.OriginLocal, types.SeverityInfo, "session active")
}

func (c *Coordinator) handleStop() {
	if c.stopInFlight {
		c.logger.Warnw("Stop ignored: teardown already in progress")
		return
	}
	if c.state == StateIdle && !c.startInFlight {
		c.logger.Warnw("Stop ignored: no active session")
		return
	}
	c.appendTrail(types.OriginLocal, types.SeverityInfo, "stop requested")
	c.teardown("", nil)
}

// fail routes any fatal error through the same teardown path as a clean stop,
// tagging the terminal event and the artifact with the failure.
func (c *Coordinator) fail(reason string, err error) {
	c.appendTrail(types.OriginLocal, types.SeverityError,
		fmt.Sprintf("%s: %v", reason, err))
	if c.stopInFlight {
		return
	}
	c.state = StateFailed
	c.teardown(reason, err)
}

// teardown is idempotent and total: every owned resource is released even if
// an individual release fails, then the artifact is sealed after a short
// grace period.
func (c *Coordinator) teardown(reason string, err error) {
	if c.stopInFlight {
		return
	}
	c.stopInFlight = true
	c.startInFlight = false
	c.frozen = c.clock().Sub(c.startMono)
	c.failReason = reason
	c.failErr = err
	if c.state != StateFailed {
		c.state = StateStopping
	}

	if c.sessCancel != nil {
		c.sessCancel()
	}
	if c.capture != nil {
		c.capture.Stop()
	} else if c.source != nil {
		if closeErr := c.source.Close(); closeErr != nil {
			c.logger.Warnw("Failed to release audio source", "error", closeErr)
		}
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	closeReason := "conversation ended"
	if reason != "" {
		closeReason = reason
	}
	if closeErr := c.transport.Close(closeReason); closeErr != nil {
		c.logger.Warnw("Failed to close transport", "error", closeErr)
	}

	// Allow the final in-flight segment to land before sealing.
	grace := c.cfg.SealGrace
	time.AfterFunc(grace, func() { c.push(sealDue{}) })
}

func (c *Coordinator) handleSealDue() {
	if !c.stopInFlight {
		c.logger.Debugw("Ignoring stray seal timer")
		return
	}

	status := types.TerminalSucceeded
	errStr := ""
	if c.failReason != "" || c.failErr != nil {
		status = types.TerminalFailed
		errStr = c.failReason
		if c.failErr != nil {
			errStr = fmt.Sprintf("%s: %v", c.failReason, c.failErr)
		}
	}

	var artifact *types.Artifact
	if c.recorder != nil {
		trail := make([]types.LogEntry, len(c.trail))
		copy(trail, c.trail)
		sealed, err := c.recorder.Seal(c.frozen, trail, errStr)
		if err != nil {
			c.logger.Infow("No artifact produced", "error", err)
		} else {
			artifact = sealed
		}
	}

	result := types.TerminalResult{
		Status:   status,
		Elapsed:  c.frozen,
		Err:      errStr,
		Artifact: artifact,
	}
	if c.sess != nil {
		result.Session = *c.sess
	}
	c.emit(result)
	c.logger.Infow("Session torn down",
		"status", string(status), "elapsed", c.frozen.String())

	c.state = StateIdle
	c.startInFlight = false
	c.stopInFlight = false
	c.sess = nil
	c.sessCtx = nil
	c.sessCancel = nil
	c.source = nil
	c.capture = nil
	c.scheduler = nil
	c.recorder = nil
	c.reassembly = nil
}

func classifyBringupError(err error) string {
	if internal_transport.IsTimeout(err) {
		return "connect timeout"
	}
	if strings.Contains(err.Error(), "device acquisition") {
		return "device acquisition failed"
	}
	return "connect failed"
}
