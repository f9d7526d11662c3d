package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the capture session lifecycle state. Exactly one state machine
// exists per participant per session, owned by the Controller.
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Status is a point-in-time snapshot of the capture session for the UI layer.
type Status struct {
	State          State        `json:"state"`
	Recording      bool         `json:"recording"`
	Uploading      bool         `json:"uploading"`
	UploadProgress int          `json:"upload_progress"`
	NextIndex      int          `json:"next_index"`
	Segments       []SegmentRef `json:"segments"`
}

// Config holds recorder settings for one participant.
type Config struct {
	SegmentDuration time.Duration // length of each recording sink
	EmptyRetryDelay time.Duration // delay before the next cycle after an empty segment
	MimeType        string
}

// Controller coordinates the recorder loop and the uploader for one
// participant. All mutable capture state is owned here and mutated only through
// Start, Stop and Close; the recorder loop reads the cooperative active flag at
// the top of each cycle.
type Controller struct {
	cfg      Config
	device   Device
	uploader *Uploader
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	active    bool
	nextIndex int
	current   Sink
	done      chan struct{}
}

// NewController creates a capture session controller.
func NewController(cfg Config, device Device, uploader *Uploader, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 5 * time.Second
	}
	if cfg.EmptyRetryDelay <= 0 {
		cfg.EmptyRetryDelay = 100 * time.Millisecond
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "video/webm;codecs=vp8,opus"
	}
	return &Controller{
		cfg:      cfg,
		device:   device,
		uploader: uploader,
		logger:   logger,
		state:    StateIdle,
	}
}

// Start acquires the capture device, resets counters and the uploaded-ref list,
// and starts the recorder loop. A second Start while recording is a no-op. On
// acquisition failure the state ends Failed with the device released, leaving
// the controller consistent for a retry.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateRecording {
		c.mu.Unlock()
		c.logger.Warn("already recording, ignoring start")
		return nil
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	if err := c.device.Acquire(ctx); err != nil {
		c.device.Release()
		c.mu.Lock()
		c.state = StateFailed
		c.active = false
		c.mu.Unlock()
		return fmt.Errorf("acquire capture device: %w", err)
	}

	c.mu.Lock()
	c.state = StateRecording
	c.active = true
	c.nextIndex = 0
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.uploader.Reset()
	go c.run(ctx, done)
	c.logger.Info("capture started")
	return nil
}

// Stop cooperatively ends the capture session: no further cycle is scheduled,
// the in-flight sink is force-finalized, and the device handle is released. A
// segment already in its upload phase may still complete asynchronously. No-op
// unless currently recording.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		c.logger.Warn("no recording in progress to stop")
		return
	}
	c.active = false
	c.state = StateStopped
	sink := c.current
	c.current = nil
	c.mu.Unlock()

	if sink != nil {
		sink.Stop()
	}
	c.device.Release()
	c.logger.Info("capture stopped")
}

// Close is the unconditional, idempotent teardown. Safe to call from any
// context, including before Start or after Stop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.active = false
	if c.state == StateRecording || c.state == StateAcquiring {
		c.state = StateStopped
	}
	sink := c.current
	c.current = nil
	c.mu.Unlock()

	if sink != nil {
		sink.Stop()
	}
	c.device.Release()
}

// Status returns a snapshot of the capture session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	next := c.nextIndex
	c.mu.Unlock()
	return Status{
		State:          state,
		Recording:      state == StateRecording,
		Uploading:      c.uploader.Uploading(),
		UploadProgress: c.uploader.Progress(),
		NextIndex:      next,
		Segments:       c.uploader.Refs(),
	}
}

// Done returns a channel closed when the recorder loop has exited. Nil before
// the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// run is the recorder loop: one iteration per segment cycle. The segment index
// increments unconditionally per attempt, so gaps in uploaded indices signal
// skipped empty segments downstream.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		if !c.active {
			c.mu.Unlock()
			return
		}
		index := c.nextIndex
		c.nextIndex++

		sink, err := c.device.OpenSink()
		if err != nil {
			c.state = StateFailed
			c.active = false
			c.mu.Unlock()
			c.device.Release()
			c.logger.Error("failed to open recording sink, aborting capture",
				zap.Int("segment", index), zap.Error(err))
			return
		}
		c.current = sink
		c.mu.Unlock()

		data := c.collect(sink)

		c.mu.Lock()
		if c.current == sink {
			c.current = nil
		}
		stillActive := c.active
		c.mu.Unlock()

		if len(data) == 0 {
			c.logger.Warn("segment is empty, skipping upload", zap.Int("segment", index))
			if !stillActive {
				return
			}
			time.Sleep(c.cfg.EmptyRetryDelay)
			continue
		}

		seg := MediaSegment{Index: index, Data: data, MimeType: c.cfg.MimeType}
		c.uploader.UploadAsync(ctx, seg)
		// Next sink opens immediately; the upload runs alongside it.
	}
}

// collect accumulates fragments until the segment duration elapses or the sink
// is finalized from outside (Stop/Close), then drains whatever remains.
func (c *Controller) collect(sink Sink) []byte {
	ch := sink.Fragments()
	timer := time.NewTimer(c.cfg.SegmentDuration)
	defer timer.Stop()

	var data []byte
	for {
		select {
		case frag, ok := <-ch:
			if !ok {
				return data
			}
			data = append(data, frag...)
		case <-timer.C:
			sink.Stop()
			for frag := range ch {
				data = append(data, frag...)
			}
			return data
		}
	}
}
