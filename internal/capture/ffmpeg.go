package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fragmentReadSize = 32 * 1024

// FFmpegDevice captures from an OS media device by running one ffmpeg process
// per sink, reading webm output from the process stdout as payload fragments.
type FFmpegDevice struct {
	InputFormat string // e.g. v4l2, avfoundation, alsa
	Input       string // e.g. /dev/video0, ":default"
	ExtraArgs   []string
	Logger      *zap.Logger

	mu       sync.Mutex
	acquired bool
}

// Acquire verifies ffmpeg is available and marks the device handle as held.
func (d *FFmpegDevice) Acquire(_ context.Context) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	d.mu.Lock()
	d.acquired = true
	d.mu.Unlock()
	return nil
}

// Release drops the device handle. Idempotent.
func (d *FFmpegDevice) Release() {
	d.mu.Lock()
	d.acquired = false
	d.mu.Unlock()
}

// OpenSink starts one ffmpeg process writing webm to stdout.
func (d *FFmpegDevice) OpenSink() (Sink, error) {
	d.mu.Lock()
	ok := d.acquired
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("capture device not acquired")
	}

	args := []string{
		"-f", d.InputFormat,
		"-i", d.Input,
	}
	args = append(args, d.ExtraArgs...)
	args = append(args,
		"-c:v", "libvpx",
		"-c:a", "libopus",
		"-f", "webm",
		"pipe:1",
	)
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stderr = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &processSink{
		cmd:    cmd,
		stdout: stdout,
		frags:  make(chan []byte, 16),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

// processSink adapts a running ffmpeg process to the Sink contract.
type processSink struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frags  chan []byte
	logger *zap.Logger

	stopOnce sync.Once
}

func (s *processSink) Fragments() <-chan []byte { return s.frags }

func (s *processSink) readLoop() {
	defer close(s.frags)
	for {
		buf := make([]byte, fragmentReadSize)
		n, err := s.stdout.Read(buf)
		if n > 0 {
			s.frags <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// Stop interrupts ffmpeg so it flushes and finalizes the container, escalating
// to kill if it does not exit in time. Idempotent.
func (s *processSink) Stop() {
	s.stopOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
		}
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-done
		}
	})
}
