package capture

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP payload types used in the SDP handed to ffmpeg (must match the rewrite
// in WriteRTP).
const (
	payloadTypeVideo = 96
	payloadTypeAudio = 97
)

// TrackInfo describes one remote track feeding the RTP device.
type TrackInfo struct {
	Kind     webrtc.RTPCodecType
	MimeType string
}

// RTPDevice is a capture device fed by WebRTC RTP packets: each open sink is an
// ffmpeg muxer listening on loopback UDP ports described by a generated SDP,
// and incoming packets are forwarded to it with the payload type rewritten.
type RTPDevice struct {
	Logger *zap.Logger

	mu       sync.Mutex
	acquired bool
	tracks   []TrackInfo
	current  *rtpSink
}

// RegisterTrack declares a remote track before Acquire. At least one track must
// be registered for acquisition to succeed.
func (d *RTPDevice) RegisterTrack(kind webrtc.RTPCodecType, mimeType string) {
	d.mu.Lock()
	d.tracks = append(d.tracks, TrackInfo{Kind: kind, MimeType: mimeType})
	d.mu.Unlock()
}

// Acquire validates that tracks are registered and ffmpeg is available.
func (d *RTPDevice) Acquire(_ context.Context) error {
	d.mu.Lock()
	n := len(d.tracks)
	d.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("no tracks registered: acquire after the publisher is live")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	d.mu.Lock()
	d.acquired = true
	d.mu.Unlock()
	return nil
}

// Release drops the device handle and finalizes any open sink. Idempotent.
func (d *RTPDevice) Release() {
	d.mu.Lock()
	sink := d.current
	d.current = nil
	d.acquired = false
	d.mu.Unlock()
	if sink != nil {
		sink.Stop()
	}
}

// WriteRTP forwards one RTP packet to the currently open sink, rewriting the
// payload type (lower 7 bits of the second byte) to match the SDP.
func (d *RTPDevice) WriteRTP(kind webrtc.RTPCodecType, packet []byte) {
	if len(packet) < 2 {
		return
	}
	d.mu.Lock()
	sink := d.current
	d.mu.Unlock()
	if sink == nil {
		return
	}

	pt := byte(payloadTypeVideo)
	if kind == webrtc.RTPCodecTypeAudio {
		pt = payloadTypeAudio
	}
	rewritten := make([]byte, len(packet))
	copy(rewritten, packet)
	rewritten[1] = (packet[1] & 0x80) | pt
	sink.writeRTP(kind, rewritten)
}

// OpenSink starts an ffmpeg muxer for one segment and points WriteRTP at it.
func (d *RTPDevice) OpenSink() (Sink, error) {
	d.mu.Lock()
	if !d.acquired {
		d.mu.Unlock()
		return nil, fmt.Errorf("capture device not acquired")
	}
	tracks := make([]TrackInfo, len(d.tracks))
	copy(tracks, d.tracks)
	d.mu.Unlock()

	videoPort := freeUDPPort(5000)
	audioPort := freeUDPPort(5002)

	sdp := buildSDP(tracks, videoPort, audioPort)
	sdpPath := filepath.Join(os.TempDir(), "capture-"+uuid.New().String()+".sdp")
	if err := os.WriteFile(sdpPath, []byte(sdp), 0600); err != nil {
		return nil, fmt.Errorf("write sdp: %w", err)
	}

	cmd := exec.Command("ffmpeg",
		"-protocol_whitelist", "file,udp,rtp",
		"-f", "sdp", "-i", sdpPath,
		"-c", "copy",
		"-f", "webm",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	videoConn, err1 := dialLoopback(videoPort)
	audioConn, err2 := dialLoopback(audioPort)
	if err1 != nil || err2 != nil {
		_ = cmd.Process.Kill()
		if videoConn != nil {
			videoConn.Close()
		}
		if audioConn != nil {
			audioConn.Close()
		}
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("udp dial: %v / %v", err1, err2)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := &rtpSink{
		processSink: processSink{
			cmd:    cmd,
			stdout: stdout,
			frags:  make(chan []byte, 16),
			logger: logger,
		},
		device:    d,
		sdpPath:   sdpPath,
		videoConn: videoConn,
		audioConn: audioConn,
	}
	go sink.readLoop()

	d.mu.Lock()
	d.current = sink
	d.mu.Unlock()
	return sink, nil
}

// rtpSink is a processSink that also owns the UDP forwarding legs and SDP file.
type rtpSink struct {
	processSink
	device  *RTPDevice
	sdpPath string

	connMu    sync.Mutex
	videoConn *net.UDPConn
	audioConn *net.UDPConn
}

func (s *rtpSink) writeRTP(kind webrtc.RTPCodecType, packet []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conn := s.videoConn
	if kind == webrtc.RTPCodecTypeAudio {
		conn = s.audioConn
	}
	if conn != nil {
		_, _ = conn.Write(packet)
	}
}

// Stop detaches the sink from the device, closes the UDP legs so ffmpeg sees
// end of stream, finalizes the process, and removes the SDP file. Idempotent.
func (s *rtpSink) Stop() {
	s.device.mu.Lock()
	if s.device.current == s {
		s.device.current = nil
	}
	s.device.mu.Unlock()

	s.connMu.Lock()
	if s.videoConn != nil {
		s.videoConn.Close()
		s.videoConn = nil
	}
	if s.audioConn != nil {
		s.audioConn.Close()
		s.audioConn = nil
	}
	s.connMu.Unlock()

	s.processSink.Stop()
	_ = os.Remove(s.sdpPath)
}

// buildSDP generates the SDP ffmpeg reads RTP with, using fixed payload types
// 96 (video) and 97 (audio) to match the WriteRTP rewrite.
func buildSDP(tracks []TrackInfo, videoPort, audioPort int) string {
	s := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	for _, t := range tracks {
		media := "video"
		port := videoPort
		pt := payloadTypeVideo
		codec := "VP8"
		clock := "90000"
		if t.Kind == webrtc.RTPCodecTypeAudio {
			media = "audio"
			port = audioPort
			pt = payloadTypeAudio
			codec = "opus"
			clock = "48000"
		}
		switch t.MimeType {
		case "video/VP8", "video/vp8":
			codec, clock = "VP8", "90000"
		case "video/VP9", "video/vp9":
			codec, clock = "VP9", "90000"
		case "video/H264", "video/h264":
			codec, clock = "H264", "90000"
		case "audio/opus", "audio/OPUS":
			codec, clock = "opus", "48000"
		case "audio/PCMU":
			codec, clock = "PCMU", "8000"
		}
		s += fmt.Sprintf("m=%s %d RTP/AVP %d\r\na=rtpmap:%d %s/%s\r\n",
			media, port, pt, pt, codec, clock)
	}
	return s
}

func freeUDPPort(fallback int) int {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fallback
	}
	port := l.LocalAddr().(*net.UDPAddr).Port
	l.Close()
	return port
}

func dialLoopback(port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, addr)
}
