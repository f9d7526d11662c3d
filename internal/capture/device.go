package capture

import "context"

// MediaSegment is one fixed-duration slice of captured media. Segments are
// ephemeral: assembled by the recorder loop and handed straight to the uploader.
type MediaSegment struct {
	Index    int
	Data     []byte
	MimeType string
}

// SegmentRef records a successfully uploaded segment. The list of refs is
// append-only for the lifetime of a capture session.
type SegmentRef struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Device is an acquired capture device handle. Acquire must be called before
// OpenSink; Release is idempotent and safe to call at any point, including
// while a sink is open.
type Device interface {
	Acquire(ctx context.Context) error
	OpenSink() (Sink, error)
	Release()
}

// Sink is one open recording sink. Fragments returns the same channel on every
// call; it delivers payload fragments as they arrive and is closed once the
// sink has flushed after Stop. Stop is idempotent and may be called from a
// goroutine other than the one consuming Fragments.
type Sink interface {
	Fragments() <-chan []byte
	Stop()
}
