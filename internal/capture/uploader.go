package capture

import (
	"bytes"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/rivora/studio-backend/pkg/storage"
)

// ObjectStore is the remote store segments are shipped to.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64, progress func(pct int)) (url string, err error)
}

// Uploader ships finished segments to the object store. Uploads are
// fire-and-forget with respect to the recorder loop: a slow or failed upload
// never blocks the next segment cycle, and a failed segment is logged and
// dropped, not retried.
type Uploader struct {
	store     ObjectStore
	sessionID string
	role      string
	logger    *zap.Logger
	nowMilli  func() int64

	status *statusBoard
}

// NewUploader creates an uploader for one participant's capture session.
func NewUploader(store ObjectStore, sessionID, role string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:     store,
		sessionID: sessionID,
		role:      role,
		logger:    logger,
		nowMilli:  func() int64 { return time.Now().UnixMilli() },
		status:    newStatusBoard(),
	}
}

// UploadAsync spawns the upload for one segment and returns immediately. The
// result is observable only through the append-only ref list.
func (u *Uploader) UploadAsync(ctx context.Context, seg MediaSegment) {
	go u.upload(ctx, seg)
}

func (u *Uploader) upload(ctx context.Context, seg MediaSegment) {
	u.status.uploadStarted()
	defer u.status.uploadFinished()

	key := storage.SegmentKey(u.sessionID, u.role, seg.Index, u.nowMilli())
	url, err := u.store.Upload(ctx, key, seg.MimeType, bytes.NewReader(seg.Data), int64(len(seg.Data)), u.status.setProgress)
	if err != nil {
		u.logger.Error("segment upload failed",
			zap.String("session_id", u.sessionID),
			zap.String("role", u.role),
			zap.Int("segment", seg.Index),
			zap.Error(err))
		return
	}
	u.status.appendRef(SegmentRef{Index: seg.Index, URL: url})
	u.logger.Debug("segment uploaded",
		zap.String("role", u.role),
		zap.Int("segment", seg.Index),
		zap.String("url", url))
}

// Refs returns a copy of the uploaded segment refs accumulated so far.
func (u *Uploader) Refs() []SegmentRef { return u.status.refs() }

// Uploading reports whether any segment upload is in flight.
func (u *Uploader) Uploading() bool { return u.status.uploading() }

// Progress returns the most recent percent-complete report.
func (u *Uploader) Progress() int { return u.status.progress() }

// Reset clears refs and counters for a fresh capture session.
func (u *Uploader) Reset() { u.status.reset() }
