package capture

import "sync"

// statusBoard tracks upload-side state shared between the uploader's spawned
// tasks and status readers.
type statusBoard struct {
	mu       sync.Mutex
	inflight int
	pct      int
	list     []SegmentRef
}

func newStatusBoard() *statusBoard {
	return &statusBoard{}
}

func (b *statusBoard) uploadStarted() {
	b.mu.Lock()
	b.inflight++
	b.pct = 0
	b.mu.Unlock()
}

func (b *statusBoard) uploadFinished() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.pct = 0
	}
	b.mu.Unlock()
}

func (b *statusBoard) setProgress(pct int) {
	b.mu.Lock()
	b.pct = pct
	b.mu.Unlock()
}

func (b *statusBoard) appendRef(ref SegmentRef) {
	b.mu.Lock()
	b.list = append(b.list, ref)
	b.mu.Unlock()
}

func (b *statusBoard) refs() []SegmentRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SegmentRef, len(b.list))
	copy(out, b.list)
	return out
}

func (b *statusBoard) uploading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight > 0
}

func (b *statusBoard) progress() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pct
}

func (b *statusBoard) reset() {
	b.mu.Lock()
	b.list = nil
	b.pct = 0
	b.mu.Unlock()
}
