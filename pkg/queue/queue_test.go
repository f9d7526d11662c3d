package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnqueueRejectsEmptySessionID(t *testing.T) {
	q := NewQueue(nil, QueueVideoProcessing, 30*time.Second, zap.NewNop())
	if _, err := q.Enqueue(context.Background(), MergePayload{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestQueueKeysAreNamespacedByQueueName(t *testing.T) {
	q := NewQueue(nil, "video-processing", time.Minute, nil)
	if got := q.waitingKey(); got != "queue:video-processing" {
		t.Fatalf("waiting key = %q", got)
	}
	if got := q.processingKey("w1"); got != "queue:video-processing:processing:w1" {
		t.Fatalf("processing key = %q", got)
	}
	if got := q.dlqKey(); got != "queue:video-processing:dlq" {
		t.Fatalf("dlq key = %q", got)
	}
	if got := q.heartbeatKey("w1"); got != "queue:video-processing:hb:w1" {
		t.Fatalf("heartbeat key = %q", got)
	}
}
