package local

import (
	"context"
	"testing"
	"time"

	"github.com/primal-host/session-backend/internal/notify"
)

func TestSubscribeThenPublishDelivers(t *testing.T) {
	n := New()
	key := notify.StreamKey{UserID: "U", SaveID: "S"}

	ch, cancel := n.Subscribe(context.Background(), key)
	defer cancel()

	n.Publish(context.Background(), key, 1)

	select {
	case notice := <-ch:
		if notice.Seq != 1 {
			t.Fatalf("notice.Seq = %d, want 1", notice.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	n := New()
	key := notify.StreamKey{UserID: "U", SaveID: "S"}
	done := make(chan struct{})
	go func() {
		n.Publish(context.Background(), key, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	n := New()
	key := notify.StreamKey{UserID: "U", SaveID: "S"}

	_, cancel := n.Subscribe(context.Background(), key)
	cancel()

	n.mu.RLock()
	remaining := len(n.subs[key])
	n.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", remaining)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	n := New()
	key := notify.StreamKey{UserID: "U", SaveID: "S"}

	slow, cancelSlow := n.Subscribe(context.Background(), key)
	defer cancelSlow()
	fast, cancelFast := n.Subscribe(context.Background(), key)
	defer cancelFast()

	for i := 0; i < subscriberBuffer+5; i++ {
		n.Publish(context.Background(), key, int64(i))
	}

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow subscriber's full buffer")
	}
	_ = slow
}
