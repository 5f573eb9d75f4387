package ws

import (
	"sync/atomic"
	"testing"
	"time"
)

func recvMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub message")
		return Message{}
	}
}

func TestHubBroadcastFansOut(t *testing.T) {
	t.Parallel()
	h := NewHub()
	defer h.Stop()

	a := make(chan Message, 4)
	b := make(chan Message, 4)
	h.Register("a", a)
	h.Register("b", b)

	h.Broadcast(Message{Topic: "labelberry/pi/pi-001/events", Type: TypeLifecycle})

	for _, ch := range []chan Message{a, b} {
		msg := recvMessage(t, ch)
		if msg.Type != TypeLifecycle {
			t.Errorf("message: %+v", msg)
		}
	}
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	t.Parallel()
	h := NewHub()
	defer h.Stop()

	ch := make(chan Message, 1)
	h.Register("a", ch)
	h.Unregister("a")

	select {
	case _, open := <-ch:
		if open {
			t.Error("channel should be closed, not carrying a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
}

func TestHubReRegisterReplacesChannel(t *testing.T) {
	t.Parallel()
	h := NewHub()
	defer h.Stop()

	old := make(chan Message, 1)
	h.Register("a", old)
	replacement := make(chan Message, 1)
	h.Register("a", replacement)

	// the old channel is closed, the new one receives
	select {
	case _, open := <-old:
		if open {
			t.Error("old channel should be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("old channel never closed")
	}

	h.Broadcast(Message{Type: TypeStatus})
	if msg := recvMessage(t, replacement); msg.Type != TypeStatus {
		t.Errorf("message: %+v", msg)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub()
	defer h.Stop()

	var drops int32
	h.OnDrop(func(id string) {
		if id == "slow" {
			atomic.AddInt32(&drops, 1)
		}
	})

	slow := make(chan Message) // unbuffered and never read
	h.Register("slow", slow)

	h.Broadcast(Message{Type: TypeStatus})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&drops) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("drop callback never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
